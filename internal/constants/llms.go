package constants

const (
	OpenAI = "openai"
	Gemini = "gemini"
)

const (
	OpenAIModel               = "gpt-4o"
	OpenAITemperature         = 1
	OpenAIMaxCompletionTokens = 8192

	GeminiModel           = "gemini-2.0-flash"
	GeminiTemperature     = 1
	GeminiMaxOutputTokens = 8192
)
