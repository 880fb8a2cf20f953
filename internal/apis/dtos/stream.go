package dtos

type StreamResponse struct {
	Event string      `json:"event"` // connected, heartbeat, ai-response-chunk, ai-response, ai-response-error, response-cancelled, branch-switched, title-updated
	Data  interface{} `json:"data,omitempty"`
}

// ChunkData carries one streamed completion fragment for ai-response-chunk
// events. Content holds only the delta; the client appends it to the
// message identified by MessageID.
type ChunkData struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type BranchSwitchedData struct {
	ConversationID string   `json:"conversation_id"`
	ActivePath     []string `json:"active_path"`
}

type TitleUpdatedData struct {
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}
