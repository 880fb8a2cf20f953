package constants

import "time"

const (
	DefaultConversationTitle = "New conversation"

	// DefaultTokenBudget caps the estimated token cost of an assembled prompt.
	DefaultTokenBudget = 8000

	// CharsPerToken is the divisor for the content-length token estimate.
	CharsPerToken = 4

	// AttachmentTokenCost is charged for attachments without a text rendition.
	AttachmentTokenCost = 85

	DefaultPage     = 1
	DefaultPageSize = 20
	MaxPageSize     = 100

	BranchIDPrefix = "path_"

	BranchCacheTTL = 5 * time.Minute

	// MaxTitleLength truncates stored and generated conversation titles.
	MaxTitleLength = 80
)
