package dtos

import (
	"branchtalk-ai/internal/tree"
)

type BranchResponse struct {
	ID         string   `json:"id"`
	MessageIDs []string `json:"message_ids"`
	IsActive   bool     `json:"is_active"`
}

type BranchListResponse struct {
	Branches []BranchResponse `json:"branches"`
	Total    int              `json:"total"`
}

// SwitchBranchRequest targets a branch either by its enumerated id or by an
// explicit message id list; exactly one of the two should be set.
type SwitchBranchRequest struct {
	PathID     *string  `json:"path_id,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
	StreamID   string   `json:"stream_id"`
}

func ToBranchDto(branch tree.Branch) BranchResponse {
	messageIDs := make([]string, len(branch.MessageIDs))
	for i, id := range branch.MessageIDs {
		messageIDs[i] = id.Hex()
	}
	return BranchResponse{
		ID:         branch.ID,
		MessageIDs: messageIDs,
		IsActive:   branch.IsActive,
	}
}

func ToBranchListDto(branches []tree.Branch) *BranchListResponse {
	response := &BranchListResponse{
		Branches: make([]BranchResponse, len(branches)),
		Total:    len(branches),
	}
	for i, branch := range branches {
		response.Branches[i] = ToBranchDto(branch)
	}
	return response
}
