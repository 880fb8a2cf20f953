package services

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"branchtalk-ai/internal/apperrors"
	"branchtalk-ai/internal/models"
	"branchtalk-ai/internal/repositories"
	"branchtalk-ai/internal/tree"
)

// BranchService enumerates a conversation's branches and moves its active
// path, keeping the per-message flags in step.
type BranchService interface {
	ListBranches(conversation *models.Conversation) ([]tree.Branch, error)
	ResolveSwitchTarget(conversation *models.Conversation, pathID *string, explicitIDs []string) ([]primitive.ObjectID, error)
	ApplyPath(conversation *models.Conversation, path []primitive.ObjectID) error
	InvalidateCache(conversationIDs ...primitive.ObjectID)
}

type branchService struct {
	conversationRepo repositories.ConversationRepository
	messageRepo      repositories.MessageRepository
	branchCache      repositories.BranchCacheRepository
	log              *zap.SugaredLogger
}

func NewBranchService(
	conversationRepo repositories.ConversationRepository,
	messageRepo repositories.MessageRepository,
	branchCache repositories.BranchCacheRepository,
	log *zap.SugaredLogger,
) BranchService {
	return &branchService{
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		branchCache:      branchCache,
		log:              log,
	}
}

// ListBranches returns the branch enumeration with IsActive tagged against
// the conversation's current active path. The structural list is cached;
// re-tagging on every read keeps a cached entry correct across path
// switches, which do not change the tree shape.
func (s *branchService) ListBranches(conversation *models.Conversation) ([]tree.Branch, error) {
	ctx := context.Background()

	if cached, ok := s.branchCache.Get(ctx, conversation.ID); ok {
		return retagActive(cached, conversation.ActivePath), nil
	}

	messages, err := s.messageRepo.FindByConversation(conversation.ID)
	if err != nil {
		return nil, errors.Wrap(err, "listing conversation messages")
	}

	branches := tree.Build(messages).Branches(conversation.ActivePath)
	s.branchCache.Set(ctx, conversation.ID, branches)
	return branches, nil
}

// ResolveSwitchTarget turns a switch request into a concrete message id
// list: either by looking the branch id up in the current enumeration or by
// parsing an explicit id list supplied by a caller that just built the path.
func (s *branchService) ResolveSwitchTarget(conversation *models.Conversation, pathID *string, explicitIDs []string) ([]primitive.ObjectID, error) {
	if pathID != nil && *pathID != "" {
		branches, err := s.ListBranches(conversation)
		if err != nil {
			return nil, err
		}
		branch, ok := tree.FindBranch(branches, *pathID)
		if !ok {
			return nil, apperrors.PathNotFoundf("branch %s of conversation %s", *pathID, conversation.ID.Hex())
		}
		return branch.MessageIDs, nil
	}

	if len(explicitIDs) == 0 {
		return nil, apperrors.Validationf("either path_id or message_ids is required")
	}
	ids := make([]primitive.ObjectID, len(explicitIDs))
	for i, hex := range explicitIDs {
		id, err := primitive.ObjectIDFromHex(hex)
		if err != nil {
			return nil, apperrors.Validationf("invalid message id %q", hex)
		}
		ids[i] = id
	}
	return ids, nil
}

// ApplyPath validates the path, persists it on the conversation and then
// flips the per-message active flags. A failed flag update is retried once
// before surfacing as a recoverable inconsistency; the stored path stays
// authoritative either way, so a later switch heals the flags.
func (s *branchService) ApplyPath(conversation *models.Conversation, path []primitive.ObjectID) error {
	messages, err := s.messageRepo.FindByConversation(conversation.ID)
	if err != nil {
		return errors.Wrap(err, "listing conversation messages")
	}
	if err := tree.Build(messages).ValidatePath(path); err != nil {
		return err
	}

	if err := s.conversationRepo.UpdateActivePath(conversation.ID, path); err != nil {
		return errors.Wrap(err, "updating active path")
	}
	conversation.ActivePath = path

	if err := s.messageRepo.SetActiveFlags(conversation.ID, path); err != nil {
		s.log.Warnf("ApplyPath -> retrying flag update for %s: %v", conversation.ID.Hex(), err)
		if err = s.messageRepo.SetActiveFlags(conversation.ID, path); err != nil {
			return errors.Wrap(apperrors.ErrRecoverableInconsistency, err.Error())
		}
	}
	return nil
}

// InvalidateCache drops cached enumerations after tree writes. Path
// switches alone do not need it.
func (s *branchService) InvalidateCache(conversationIDs ...primitive.ObjectID) {
	s.branchCache.Invalidate(context.Background(), conversationIDs...)
}

func retagActive(branches []tree.Branch, activePath []primitive.ObjectID) []tree.Branch {
	tagged := make([]tree.Branch, len(branches))
	for i, branch := range branches {
		branch.IsActive = tree.SameIDs(branch.MessageIDs, activePath)
		tagged[i] = branch
	}
	return tagged
}
