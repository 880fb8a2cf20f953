package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"branchtalk-ai/internal/constants"
	"branchtalk-ai/internal/tree"
	"branchtalk-ai/pkg/redis"
)

// BranchCacheRepository keeps recent branch enumerations in Redis so the
// Path Builder is not re-run on every read of an unchanged conversation.
// Cached entries are structural only: IsActive is recomputed by the caller
// against the live active path. Every tree write invalidates.
type BranchCacheRepository interface {
	Get(ctx context.Context, conversationID primitive.ObjectID) ([]tree.Branch, bool)
	Set(ctx context.Context, conversationID primitive.ObjectID, branches []tree.Branch)
	Invalidate(ctx context.Context, conversationIDs ...primitive.ObjectID)
}

type branchCacheRepository struct {
	redisRepo redis.IRedisRepositories
	log       *zap.SugaredLogger
}

func NewBranchCacheRepository(redisRepo redis.IRedisRepositories, log *zap.SugaredLogger) BranchCacheRepository {
	return &branchCacheRepository{
		redisRepo: redisRepo,
		log:       log,
	}
}

func (r *branchCacheRepository) Get(ctx context.Context, conversationID primitive.ObjectID) ([]tree.Branch, bool) {
	raw, err := r.redisRepo.Get(branchCacheKey(conversationID), ctx)
	if err != nil {
		if err != redis.ErrKeyNotFound {
			r.log.Warnf("Get -> cache read failed for %s: %v", conversationID.Hex(), err)
		}
		return nil, false
	}

	var branches []tree.Branch
	if err := json.Unmarshal([]byte(raw), &branches); err != nil {
		r.log.Warnf("Get -> dropping undecodable cache entry for %s: %v", conversationID.Hex(), err)
		_ = r.redisRepo.Del(branchCacheKey(conversationID), ctx)
		return nil, false
	}
	return branches, true
}

func (r *branchCacheRepository) Set(ctx context.Context, conversationID primitive.ObjectID, branches []tree.Branch) {
	data, err := json.Marshal(branches)
	if err != nil {
		r.log.Warnf("Set -> cache marshal failed for %s: %v", conversationID.Hex(), err)
		return
	}
	if err := r.redisRepo.Set(branchCacheKey(conversationID), data, constants.BranchCacheTTL, ctx); err != nil {
		r.log.Warnf("Set -> cache write failed for %s: %v", conversationID.Hex(), err)
	}
}

func (r *branchCacheRepository) Invalidate(ctx context.Context, conversationIDs ...primitive.ObjectID) {
	switch len(conversationIDs) {
	case 0:
		return
	case 1:
		if err := r.redisRepo.Del(branchCacheKey(conversationIDs[0]), ctx); err != nil {
			r.log.Warnf("Invalidate -> cache delete failed: %v", err)
		}
	default:
		pipeline := r.redisRepo.StartPipeline(ctx)
		for _, id := range conversationIDs {
			pipeline.Del(ctx, branchCacheKey(id))
		}
		if err := pipeline.Execute(ctx); err != nil {
			r.log.Warnf("Invalidate -> cache pipeline failed: %v", err)
		}
	}
}

func branchCacheKey(conversationID primitive.ObjectID) string {
	return fmt.Sprintf("branches:%s", conversationID.Hex())
}
