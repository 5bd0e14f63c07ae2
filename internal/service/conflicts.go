package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/dmaksimov/driftsync/internal/clock"
	"github.com/dmaksimov/driftsync/internal/errs"
	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/dmaksimov/driftsync/internal/payload"
	"github.com/dmaksimov/driftsync/internal/repository"
)

// DetectInput describes one observed divergence between a client's
// last-known state and the server's current state of an entity.
type DetectInput struct {
	OwnerID       uuid.UUID
	EntityType    string
	EntityID      string
	LocalVersion  int64
	ServerVersion int64
	LocalPayload  model.Payload
	ServerPayload model.Payload
	Kind          model.ConflictKind
}

// ConflictService detects and resolves version divergences.
type ConflictService interface {
	// Detect records a divergence. It returns nil when the versions match.
	// A repeated detection for an entity with an unresolved conflict
	// updates that record in place instead of duplicating it.
	Detect(ctx context.Context, in DetectInput) (*model.Conflict, error)
	// Resolve applies a strategy to an unresolved conflict, records the
	// resolved payload as a new version and marks the conflict resolved.
	Resolve(ctx context.Context, conflictID uuid.UUID, strategy model.Strategy, resolvedBy uuid.UUID) (*model.Conflict, error)
	// AutoResolve applies rules.DefaultStrategy to every matching
	// unresolved conflict. One failure never aborts the batch.
	AutoResolve(ctx context.Context, ownerID uuid.UUID, entityType string, rules model.AutoResolveRules) (int, error)
	// GetUnresolved lists unresolved conflicts for the given filter.
	GetUnresolved(ctx context.Context, ownerID uuid.UUID, entityType string, limit int) ([]model.Conflict, error)
	// PruneResolved purges resolved conflicts older than the cutoff.
	PruneResolved(ctx context.Context, olderThanDays int) (int64, error)
}

type ConflictServiceImpl struct {
	repo      repository.ConflictRepository
	versions  VersionService
	clk       clock.Clock
	log       *zap.Logger
	batchSize int
}

// NewConflictService constructs ConflictService.
func NewConflictService(repo repository.ConflictRepository, versions VersionService, clk clock.Clock, log *zap.Logger) *ConflictServiceImpl {
	return &ConflictServiceImpl{repo: repo, versions: versions, clk: clk, log: log, batchSize: 100}
}

// Detect records or refreshes a divergence for an entity.
func (s *ConflictServiceImpl) Detect(ctx context.Context, in DetectInput) (*model.Conflict, error) {
	if in.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty owner id", errs.ErrInvalidArgument)
	}
	if err := validateEntity(in.EntityType, in.EntityID); err != nil {
		return nil, err
	}
	if in.LocalVersion == in.ServerVersion {
		return nil, nil
	}

	existing, err := s.repo.GetUnresolved(ctx, in.OwnerID, in.EntityType, in.EntityID)
	switch {
	case err == nil:
		return s.refresh(ctx, existing, in)
	case errors.Is(err, errs.ErrNotFound):
	default:
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	now := s.clk.Now()
	c := &model.Conflict{
		ID:            id,
		OwnerID:       in.OwnerID,
		EntityType:    in.EntityType,
		EntityID:      in.EntityID,
		LocalVersion:  in.LocalVersion,
		ServerVersion: in.ServerVersion,
		LocalPayload:  in.LocalPayload,
		ServerPayload: in.ServerPayload,
		Kind:          in.Kind,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, c); err != nil {
		if errors.Is(err, errs.ErrVersionConflict) {
			// lost the race against a concurrent detection: refresh theirs
			existing, gerr := s.repo.GetUnresolved(ctx, in.OwnerID, in.EntityType, in.EntityID)
			if gerr != nil {
				return nil, gerr
			}
			return s.refresh(ctx, existing, in)
		}
		return nil, err
	}

	s.log.Info("conflict detected",
		zap.String("entityType", in.EntityType),
		zap.String("entityId", in.EntityID),
		zap.Int64("localVersion", in.LocalVersion),
		zap.Int64("serverVersion", in.ServerVersion),
	)
	return c, nil
}

func (s *ConflictServiceImpl) refresh(ctx context.Context, c *model.Conflict, in DetectInput) (*model.Conflict, error) {
	c.LocalVersion = in.LocalVersion
	c.ServerVersion = in.ServerVersion
	c.LocalPayload = in.LocalPayload
	c.ServerPayload = in.ServerPayload
	c.Kind = in.Kind
	now := s.clk.Now()
	if err := s.repo.UpdateSnapshots(ctx, c, now); err != nil {
		return nil, err
	}
	c.UpdatedAt = now
	return c, nil
}

// Resolve applies the strategy, writes the resolved payload as a new
// version and marks the conflict resolved exactly once.
func (s *ConflictServiceImpl) Resolve(ctx context.Context, conflictID uuid.UUID, strategy model.Strategy, resolvedBy uuid.UUID) (*model.Conflict, error) {
	if resolvedBy == uuid.Nil {
		return nil, fmt.Errorf("%w: empty resolver id", errs.ErrInvalidArgument)
	}
	c, err := s.repo.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.Resolved {
		return nil, errs.ErrAlreadyResolved
	}

	resolved, err := resolvedPayload(c, strategy)
	if err != nil {
		return nil, err
	}

	meta := model.Metadata{
		"conflictId": c.ID.String(),
		"resolution": string(strategy.Kind),
	}
	v, err := s.versions.Create(ctx, c.EntityType, c.EntityID, resolved, resolvedBy, model.OpUpdate, meta)
	if err != nil {
		return nil, fmt.Errorf("record resolved version: %w", err)
	}

	now := s.clk.Now()
	if err := s.repo.MarkResolved(ctx, c.ID, strategy.Kind, resolvedBy, now); err != nil {
		return nil, err
	}
	c.Resolved = true
	c.Strategy = strategy.Kind
	c.ResolvedBy = resolvedBy
	c.ResolvedAt = now
	c.UpdatedAt = now

	s.log.Info("conflict resolved",
		zap.String("entityType", c.EntityType),
		zap.String("entityId", c.EntityID),
		zap.String("strategy", string(strategy.Kind)),
		zap.Int64("newVersion", v.Version),
	)
	return c, nil
}

// resolvedPayload computes the winning payload for a strategy. The switch
// is exhaustive over strategy kinds; anything else is an invalid argument.
func resolvedPayload(c *model.Conflict, strategy model.Strategy) (model.Payload, error) {
	switch strategy.Kind {
	case model.StrategyLocalWins:
		return c.LocalPayload, nil
	case model.StrategyServerWins:
		return c.ServerPayload, nil
	case model.StrategyMerge:
		return payload.Merge(c.LocalPayload, c.ServerPayload, strategy.FieldPriorities), nil
	case model.StrategyManual:
		if strategy.ManualPayload == nil {
			return nil, fmt.Errorf("%w: manual resolution requires a payload", errs.ErrInvalidArgument)
		}
		return strategy.ManualPayload, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", errs.ErrInvalidArgument, strategy.Kind)
	}
}

// AutoResolve sweeps unresolved conflicts and resolves each independently.
func (s *ConflictServiceImpl) AutoResolve(ctx context.Context, ownerID uuid.UUID, entityType string, rules model.AutoResolveRules) (int, error) {
	if rules.DefaultStrategy == "" || rules.DefaultStrategy == model.StrategyManual {
		return 0, fmt.Errorf("%w: auto-resolve requires a non-manual default strategy", errs.ErrInvalidArgument)
	}
	conflicts, err := s.repo.ListUnresolved(ctx, ownerID, entityType, s.batchSize)
	if err != nil {
		return 0, err
	}

	strategy := model.Strategy{Kind: rules.DefaultStrategy, FieldPriorities: rules.FieldPriorities}
	resolved := 0
	for i := range conflicts {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		if _, err := s.Resolve(ctx, conflicts[i].ID, strategy, conflicts[i].OwnerID); err != nil {
			s.log.Warn("auto-resolve failed",
				zap.String("conflictId", conflicts[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		resolved++
	}
	return resolved, nil
}

// GetUnresolved lists unresolved conflicts oldest first.
func (s *ConflictServiceImpl) GetUnresolved(ctx context.Context, ownerID uuid.UUID, entityType string, limit int) ([]model.Conflict, error) {
	if limit <= 0 {
		limit = s.batchSize
	}
	return s.repo.ListUnresolved(ctx, ownerID, entityType, limit)
}

// PruneResolved purges resolved conflicts past retention.
func (s *ConflictServiceImpl) PruneResolved(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 1 {
		return 0, fmt.Errorf("%w: retention must be >= 1 day", errs.ErrInvalidArgument)
	}
	cutoff := s.clk.Now().AddDate(0, 0, -olderThanDays)
	return s.repo.DeleteResolvedBefore(ctx, cutoff)
}
