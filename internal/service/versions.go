// Package service contains application services for versioning, conflict
// resolution, queue processing and device tracking.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/dmaksimov/driftsync/internal/clock"
	"github.com/dmaksimov/driftsync/internal/errs"
	"github.com/dmaksimov/driftsync/internal/model"
	"github.com/dmaksimov/driftsync/internal/payload"
	"github.com/dmaksimov/driftsync/internal/repository"
)

// VersionService defines operations over entity version history.
type VersionService interface {
	// Create appends a new checksummed version with an atomically assigned
	// number and returns the stored record.
	Create(ctx context.Context, entityType, entityID string, pl model.Payload, actorID uuid.UUID, op model.Operation, meta model.Metadata) (*model.Version, error)
	// GetLatest returns the latest version number, 0 when unversioned.
	GetLatest(ctx context.Context, entityType, entityID string) (int64, error)
	// Get returns a single version record.
	Get(ctx context.Context, entityType, entityID string, version int64) (*model.Version, error)
	// GetHistory returns versions newest first, paged by limit/offset.
	GetHistory(ctx context.Context, entityType, entityID string, limit, offset int) ([]model.Version, error)
	// Compare returns the structural diff between two stored versions.
	Compare(ctx context.Context, entityType, entityID string, v1, v2 int64) ([]model.DiffEntry, error)
	// Rollback creates a new version whose payload equals the target
	// version's payload. History is never rewritten.
	Rollback(ctx context.Context, entityType, entityID string, targetVersion int64, actorID uuid.UUID) (*model.Version, error)
	// ValidateIntegrity recomputes every checksum and reports mismatches.
	// It never repairs data.
	ValidateIntegrity(ctx context.Context, entityType, entityID string) (model.IntegrityReport, error)
	// Prune drops all but the newest keepLast versions of an entity.
	Prune(ctx context.Context, entityType, entityID string, keepLast int) (int64, error)
}

type VersionServiceImpl struct {
	repo repository.VersionRepository
	clk  clock.Clock
	log  *zap.Logger

	// latest-version cache; the database's atomic assignment is
	// authoritative, this only short-circuits reads.
	mu     sync.Mutex
	latest map[string]int64
}

// NewVersionService constructs VersionService.
func NewVersionService(repo repository.VersionRepository, clk clock.Clock, log *zap.Logger) *VersionServiceImpl {
	return &VersionServiceImpl{
		repo:   repo,
		clk:    clk,
		log:    log,
		latest: make(map[string]int64),
	}
}

func entityKey(entityType, entityID string) string { return entityType + "\x00" + entityID }

func validateEntity(entityType, entityID string) error {
	if entityType == "" || entityID == "" {
		return fmt.Errorf("%w: empty entity type/id", errs.ErrInvalidArgument)
	}
	return nil
}

// Create validates input, computes the payload checksum and persists the
// version. The version number is assigned by the repository in a single
// atomic step, so concurrent writers can never observe the same slot.
func (s *VersionServiceImpl) Create(ctx context.Context, entityType, entityID string, pl model.Payload, actorID uuid.UUID, op model.Operation, meta model.Metadata) (*model.Version, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return nil, err
	}
	if actorID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty actor id", errs.ErrInvalidArgument)
	}
	switch op {
	case model.OpCreate, model.OpUpdate, model.OpDelete:
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", errs.ErrInvalidArgument, op)
	}

	sum, err := payload.Checksum(pl)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	v := &model.Version{
		ID:         id,
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    pl,
		Checksum:   sum,
		ActorID:    actorID,
		Metadata:   meta,
		CreatedAt:  s.clk.Now(),
	}
	assigned, err := s.repo.InsertNext(ctx, v)
	if err != nil {
		return nil, err
	}
	v.Version = assigned

	s.mu.Lock()
	s.latest[entityKey(entityType, entityID)] = assigned
	s.mu.Unlock()

	s.log.Debug("version created",
		zap.String("entityType", entityType),
		zap.String("entityId", entityID),
		zap.Int64("version", assigned),
		zap.String("operation", string(op)),
	)
	return v, nil
}

// GetLatest serves from the cache when possible and falls back to storage.
func (s *VersionServiceImpl) GetLatest(ctx context.Context, entityType, entityID string) (int64, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	if v, ok := s.latest[entityKey(entityType, entityID)]; ok {
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	v, err := s.repo.GetLatest(ctx, entityType, entityID)
	if err != nil {
		return 0, err
	}
	if v > 0 {
		s.mu.Lock()
		s.latest[entityKey(entityType, entityID)] = v
		s.mu.Unlock()
	}
	return v, nil
}

// Get fetches one version record.
func (s *VersionServiceImpl) Get(ctx context.Context, entityType, entityID string, version int64) (*model.Version, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return nil, err
	}
	if version < 1 {
		return nil, fmt.Errorf("%w: version must be >= 1", errs.ErrInvalidArgument)
	}
	return s.repo.Get(ctx, entityType, entityID, version)
}

// GetHistory returns versions newest first.
func (s *VersionServiceImpl) GetHistory(ctx context.Context, entityType, entityID string, limit, offset int) ([]model.Version, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.GetHistory(ctx, entityType, entityID, limit, offset)
}

// Compare diffs the payloads of two stored versions.
func (s *VersionServiceImpl) Compare(ctx context.Context, entityType, entityID string, v1, v2 int64) ([]model.DiffEntry, error) {
	a, err := s.Get(ctx, entityType, entityID, v1)
	if err != nil {
		return nil, fmt.Errorf("version %d: %w", v1, err)
	}
	b, err := s.Get(ctx, entityType, entityID, v2)
	if err != nil {
		return nil, fmt.Errorf("version %d: %w", v2, err)
	}
	return payload.Diff(a.Payload, b.Payload), nil
}

// Rollback appends a new version carrying the target version's payload,
// tagged as a rollback in metadata. A target whose stored checksum no
// longer matches its payload is refused: corrupted data never propagates
// into new versions.
func (s *VersionServiceImpl) Rollback(ctx context.Context, entityType, entityID string, targetVersion int64, actorID uuid.UUID) (*model.Version, error) {
	target, err := s.Get(ctx, entityType, entityID, targetVersion)
	if err != nil {
		return nil, err
	}
	sum, err := payload.Checksum(target.Payload)
	if err != nil {
		return nil, err
	}
	if sum != target.Checksum {
		return nil, fmt.Errorf("%w: version %d", errs.ErrIntegrityViolation, targetVersion)
	}
	meta := model.Metadata{"rollback": true, "rollbackTo": targetVersion}
	return s.Create(ctx, entityType, entityID, target.Payload, actorID, model.OpUpdate, meta)
}

// ValidateIntegrity recomputes checksums across the whole chain. It fails
// closed: corruption is reported, never corrected.
func (s *VersionServiceImpl) ValidateIntegrity(ctx context.Context, entityType, entityID string) (model.IntegrityReport, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return model.IntegrityReport{}, err
	}
	all, err := s.repo.GetAll(ctx, entityType, entityID)
	if err != nil {
		return model.IntegrityReport{}, err
	}

	report := model.IntegrityReport{IsValid: true}
	for i := range all {
		sum, err := payload.Checksum(all[i].Payload)
		if err != nil {
			return model.IntegrityReport{}, err
		}
		if sum != all[i].Checksum {
			report.IsValid = false
			report.CorruptedVersions = append(report.CorruptedVersions, all[i].Version)
		}
	}
	if !report.IsValid {
		s.log.Warn("integrity violation detected",
			zap.String("entityType", entityType),
			zap.String("entityId", entityID),
			zap.Int64s("versions", report.CorruptedVersions),
		)
	}
	return report, nil
}

// Prune applies the keep-last-N retention policy.
func (s *VersionServiceImpl) Prune(ctx context.Context, entityType, entityID string, keepLast int) (int64, error) {
	if err := validateEntity(entityType, entityID); err != nil {
		return 0, err
	}
	if keepLast < 1 {
		return 0, fmt.Errorf("%w: keepLast must be >= 1", errs.ErrInvalidArgument)
	}
	return s.repo.Prune(ctx, entityType, entityID, keepLast)
}
