// Package controller implements the lab store operations on top of the
// repository: it validates input, stamps audit fields, enforces the
// restrict-delete policy and publishes audit events after each committed write.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gartstein/avenue/internal/lab/db"
	e "github.com/gartstein/avenue/internal/lab/errors"
	"github.com/gartstein/avenue/internal/lab/events"
	"github.com/gartstein/avenue/internal/lab/models"
	"go.uber.org/zap"
)

type EventProducer interface {
	Produce(eventType events.EventType, entity models.Entity, stamp models.Stamp)
}

// MetricsRecorder observes the outcome and latency of each operation.
type MetricsRecorder interface {
	Observe(operation string, kind models.Kind, err error, elapsed time.Duration)
}

// Repository defines the storage interface the service runs on. Writes go
// through WithTransaction so that checks and mutation commit together.
type Repository interface {
	Load(ctx context.Context, kind models.Kind, key models.Key) (models.Entity, error)
	List(ctx context.Context, kind models.Kind, activeOnly bool) ([]models.Entity, error)
	SaveActor(ctx context.Context, actor *models.Actor) error
	WithTransaction(ctx context.Context, fn func(store db.Store) error) error
}

// Audit columns maintained by the service; callers never write them.
var managedColumns = map[string]bool{
	"created_at":       true,
	"created_by":       true,
	"last_modified_at": true,
	"modified_by":      true,
}

type LabService struct {
	repo     Repository
	producer EventProducer
	metrics  MetricsRecorder
	logger   *zap.Logger
}

// NewLabService constructs a LabService. metrics may be nil.
func NewLabService(repo Repository, producer EventProducer, metrics MetricsRecorder, logger *zap.Logger) *LabService {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &LabService{
		repo:     repo,
		producer: producer,
		metrics:  metrics,
		logger:   logger.Named("lab_service"),
	}
}

// Create stores a new record. Audit fields are stamped from stamp, every
// reference must resolve and natural keys must be unused.
func (s *LabService) Create(ctx context.Context, entity models.Entity, stamp models.Stamp) (_ models.Entity, err error) {
	if entity == nil {
		return nil, fmt.Errorf("%w: no record given", e.ErrValidation)
	}
	kind := entity.Kind()
	defer s.observe("create", kind, time.Now(), &err)

	if kind == models.KindActor {
		return nil, fmt.Errorf("%w: actors are registered, not created", e.ErrValidation)
	}
	if stamp, err = normalize(stamp); err != nil {
		return nil, err
	}
	if err := entity.Validate(); err != nil {
		return nil, err
	}
	if c, ok := entity.(models.CreationAudited); ok {
		c.StampCreated(stamp)
	}
	if m, ok := entity.(models.ModificationAudited); ok {
		m.StampModified(stamp)
	}

	err = s.repo.WithTransaction(ctx, func(tx db.Store) error {
		if err := requireActor(ctx, tx, stamp.Actor); err != nil {
			return err
		}
		if key := entity.PrimaryKey(); key != "" && key != models.IDKey(0) {
			exists, err := tx.Exists(ctx, kind, key)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: %s %s already exists", e.ErrUniqueness, kind, key)
			}
		}
		if err := resolveReferences(ctx, tx, entity); err != nil {
			return err
		}
		return tx.Create(ctx, entity)
	})
	if err != nil {
		return nil, s.wrap("create", err)
	}

	s.logger.Info("record created",
		zap.String("kind", string(kind)),
		zap.String("key", string(entity.PrimaryKey())),
		zap.String("actor", string(stamp.Actor)),
	)
	s.publish(events.EntityCreated, entity, stamp)
	return entity, nil
}

// Update applies fields, keyed by column name, to an existing record and
// re-stamps its modification audit fields. Nothing is written unless the
// whole update is valid.
func (s *LabService) Update(ctx context.Context, kind models.Kind, key models.Key, fields models.Fields, stamp models.Stamp) (_ models.Entity, err error) {
	defer s.observe("update", kind, time.Now(), &err)

	if kind == models.KindActor {
		return nil, fmt.Errorf("%w: actors are updated through registration", e.ErrValidation)
	}
	if stamp, err = normalize(stamp); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields to update", e.ErrValidation)
	}
	for name := range fields {
		if managedColumns[name] {
			return nil, fmt.Errorf("%w: %s.%s", e.ErrImmutableField, kind, name)
		}
	}

	var updated models.Entity
	err = s.repo.WithTransaction(ctx, func(tx db.Store) error {
		if err := requireActor(ctx, tx, stamp.Actor); err != nil {
			return err
		}
		entity, err := tx.Lock(ctx, kind, key)
		if err != nil {
			return err
		}
		columns, err := tx.Apply(ctx, entity, fields)
		if err != nil {
			return err
		}
		if err := entity.Validate(); err != nil {
			return err
		}
		if err := resolveReferences(ctx, tx, entity); err != nil {
			return err
		}
		columns = stampModified(entity, stamp, columns)
		if err := tx.Save(ctx, entity, columns); err != nil {
			return err
		}
		updated = entity
		return nil
	})
	if err != nil {
		return nil, s.wrap("update", err)
	}

	s.logger.Info("record updated",
		zap.String("kind", string(kind)),
		zap.String("key", string(key)),
		zap.String("actor", string(stamp.Actor)),
	)
	s.publish(events.EntityUpdated, updated, stamp)
	return updated, nil
}

// Delete removes a record that nothing references. A record with dependents
// fails with ErrReferentialIntegrity naming them.
func (s *LabService) Delete(ctx context.Context, kind models.Kind, key models.Key, stamp models.Stamp) (err error) {
	defer s.observe("delete", kind, time.Now(), &err)

	if stamp, err = normalize(stamp); err != nil {
		return err
	}

	var deleted models.Entity
	err = s.repo.WithTransaction(ctx, func(tx db.Store) error {
		if err := requireActor(ctx, tx, stamp.Actor); err != nil {
			return err
		}
		entity, err := tx.Lock(ctx, kind, key)
		if err != nil {
			return err
		}
		dependents, err := tx.Dependents(ctx, kind, key)
		if err != nil {
			return err
		}
		if len(dependents) > 0 {
			blocking := make([]string, 0, len(dependents))
			for _, d := range dependents {
				blocking = append(blocking, d.String())
			}
			return fmt.Errorf("%w: %s %s is referenced by %s",
				e.ErrReferentialIntegrity, kind, key, strings.Join(blocking, ", "))
		}
		if err := tx.Delete(ctx, kind, key); err != nil {
			return err
		}
		deleted = entity
		return nil
	})
	if err != nil {
		return s.wrap("delete", err)
	}

	s.logger.Info("record deleted",
		zap.String("kind", string(kind)),
		zap.String("key", string(key)),
		zap.String("actor", string(stamp.Actor)),
	)
	s.publish(events.EntityDeleted, deleted, stamp)
	return nil
}

// Retire clears the record's active flag (in_use for equipment). Dependents
// are not consulted and the record stays in place.
func (s *LabService) Retire(ctx context.Context, kind models.Kind, key models.Key, stamp models.Stamp) (_ models.Entity, err error) {
	defer s.observe("retire", kind, time.Now(), &err)

	info, err := models.Lookup(kind)
	if err != nil {
		return nil, err
	}
	if info.RetireFlag == "" {
		return nil, fmt.Errorf("%w: %s records cannot be retired", e.ErrValidation, kind)
	}
	if stamp, err = normalize(stamp); err != nil {
		return nil, err
	}

	var retired models.Entity
	err = s.repo.WithTransaction(ctx, func(tx db.Store) error {
		if err := requireActor(ctx, tx, stamp.Actor); err != nil {
			return err
		}
		entity, err := tx.Lock(ctx, kind, key)
		if err != nil {
			return err
		}
		columns, err := tx.Apply(ctx, entity, models.Fields{info.RetireFlag: false})
		if err != nil {
			return err
		}
		columns = stampModified(entity, stamp, columns)
		if err := tx.Save(ctx, entity, columns); err != nil {
			return err
		}
		retired = entity
		return nil
	})
	if err != nil {
		return nil, s.wrap("retire", err)
	}

	s.logger.Info("record retired",
		zap.String("kind", string(kind)),
		zap.String("key", string(key)),
		zap.String("actor", string(stamp.Actor)),
	)
	s.publish(events.EntityRetired, retired, stamp)
	return retired, nil
}

// Resolve returns the record together with the records it references.
func (s *LabService) Resolve(ctx context.Context, kind models.Kind, key models.Key) (_ models.Entity, err error) {
	defer s.observe("resolve", kind, time.Now(), &err)

	entity, err := s.repo.Load(ctx, kind, key)
	if err != nil {
		return nil, s.wrap("resolve", err)
	}
	return entity, nil
}

// List returns the records of kind; with activeOnly, retired ones are skipped.
func (s *LabService) List(ctx context.Context, kind models.Kind, activeOnly bool) (_ []models.Entity, err error) {
	defer s.observe("list", kind, time.Now(), &err)

	records, err := s.repo.List(ctx, kind, activeOnly)
	if err != nil {
		return nil, s.wrap("list", err)
	}
	return records, nil
}

// RegisterActor records an identity from the identity provider so that
// writes can be attributed to it.
func (s *LabService) RegisterActor(ctx context.Context, actor models.Actor) (err error) {
	defer s.observe("register", models.KindActor, time.Now(), &err)

	if err := actor.Validate(); err != nil {
		return err
	}
	if err := s.repo.SaveActor(ctx, &actor); err != nil {
		return s.wrap("register actor", err)
	}
	s.logger.Debug("actor registered", zap.String("actor", string(actor.ID)))
	return nil
}

// wrap adds context to storage failures. Taxonomy errors are returned as they are.
func (s *LabService) wrap(op string, err error) error {
	for _, known := range []error{e.ErrValidation, e.ErrNotFound, e.ErrReferentialIntegrity} {
		if errors.Is(err, known) {
			return err
		}
	}
	s.logger.Error("store operation failed", zap.String("operation", op), zap.Error(err))
	return fmt.Errorf("failed to %s record: %w", op, err)
}

func (s *LabService) observe(op string, kind models.Kind, start time.Time, err *error) {
	s.metrics.Observe(op, kind, *err, time.Since(start))
}

// publish must run on the writing goroutine: events of one record are queued
// in write order and the record is serialized before the caller gets it back.
func (s *LabService) publish(eventType events.EventType, entity models.Entity, stamp models.Stamp) {
	s.producer.Produce(eventType, entity, stamp)
}

// normalize validates the stamp and reduces its clock reading to what every
// supported database stores.
func normalize(stamp models.Stamp) (models.Stamp, error) {
	if err := stamp.Validate(); err != nil {
		return stamp, err
	}
	stamp.At = stamp.At.UTC().Truncate(time.Microsecond)
	return stamp, nil
}

func requireActor(ctx context.Context, tx db.Store, actor models.ActorID) error {
	exists, err := tx.Exists(ctx, models.KindActor, models.Key(actor))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: actor %s is not registered", e.ErrValidation, actor)
	}
	return nil
}

// resolveReferences checks that every reference held by entity points at an
// existing record.
func resolveReferences(ctx context.Context, tx db.Store, entity models.Entity) error {
	refs, err := tx.References(ctx, entity)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.Missing {
			return fmt.Errorf("%w: %s.%s is required", e.ErrValidation, ref.Dependent, ref.Column)
		}
		exists, err := tx.Exists(ctx, ref.Target, ref.Key)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s.%s references unknown %s %s",
				e.ErrValidation, ref.Dependent, ref.Column, ref.Target, ref.Key)
		}
	}
	return nil
}

func stampModified(entity models.Entity, stamp models.Stamp, columns []string) []string {
	if m, ok := entity.(models.ModificationAudited); ok {
		m.StampModified(stamp)
		columns = append(columns, "last_modified_at", "modified_by")
	}
	return columns
}

type nopMetrics struct{}

func (nopMetrics) Observe(string, models.Kind, error, time.Duration) {}
