// Package registry is the single source of truth for model artifact records.
// All lifecycle writes go through a compare-and-swap on the record's state;
// the CAS is the only synchronization primitive the pipeline relies on.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"modeld/pkg/blob"
	"modeld/pkg/db"
	"modeld/pkg/metrics"
)

// Registry provides durable, transaction-guarded access to artifact records
// and their append-only transition log.
type Registry struct {
	orm *gorm.DB
}

// New creates a Registry over the provided gorm handle.
func New(orm *gorm.DB) (*Registry, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Registry{orm: orm}, nil
}

// Create inserts a new record in state uploaded with revision 0 and appends
// the initial transition entry.
func (r *Registry) Create(ctx context.Context, draft Draft) (Record, error) {
	if r == nil {
		return Record{}, errors.New("nil registry")
	}

	draft.TenantID = strings.TrimSpace(draft.TenantID)
	draft.Name = strings.TrimSpace(draft.Name)
	draft.Version = strings.TrimSpace(draft.Version)
	if draft.TenantID == "" || draft.Name == "" || draft.Version == "" {
		return Record{}, errors.New("tenant_id, name and version are required")
	}
	if !blob.ValidDigest(draft.Digest) {
		return Record{}, fmt.Errorf("invalid digest %q", draft.Digest)
	}

	model := recordModel{
		ID:        uuid.New(),
		TenantID:  draft.TenantID,
		Name:      draft.Name,
		Version:   draft.Version,
		Framework: draft.Framework,
		Type:      draft.Type,
		Tags:      toJSONMap(draft.Tags),
		Digest:    draft.Digest,
		State:     string(StateUploaded),
		Revision:  0,
	}

	err := r.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		return tx.Create(&transitionModel{
			ArtifactID: model.ID,
			FromState:  "",
			ToState:    string(StateUploaded),
			Reason:     "upload accepted",
		}).Error
	})
	if err != nil {
		return Record{}, err
	}

	return r.Get(ctx, model.ID)
}

// Get returns the record with the given id.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	if r == nil {
		return Record{}, errors.New("nil registry")
	}

	var model recordModel
	err := r.orm.WithContext(ctx).Where("id = ?", id).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return model.toAPI(), nil
}

// FindActive returns the promoted record for (tenant, name), or ErrNotFound.
// At most one such record exists at any instant.
func (r *Registry) FindActive(ctx context.Context, tenantID, name string) (Record, error) {
	if r == nil {
		return Record{}, errors.New("nil registry")
	}

	var model recordModel
	err := r.orm.WithContext(ctx).
		Where("tenant_id = ? AND name = ? AND state = ?", tenantID, name, string(StatePromoted)).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return model.toAPI(), nil
}

// StaleInState returns records that have sat in the given state for longer
// than age, oldest first. The pipeline worker uses it to re-drive records
// whose kickoff event never made it onto the bus.
func (r *Registry) StaleInState(ctx context.Context, state State, age time.Duration) ([]Record, error) {
	if r == nil {
		return nil, errors.New("nil registry")
	}

	cutoff := time.Now().UTC().Add(-age)
	var models []recordModel
	if err := r.orm.WithContext(ctx).
		Where("state = ? AND updated_at < ?", string(state), cutoff).
		Order("updated_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// Transitions returns the record's audit log, oldest first.
func (r *Registry) Transitions(ctx context.Context, id uuid.UUID) ([]Transition, error) {
	if r == nil {
		return nil, errors.New("nil registry")
	}

	var models []transitionModel
	if err := r.orm.WithContext(ctx).
		Where("artifact_id = ?", id).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}

	out := make([]Transition, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// Transition moves the record from expected to next, failing with ErrConflict
// when the stored state no longer matches expected. A successful transition
// bumps the revision and appends one audit entry; nothing is mutated on
// conflict.
func (r *Registry) Transition(ctx context.Context, id uuid.UUID, expected, next State, reason string) (Record, error) {
	return r.transition(ctx, id, expected, next, "", reason, false)
}

// Override is the operator escape hatch: it moves a non-terminal record to
// validation_failed or rolled_back regardless of what state the caller last
// observed. The operator identity is mandatory and recorded in both the
// transition log and the audit table.
func (r *Registry) Override(ctx context.Context, id uuid.UUID, next State, operator, reason string) (Record, error) {
	if r == nil {
		return Record{}, errors.New("nil registry")
	}
	if strings.TrimSpace(operator) == "" {
		return Record{}, errors.New("operator identity is required")
	}
	if next != StateValidationFailed && next != StateRolledBack {
		return Record{}, fmt.Errorf("%w: override may only target %s or %s",
			ErrInvalidTransition, StateValidationFailed, StateRolledBack)
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if current.State.Terminal() {
		return Record{}, fmt.Errorf("%w: record is already terminal (%s)", ErrInvalidTransition, current.State)
	}

	return r.transition(ctx, id, current.State, next, operator, reason, true)
}

func (r *Registry) transition(ctx context.Context, id uuid.UUID, expected, next State, actor, reason string, override bool) (Record, error) {
	if r == nil {
		return Record{}, errors.New("nil registry")
	}
	if !override && !ValidEdge(expected, next) {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}

	err := r.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&recordModel{}).
			Where("id = ? AND state = ?", id, string(expected)).
			Updates(map[string]any{
				"state":    string(next),
				"revision": gorm.Expr("revision + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&recordModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}

		if err := tx.Create(&transitionModel{
			ArtifactID: id,
			FromState:  string(expected),
			ToState:    string(next),
			Actor:      actor,
			Reason:     reason,
		}).Error; err != nil {
			return err
		}

		if override {
			return tx.Create(&auditModel{
				Actor:  actor,
				Action: "override",
				Obj:    id.String(),
				Details: toJSONMap(map[string]any{
					"from":   string(expected),
					"to":     string(next),
					"reason": reason,
				}),
			}).Error
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.TransitionConflictsTotal.Inc()
		}
		return Record{}, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(next)).Inc()
	return r.Get(ctx, id)
}

// Promote atomically retires the current promoted record for the target's
// (tenant, name) and moves the target from expected to promoted, all under
// one transaction. No intermediate state with zero or two promoted records is
// externally observable.
func (r *Registry) Promote(ctx context.Context, id uuid.UUID, expected State, approver, reason string) (Record, error) {
	if r == nil {
		return Record{}, errors.New("nil registry")
	}
	if strings.TrimSpace(approver) == "" {
		return Record{}, errors.New("approver identity is required")
	}

	now := time.Now().UTC()

	err := r.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target recordModel
		if err := tx.Where("id = ?", id).Take(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		// Retire the current holder first; its row lock serializes racing
		// promotions for the same (tenant, name).
		var prior []recordModel
		if err := tx.Where("tenant_id = ? AND name = ? AND state = ? AND id <> ?",
			target.TenantID, target.Name, string(StatePromoted), id).
			Find(&prior).Error; err != nil {
			return err
		}
		for _, p := range prior {
			res := tx.Model(&recordModel{}).
				Where("id = ? AND state = ?", p.ID, string(StatePromoted)).
				Updates(map[string]any{
					"state":    string(StateRetired),
					"revision": gorm.Expr("revision + 1"),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrConflict
			}
			if err := tx.Create(&transitionModel{
				ArtifactID: p.ID,
				FromState:  string(StatePromoted),
				ToState:    string(StateRetired),
				Actor:      approver,
				Reason:     fmt.Sprintf("superseded by %s", id),
				At:         now,
			}).Error; err != nil {
				return err
			}
		}

		res := tx.Model(&recordModel{}).
			Where("id = ? AND state = ?", id, string(expected)).
			Updates(map[string]any{
				"state":    string(StatePromoted),
				"revision": gorm.Expr("revision + 1"),
			})
		if res.Error != nil {
			// A racing promotion that committed after our prior-holder scan
			// trips the one-promoted-per-model unique index here; surface it
			// as the same conflict a stale CAS would produce.
			if db.IsUniqueViolation(res.Error) {
				return ErrConflict
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		if err := tx.Create(&transitionModel{
			ArtifactID: id,
			FromState:  string(expected),
			ToState:    string(StatePromoted),
			Actor:      approver,
			Reason:     reason,
			At:         now,
		}).Error; err != nil {
			return err
		}

		return tx.Create(&auditModel{
			Actor:  approver,
			Action: "promote",
			Obj:    id.String(),
			Details: toJSONMap(map[string]any{
				"tenant_id": target.TenantID,
				"name":      target.Name,
				"retired":   len(prior),
				"reason":    reason,
			}),
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.TransitionConflictsTotal.Inc()
			metrics.PromotionsTotal.WithLabelValues("conflict").Inc()
		}
		return Record{}, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(StatePromoted)).Inc()
	metrics.PromotionsTotal.WithLabelValues("promoted").Inc()
	return r.Get(ctx, id)
}
