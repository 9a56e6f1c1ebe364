// Package validator runs pluggable safety checks against uploaded artifacts.
// Checks execute in parallel with per-check timeouts; a required check that
// fails stops the run immediately, while an indeterminate check blocks
// advancement without condemning the artifact.
package validator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"modeld/pkg/blob"
	"modeld/pkg/metrics"
	"modeld/services/registry"
)

const defaultCheckTimeout = 2 * time.Minute

// CheckFunc inspects one artifact. Returning nil is a pass; returning an
// error created by Fail is a determination that the artifact is unsafe; any
// other error (including a context deadline) is indeterminate.
type CheckFunc func(ctx context.Context, rec registry.Record, store blob.Store) error

type failError struct {
	msg string
}

func (e *failError) Error() string { return e.msg }

// Fail builds a check error meaning "determined unsafe" rather than "could
// not determine".
func Fail(format string, args ...any) error {
	return &failError{msg: fmt.Sprintf(format, args...)}
}

// IsFail reports whether err carries a fail determination.
func IsFail(err error) bool {
	var fe *failError
	return errors.As(err, &fe)
}

type registeredCheck struct {
	name     string
	required bool
	timeout  time.Duration
	fn       CheckFunc
}

// Verdict aggregates a full validation run.
type Verdict struct {
	Results []Result
	// Failed is set when a required check reported fail; FailedCheck names it.
	Failed      bool
	FailedCheck string
	// Indeterminate is set when no required check failed but at least one
	// reported error; the artifact stays put until retried or overridden.
	Indeterminate      bool
	IndeterminateCheck string
}

// Passed reports whether every required check reported pass.
func (v Verdict) Passed() bool { return !v.Failed && !v.Indeterminate }

// Validator owns check registration and execution. Results are persisted to
// the validation_results table for the promotion gate and operators to read.
type Validator struct {
	orm   *gorm.DB
	store blob.Store

	mu     sync.Mutex
	checks []registeredCheck
}

// New creates a Validator persisting results through orm and reading
// artifact bytes from store.
func New(orm *gorm.DB, store blob.Store) (*Validator, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	return &Validator{orm: orm, store: store}, nil
}

// Register adds a named check. A zero timeout applies the default.
func (v *Validator) Register(name string, required bool, timeout time.Duration, fn CheckFunc) error {
	if v == nil {
		return errors.New("nil validator")
	}
	if name == "" {
		return errors.New("check name is required")
	}
	if fn == nil {
		return errors.New("check function is required")
	}
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range v.checks {
		if c.name == name {
			return fmt.Errorf("check %q already registered", name)
		}
	}
	v.checks = append(v.checks, registeredCheck{name: name, required: required, timeout: timeout, fn: fn})
	return nil
}

// errFailFast cancels sibling checks once a required check has failed.
var errFailFast = errors.New("validator: required check failed")

// RunAll executes every registered check against the record and persists the
// results. Checks run concurrently; the first required fail cancels the rest.
func (v *Validator) RunAll(ctx context.Context, rec registry.Record) (Verdict, error) {
	if v == nil {
		return Verdict{}, errors.New("nil validator")
	}

	v.mu.Lock()
	checks := make([]registeredCheck, len(v.checks))
	copy(checks, v.checks)
	v.mu.Unlock()

	if len(checks) == 0 {
		return Verdict{}, errors.New("no checks registered")
	}

	var (
		resultsMu sync.Mutex
		results   []Result
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, check := range checks {
		check := check
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, check.timeout)
			defer cancel()

			err := check.fn(cctx, rec, v.store)

			// A sibling's required fail cancelled this check; drop the
			// result rather than recording a misleading error outcome.
			if err != nil && gctx.Err() != nil && !IsFail(err) {
				return nil
			}

			result := Result{
				ArtifactID: rec.ID,
				CheckName:  check.name,
				Required:   check.required,
				At:         time.Now().UTC(),
			}
			switch {
			case err == nil:
				result.Outcome = OutcomePass
			case IsFail(err):
				result.Outcome = OutcomeFail
				result.Detail = err.Error()
			case errors.Is(err, context.DeadlineExceeded):
				result.Outcome = OutcomeError
				result.Detail = fmt.Sprintf("check timed out after %s", check.timeout)
			default:
				result.Outcome = OutcomeError
				result.Detail = err.Error()
			}

			resultsMu.Lock()
			results = append(results, result)
			resultsMu.Unlock()

			metrics.ValidationOutcomesTotal.WithLabelValues(check.name, string(result.Outcome)).Inc()

			if result.Outcome == OutcomeFail && check.required {
				return errFailFast
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errFailFast) {
		return Verdict{}, err
	}

	verdict := Verdict{Results: results}
	for _, result := range results {
		if !result.Required {
			continue
		}
		switch result.Outcome {
		case OutcomeFail:
			verdict.Failed = true
			verdict.FailedCheck = result.CheckName
		case OutcomeError:
			if verdict.IndeterminateCheck == "" {
				verdict.Indeterminate = true
				verdict.IndeterminateCheck = result.CheckName
			}
		}
	}
	if verdict.Failed {
		verdict.Indeterminate = false
		verdict.IndeterminateCheck = ""
	}

	if err := v.persist(ctx, results); err != nil {
		return Verdict{}, err
	}

	return verdict, nil
}

// Results returns the stored results for an artifact, oldest first.
func (v *Validator) Results(ctx context.Context, artifactID uuid.UUID) ([]Result, error) {
	if v == nil {
		return nil, errors.New("nil validator")
	}

	var models []resultModel
	if err := v.orm.WithContext(ctx).
		Where("artifact_id = ?", artifactID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

func (v *Validator) persist(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	models := make([]resultModel, 0, len(results))
	for _, r := range results {
		models = append(models, resultModel{
			ArtifactID: r.ArtifactID,
			CheckName:  r.CheckName,
			Outcome:    string(r.Outcome),
			Detail:     r.Detail,
			Required:   r.Required,
			At:         r.At,
		})
	}
	return v.orm.WithContext(ctx).Create(&models).Error
}
