// Package pipeline is the asynchronous driver: it consumes pipeline events
// off the bus, runs validation, kicks off canaries, and advances in-flight
// deployments on a fixed cadence. Registry CAS transitions make every step
// safe under redelivery and multiple workers.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"modeld/pkg/config"
	"modeld/pkg/events"
	"modeld/services/canary"
	"modeld/services/registry"
	"modeld/services/validator"
)

const queueGroup = "pipeline"

// defaultSweepAge is how long a record may sit in uploaded before the ticker
// re-emits its event. Long enough that a healthy publish-consume round trip
// never triggers it.
const defaultSweepAge = time.Minute

// Broker is the bus surface the worker needs; *bus.Bus satisfies it.
type Broker interface {
	Publish(ctx context.Context, subj string, v any) error
	QueueSubscribe(ctx context.Context, subj, durable, queue string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Worker wires the validator and canary controller to the event bus.
type Worker struct {
	reg      *registry.Registry
	val      *validator.Validator
	canaries *canary.Controller
	bus      Broker
	cfg      config.CanaryConfig
	logger   *log.Logger

	sweepAge time.Duration
}

// New creates a Worker. The logger may be nil.
func New(reg *registry.Registry, val *validator.Validator, canaries *canary.Controller, b Broker, cfg config.CanaryConfig, logger *log.Logger) (*Worker, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if val == nil {
		return nil, errors.New("validator is required")
	}
	if canaries == nil {
		return nil, errors.New("canary controller is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}
	return &Worker{reg: reg, val: val, canaries: canaries, bus: b, cfg: cfg, logger: logger, sweepAge: defaultSweepAge}, nil
}

// Start subscribes the worker's durable consumers and launches the advance
// ticker. Subscriptions close when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) ([]io.Closer, error) {
	if w == nil {
		return nil, errors.New("nil worker")
	}

	var closers []io.Closer

	sub, err := w.bus.QueueSubscribe(ctx, events.SubjectModelUploaded, "pipeline-validate", queueGroup, w.handleUploaded)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", events.SubjectModelUploaded, err)
	}
	closers = append(closers, sub)

	sub, err = w.bus.QueueSubscribe(ctx, events.SubjectModelValidated, "pipeline-canary", queueGroup, w.handleValidated)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", events.SubjectModelValidated, err)
	}
	closers = append(closers, sub)

	go w.runTicker(ctx)

	return closers, nil
}

// handleUploaded claims the artifact for validation and runs the full check
// set. Returning an error naks the message; an indeterminate verdict uses
// that path so JetStream redelivery becomes the retry.
func (w *Worker) handleUploaded(ctx context.Context, data []byte) error {
	var evt events.ModelUploaded
	if err := json.Unmarshal(data, &evt); err != nil {
		w.logf("level=warn msg=\"dropping malformed uploaded event\" err=%q", err)
		return nil
	}

	rec, err := w.reg.Get(ctx, evt.ArtifactID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			w.logf("level=warn msg=\"uploaded event for unknown artifact\" artifact=%s", evt.ArtifactID)
			return nil
		}
		return err
	}

	switch rec.State {
	case registry.StateUploaded:
		rec, err = w.reg.Transition(ctx, rec.ID, registry.StateUploaded, registry.StateValidating, "validation started")
		if err != nil {
			if errors.Is(err, registry.ErrConflict) {
				// Another worker claimed it between the read and the CAS.
				return nil
			}
			return err
		}
	case registry.StateValidating:
		// Redelivery after an indeterminate run; validate again.
	default:
		return nil
	}

	verdict, err := w.val.RunAll(ctx, rec)
	if err != nil {
		return fmt.Errorf("run validation for %s: %w", rec.ID, err)
	}

	switch {
	case verdict.Failed:
		detail := checkDetail(verdict.Results, verdict.FailedCheck)
		reason := fmt.Sprintf("required check %q failed: %s", verdict.FailedCheck, detail)
		if _, err := w.reg.Transition(ctx, rec.ID, registry.StateValidating, registry.StateValidationFailed, reason); err != nil {
			if errors.Is(err, registry.ErrConflict) {
				return nil
			}
			return err
		}
		w.logf("level=info msg=\"validation failed\" artifact=%s check=%s", rec.ID, verdict.FailedCheck)
		return w.bus.Publish(ctx, events.SubjectModelValidationFailed, events.ModelValidationFailed{
			ArtifactID:  rec.ID,
			TenantID:    rec.TenantID,
			Name:        rec.Name,
			FailedCheck: verdict.FailedCheck,
			Detail:      detail,
			At:          time.Now().UTC(),
		})

	case verdict.Indeterminate:
		// Block advancement; the nak schedules another attempt, and an
		// operator Override remains the manual way out.
		w.logf("level=warn msg=\"validation indeterminate\" artifact=%s check=%s", rec.ID, verdict.IndeterminateCheck)
		return fmt.Errorf("check %q indeterminate for %s", verdict.IndeterminateCheck, rec.ID)

	default:
		if _, err := w.reg.Transition(ctx, rec.ID, registry.StateValidating, registry.StateValidated, "all required checks passed"); err != nil {
			if errors.Is(err, registry.ErrConflict) {
				return nil
			}
			return err
		}
		w.logf("level=info msg=\"validation passed\" artifact=%s", rec.ID)
		return w.bus.Publish(ctx, events.SubjectModelValidated, events.ModelValidated{
			ArtifactID: rec.ID,
			TenantID:   rec.TenantID,
			Name:       rec.Name,
			At:         time.Now().UTC(),
		})
	}
}

func (w *Worker) handleValidated(ctx context.Context, data []byte) error {
	var evt events.ModelValidated
	if err := json.Unmarshal(data, &evt); err != nil {
		w.logf("level=warn msg=\"dropping malformed validated event\" err=%q", err)
		return nil
	}

	dep, err := w.canaries.Start(ctx, evt.ArtifactID)
	if err != nil {
		if errors.Is(err, registry.ErrConflict) || errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("start canary for %s: %w", evt.ArtifactID, err)
	}

	w.logf("level=info msg=\"canary started\" artifact=%s deployment=%s fraction=%.4f",
		evt.ArtifactID, dep.ID, dep.TrafficFraction)
	return nil
}

// runTicker advances every pending deployment once per cadence interval.
// Advance is idempotent, so overlapping workers only cost wasted reads.
func (w *Worker) runTicker(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := w.canaries.Pending(ctx)
			if err != nil {
				w.logf("level=error msg=\"list pending deployments\" err=%q", err)
				continue
			}
			for _, dep := range pending {
				if err := w.canaries.Advance(ctx, dep.ID); err != nil {
					w.logf("level=error msg=\"advance deployment\" deployment=%s err=%q", dep.ID, err)
				}
			}
			w.sweepStranded(ctx)
		}
	}
}

// sweepStranded re-emits the kickoff event for records that stopped moving:
// uploaded records whose event the API lost after the record committed, and
// validated records whose canary start kept losing its slot until redelivery
// ran out. Both handlers tolerate duplicates, so over-emitting is harmless.
func (w *Worker) sweepStranded(ctx context.Context) {
	w.sweep(ctx, registry.StateUploaded, func(rec registry.Record) (string, any) {
		return events.SubjectModelUploaded, events.ModelUploaded{
			ArtifactID: rec.ID,
			TenantID:   rec.TenantID,
			Name:       rec.Name,
			Version:    rec.Version,
			Digest:     rec.Digest,
			At:         time.Now().UTC(),
		}
	})
	w.sweep(ctx, registry.StateValidated, func(rec registry.Record) (string, any) {
		return events.SubjectModelValidated, events.ModelValidated{
			ArtifactID: rec.ID,
			TenantID:   rec.TenantID,
			Name:       rec.Name,
			At:         time.Now().UTC(),
		}
	})
}

func (w *Worker) sweep(ctx context.Context, state registry.State, build func(registry.Record) (string, any)) {
	stale, err := w.reg.StaleInState(ctx, state, w.sweepAge)
	if err != nil {
		w.logf("level=error msg=\"sweep stranded records\" state=%s err=%q", state, err)
		return
	}

	for _, rec := range stale {
		subj, evt := build(rec)
		if err := w.bus.Publish(ctx, subj, evt); err != nil {
			w.logf("level=error msg=\"re-emit event\" artifact=%s subject=%s err=%q", rec.ID, subj, err)
			continue
		}
		w.logf("level=info msg=\"re-emitted event\" artifact=%s subject=%s", rec.ID, subj)
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
	}
}

func checkDetail(results []validator.Result, name string) string {
	for _, r := range results {
		if r.CheckName == name {
			return r.Detail
		}
	}
	return ""
}
