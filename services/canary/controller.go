// Package canary walks promoted-candidate artifacts through a staged traffic
// ramp, watching windowed health summaries and failing closed on breach or
// deadline.
package canary

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"modeld/pkg/config"
	"modeld/pkg/db"
	"modeld/pkg/events"
	"modeld/pkg/metrics"
	"modeld/pkg/render"
	"modeld/services/registry"
	"modeld/services/signals"
)

// ErrNotFound is returned when no deployment exists for the requested id.
var ErrNotFound = errors.New("canary: deployment not found")

// ErrAlreadyRunning is returned when another artifact of the same
// (tenant, name) is still mid-ramp. Callers retry once that canary settles.
var ErrAlreadyRunning = errors.New("canary: another deployment is active for this model")

// HealthSource answers windowed health queries for a deployment.
type HealthSource interface {
	WindowSummary(ctx context.Context, deploymentID uuid.UUID, from, to time.Time) (signals.Summary, error)
}

// Publisher is the event sink; *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Controller owns canary deployments. All state changes to the artifact
// record go through the registry's CAS; the deployment row itself is guarded
// by conditional updates on its decision column.
type Controller struct {
	orm    *gorm.DB
	reg    *registry.Registry
	health HealthSource
	pub    Publisher
	engine *render.Engine
	cfg    config.CanaryConfig
	logger *log.Logger

	now func() time.Time
}

// New creates a Controller. The logger may be nil.
func New(orm *gorm.DB, reg *registry.Registry, health HealthSource, pub Publisher, engine *render.Engine, cfg config.CanaryConfig, logger *log.Logger) (*Controller, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if health == nil {
		return nil, errors.New("health source is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if engine == nil {
		return nil, errors.New("render engine is required")
	}
	if len(cfg.Ramp) == 0 {
		return nil, errors.New("ramp schedule is required")
	}
	return &Controller{
		orm:    orm,
		reg:    reg,
		health: health,
		pub:    pub,
		engine: engine,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Start schedules a canary for a validated artifact: the record moves to
// canary_pending, a deployment row is created at the first ramp stage, the
// first rollout is published, and the record moves to canary_active. Calling
// Start again for an artifact already in canary is a no-op.
func (c *Controller) Start(ctx context.Context, artifactID uuid.UUID) (Deployment, error) {
	if c == nil {
		return Deployment{}, errors.New("nil controller")
	}

	current, err := c.reg.Get(ctx, artifactID)
	if err != nil {
		return Deployment{}, err
	}
	if current.State == registry.StateCanaryPending || current.State == registry.StateCanaryActive {
		return c.ByArtifact(ctx, artifactID)
	}

	rec, err := c.reg.Transition(ctx, artifactID, registry.StateValidated, registry.StateCanaryPending, "canary scheduled")
	if err != nil {
		if errors.Is(err, registry.ErrConflict) {
			// A racing worker claimed this artifact between the read and the CAS.
			latest, getErr := c.reg.Get(ctx, artifactID)
			if getErr == nil && (latest.State == registry.StateCanaryPending || latest.State == registry.StateCanaryActive) {
				return c.ByArtifact(ctx, artifactID)
			}
		}
		return Deployment{}, err
	}

	now := c.now().UTC()
	model := deploymentModel{
		ID:              uuid.New(),
		ArtifactID:      rec.ID,
		TenantID:        rec.TenantID,
		Name:            rec.Name,
		TrafficFraction: c.cfg.Ramp[0],
		Stage:           0,
		WindowStart:     now,
		Deadline:        now.Add(c.cfg.Deadline),
		Decision:        string(DecisionPending),
	}
	if err := c.orm.WithContext(ctx).Create(&model).Error; err != nil {
		if db.IsUniqueViolation(err) {
			// Another artifact of this (tenant, name) holds the pending slot.
			// The unique index on the deployments table is the arbiter, so
			// release the claim and let redelivery retry once the slot frees.
			if _, relErr := c.reg.Transition(ctx, artifactID, registry.StateCanaryPending, registry.StateValidated,
				"canary start rejected: another deployment is active"); relErr != nil && !errors.Is(relErr, registry.ErrConflict) {
				return Deployment{}, relErr
			}
			return Deployment{}, ErrAlreadyRunning
		}
		return Deployment{}, fmt.Errorf("create deployment: %w", err)
	}
	dep := model.toAPI()

	if err := c.publishRollout(ctx, rec, dep); err != nil {
		return Deployment{}, err
	}
	if err := c.pub.Publish(ctx, events.SubjectCanaryStarted, events.CanaryStarted{
		DeploymentID:    dep.ID,
		ArtifactID:      rec.ID,
		TenantID:        rec.TenantID,
		Name:            rec.Name,
		TrafficFraction: dep.TrafficFraction,
		Deadline:        dep.Deadline,
		At:              now,
	}); err != nil {
		return Deployment{}, err
	}

	if _, err := c.reg.Transition(ctx, artifactID, registry.StateCanaryPending, registry.StateCanaryActive, "canary traffic live"); err != nil {
		return Deployment{}, err
	}

	metrics.CanaryTrafficFraction.WithLabelValues(rec.TenantID, rec.Name).Set(dep.TrafficFraction)
	return dep, nil
}

// ByArtifact returns the deployment for an artifact, or ErrNotFound.
func (c *Controller) ByArtifact(ctx context.Context, artifactID uuid.UUID) (Deployment, error) {
	if c == nil {
		return Deployment{}, errors.New("nil controller")
	}
	var model deploymentModel
	err := c.orm.WithContext(ctx).Where("artifact_id = ?", artifactID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Deployment{}, ErrNotFound
		}
		return Deployment{}, err
	}
	return model.toAPI(), nil
}

// Pending returns every deployment that has not reached a decision.
func (c *Controller) Pending(ctx context.Context) ([]Deployment, error) {
	if c == nil {
		return nil, errors.New("nil controller")
	}
	var models []deploymentModel
	if err := c.orm.WithContext(ctx).
		Where("decision = ?", string(DecisionPending)).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Deployment, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// Advance evaluates one deployment: deadline first, then the current
// observation window. Already-decided deployments are left alone, so Advance
// is safe to call from a ticker regardless of races.
func (c *Controller) Advance(ctx context.Context, deploymentID uuid.UUID) error {
	if c == nil {
		return errors.New("nil controller")
	}

	var model deploymentModel
	if err := c.orm.WithContext(ctx).Where("id = ?", deploymentID).Take(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	}
	dep := model.toAPI()
	if dep.Decision.Terminal() {
		return nil
	}

	now := c.now().UTC()

	// Deadline trumps everything, including a healthy-looking window.
	if now.After(dep.Deadline) {
		return c.finish(ctx, dep, DecisionTimedOut, registry.StateCanaryTimedOut,
			fmt.Sprintf("deadline exceeded after %s", c.cfg.Deadline), signals.Summary{})
	}

	windowEnd := dep.WindowStart.Add(c.cfg.Window)
	if now.Before(windowEnd) {
		return nil
	}

	pullCtx, cancel := context.WithTimeout(ctx, c.cfg.MetricsTimeout)
	summary, err := c.health.WindowSummary(pullCtx, dep.ID, dep.WindowStart, windowEnd)
	cancel()
	if err != nil || summary.Samples == 0 {
		// A missed window is evidence of nothing. The window restarts; the
		// deadline still bounds how long this can go on.
		if c.logger != nil {
			c.logger.Printf("level=warn msg=\"health window missed\" deployment=%s samples=%d err=%v",
				dep.ID, summary.Samples, err)
		}
		return c.orm.WithContext(ctx).Model(&deploymentModel{}).
			Where("id = ? AND decision = ?", dep.ID, string(DecisionPending)).
			Update("window_start", now).Error
	}

	if summary.ErrorRate > c.cfg.MaxErrorRate || summary.LatencyP95 > c.cfg.MaxLatencyP95 {
		reason := fmt.Sprintf("window unhealthy at fraction %.4f: error_rate=%.4f (max %.4f) latency_p95=%.1fms (max %.1fms)",
			dep.TrafficFraction, summary.ErrorRate, c.cfg.MaxErrorRate, summary.LatencyP95, c.cfg.MaxLatencyP95)
		return c.finish(ctx, dep, DecisionUnhealthy, registry.StateRolledBack, reason, summary)
	}

	if dep.Stage >= len(c.cfg.Ramp)-1 {
		// Full traffic stayed healthy for a whole window. The deployment is
		// decided; promotion itself stays with the gate and its approver.
		res := c.orm.WithContext(ctx).Model(&deploymentModel{}).
			Where("id = ? AND decision = ?", dep.ID, string(DecisionPending)).
			Updates(map[string]any{
				"decision":    string(DecisionHealthy),
				"reason":      "all ramp stages healthy",
				"error_rate":  summary.ErrorRate,
				"latency_p95": summary.LatencyP95,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		metrics.CanaryDecisionsTotal.WithLabelValues(string(DecisionHealthy)).Inc()
		return c.pub.Publish(ctx, events.SubjectCanaryFinished, events.CanaryFinished{
			DeploymentID: dep.ID,
			ArtifactID:   dep.ArtifactID,
			Decision:     string(DecisionHealthy),
			Reason:       "all ramp stages healthy",
			At:           now,
		})
	}

	nextStage := dep.Stage + 1
	nextFraction := c.cfg.Ramp[nextStage]
	res := c.orm.WithContext(ctx).Model(&deploymentModel{}).
		Where("id = ? AND decision = ? AND stage = ?", dep.ID, string(DecisionPending), dep.Stage).
		Updates(map[string]any{
			"stage":            nextStage,
			"traffic_fraction": nextFraction,
			"window_start":     now,
			"error_rate":       summary.ErrorRate,
			"latency_p95":      summary.LatencyP95,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	dep.Stage = nextStage
	dep.TrafficFraction = nextFraction
	rec, err := c.reg.Get(ctx, dep.ArtifactID)
	if err != nil {
		return err
	}
	if err := c.publishRollout(ctx, rec, dep); err != nil {
		return err
	}
	metrics.CanaryTrafficFraction.WithLabelValues(dep.TenantID, dep.Name).Set(nextFraction)
	return nil
}

// Abort rolls back an in-flight canary on operator request. Aborting an
// already-decided deployment is a no-op.
func (c *Controller) Abort(ctx context.Context, artifactID uuid.UUID, actor, reason string) error {
	if c == nil {
		return errors.New("nil controller")
	}
	if reason == "" {
		reason = "aborted by operator"
	}

	dep, err := c.ByArtifact(ctx, artifactID)
	if err != nil {
		return err
	}
	if dep.Decision.Terminal() {
		return nil
	}

	rec, err := c.reg.Get(ctx, artifactID)
	if err != nil {
		return err
	}
	if rec.State != registry.StateCanaryPending && rec.State != registry.StateCanaryActive {
		return fmt.Errorf("%w: artifact is %s, not in canary", registry.ErrInvalidTransition, rec.State)
	}

	if _, err := c.reg.Transition(ctx, artifactID, rec.State, registry.StateRolledBack, reason); err != nil {
		return err
	}
	return c.settle(ctx, dep, DecisionAborted, reason, signals.Summary{})
}

// finish moves the artifact record out of canary and settles the deployment.
// The record CAS runs first: if it loses, someone else already decided and
// the deployment is left for them.
func (c *Controller) finish(ctx context.Context, dep Deployment, decision Decision, target registry.State, reason string, summary signals.Summary) error {
	if _, err := c.reg.Transition(ctx, dep.ArtifactID, registry.StateCanaryActive, target, reason); err != nil {
		if errors.Is(err, registry.ErrConflict) {
			return nil
		}
		return err
	}
	return c.settle(ctx, dep, decision, reason, summary)
}

func (c *Controller) settle(ctx context.Context, dep Deployment, decision Decision, reason string, summary signals.Summary) error {
	res := c.orm.WithContext(ctx).Model(&deploymentModel{}).
		Where("id = ? AND decision = ?", dep.ID, string(DecisionPending)).
		Updates(map[string]any{
			"decision":         string(decision),
			"reason":           reason,
			"traffic_fraction": 0.0,
			"error_rate":       summary.ErrorRate,
			"latency_p95":      summary.LatencyP95,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}

	metrics.CanaryDecisionsTotal.WithLabelValues(string(decision)).Inc()
	metrics.CanaryTrafficFraction.WithLabelValues(dep.TenantID, dep.Name).Set(0)

	now := c.now().UTC()
	rec, err := c.reg.Get(ctx, dep.ArtifactID)
	if err != nil {
		return err
	}
	dep.TrafficFraction = 0
	if err := c.publishRollout(ctx, rec, dep); err != nil {
		return err
	}
	return c.pub.Publish(ctx, events.SubjectCanaryFinished, events.CanaryFinished{
		DeploymentID: dep.ID,
		ArtifactID:   dep.ArtifactID,
		Decision:     string(decision),
		Reason:       reason,
		At:           now,
	})
}
