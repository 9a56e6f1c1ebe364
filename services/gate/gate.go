// Package gate enforces promotion policy. Rules are evaluated in a fixed
// order and short-circuit on the first failure; a denial always names the
// failing rule so callers see exactly what was unmet.
package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"modeld/pkg/events"
	"modeld/pkg/metrics"
	"modeld/services/canary"
	"modeld/services/registry"
)

// Rule names surfaced in denials.
const (
	RuleApproverRequired = "approver_required"
	RuleOverrideApprover = "override_approver_required"
	RuleNotValidated     = "not_validated"
	RuleNotInCanary      = "not_in_canary"
	RuleCanaryNotHealthy = "canary_not_healthy"
	RuleAlreadyTerminal  = "already_terminal"
)

// PolicyDeniedError reports which rule blocked a promotion.
type PolicyDeniedError struct {
	Rule   string
	Detail string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("promotion denied by rule %q: %s", e.Rule, e.Detail)
}

func deny(rule, format string, args ...any) error {
	metrics.PromotionsTotal.WithLabelValues("denied").Inc()
	return &PolicyDeniedError{Rule: rule, Detail: fmt.Sprintf(format, args...)}
}

// Publisher is the event sink; *bus.Bus satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Request carries one promotion attempt. Override skips the canary-health
// rule but demands a second, distinct approver; both identities end up in
// the audit log.
type Request struct {
	ArtifactID       uuid.UUID
	Approver         string
	Reason           string
	Override         bool
	OverrideApprover string
}

// Gate evaluates promotion requests and, when policy passes, performs the
// atomic retire-and-promote swap through the registry.
type Gate struct {
	reg      *registry.Registry
	canaries *canary.Controller
	pub      Publisher

	now func() time.Time
}

// New creates a Gate.
func New(reg *registry.Registry, canaries *canary.Controller, pub Publisher) (*Gate, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if canaries == nil {
		return nil, errors.New("canary controller is required")
	}
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	return &Gate{reg: reg, canaries: canaries, pub: pub, now: time.Now}, nil
}

// Promote runs the policy and promotes on success. Denials are
// *PolicyDeniedError; a CAS loss inside the registry surfaces as
// registry.ErrConflict for the caller to re-read and decide.
func (g *Gate) Promote(ctx context.Context, req Request) (registry.Record, error) {
	if g == nil {
		return registry.Record{}, errors.New("nil gate")
	}

	approver := strings.TrimSpace(req.Approver)
	if approver == "" {
		return registry.Record{}, deny(RuleApproverRequired, "an approver identity is required")
	}

	rec, err := g.reg.Get(ctx, req.ArtifactID)
	if err != nil {
		return registry.Record{}, err
	}

	reason := req.Reason
	expected := rec.State

	if req.Override {
		overrideApprover := strings.TrimSpace(req.OverrideApprover)
		if overrideApprover == "" || overrideApprover == approver {
			return registry.Record{}, deny(RuleOverrideApprover,
				"override requires a second approver distinct from %q", approver)
		}
		if rec.State.Terminal() {
			return registry.Record{}, deny(RuleAlreadyTerminal,
				"artifact is %s and cannot be promoted", rec.State)
		}
		reason = fmt.Sprintf("override approved by %s, requested by %s: %s",
			overrideApprover, approver, req.Reason)
	} else {
		switch rec.State {
		case registry.StateUploaded, registry.StateValidating, registry.StateValidationFailed:
			return registry.Record{}, deny(RuleNotValidated, "not validated: artifact is %s", rec.State)
		case registry.StateCanaryActive:
			// Checked below against the deployment decision.
		default:
			return registry.Record{}, deny(RuleNotInCanary,
				"artifact is %s; promotion requires an active, healthy canary", rec.State)
		}

		dep, err := g.canaries.ByArtifact(ctx, req.ArtifactID)
		if err != nil {
			if errors.Is(err, canary.ErrNotFound) {
				return registry.Record{}, deny(RuleCanaryNotHealthy, "no canary deployment exists")
			}
			return registry.Record{}, err
		}
		if dep.Decision != canary.DecisionHealthy {
			return registry.Record{}, deny(RuleCanaryNotHealthy,
				"canary decision is %s, not healthy", dep.Decision)
		}
		expected = registry.StateCanaryActive
	}

	promoted, err := g.reg.Promote(ctx, req.ArtifactID, expected, approver, reason)
	if err != nil {
		return registry.Record{}, err
	}

	if err := g.pub.Publish(ctx, events.SubjectModelPromoted, events.ModelPromoted{
		ArtifactID: promoted.ID,
		TenantID:   promoted.TenantID,
		Name:       promoted.Name,
		Version:    promoted.Version,
		Approver:   approver,
		At:         g.now().UTC(),
	}); err != nil {
		return registry.Record{}, err
	}

	return promoted, nil
}
