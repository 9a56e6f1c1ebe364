// Package events defines the JetStream subjects and payloads shared by the
// pipeline services. Payloads are JSON; additive changes only.
package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	SubjectModelUploaded         = "model.uploaded"
	SubjectModelValidated        = "model.validated"
	SubjectModelValidationFailed = "model.validation_failed"
	SubjectCanaryStarted         = "model.canary.started"
	SubjectCanaryRollout         = "model.canary.rollout"
	SubjectCanaryHealth          = "model.canary.health"
	SubjectCanaryFinished        = "model.canary.finished"
	SubjectModelPromoted         = "model.promoted"
)

// ModelUploaded announces a new artifact whose bytes are already durable in
// the blob store.
type ModelUploaded struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Digest     string    `json:"digest"`
	At         time.Time `json:"at"`
}

// ModelValidated announces that every required check passed.
type ModelValidated struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	At         time.Time `json:"at"`
}

// ModelValidationFailed announces a required check's fail determination.
type ModelValidationFailed struct {
	ArtifactID  uuid.UUID `json:"artifact_id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	FailedCheck string    `json:"failed_check"`
	Detail      string    `json:"detail"`
	At          time.Time `json:"at"`
}

// CanaryStarted announces a deployment entering its first traffic stage.
type CanaryStarted struct {
	DeploymentID    uuid.UUID `json:"deployment_id"`
	ArtifactID      uuid.UUID `json:"artifact_id"`
	TenantID        string    `json:"tenant_id"`
	Name            string    `json:"name"`
	TrafficFraction float64   `json:"traffic_fraction"`
	Deadline        time.Time `json:"deadline"`
	At              time.Time `json:"at"`
}

// CanaryRollout carries a rendered rollout manifest for the serving layer
// whenever the deployment's traffic fraction changes.
type CanaryRollout struct {
	DeploymentID    uuid.UUID `json:"deployment_id"`
	ArtifactID      uuid.UUID `json:"artifact_id"`
	TrafficFraction float64   `json:"traffic_fraction"`
	Manifest        string    `json:"manifest"`
	At              time.Time `json:"at"`
}

// CanaryHealth is one observation window sample from the serving layer.
type CanaryHealth struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
	Requests     int64     `json:"requests"`
	Errors       int64     `json:"errors"`
	LatenciesMS  []float64 `json:"latencies_ms"`
	At           time.Time `json:"at"`
}

// CanaryFinished announces a deployment reaching a decision: healthy,
// unhealthy, timed_out, or aborted.
type CanaryFinished struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
	ArtifactID   uuid.UUID `json:"artifact_id"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}

// ModelPromoted announces the new active artifact for (tenant, name).
type ModelPromoted struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Approver   string    `json:"approver"`
	At         time.Time `json:"at"`
}
