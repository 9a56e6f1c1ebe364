package canary

import (
	"time"

	"github.com/google/uuid"
)

// Decision is the terminal classification of a deployment. Pending means the
// ramp is still in progress.
type Decision string

const (
	DecisionPending   Decision = "pending"
	DecisionHealthy   Decision = "healthy"
	DecisionUnhealthy Decision = "unhealthy"
	DecisionTimedOut  Decision = "timed_out"
	DecisionAborted   Decision = "aborted"
)

// Terminal reports whether the deployment will never change again.
func (d Decision) Terminal() bool { return d != DecisionPending }

// Deployment is the canary state for one artifact. One deployment per
// artifact, enforced by a unique index on artifact_id.
type Deployment struct {
	ID              uuid.UUID `json:"id"`
	ArtifactID      uuid.UUID `json:"artifact_id"`
	TenantID        string    `json:"tenant_id"`
	Name            string    `json:"name"`
	TrafficFraction float64   `json:"traffic_fraction"`
	Stage           int       `json:"stage"`
	WindowStart     time.Time `json:"window_start"`
	Deadline        time.Time `json:"deadline"`
	ErrorRate       float64   `json:"error_rate"`
	LatencyP95      float64   `json:"latency_p95_ms"`
	Decision        Decision  `json:"decision"`
	Reason          string    `json:"reason"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type deploymentModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	ArtifactID      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`
	TenantID        string    `gorm:"type:text;not null;index:idx_canary_tenant_name"`
	Name            string    `gorm:"type:text;not null;index:idx_canary_tenant_name"`
	TrafficFraction float64   `gorm:"type:double precision;not null;default:0"`
	Stage           int       `gorm:"not null;default:0"`
	WindowStart     time.Time `gorm:"type:timestamptz;not null"`
	Deadline        time.Time `gorm:"type:timestamptz;not null"`
	ErrorRate       float64   `gorm:"type:double precision;not null;default:0"`
	LatencyP95      float64   `gorm:"type:double precision;not null;default:0"`
	Decision        string    `gorm:"type:text;not null;index"`
	Reason          string    `gorm:"type:text"`
	CreatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt       time.Time `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (deploymentModel) TableName() string { return "canary_deployments" }

func (m deploymentModel) toAPI() Deployment {
	return Deployment{
		ID:              m.ID,
		ArtifactID:      m.ArtifactID,
		TenantID:        m.TenantID,
		Name:            m.Name,
		TrafficFraction: m.TrafficFraction,
		Stage:           m.Stage,
		WindowStart:     m.WindowStart,
		Deadline:        m.Deadline,
		ErrorRate:       m.ErrorRate,
		LatencyP95:      m.LatencyP95,
		Decision:        Decision(m.Decision),
		Reason:          m.Reason,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}
