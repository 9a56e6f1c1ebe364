// Package signals ingests health reports from the serving layer and folds
// them into per-window summaries the canary controller reads.
package signals

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Summary aggregates every report whose timestamp falls inside one
// observation window.
type Summary struct {
	Requests   int64   `json:"requests"`
	Errors     int64   `json:"errors"`
	ErrorRate  float64 `json:"error_rate"`
	LatencyP95 float64 `json:"latency_p95_ms"`
	Samples    int     `json:"samples"`
}

// Report is one health observation for a deployment.
type Report struct {
	DeploymentID uuid.UUID `json:"deployment_id"`
	Requests     int64     `json:"requests"`
	Errors       int64     `json:"errors"`
	LatenciesMS  []float64 `json:"latencies_ms"`
	At           time.Time `json:"at"`
}

type reportModel struct {
	ID           int64                        `gorm:"type:bigserial;primaryKey"`
	DeploymentID uuid.UUID                    `gorm:"type:uuid;not null;index"`
	Requests     int64                        `gorm:"type:bigint;not null"`
	Errors       int64                        `gorm:"type:bigint;not null"`
	LatenciesMS  datatypes.JSONSlice[float64] `gorm:"type:jsonb"`
	At           time.Time                    `gorm:"type:timestamptz;not null;index"`
}

func (reportModel) TableName() string { return "health_reports" }

// Store persists health reports and answers window queries.
type Store struct {
	orm *gorm.DB
}

// NewStore creates a Store over the provided gorm handle.
func NewStore(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm}, nil
}

// Ingest records one report. Reports are append-only; there is no dedup, the
// serving layer owns delivery semantics.
func (s *Store) Ingest(ctx context.Context, report Report) error {
	if s == nil {
		return errors.New("nil store")
	}
	if report.DeploymentID == uuid.Nil {
		return errors.New("deployment id is required")
	}
	if report.Requests < 0 || report.Errors < 0 {
		return errors.New("request and error counts must be non-negative")
	}
	if report.Errors > report.Requests {
		return errors.New("error count exceeds request count")
	}
	if report.At.IsZero() {
		report.At = time.Now().UTC()
	}

	return s.orm.WithContext(ctx).Create(&reportModel{
		DeploymentID: report.DeploymentID,
		Requests:     report.Requests,
		Errors:       report.Errors,
		LatenciesMS:  datatypes.NewJSONSlice(report.LatenciesMS),
		At:           report.At,
	}).Error
}

// WindowSummary aggregates the reports for deploymentID with from <= At < to.
// Zero samples means the window is incomplete, not healthy; the caller decides
// what that implies.
func (s *Store) WindowSummary(ctx context.Context, deploymentID uuid.UUID, from, to time.Time) (Summary, error) {
	if s == nil {
		return Summary{}, errors.New("nil store")
	}

	var models []reportModel
	if err := s.orm.WithContext(ctx).
		Where("deployment_id = ? AND at >= ? AND at < ?", deploymentID, from, to).
		Order("at ASC").
		Find(&models).Error; err != nil {
		return Summary{}, err
	}

	summary := Summary{Samples: len(models)}
	var latencies []float64
	for _, m := range models {
		summary.Requests += m.Requests
		summary.Errors += m.Errors
		latencies = append(latencies, m.LatenciesMS...)
	}
	if summary.Requests > 0 {
		summary.ErrorRate = float64(summary.Errors) / float64(summary.Requests)
	}
	summary.LatencyP95 = percentile(latencies, 0.95)
	return summary, nil
}

// percentile computes the nearest-rank percentile of values. Empty input
// yields zero.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(float64(len(sorted))*p+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
