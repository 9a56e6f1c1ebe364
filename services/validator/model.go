package validator

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies a single check result. Error means the check could not
// determine safety (timeout or infrastructure failure), which is distinct
// from fail: determined unsafe.
type Outcome string

const (
	OutcomePass  Outcome = "pass"
	OutcomeFail  Outcome = "fail"
	OutcomeError Outcome = "error"
)

// Result is one check's verdict for one artifact.
type Result struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	CheckName  string    `json:"check_name"`
	Outcome    Outcome   `json:"outcome"`
	Detail     string    `json:"detail"`
	Required   bool      `json:"required"`
	At         time.Time `json:"at"`
}

type resultModel struct {
	ID         int64     `gorm:"type:bigserial;primaryKey"`
	ArtifactID uuid.UUID `gorm:"type:uuid;not null;index:idx_validation_artifact_check"`
	CheckName  string    `gorm:"type:text;not null;index:idx_validation_artifact_check"`
	Outcome    string    `gorm:"type:text;not null"`
	Detail     string    `gorm:"type:text"`
	Required   bool      `gorm:"not null;default:false"`
	At         time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (resultModel) TableName() string { return "validation_results" }

func (m resultModel) toAPI() Result {
	return Result{
		ArtifactID: m.ArtifactID,
		CheckName:  m.CheckName,
		Outcome:    Outcome(m.Outcome),
		Detail:     m.Detail,
		Required:   m.Required,
		At:         m.At,
	}
}
