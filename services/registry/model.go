package registry

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type recordModel struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TenantID  string            `gorm:"type:text;not null;index:idx_artifacts_tenant_name"`
	Name      string            `gorm:"type:text;not null;index:idx_artifacts_tenant_name"`
	Version   string            `gorm:"type:text;not null"`
	Framework string            `gorm:"type:text"`
	Type      string            `gorm:"type:text"`
	Tags      datatypes.JSONMap `gorm:"type:jsonb"`
	Digest    string            `gorm:"type:text;not null;index"`
	State     string            `gorm:"type:text;not null;index"`
	Revision  int64             `gorm:"type:bigint;not null;default:0"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (recordModel) TableName() string { return "model_artifacts" }

func (m recordModel) toAPI() Record {
	return Record{
		ID:        m.ID,
		TenantID:  m.TenantID,
		Name:      m.Name,
		Version:   m.Version,
		Framework: m.Framework,
		Type:      m.Type,
		Tags:      mapFromJSONMap(m.Tags),
		Digest:    m.Digest,
		State:     State(m.State),
		Revision:  m.Revision,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

type transitionModel struct {
	ID         int64     `gorm:"type:bigserial;primaryKey"`
	ArtifactID uuid.UUID `gorm:"type:uuid;not null;index"`
	FromState  string    `gorm:"type:text;not null"`
	ToState    string    `gorm:"type:text;not null"`
	Actor      string    `gorm:"type:text"`
	Reason     string    `gorm:"type:text"`
	At         time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (transitionModel) TableName() string { return "state_transitions" }

func (m transitionModel) toAPI() Transition {
	return Transition{
		ID:         m.ID,
		ArtifactID: m.ArtifactID,
		FromState:  State(m.FromState),
		ToState:    State(m.ToState),
		Actor:      m.Actor,
		Reason:     m.Reason,
		At:         m.At,
	}
}

type auditModel struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (auditModel) TableName() string { return "audit" }

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	if src == nil {
		return out
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
