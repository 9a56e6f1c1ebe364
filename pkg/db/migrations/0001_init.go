package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type ModelArtifact struct {
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

type StateTransition struct {
	ID         int64         `gorm:"type:bigserial;primaryKey"`
	ArtifactID uuid.UUID     `gorm:"type:uuid;not null;index"`
	FromState  string        `gorm:"type:text;not null"`
	ToState    string        `gorm:"type:text;not null"`
	Actor      string        `gorm:"type:text"`
	Reason     string        `gorm:"type:text"`
	At         time.Time     `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Artifact   ModelArtifact `gorm:"foreignKey:ArtifactID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type ValidationResult struct {
	ID         int64         `gorm:"type:bigserial;primaryKey"`
	ArtifactID uuid.UUID     `gorm:"type:uuid;not null;index:idx_validation_artifact_check"`
	CheckName  string        `gorm:"type:text;not null;index:idx_validation_artifact_check"`
	Outcome    string        `gorm:"type:text;not null"`
	Detail     string        `gorm:"type:text"`
	Required   bool          `gorm:"not null;default:false"`
	At         time.Time     `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Artifact   ModelArtifact `gorm:"foreignKey:ArtifactID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type CanaryDeployment struct {
	ID              uuid.UUID     `gorm:"type:uuid;primaryKey"`
	ArtifactID      uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex"`
	TenantID        string        `gorm:"type:text;not null;index:idx_canary_tenant_name"`
	Name            string        `gorm:"type:text;not null;index:idx_canary_tenant_name"`
	TrafficFraction float64       `gorm:"type:double precision;not null;default:0"`
	Stage           int           `gorm:"not null;default:0"`
	WindowStart     time.Time     `gorm:"type:timestamptz;not null"`
	Deadline        time.Time     `gorm:"type:timestamptz;not null"`
	ErrorRate       float64       `gorm:"type:double precision;not null;default:0"`
	LatencyP95      float64       `gorm:"type:double precision;not null;default:0"`
	Decision        string        `gorm:"type:text;not null;index"`
	Reason          string        `gorm:"type:text"`
	CreatedAt       time.Time     `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt       time.Time     `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
	Artifact        ModelArtifact `gorm:"foreignKey:ArtifactID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

type HealthReport struct {
	ID           int64                       `gorm:"type:bigserial;primaryKey"`
	DeploymentID uuid.UUID                   `gorm:"type:uuid;not null;index"`
	Requests     int64                       `gorm:"type:bigint;not null"`
	Errors       int64                       `gorm:"type:bigint;not null"`
	LatenciesMS  datatypes.JSONSlice[float64] `gorm:"type:jsonb"`
	At           time.Time                   `gorm:"type:timestamptz;not null;index"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&ModelArtifact{},
		&StateTransition{},
		&ValidationResult{},
		&CanaryDeployment{},
		&HealthReport{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&StateTransition{}, "Artifact"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&ValidationResult{}, "Artifact"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&CanaryDeployment{}, "Artifact"); err != nil {
		return err
	}

	// Partial unique indexes back the two per-(tenant, name) invariants at the
	// schema level, so a racing transaction that slipped past the row checks
	// fails on commit instead of leaving two promoted records or two live
	// canaries.
	if _, err := tx.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_one_promoted_per_model
		 ON model_artifacts (tenant_id, name) WHERE state = 'promoted'`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_one_pending_canary_per_model
		 ON canary_deployments (tenant_id, name) WHERE decision = 'pending'`); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&HealthReport{},
		&CanaryDeployment{},
		&ValidationResult{},
		&StateTransition{},
		&ModelArtifact{},
	); err != nil {
		return err
	}

	return nil
}
