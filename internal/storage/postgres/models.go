package postgres

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/scriptbox/internal/jsonvalue"
)

// JSONDoc stores a jsonvalue.Value as JSON text. The column type is json
// rather than jsonb so member order and the int/float spelling survive.
type JSONDoc struct {
	V jsonvalue.Value
}

// Value implements driver.Valuer.
func (d JSONDoc) Value() (driver.Value, error) {
	b, err := d.V.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (d *JSONDoc) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		d.V = jsonvalue.Null()
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scanning json column: unsupported type %T", src)
	}
	v, err := jsonvalue.Parse(raw)
	if err != nil {
		return err
	}
	d.V = v
	return nil
}

// ScriptModel maps to the "scripts" table.
type ScriptModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name        string    `gorm:"size:255;not null"`
	Content     string    `gorm:"type:text;not null"`
	Description string    `gorm:"type:text;not null;default:''"`
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

func (ScriptModel) TableName() string { return "scripts" }

// ExecutionModel maps to the "executions" table.
type ExecutionModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	ScriptID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Status      string    `gorm:"size:16;not null;index:idx_executions_status_updated,priority:1"`
	Input       JSONDoc   `gorm:"type:json;not null"`
	Output      *JSONDoc  `gorm:"type:json"`
	Error       string    `gorm:"type:text;not null;default:''"`
	ErrorKind   string    `gorm:"size:32;not null;default:''"`
	StartedAt   time.Time `gorm:"not null"`
	CompletedAt *time.Time
	ElapsedMs   *int64
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time `gorm:"index:idx_executions_status_updated,priority:2"`
}

func (ExecutionModel) TableName() string { return "executions" }

// AutoMigrate creates or updates every table. Both SQL backends use it.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ScriptModel{},
		&ExecutionModel{},
	)
}
