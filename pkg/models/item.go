package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Attributes is free-form item data, stored as jsonb.
type Attributes map[string]any

func (a *Attributes) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	case nil:
		*a = nil
		return nil
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, a)
}

func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(a)
}

// Item is a record a node can hand out when peers collect its key.
type Item struct {
	ID         uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Key        string         `json:"key" gorm:"uniqueIndex;not null"`
	Name       string         `json:"name" gorm:"not null"`
	Attributes Attributes     `json:"attributes,omitempty" gorm:"type:jsonb"`
	Origin     string         `json:"origin,omitempty"` // node that stored the item
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `json:"-" gorm:"index"`
}

// BeforeCreate hook to generate UUID if not present
func (i *Item) BeforeCreate(tx *gorm.DB) (err error) {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return
}
