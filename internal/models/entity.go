package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Entity is a locally stored business record of any supported kind.
// The payload is opaque to the sync core; identity is the (type, id) pair
// and the id is a client-generatable UUID. SyncVersion is assigned by the
// server and never invented locally.
// Convention: Go PascalCase -> DB snake_case (GORM auto) -> JSON camelCase
type Entity struct {
	EntityType  string         `gorm:"primaryKey;type:varchar(50)" json:"entityType"`
	EntityID    string         `gorm:"primaryKey;type:varchar(36)" json:"entityId"`
	SyncVersion int64          `gorm:"not null;default:0;index:idx_entity_version" json:"syncVersion"`
	IsDirty     bool           `gorm:"not null;default:false;index:idx_entity_dirty" json:"isDirty"`
	Deleted     bool           `gorm:"not null;default:false" json:"-"` // tombstone until the server confirms the delete
	HumanNumber string         `gorm:"type:varchar(50);index:idx_entity_number" json:"humanNumber,omitempty"`
	Payload     datatypes.JSON `json:"payload"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// TableName specifies the table name for Entity
func (Entity) TableName() string {
	return "entities"
}

// HumanNumberOf extracts the human-facing number carried inside a payload
// object, or "" when absent. The number travels as an ordinary payload field
// so the server can arbitrate duplicates; the entities table mirrors it in an
// indexed column.
func HumanNumberOf(payload []byte) string {
	var fields struct {
		HumanNumber string `json:"humanNumber"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	return fields.HumanNumber
}
