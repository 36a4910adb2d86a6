package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// JSONMap represents a JSON object (map) in the database. Used for flexible
// key-value storage like audit log changes and action value snapshots.
type JSONMap map[string]interface{}

// Scan implements the sql.Scanner interface for reading from database.
func (j *JSONMap) Scan(val interface{}) error {
	switch v := val.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	case nil:
		*j = nil
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", v)
	}
}

// Value implements the driver.Valuer interface for writing to database.
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// NullUUID represents a UUID that may be null.
type NullUUID struct {
	UUID  uuid.UUID
	Valid bool
}

// Scan implements the sql.Scanner interface.
func (n *NullUUID) Scan(value interface{}) error {
	if value == nil {
		n.UUID, n.Valid = uuid.UUID{}, false
		return nil
	}
	n.Valid = true
	switch v := value.(type) {
	case string:
		var err error
		n.UUID, err = uuid.Parse(v)
		return err
	case []byte:
		var err error
		n.UUID, err = uuid.Parse(string(v))
		return err
	}
	return nil
}

// Value implements the driver.Valuer interface.
func (n NullUUID) Value() (driver.Value, error) {
	if !n.Valid {
		return nil, nil
	}
	return n.UUID.String(), nil
}

// MarshalJSON renders the UUID string, or null when unset.
func (n NullUUID) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.UUID.String())
}

// UnmarshalJSON accepts a UUID string or null.
func (n *NullUUID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		n.UUID, n.Valid = uuid.UUID{}, false
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	n.UUID, n.Valid = id, true
	return nil
}
