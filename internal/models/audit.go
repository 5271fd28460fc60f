package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Audit actors
const (
	ActorSystem     = "system"
	ActorSettlement = "settlement"
	ActorTransfer   = "transfer"
	ActorRefund     = "refund"
)

// AdminActor names an administrator in the audit log
func AdminActor(userID int64) string {
	return fmt.Sprintf("admin:%d", userID)
}

// BuyerActor names a buyer in the audit log
func BuyerActor(userID int64) string {
	return fmt.Sprintf("buyer:%d", userID)
}

// AuditEntry is one append-only note on a payment
type AuditEntry struct {
	At      time.Time `json:"at"`
	Actor   string    `json:"actor"`
	Message string    `json:"message"`
}

// AuditLog is stored as a JSONB array
type AuditLog []AuditEntry

// Append adds an entry; existing entries are never rewritten
func (l *AuditLog) Append(at time.Time, actor, message string) {
	*l = append(*l, AuditEntry{At: at.UTC(), Actor: actor, Message: message})
}

// Last returns the most recent entry, if any
func (l AuditLog) Last() (AuditEntry, bool) {
	if len(l) == 0 {
		return AuditEntry{}, false
	}
	return l[len(l)-1], true
}

// Value implements the driver.Valuer interface
func (l AuditLog) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements the sql.Scanner interface
func (l *AuditLog) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// StringList is a JSONB array of strings
type StringList []string

// Value implements the driver.Valuer interface
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements the sql.Scanner interface
func (s *StringList) Scan(value interface{}) error {
	return scanJSON(value, s)
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported json column type %T", value)
	}
}
