package models

import "time"

// State is a named key/value slot for persisted application state
// (trigger history, reset watermarks, active account pointer). Values are
// JSON blobs written whole on every update.
type State struct {
	Key       string `gorm:"primaryKey"`
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
