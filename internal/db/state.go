package db

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pysugar/quota-sentinel/internal/db/models"
	"gorm.io/gorm"
)

// Well-known state slot names.
const (
	StateKeyActiveAccount  = "activeAccount"
	StateKeyTriggerHistory = "triggerHistory"
	StateKeyResetTriggers  = "resetTriggers"
)

// StateStore persists named JSON state slots. Every write replaces the
// whole value, so readers never observe a partially updated slot.
type StateStore struct {
	db *gorm.DB
}

// NewStateStore creates a StateStore backed by the given database.
func NewStateStore(gdb *gorm.DB) *StateStore {
	return &StateStore{db: gdb}
}

// Get unmarshals the slot's value into out. The second return value is
// false when the slot has never been written.
func (s *StateStore) Get(key string, out interface{}) (bool, error) {
	var state models.State
	if err := s.db.Where("key = ?", key).First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("read state %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(state.Value), out); err != nil {
		return false, fmt.Errorf("decode state %q: %w", key, err)
	}
	return true, nil
}

// Put marshals value and replaces the slot in one write.
func (s *StateStore) Put(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode state %q: %w", key, err)
	}
	return s.db.Save(&models.State{Key: key, Value: string(data)}).Error
}

// Delete removes the slot entirely.
func (s *StateStore) Delete(key string) error {
	return s.db.Where("key = ?", key).Delete(&models.State{}).Error
}

// getRaw returns the slot's raw string value without JSON decoding.
func (s *StateStore) getRaw(key string) (string, bool, error) {
	var state models.State
	if err := s.db.Where("key = ?", key).First(&state).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return state.Value, true, nil
}

// putRaw stores a raw string value in the slot.
func (s *StateStore) putRaw(key, value string) error {
	return s.db.Save(&models.State{Key: key, Value: value}).Error
}
