package trigger

import (
	"time"

	"github.com/pysugar/quota-sentinel/internal/db"
)

// Retention bounds for the trigger history slot. Both are enforced on
// every write.
const (
	historyMaxRecords = 40
	historyMaxAge     = 7 * 24 * time.Hour
)

// TriggerType distinguishes user-initiated from automatic wake-ups.
type TriggerType string

const (
	TypeManual TriggerType = "manual"
	TypeAuto   TriggerType = "auto"
)

// TriggerSource records what decided to fire the wake-up.
type TriggerSource string

const (
	SourceManual     TriggerSource = "manual"
	SourceScheduled  TriggerSource = "scheduled"
	SourceCrontab    TriggerSource = "crontab"
	SourceQuotaReset TriggerSource = "quota_reset"
)

// Record is one append-only history entry for a wake-up run.
type Record struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Success       bool          `json:"success"`
	Prompt        string        `json:"prompt"`
	Message       string        `json:"message"`
	DurationMs    int64         `json:"durationMs"`
	TriggerType   TriggerType   `json:"triggerType"`
	TriggerSource TriggerSource `json:"triggerSource"`
}

// appendRecord prepends rec and rewrites the slot with retention applied:
// newest first, at most historyMaxRecords, nothing older than
// historyMaxAge.
func appendRecord(state *db.StateStore, rec Record) error {
	var records []Record
	if _, err := state.Get(db.StateKeyTriggerHistory, &records); err != nil {
		return err
	}
	records = append([]Record{rec}, records...)
	return state.Put(db.StateKeyTriggerHistory, pruneHistory(records, time.Now()))
}

func pruneHistory(records []Record, now time.Time) []Record {
	cutoff := now.Add(-historyMaxAge)
	kept := records[:0]
	for _, r := range records {
		if r.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
		if len(kept) == historyMaxRecords {
			break
		}
	}
	return kept
}

// History returns the stored records, newest first.
func (s *Service) History() ([]Record, error) {
	var records []Record
	if _, err := s.state.Get(db.StateKeyTriggerHistory, &records); err != nil {
		return nil, err
	}
	return records, nil
}
