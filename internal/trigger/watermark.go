package trigger

import (
	"time"

	"github.com/pysugar/quota-sentinel/internal/db"
)

// resetWatermark is the per-model state behind the rising-edge detector.
// ResetAt is the reset timestamp string a wake-up was last issued for,
// TriggeredAt the wall-clock time of that wake-up, LastRemaining the most
// recently observed remaining quota.
type resetWatermark struct {
	ResetAt       string    `json:"resetAt"`
	TriggeredAt   time.Time `json:"triggeredAt"`
	LastRemaining *float64  `json:"lastRemaining"`
}

func (s *Service) loadWatermarks() (map[string]resetWatermark, error) {
	marks := make(map[string]resetWatermark)
	if _, err := s.state.Get(db.StateKeyResetTriggers, &marks); err != nil {
		return nil, err
	}
	return marks, nil
}

// ShouldTriggerOnReset decides whether a wake-up is due for modelID given
// a fresh quota observation. It fires only on a rising edge to full quota:
// at most once per reset cycle and never inside the cooldown window.
// Every call updates the last-observed-remaining watermark, including
// calls that return false.
func (s *Service) ShouldTriggerOnReset(modelID, resetAt string, remaining, limit float64) (bool, error) {
	marks, err := s.loadWatermarks()
	if err != nil {
		return false, err
	}
	wm := marks[modelID]

	full := limit > 0 && remaining >= limit
	decision := false
	if full && resetAt != wm.ResetAt && s.cooldownElapsed(wm.TriggeredAt) {
		switch {
		case wm.LastRemaining == nil:
			// First observation ever for this model while already full.
			decision = true
		case *wm.LastRemaining < limit:
			// Genuine transition from partial to full.
			decision = true
		case wm.ResetAt != "":
			// Still full, but the reset timestamp moved past the one we
			// last triggered for: a new cycle started at full.
			decision = true
		}
	}

	wm.LastRemaining = &remaining
	marks[modelID] = wm
	if err := s.state.Put(db.StateKeyResetTriggers, marks); err != nil {
		return false, err
	}
	return decision, nil
}

// MarkResetTriggered records that a wake-up was issued for the given
// reset cycle, so subsequent checks stay quiet until the next one.
func (s *Service) MarkResetTriggered(modelID, resetAt string) error {
	marks, err := s.loadWatermarks()
	if err != nil {
		return err
	}
	wm := marks[modelID]
	wm.ResetAt = resetAt
	wm.TriggeredAt = s.now()
	marks[modelID] = wm
	return s.state.Put(db.StateKeyResetTriggers, marks)
}

func (s *Service) cooldownElapsed(triggeredAt time.Time) bool {
	if triggeredAt.IsZero() {
		return true
	}
	return s.now().Sub(triggeredAt) >= s.cooldown
}
