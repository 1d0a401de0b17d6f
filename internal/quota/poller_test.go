package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/pysugar/quota-sentinel/internal/trigger"
	"github.com/pysugar/quota-sentinel/internal/upstream"
)

// fakeTrigger scripts the trigger-service surface the poller uses.
type fakeTrigger struct {
	models    map[string]upstream.ModelInfo
	modelsErr error

	// fireFor lists model ids ShouldTriggerOnReset answers true for.
	fireFor map[string]bool

	triggered  [][]string
	triggerRec *trigger.Record
	triggerErr error

	marked map[string]string
}

func (f *fakeTrigger) QuotaModels(ctx context.Context) (map[string]upstream.ModelInfo, error) {
	return f.models, f.modelsErr
}

func (f *fakeTrigger) ShouldTriggerOnReset(modelID, resetAt string, remaining, limit float64) (bool, error) {
	return f.fireFor[modelID], nil
}

func (f *fakeTrigger) MarkResetTriggered(modelID, resetAt string) error {
	if f.marked == nil {
		f.marked = make(map[string]string)
	}
	f.marked[modelID] = resetAt
	return nil
}

func (f *fakeTrigger) Trigger(ctx context.Context, modelIDs []string, triggerType trigger.TriggerType, customPrompt string, source trigger.TriggerSource) (*trigger.Record, error) {
	f.triggered = append(f.triggered, modelIDs)
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	rec := f.triggerRec
	if rec == nil {
		rec = &trigger.Record{Success: true, TriggerType: triggerType, TriggerSource: source}
	}
	return rec, nil
}

func quotaInfo(fraction float64, resetAt string) *upstream.ModelQuotaInfo {
	return &upstream.ModelQuotaInfo{RemainingFraction: fraction, ResetTime: resetAt}
}

func TestPollOnceBuildsSortedSnapshot(t *testing.T) {
	fake := &fakeTrigger{
		models: map[string]upstream.ModelInfo{
			"zeta":  {DisplayName: "Zeta", QuotaInfo: quotaInfo(0.25, "R1")},
			"alpha": {DisplayName: "Alpha", QuotaInfo: quotaInfo(1.0, "R1")},
			"bare":  {DisplayName: "No quota block"},
		},
	}
	p := NewPoller(fake, Options{})

	snap, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(snap.Models) != 2 {
		t.Fatalf("models without quota must be skipped, got %d", len(snap.Models))
	}
	if snap.Models[0].ID != "alpha" || snap.Models[1].ID != "zeta" {
		t.Fatalf("snapshot not sorted by id: %+v", snap.Models)
	}
	if got := snap.Models[1]; got.Remaining != 25 || got.Limit != 100 || got.Percentage != 25 {
		t.Fatalf("fraction not scaled: %+v", got)
	}
	if p.LatestSnapshot() != snap {
		t.Fatal("LatestSnapshot should return the stored snapshot")
	}
}

func TestPollOnceFiresAndMarksOnReset(t *testing.T) {
	fake := &fakeTrigger{
		models: map[string]upstream.ModelInfo{
			"a": {QuotaInfo: quotaInfo(1.0, "R2")},
			"b": {QuotaInfo: quotaInfo(0.5, "R2")},
		},
		fireFor: map[string]bool{"a": true},
	}
	p := NewPoller(fake, Options{AutoTrigger: true})

	if _, err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(fake.triggered) != 1 || len(fake.triggered[0]) != 1 || fake.triggered[0][0] != "a" {
		t.Fatalf("expected one wake-up for model a, got %+v", fake.triggered)
	}
	if fake.marked["a"] != "R2" {
		t.Fatalf("reset not marked after success: %+v", fake.marked)
	}
}

func TestPollOnceDoesNotMarkOnFailedTrigger(t *testing.T) {
	fake := &fakeTrigger{
		models:     map[string]upstream.ModelInfo{"a": {QuotaInfo: quotaInfo(1.0, "R2")}},
		fireFor:    map[string]bool{"a": true},
		triggerRec: &trigger.Record{Success: false},
	}
	p := NewPoller(fake, Options{AutoTrigger: true})

	if _, err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(fake.marked) != 0 {
		t.Fatalf("failed wake-up must not advance watermarks: %+v", fake.marked)
	}
}

func TestPollOnceRespectsAutoTriggerOff(t *testing.T) {
	fake := &fakeTrigger{
		models:  map[string]upstream.ModelInfo{"a": {QuotaInfo: quotaInfo(1.0, "R2")}},
		fireFor: map[string]bool{"a": true},
	}
	p := NewPoller(fake, Options{AutoTrigger: false})

	snap, err := p.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(fake.triggered) != 0 {
		t.Fatalf("auto trigger disabled but wake-up fired: %+v", fake.triggered)
	}
	if len(snap.Models) != 1 {
		t.Fatal("snapshot still collected with auto trigger off")
	}
}

func TestPollOnceWatchListFilters(t *testing.T) {
	fake := &fakeTrigger{
		models: map[string]upstream.ModelInfo{
			"watched":   {QuotaInfo: quotaInfo(1.0, "R2")},
			"unwatched": {QuotaInfo: quotaInfo(1.0, "R2")},
		},
		fireFor: map[string]bool{"watched": true, "unwatched": true},
	}
	p := NewPoller(fake, Options{AutoTrigger: true, WatchModels: []string{"watched"}})

	if _, err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(fake.triggered) != 1 || fake.triggered[0][0] != "watched" {
		t.Fatalf("watch list not applied: %+v", fake.triggered)
	}
	// Snapshot still covers everything.
	if snap := p.LatestSnapshot(); len(snap.Models) != 2 {
		t.Fatalf("snapshot should include unwatched models: %+v", snap.Models)
	}
}

func TestPollOnceFetchError(t *testing.T) {
	fake := &fakeTrigger{modelsErr: errors.New("upstream down")}
	p := NewPoller(fake, Options{})

	if _, err := p.PollOnce(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}
	if p.LatestSnapshot() != nil {
		t.Fatal("failed poll must not overwrite the snapshot")
	}
}
