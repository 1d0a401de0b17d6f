// Package quota polls per-model usage quotas on a fixed interval and
// hands reset events to the trigger service.
package quota

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pysugar/quota-sentinel/internal/trigger"
	"github.com/pysugar/quota-sentinel/internal/upstream"
)

const defaultInterval = 5 * time.Minute

// quotaLimit is the normalized per-model quota ceiling. The server
// reports a remaining fraction in [0,1]; we scale it to percent.
const quotaLimit = 100.0

// ModelQuota is one model's quota as of a poll.
type ModelQuota struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	Remaining   float64 `json:"remaining"`
	Limit       float64 `json:"limit"`
	ResetAt     string  `json:"resetAt,omitempty"`
	Percentage  float64 `json:"percentage"`
}

// Snapshot is the result of one successful poll. Models are sorted by id.
type Snapshot struct {
	FetchedAt time.Time    `json:"fetchedAt"`
	Models    []ModelQuota `json:"models"`
}

// triggerService is the slice of the trigger service the poller needs.
type triggerService interface {
	QuotaModels(ctx context.Context) (map[string]upstream.ModelInfo, error)
	ShouldTriggerOnReset(modelID, resetAt string, remaining, limit float64) (bool, error)
	MarkResetTriggered(modelID, resetAt string) error
	Trigger(ctx context.Context, modelIDs []string, triggerType trigger.TriggerType, customPrompt string, source trigger.TriggerSource) (*trigger.Record, error)
}

// Options tunes a Poller; zero values get defaults.
type Options struct {
	Interval time.Duration
	// WatchModels restricts reset detection to these ids; empty watches all.
	WatchModels []string
	// AutoTrigger enables wake-ups on detected resets. Snapshots are
	// collected either way.
	AutoTrigger bool
}

// Poller periodically fetches quota and runs reset detection. All
// watermark reads and writes happen on the single Run goroutine, so
// detection never races with itself.
type Poller struct {
	svc         triggerService
	interval    time.Duration
	watch       map[string]bool
	autoTrigger bool

	mu     sync.RWMutex
	latest *Snapshot

	now func() time.Time
}

// NewPoller creates a Poller over the given trigger service.
func NewPoller(svc triggerService, opts Options) *Poller {
	p := &Poller{
		svc:         svc,
		interval:    opts.Interval,
		autoTrigger: opts.AutoTrigger,
		now:         time.Now,
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if len(opts.WatchModels) > 0 {
		p.watch = make(map[string]bool, len(opts.WatchModels))
		for _, id := range opts.WatchModels {
			p.watch[id] = true
		}
	}
	return p
}

// Run polls immediately, then on every interval tick until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("⏳ Quota poller started, interval %s", p.interval)
	if _, err := p.PollOnce(ctx); err != nil {
		log.Printf("⚠️ Quota poll failed: %v", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("🔒 Quota poller stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil {
				log.Printf("⚠️ Quota poll failed: %v", err)
			}
		}
	}
}

// PollOnce fetches quota, stores the snapshot, and fires one auto
// wake-up covering every model whose quota cycle just reset.
func (p *Poller) PollOnce(ctx context.Context) (*Snapshot, error) {
	known, err := p.svc.QuotaModels(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{FetchedAt: p.now()}
	var due []string
	resetAtByID := make(map[string]string)

	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		info := known[id]
		if info.QuotaInfo == nil {
			continue
		}
		remaining := info.QuotaInfo.RemainingFraction * quotaLimit
		resetAt := info.QuotaInfo.ResetTime
		snap.Models = append(snap.Models, ModelQuota{
			ID:          id,
			DisplayName: info.DisplayName,
			Remaining:   remaining,
			Limit:       quotaLimit,
			ResetAt:     resetAt,
			Percentage:  remaining / quotaLimit * 100,
		})

		if p.watch != nil && !p.watch[id] {
			continue
		}
		fire, err := p.svc.ShouldTriggerOnReset(id, resetAt, remaining, quotaLimit)
		if err != nil {
			log.Printf("⚠️ Reset detection failed for %s: %v", id, err)
			continue
		}
		if fire {
			due = append(due, id)
			resetAtByID[id] = resetAt
		}
	}

	p.mu.Lock()
	p.latest = snap
	p.mu.Unlock()

	if len(due) > 0 && p.autoTrigger {
		log.Printf("🔄 Quota reset detected for %v, firing wake-up", due)
		rec, err := p.svc.Trigger(ctx, due, trigger.TypeAuto, "", trigger.SourceQuotaReset)
		if err != nil {
			log.Printf("⚠️ Auto wake-up failed: %v", err)
		} else if rec.Success {
			// Mark only after a successful run so a failed wake-up is
			// retried on a later poll.
			for _, id := range due {
				if err := p.svc.MarkResetTriggered(id, resetAtByID[id]); err != nil {
					log.Printf("⚠️ Failed to mark reset for %s: %v", id, err)
				}
			}
		}
	}
	return snap, nil
}

// LatestSnapshot returns the most recent snapshot, or nil before the
// first successful poll.
func (p *Poller) LatestSnapshot() *Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}
