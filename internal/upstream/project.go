package upstream

import (
	"context"
	"errors"
	"log"
	"time"
)

// ErrNoProject is returned when neither the config nor onboarding can
// produce a project id.
var ErrNoProject = errors.New("upstream: no project available")

// onboardPollDelay is the fixed wait between long-running-operation polls.
const onboardPollDelay = 2 * time.Second

// legacyTierID is the fallback tier when none is flagged default and none
// carries an id.
const legacyTierID = "LEGACY"

// clientMetadata identifies the calling surface on config endpoints.
var clientMetadata = map[string]string{
	"ideType":    "ANTIGRAVITY",
	"platform":   "PLATFORM_UNSPECIFIED",
	"pluginType": "GEMINI",
}

// Tier is one entry of the loadCodeAssist allowed-tier list.
type Tier struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault"`
}

// ProjectInfo is the decoded loadCodeAssist response.
type ProjectInfo struct {
	CloudaicompanionProject string `json:"cloudaicompanionProject"`
	CurrentTier             *Tier  `json:"currentTier"`
	AllowedTiers            []Tier `json:"allowedTiers"`
}

type onboardOperation struct {
	Done     bool `json:"done"`
	Response struct {
		CloudaicompanionProject struct {
			ID string `json:"id"`
		} `json:"cloudaicompanionProject"`
	} `json:"response"`
}

// LoadProjectInfo fetches tier and project metadata for the account.
func (c *Client) LoadProjectInfo(ctx context.Context, opts CallOptions) (*ProjectInfo, error) {
	if opts.LogLabel == "" {
		opts.LogLabel = "loadCodeAssist"
	}
	var info ProjectInfo
	payload := map[string]interface{}{"metadata": clientMetadata}
	if err := c.RequestJSON(ctx, opts, ":loadCodeAssist", payload, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// selectOnboardTier picks the tier to onboard with: a default-flagged
// tier, else the first tier with an id, else LEGACY when any tier exists.
func selectOnboardTier(tiers []Tier) string {
	for _, t := range tiers {
		if t.IsDefault && t.ID != "" {
			return t.ID
		}
	}
	for _, t := range tiers {
		if t.ID != "" {
			return t.ID
		}
	}
	if len(tiers) > 0 {
		return legacyTierID
	}
	return ""
}

// ResolveProjectID returns the account's project id, onboarding the
// account when the config carries no project yet. Onboarding is a
// long-running operation polled on a fixed delay until done.
func (c *Client) ResolveProjectID(ctx context.Context, opts CallOptions) (string, error) {
	info, err := c.LoadProjectInfo(ctx, opts)
	if err != nil {
		return "", err
	}
	if info.CloudaicompanionProject != "" {
		return info.CloudaicompanionProject, nil
	}

	tierID := selectOnboardTier(info.AllowedTiers)
	if tierID == "" {
		return "", ErrNoProject
	}
	log.Printf("🆕 Onboarding with tier %s", tierID)

	onboardOpts := opts
	onboardOpts.LogLabel = "onboardUser"
	payload := map[string]interface{}{
		"tierId":   tierID,
		"metadata": clientMetadata,
	}

	for {
		var op onboardOperation
		if err := c.RequestJSON(ctx, onboardOpts, ":onboardUser", payload, &op); err != nil {
			return "", err
		}
		if op.Done {
			if op.Response.CloudaicompanionProject.ID == "" {
				return "", ErrNoProject
			}
			return op.Response.CloudaicompanionProject.ID, nil
		}
		select {
		case <-time.After(onboardPollDelay):
		case <-ctx.Done():
			return "", &RequestError{Retryable: true, Err: ctx.Err()}
		}
	}
}
