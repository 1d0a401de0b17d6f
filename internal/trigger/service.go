// Package trigger decides when to send quota wake-up requests, runs them
// with bounded concurrency, and keeps the outcome history.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/quota-sentinel/internal/auth/token"
	"github.com/pysugar/quota-sentinel/internal/db"
	"github.com/pysugar/quota-sentinel/internal/db/models"
	"github.com/pysugar/quota-sentinel/internal/upstream"
	"github.com/pysugar/quota-sentinel/internal/util"
)

const (
	defaultCooldown    = 5 * time.Minute
	defaultConcurrency = 4
	defaultPrompt      = "Hi"

	wakeTimeout = 60 * time.Second
)

// Service orchestrates wake-up runs over the token service, API client
// and stores. All collaborators are injected; there is no package state.
type Service struct {
	tokens *token.Service
	api    *upstream.Client
	creds  *db.CredentialStore
	state  *db.StateStore

	route       upstream.RouteOptions
	cooldown    time.Duration
	concurrency int
	prompt      string

	now func() time.Time
}

// Options tunes a Service; zero values get defaults.
type Options struct {
	Route       upstream.RouteOptions
	Cooldown    time.Duration
	Concurrency int
	Prompt      string
}

// NewService creates a trigger Service.
func NewService(tokens *token.Service, api *upstream.Client, creds *db.CredentialStore, state *db.StateStore, opts Options) *Service {
	s := &Service{
		tokens:      tokens,
		api:         api,
		creds:       creds,
		state:       state,
		route:       opts.Route,
		cooldown:    opts.Cooldown,
		concurrency: opts.Concurrency,
		prompt:      opts.Prompt,
		now:         time.Now,
	}
	if s.cooldown <= 0 {
		s.cooldown = defaultCooldown
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if s.prompt == "" {
		s.prompt = defaultPrompt
	}
	return s
}

// Model is one selectable model for wake-up runs.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// AvailableModels lists models known to the remote service. When filter
// is non-empty, only matching ids are returned, in the filter's order, so
// the UI keeps a stable ordering independent of the server.
func (s *Service) AvailableModels(ctx context.Context, filter []string) ([]Model, error) {
	accessToken, _, err := s.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	known, err := s.api.FetchAvailableModels(ctx, s.callOptions(accessToken, "fetchAvailableModels"))
	if err != nil {
		return nil, err
	}

	if len(filter) > 0 {
		out := make([]Model, 0, len(filter))
		for _, id := range filter {
			if info, ok := known[id]; ok {
				out = append(out, Model{ID: id, DisplayName: info.DisplayName})
			}
		}
		return out, nil
	}

	ids := make([]string, 0, len(known))
	for id := range known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Model, 0, len(ids))
	for _, id := range ids {
		out = append(out, Model{ID: id, DisplayName: known[id].DisplayName})
	}
	return out, nil
}

// QuotaModels fetches the raw model map including per-model quota blocks,
// resolving the access token first. Used by the quota poller.
func (s *Service) QuotaModels(ctx context.Context) (map[string]upstream.ModelInfo, error) {
	accessToken, _, err := s.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.api.FetchAvailableModels(ctx, s.callOptions(accessToken, "quotaPoll"))
}

// modelOutcome is one model's isolated result inside a fan-out.
type modelOutcome struct {
	modelID string
	reply   string
	err     error
}

// Trigger runs one wake-up across the given models (all known models
// when empty). A history record is appended whatever the outcome; the
// returned error is non-nil only when the run could not start at all.
func (s *Service) Trigger(ctx context.Context, modelIDs []string, triggerType TriggerType, customPrompt string, source TriggerSource) (*Record, error) {
	start := s.now()
	prompt := customPrompt
	if prompt == "" {
		prompt = s.prompt
	}

	fail := func(err error) (*Record, error) {
		rec := Record{
			ID:            uuid.New().String(),
			Timestamp:     start,
			Success:       false,
			Prompt:        prompt,
			Message:       err.Error(),
			DurationMs:    s.now().Sub(start).Milliseconds(),
			TriggerType:   triggerType,
			TriggerSource: source,
		}
		if histErr := appendRecord(s.state, rec); histErr != nil {
			log.Printf("⚠️ Failed to record trigger history: %v", histErr)
		}
		return &rec, err
	}

	accessToken, _, err := s.accessToken(ctx)
	if err != nil {
		return fail(err)
	}

	if len(modelIDs) == 0 {
		available, err := s.AvailableModels(ctx, nil)
		if err != nil {
			return fail(fmt.Errorf("list models: %w", err))
		}
		for _, m := range available {
			modelIDs = append(modelIDs, m.ID)
		}
		if len(modelIDs) == 0 {
			return fail(fmt.Errorf("no models available"))
		}
	}

	// A failed project lookup falls back to a placeholder: the wake-up
	// call is still attempted, not aborted.
	projectID, err := s.api.ResolveProjectID(ctx, s.callOptions(accessToken, "resolveProject"))
	if err != nil {
		projectID = fmt.Sprintf("projects/sentinel-%s", uuid.New().String()[:8])
		log.Printf("⚠️ Project resolution failed, using placeholder %s: %v", projectID, err)
	}

	outcomes := s.fanOut(ctx, accessToken, projectID, modelIDs, prompt)

	var okLines, failLines []string
	for _, o := range outcomes {
		if o.err != nil {
			failLines = append(failLines, fmt.Sprintf("%s: %v", o.modelID, o.err))
			continue
		}
		line := o.modelID + ": ok"
		if o.reply != "" {
			line += " - " + util.TruncateLog(o.reply, 120)
		}
		okLines = append(okLines, line)
	}

	rec := Record{
		ID:            uuid.New().String(),
		Timestamp:     start,
		Success:       len(okLines) > 0,
		Prompt:        prompt,
		Message:       strings.Join(append(okLines, failLines...), "\n"),
		DurationMs:    s.now().Sub(start).Milliseconds(),
		TriggerType:   triggerType,
		TriggerSource: source,
	}
	if err := appendRecord(s.state, rec); err != nil {
		log.Printf("⚠️ Failed to record trigger history: %v", err)
	}
	log.Printf("✅ Trigger finished: %d/%d models ok in %dms", len(okLines), len(modelIDs), rec.DurationMs)
	return &rec, nil
}

// fanOut sends one wake-up per model through a fixed-size worker pool.
// Workers pull indices from a shared counter so they self-balance; one
// model's failure never aborts the others.
func (s *Service) fanOut(ctx context.Context, accessToken, projectID string, modelIDs []string, prompt string) []modelOutcome {
	outcomes := make([]modelOutcome, len(modelIDs))
	workers := s.concurrency
	if workers > len(modelIDs) {
		workers = len(modelIDs)
	}

	var next atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(next.Add(1)) - 1
				if i >= len(modelIDs) {
					return
				}
				reply, err := s.wakeModel(ctx, accessToken, projectID, modelIDs[i], prompt)
				outcomes[i] = modelOutcome{modelID: modelIDs[i], reply: reply, err: err}
			}
		}()
	}
	wg.Wait()
	return outcomes
}

// wakeModel sends one synthetic generation request and extracts the reply
// text from the final stream event.
func (s *Service) wakeModel(ctx context.Context, accessToken, projectID, modelID, prompt string) (string, error) {
	payload := map[string]interface{}{
		"model":       modelID,
		"project":     projectID,
		"userAgent":   "quota-sentinel",
		"requestType": "agent",
		"request": map[string]interface{}{
			"sessionId": fmt.Sprintf("-%d", rand.Int63n(9_000_000_000_000_000_000)),
			"contents": []map[string]interface{}{
				{
					"role":  "user",
					"parts": []map[string]interface{}{{"text": prompt}},
				},
			},
		},
	}

	opts := s.callOptions(accessToken, "wake:"+modelID)
	opts.Timeout = wakeTimeout
	raw, err := s.api.RequestStream(ctx, opts, ":streamGenerateContent?alt=sse", payload)
	if err != nil {
		return "", err
	}
	return extractReplyText(raw), nil
}

type replyPart struct {
	Text string `json:"text"`
}

type replyCandidate struct {
	Content struct {
		Parts []replyPart `json:"parts"`
	} `json:"content"`
}

type generatePayload struct {
	Response *struct {
		Candidates []replyCandidate `json:"candidates"`
	} `json:"response"`
	Candidates []replyCandidate `json:"candidates"`
}

// extractReplyText decodes a stream event into the known response shapes
// and returns the first candidate's text, or "" when the shape is
// unfamiliar.
func extractReplyText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var payload generatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	candidates := payload.Candidates
	if payload.Response != nil {
		candidates = payload.Response.Candidates
	}
	for _, c := range candidates {
		for _, p := range c.Content.Parts {
			if p.Text != "" {
				return p.Text
			}
		}
	}
	return ""
}

// accessToken resolves a usable token for the active account, persisting
// refreshed token material and marking the credential invalid on a
// rejected grant.
func (s *Service) accessToken(ctx context.Context) (string, *models.Credential, error) {
	cred, err := s.creds.GetCredential("")
	if err != nil {
		return "", nil, err
	}

	status := s.tokens.GetAccessTokenStatus(ctx, cred)
	switch status.Kind {
	case token.KindOK:
		if err := s.creds.SaveCredential(cred); err != nil {
			log.Printf("⚠️ Failed to persist refreshed token: %v", err)
		}
		return status.AccessToken, cred, nil
	case token.KindInvalidGrant:
		if markErr := s.creds.MarkAccountInvalid(cred.Email); markErr != nil {
			log.Printf("⚠️ Failed to mark account invalid: %v", markErr)
		}
		return "", cred, fmt.Errorf("authorization revoked for %s, re-login required", cred.Email)
	case token.KindUnauthenticated:
		return "", nil, fmt.Errorf("no account configured")
	case token.KindExpired:
		return "", cred, fmt.Errorf("access token expired and no refresh token stored")
	default:
		return "", cred, fmt.Errorf("token refresh failed: %s", status.Reason)
	}
}

func (s *Service) callOptions(accessToken, label string) upstream.CallOptions {
	return upstream.CallOptions{
		AccessToken: accessToken,
		Route:       s.route,
		LogLabel:    label,
	}
}
