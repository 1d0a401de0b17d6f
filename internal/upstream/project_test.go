package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSelectOnboardTier(t *testing.T) {
	tests := []struct {
		name  string
		tiers []Tier
		want  string
	}{
		{name: "no tiers", tiers: nil, want: ""},
		{
			name:  "default preferred",
			tiers: []Tier{{ID: "t1"}, {ID: "t2", IsDefault: true}},
			want:  "t2",
		},
		{
			name:  "first with id",
			tiers: []Tier{{ID: ""}, {ID: "t1"}, {ID: "t2"}},
			want:  "t1",
		},
		{
			name:  "legacy fallback",
			tiers: []Tier{{Name: "unnamed"}},
			want:  "LEGACY",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectOnboardTier(tt.tiers); got != tt.want {
				t.Fatalf("selectOnboardTier = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveProjectIDFromConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"cloudaicompanionProject": "projects/known",
		})
	}))
	defer srv.Close()

	client := NewClient(srv.Client())
	opts := CallOptions{AccessToken: "tok", Route: RouteOptions{OverrideURL: srv.URL + "/v1internal"}}
	got, err := client.ResolveProjectID(context.Background(), opts)
	if err != nil {
		t.Fatalf("ResolveProjectID: %v", err)
	}
	if got != "projects/known" {
		t.Fatalf("project = %q", got)
	}
}

func TestResolveProjectIDOnboards(t *testing.T) {
	var onboardCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1internal:loadCodeAssist":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"allowedTiers": []map[string]interface{}{
					{"id": "free-tier", "isDefault": true},
				},
			})
		case r.URL.Path == "/v1internal:onboardUser":
			onboardCalls++
			var body struct {
				TierID string `json:"tierId"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if body.TierID != "free-tier" {
				t.Errorf("tierId = %q", body.TierID)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"done": true,
				"response": map[string]interface{}{
					"cloudaicompanionProject": map[string]interface{}{"id": "projects/onboarded"},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.Client())
	opts := CallOptions{AccessToken: "tok", Route: RouteOptions{OverrideURL: srv.URL + "/v1internal"}}
	got, err := client.ResolveProjectID(context.Background(), opts)
	if err != nil {
		t.Fatalf("ResolveProjectID: %v", err)
	}
	if got != "projects/onboarded" {
		t.Fatalf("project = %q", got)
	}
	if onboardCalls != 1 {
		t.Fatalf("onboard calls = %d", onboardCalls)
	}
}
