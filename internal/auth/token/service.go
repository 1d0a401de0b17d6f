// Package token produces valid access tokens for stored credentials,
// refreshing against the identity provider when they expire.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/quota-sentinel/internal/db/models"
	"golang.org/x/oauth2"
)

// ExpiryMargin is how early a cached access token is considered expired.
const ExpiryMargin = 60 * time.Second

const defaultUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// ErrEmailResolutionFailed is returned when neither the identity endpoint
// nor the caller-supplied fallback yields an account email.
var ErrEmailResolutionFailed = errors.New("token: could not resolve account email")

// Kind enumerates the closed set of token-acquisition results.
type Kind int

const (
	// KindOK carries a usable access token.
	KindOK Kind = iota
	// KindExpired means the token is stale and no refresh token exists.
	KindExpired
	// KindInvalidGrant means the refresh token was rejected outright;
	// the credential should be marked invalid.
	KindInvalidGrant
	// KindRefreshFailed is a recoverable refresh failure (network, 5xx).
	KindRefreshFailed
	// KindUnauthenticated means no credential exists at all.
	KindUnauthenticated
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindExpired:
		return "expired"
	case KindInvalidGrant:
		return "invalid_grant"
	case KindRefreshFailed:
		return "refresh_failed"
	case KindUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status is the tagged result of one token acquisition attempt.
type Status struct {
	Kind        Kind
	AccessToken string
	Reason      string
}

// Service exchanges refresh tokens for access tokens. Constructed once at
// startup and passed to consumers; no package-level state.
type Service struct {
	oauthCfg    *oauth2.Config
	httpClient  *http.Client
	userinfoURL string
}

// NewService creates a token Service. A nil httpClient uses a 30s-timeout
// default; token endpoints are expected to be quick.
func NewService(cfg *oauth2.Config, httpClient *http.Client) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Service{
		oauthCfg:    cfg,
		httpClient:  httpClient,
		userinfoURL: defaultUserinfoURL,
	}
}

// SetUserinfoURL overrides the identity endpoint, for tests and
// self-hosted identity providers.
func (s *Service) SetUserinfoURL(u string) {
	s.userinfoURL = u
}

// GetAccessTokenStatus returns a usable access token for cred, refreshing
// when the cached one is expired or missing. Exactly one refresh attempt
// is made; retry policy for quota calls lives in the API client. On
// success the credential's token fields are updated in place.
func (s *Service) GetAccessTokenStatus(ctx context.Context, cred *models.Credential) Status {
	if cred == nil {
		return Status{Kind: KindUnauthenticated}
	}
	if cred.AccessTokenValid(ExpiryMargin) {
		return Status{Kind: KindOK, AccessToken: cred.AccessToken}
	}
	if cred.RefreshToken == "" {
		return Status{Kind: KindExpired}
	}

	tok, err := s.refresh(ctx, cred.RefreshToken)
	if err != nil {
		if isInvalidGrant(err) {
			log.Printf("❌ Refresh rejected for %s: invalid_grant", cred.Email)
			return Status{Kind: KindInvalidGrant, Reason: err.Error()}
		}
		log.Printf("⏳ Transient refresh failure for %s: %v", cred.Email, err)
		return Status{Kind: KindRefreshFailed, Reason: err.Error()}
	}

	cred.AccessToken = tok.AccessToken
	expiry := tok.Expiry
	cred.AccessTokenExpiry = &expiry
	// Persist rotated refresh token if provided (RFC 6749 compliance).
	if tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken {
		log.Printf("🔄 Rotating refresh token for: %s", cred.Email)
		cred.RefreshToken = tok.RefreshToken
	}
	return Status{Kind: KindOK, AccessToken: tok.AccessToken}
}

// BuildCredentialFromRefreshToken performs one refresh exchange and
// resolves the account email from the identity endpoint, falling back to
// fallbackEmail when the identity call yields nothing. Used by import
// flows that only have a bare refresh token.
func (s *Service) BuildCredentialFromRefreshToken(ctx context.Context, refreshToken, fallbackEmail string) (*models.Credential, error) {
	tok, err := s.refresh(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh exchange: %w", err)
	}

	email := s.resolveEmail(ctx, tok.AccessToken)
	if email == "" {
		email = fallbackEmail
	}
	if email == "" {
		return nil, ErrEmailResolutionFailed
	}

	stored := refreshToken
	if tok.RefreshToken != "" {
		stored = tok.RefreshToken
	}
	expiry := tok.Expiry
	return &models.Credential{
		Email:             email,
		AccessToken:       tok.AccessToken,
		RefreshToken:      stored,
		AccessTokenExpiry: &expiry,
	}, nil
}

// refresh performs a single refresh-token grant exchange.
func (s *Service) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	source := s.oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return source.Token()
}

// resolveEmail asks the identity endpoint who owns the access token.
// Best effort: any failure returns "".
func (s *Service) resolveEmail(ctx context.Context, accessToken string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userinfoURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		log.Printf("⚠️ Userinfo call failed: %v", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return ""
	}
	return userInfo.Email
}

// isInvalidGrant reports whether a refresh failure is a permanent grant
// rejection rather than a transient fault.
func isInvalidGrant(err error) bool {
	if err == nil {
		return false
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return true
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusBadRequest &&
			strings.Contains(string(retrieveErr.Body), "invalid_grant") {
			return true
		}
		return false
	}
	// Fallback for wrapped or non-structured errors.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"invalid_grant", "token has been expired or revoked"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
