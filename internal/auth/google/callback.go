package google

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/pysugar/quota-sentinel/internal/db"
	"github.com/pysugar/quota-sentinel/internal/db/models"
	"golang.org/x/oauth2"
)

// HandleCallback processes the OAuth callback from Google and stores the
// resulting credential. The first account ever stored becomes active; a
// re-authorized account gets its invalid flag cleared.
func HandleCallback(clientID, clientSecret string, creds *db.CredentialStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := r.URL.Query().Get("state")
		if state != GetStateToken() {
			http.Error(w, "Invalid state token", http.StatusBadRequest)
			return
		}

		code := r.URL.Query().Get("code")
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		redirectURL := fmt.Sprintf("%s://%s/auth/google/callback", scheme, r.Host)
		config := GetOAuthConfig(clientID, clientSecret, redirectURL)

		token, err := config.Exchange(r.Context(), code)
		if err != nil {
			http.Error(w, fmt.Sprintf("Token exchange failed: %v", err), http.StatusInternalServerError)
			return
		}

		email, err := fetchEmail(r.Context(), config, token)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to get user info: %v", err), http.StatusInternalServerError)
			return
		}

		expiry := token.Expiry
		cred := &models.Credential{
			Email:             email,
			AccessToken:       token.AccessToken,
			RefreshToken:      token.RefreshToken,
			AccessTokenExpiry: &expiry,
		}
		if err := creds.SaveCredential(cred); err != nil {
			http.Error(w, fmt.Sprintf("Failed to save account: %v", err), http.StatusInternalServerError)
			return
		}
		// Fresh tokens mean the account is authorized again.
		if err := creds.ClearAccountInvalid(email); err != nil {
			log.Printf("⚠️ Failed to clear invalid flag for %s: %v", email, err)
		}

		active, err := creds.GetActiveAccount()
		if err == nil && active == "" {
			if err := creds.SetActiveAccount(email); err != nil {
				log.Printf("⚠️ Failed to set %s active: %v", email, err)
			}
		}
		log.Printf("✅ Authorized %s via OAuth flow", email)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>Login Successful</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; text-align: center; }
		.success { color: #4ade80; font-size: 24px; margin-bottom: 10px; }
	</style>
</head>
<body>
	<div class="success">✅ Login Successful</div>
	<p>Account <strong>%s</strong> has been added. You can close this tab.</p>
</body>
</html>`, email)
	}
}

// fetchEmail resolves the authorized account's email from the identity
// endpoint.
func fetchEmail(ctx context.Context, config *oauth2.Config, token *oauth2.Token) (string, error) {
	client := config.Client(ctx, token)
	resp, err := client.Get("https://www.googleapis.com/oauth2/v2/userinfo")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var userInfo struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return "", err
	}
	if userInfo.Email == "" {
		return "", fmt.Errorf("identity endpoint returned no email")
	}
	return userInfo.Email, nil
}
