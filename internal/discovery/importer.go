// Package discovery imports credentials cached by the host IDE: it
// locates the IDE's persisted state blob, decodes the OAuth token record
// out of it, and writes a fresh credential into the store.
package discovery

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/pysugar/quota-sentinel/internal/auth/token"
	"github.com/pysugar/quota-sentinel/internal/db"
	"github.com/pysugar/quota-sentinel/internal/wire"
)

// ErrNoCredentials is returned when a state blob decodes cleanly but
// carries no usable refresh token. Distinct from decode errors, which
// mean the blob is corrupt.
var ErrNoCredentials = errors.New("discovery: no credentials found in state blob")

// Importer turns local state blobs into stored credentials.
type Importer struct {
	tokens *token.Service
	creds  *db.CredentialStore
}

// NewImporter creates an Importer over the token service and store.
func NewImporter(tokens *token.Service, creds *db.CredentialStore) *Importer {
	return &Importer{tokens: tokens, creds: creds}
}

// ImportError records one failed path during a scan.
type ImportError struct {
	Source string `json:"source"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}

// ImportResult summarizes one scan across all sources.
type ImportResult struct {
	Imported []string      `json:"imported"`
	Errors   []ImportError `json:"errors,omitempty"`
}

// ImportAll scans every known source and imports what it finds. Absent
// files and credential-free blobs are skipped quietly; decode and
// exchange failures are captured per path.
func (im *Importer) ImportAll(ctx context.Context) *ImportResult {
	result := &ImportResult{Imported: make([]string, 0)}

	for _, source := range Sources() {
		for _, pattern := range source.Paths {
			matches, err := filepath.Glob(expandPath(pattern))
			if err != nil {
				result.Errors = append(result.Errors, ImportError{
					Source: source.Name, Path: pattern, Error: err.Error(),
				})
				continue
			}
			for _, path := range matches {
				email, err := im.ImportFile(ctx, path, source.FieldNumber)
				if errors.Is(err, ErrNoCredentials) {
					continue
				}
				if err != nil {
					result.Errors = append(result.Errors, ImportError{
						Source: source.Name, Path: path, Error: err.Error(),
					})
					continue
				}
				log.Printf("🎫 Imported %s from %s (%s)", email, source.Name, path)
				result.Imported = append(result.Imported, email)
			}
		}
	}

	log.Printf("📦 Import finished: %d credentials, %d errors", len(result.Imported), len(result.Errors))
	return result
}

// ImportFile decodes one state blob and stores the credential it holds.
// Returns the imported account email.
func (im *Importer) ImportFile(ctx context.Context, path string, fieldNumber int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	info, err := DecodeStateBlob(data, fieldNumber)
	if err != nil {
		return "", err
	}
	return im.ImportRefreshToken(ctx, info.RefreshToken, "")
}

// ImportRefreshToken exchanges a bare refresh token for a full
// credential and saves it, becoming the active account when the store
// had none.
func (im *Importer) ImportRefreshToken(ctx context.Context, refreshToken, fallbackEmail string) (string, error) {
	if refreshToken == "" {
		return "", ErrNoCredentials
	}
	cred, err := im.tokens.BuildCredentialFromRefreshToken(ctx, refreshToken, fallbackEmail)
	if err != nil {
		return "", fmt.Errorf("build credential: %w", err)
	}
	if err := im.creds.SaveCredential(cred); err != nil {
		return "", err
	}

	active, err := im.creds.GetActiveAccount()
	if err != nil {
		return "", err
	}
	if active == "" {
		if err := im.creds.SetActiveAccount(cred.Email); err != nil {
			return "", err
		}
		log.Printf("✅ %s set as active account", cred.Email)
	}
	return cred.Email, nil
}

// DecodeStateBlob extracts the OAuth token record from a base64-encoded
// state blob. A blob with no auth record yields ErrNoCredentials; a blob
// whose auth record is corrupt yields the wire error so callers can tell
// "absent" from "broken".
func DecodeStateBlob(data []byte, fieldNumber int) (*wire.TokenInfo, error) {
	trimmed := bytes.TrimSpace(data)
	buf, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("state blob is not valid base64: %w", err)
	}

	record, ok := wire.FindField(buf, fieldNumber)
	if !ok {
		return nil, ErrNoCredentials
	}
	info, err := wire.ParseOAuthTokenInfo(record)
	if err != nil {
		return nil, fmt.Errorf("decode auth record: %w", err)
	}
	if info.RefreshToken == "" && info.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	return &info, nil
}

// MaskToken shortens a token for log and display output.
func MaskToken(tok string) string {
	if len(tok) <= 8 {
		return "***"
	}
	return tok[:4] + "..." + tok[len(tok)-4:]
}
