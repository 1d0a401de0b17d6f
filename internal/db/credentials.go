package db

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/pysugar/quota-sentinel/internal/db/models"
	"gorm.io/gorm"
)

// ErrAccountNotFound is returned when an operation names an email with no
// stored credential.
var ErrAccountNotFound = errors.New("account not found")

// AccountStatus summarizes one account for the UI layer.
type AccountStatus struct {
	Email     string `json:"email"`
	IsInvalid bool   `json:"isInvalid"`
}

// AuthorizationStatus is a read-only summary of the store.
type AuthorizationStatus struct {
	IsAuthorized  bool            `json:"isAuthorized"`
	ActiveAccount string          `json:"activeAccount,omitempty"`
	Accounts      []AccountStatus `json:"accounts"`
}

// CredentialStore is the durable map of account email to credential,
// plus the single "active account" pointer. Keys are stored as provided;
// lookups compare case-insensitively.
type CredentialStore struct {
	db    *gorm.DB
	state *StateStore
}

// NewCredentialStore creates a CredentialStore over the given database.
func NewCredentialStore(gdb *gorm.DB, state *StateStore) *CredentialStore {
	return &CredentialStore{db: gdb, state: state}
}

// SaveCredential inserts or fully overwrites the credential for its email.
func (s *CredentialStore) SaveCredential(cred *models.Credential) error {
	if cred.Email == "" {
		return fmt.Errorf("save credential: empty email")
	}
	// Replace any row matching case-insensitively so "A@x.com" and
	// "a@x.com" never coexist.
	if existing, err := s.findByEmail(cred.Email); err != nil {
		return err
	} else if existing != nil && existing.Email != cred.Email {
		if err := s.db.Delete(&models.Credential{}, "email = ?", existing.Email).Error; err != nil {
			return err
		}
	}
	return s.db.Save(cred).Error
}

// GetCredential returns the credential for email, or for the active
// account when email is empty. Returns nil without error when absent.
func (s *CredentialStore) GetCredential(email string) (*models.Credential, error) {
	if email == "" {
		active, err := s.GetActiveAccount()
		if err != nil {
			return nil, err
		}
		if active == "" {
			return nil, nil
		}
		email = active
	}
	return s.findByEmail(email)
}

// SetActiveAccount points the active selector at email.
func (s *CredentialStore) SetActiveAccount(email string) error {
	cred, err := s.findByEmail(email)
	if err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, email)
	}
	// Store the canonical key so later lookups hit directly.
	return s.state.putRaw(StateKeyActiveAccount, cred.Email)
}

// GetActiveAccount returns the active account email, or "" when none is set.
func (s *CredentialStore) GetActiveAccount() (string, error) {
	email, ok, err := s.state.getRaw(StateKeyActiveAccount)
	if err != nil || !ok {
		return "", err
	}
	return email, nil
}

// RemoveCredential deletes the credential. Removing the active account
// clears the active pointer so it never dangles.
func (s *CredentialStore) RemoveCredential(email string) error {
	cred, err := s.findByEmail(email)
	if err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, email)
	}
	if err := s.db.Delete(&models.Credential{}, "email = ?", cred.Email).Error; err != nil {
		return err
	}
	active, err := s.GetActiveAccount()
	if err != nil {
		return err
	}
	if strings.EqualFold(active, cred.Email) {
		if err := s.state.Delete(StateKeyActiveAccount); err != nil {
			return err
		}
		log.Printf("🔒 Removed active account %s, active pointer cleared", cred.Email)
	}
	return nil
}

// HasAccount reports whether a credential exists for email.
func (s *CredentialStore) HasAccount(email string) (bool, error) {
	cred, err := s.findByEmail(email)
	if err != nil {
		return false, err
	}
	return cred != nil, nil
}

// GetAllCredentials returns every stored credential keyed by email.
func (s *CredentialStore) GetAllCredentials() (map[string]*models.Credential, error) {
	var creds []models.Credential
	if err := s.db.Find(&creds).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*models.Credential, len(creds))
	for i := range creds {
		out[creds[i].Email] = &creds[i]
	}
	return out, nil
}

// MarkAccountInvalid flags the credential as needing re-authorization.
func (s *CredentialStore) MarkAccountInvalid(email string) error {
	return s.setInvalid(email, true)
}

// ClearAccountInvalid resets the invalid flag after a successful
// re-authorization.
func (s *CredentialStore) ClearAccountInvalid(email string) error {
	return s.setInvalid(email, false)
}

func (s *CredentialStore) setInvalid(email string, invalid bool) error {
	cred, err := s.findByEmail(email)
	if err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, email)
	}
	return s.db.Model(&models.Credential{}).Where("email = ?", cred.Email).
		Update("is_invalid", invalid).Error
}

// HasValidCredential reports whether the active account exists with a
// non-empty refresh token and no invalid flag.
func (s *CredentialStore) HasValidCredential() (bool, error) {
	cred, err := s.GetCredential("")
	if err != nil {
		return false, err
	}
	return cred != nil && cred.RefreshToken != "" && !cred.IsInvalid, nil
}

// GetAuthorizationStatus builds the read-only summary consumed by the UI.
func (s *CredentialStore) GetAuthorizationStatus() (*AuthorizationStatus, error) {
	var creds []models.Credential
	if err := s.db.Order("email").Find(&creds).Error; err != nil {
		return nil, err
	}
	active, err := s.GetActiveAccount()
	if err != nil {
		return nil, err
	}
	authorized, err := s.HasValidCredential()
	if err != nil {
		return nil, err
	}
	status := &AuthorizationStatus{
		IsAuthorized:  authorized,
		ActiveAccount: active,
		Accounts:      make([]AccountStatus, 0, len(creds)),
	}
	for _, c := range creds {
		status.Accounts = append(status.Accounts, AccountStatus{Email: c.Email, IsInvalid: c.IsInvalid})
	}
	return status, nil
}

func (s *CredentialStore) findByEmail(email string) (*models.Credential, error) {
	var cred models.Credential
	err := s.db.Where("LOWER(email) = LOWER(?)", email).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}
