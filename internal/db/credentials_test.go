package db

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pysugar/quota-sentinel/internal/db/models"
)

func newTestStores(t *testing.T) (*CredentialStore, *StateStore) {
	t.Helper()
	gdb, err := InitDB(filepath.Join(t.TempDir(), "sentinel.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	state := NewStateStore(gdb)
	return NewCredentialStore(gdb, state), state
}

func TestSaveAndGetCredential(t *testing.T) {
	store, _ := newTestStores(t)
	expiry := time.Now().Add(time.Hour)
	cred := &models.Credential{
		Email:             "a@x.com",
		AccessToken:       "access-1",
		RefreshToken:      "refresh-1",
		AccessTokenExpiry: &expiry,
	}
	if err := store.SaveCredential(cred); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetCredential("A@X.COM")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.RefreshToken != "refresh-1" {
		t.Fatalf("lookup by different case failed: %+v", got)
	}

	// Overwrite with a differently-cased key must not create a second row.
	if err := store.SaveCredential(&models.Credential{Email: "A@x.com", RefreshToken: "refresh-2"}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	all, err := store.GetAllCredentials()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 credential after case-variant overwrite, got %d", len(all))
	}
}

func TestActiveAccountPointer(t *testing.T) {
	store, _ := newTestStores(t)
	if err := store.SaveCredential(&models.Credential{Email: "a@x.com", RefreshToken: "r"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.SetActiveAccount("missing@x.com"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	if err := store.SetActiveAccount("a@x.com"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	active, err := store.GetActiveAccount()
	if err != nil || active != "a@x.com" {
		t.Fatalf("active = %q, err = %v", active, err)
	}

	// GetCredential with empty email resolves the active account.
	cred, err := store.GetCredential("")
	if err != nil || cred == nil || cred.Email != "a@x.com" {
		t.Fatalf("active credential lookup failed: %+v, %v", cred, err)
	}

	// Removing the active account must clear the pointer, not dangle.
	if err := store.RemoveCredential("a@x.com"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	active, err = store.GetActiveAccount()
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active != "" {
		t.Fatalf("expected empty active pointer after removal, got %q", active)
	}
	cred, err = store.GetCredential("")
	if err != nil || cred != nil {
		t.Fatalf("expected no active credential, got %+v, %v", cred, err)
	}
}

func TestHasValidCredential(t *testing.T) {
	store, _ := newTestStores(t)

	ok, err := store.HasValidCredential()
	if err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	if err := store.SaveCredential(&models.Credential{Email: "a@x.com", RefreshToken: "r"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SetActiveAccount("a@x.com"); err != nil {
		t.Fatalf("set active: %v", err)
	}
	ok, err = store.HasValidCredential()
	if err != nil || !ok {
		t.Fatalf("valid active credential: ok=%v err=%v", ok, err)
	}

	if err := store.MarkAccountInvalid("a@x.com"); err != nil {
		t.Fatalf("mark invalid: %v", err)
	}
	ok, err = store.HasValidCredential()
	if err != nil || ok {
		t.Fatalf("invalid credential should not count: ok=%v err=%v", ok, err)
	}

	if err := store.ClearAccountInvalid("a@x.com"); err != nil {
		t.Fatalf("clear invalid: %v", err)
	}
	ok, err = store.HasValidCredential()
	if err != nil || !ok {
		t.Fatalf("cleared credential should count: ok=%v err=%v", ok, err)
	}
}

func TestGetAuthorizationStatus(t *testing.T) {
	store, _ := newTestStores(t)
	if err := store.SaveCredential(&models.Credential{Email: "a@x.com", RefreshToken: "r"}); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := store.SaveCredential(&models.Credential{Email: "b@x.com", RefreshToken: "r", IsInvalid: true}); err != nil {
		t.Fatalf("save b: %v", err)
	}
	if err := store.SetActiveAccount("a@x.com"); err != nil {
		t.Fatalf("set active: %v", err)
	}

	status, err := store.GetAuthorizationStatus()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.IsAuthorized || status.ActiveAccount != "a@x.com" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if len(status.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(status.Accounts))
	}
	if !status.Accounts[1].IsInvalid {
		t.Fatalf("expected b@x.com to be invalid: %+v", status.Accounts)
	}
}

func TestStateStoreRoundTrip(t *testing.T) {
	_, state := newTestStores(t)

	type sample struct {
		N int    `json:"n"`
		S string `json:"s"`
	}
	var out sample
	ok, err := state.Get("missing", &out)
	if err != nil || ok {
		t.Fatalf("missing slot: ok=%v err=%v", ok, err)
	}

	if err := state.Put("slot", sample{N: 7, S: "x"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err = state.Get("slot", &out)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if out.N != 7 || out.S != "x" {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	// Whole-value replace.
	if err := state.Put("slot", sample{N: 8}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if _, err := state.Get("slot", &out); err != nil {
		t.Fatalf("get after replace: %v", err)
	}
	if out.N != 8 || out.S != "" {
		t.Fatalf("expected whole-value replace, got %+v", out)
	}

	if err := state.Delete("slot"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, _ = state.Get("slot", &out)
	if ok {
		t.Fatal("expected slot to be gone after delete")
	}
}
