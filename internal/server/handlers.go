package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/quota-sentinel/internal/db"
	"github.com/pysugar/quota-sentinel/internal/trigger"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusHandler reports the authorization summary.
func statusHandler(creds *db.CredentialStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := creds.GetAuthorizationStatus()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// quotaHandler returns the latest quota snapshot.
func quotaHandler(q snapshotAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := q.LatestSnapshot()
		if snap == nil {
			writeError(w, http.StatusNotFound, "no quota snapshot yet")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// modelsHandler lists the models available for wake-ups.
func modelsHandler(t triggerAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := t.AvailableModels(r.Context(), nil)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
	}
}

// historyHandler returns stored trigger records, newest first.
func historyHandler(t triggerAPI) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := t.History()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
	}
}

// triggerHandler runs a manual wake-up.
func triggerHandler(t triggerAPI) http.HandlerFunc {
	type request struct {
		Models []string `json:"models"`
		Prompt string   `json:"prompt"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		// An empty or absent body means "all models, default prompt".
		json.NewDecoder(r.Body).Decode(&req)

		rec, err := t.Trigger(r.Context(), req.Models, trigger.TypeManual, req.Prompt, trigger.SourceManual)
		if err != nil {
			// The record still carries the failure detail for the caller.
			writeJSON(w, http.StatusBadGateway, rec)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// importHandler imports credentials, from a posted refresh token or by
// scanning known local state blobs when the body names none.
func importHandler(im importerAPI) http.HandlerFunc {
	type request struct {
		RefreshToken string `json:"refreshToken"`
		Email        string `json:"email"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		json.NewDecoder(r.Body).Decode(&req)

		if req.RefreshToken != "" {
			email, err := im.ImportRefreshToken(r.Context(), req.RefreshToken, req.Email)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{"imported": []string{email}})
			return
		}

		writeJSON(w, http.StatusOK, im.ImportAll(r.Context()))
	}
}

// setActiveHandler switches the active account.
func setActiveHandler(creds *db.CredentialStore) http.HandlerFunc {
	type request struct {
		Email string `json:"email"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
			writeError(w, http.StatusBadRequest, "email is required")
			return
		}
		if err := creds.SetActiveAccount(req.Email); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, db.ErrAccountNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"activeAccount": req.Email})
	}
}

// removeAccountHandler revokes a stored credential.
func removeAccountHandler(creds *db.CredentialStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		if err := creds.RemoveCredential(email); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, db.ErrAccountNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"removed": email})
	}
}

// reauthClearHandler resets the invalid flag after re-authorization.
func reauthClearHandler(creds *db.CredentialStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email := chi.URLParam(r, "email")
		if err := creds.ClearAccountInvalid(email); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, db.ErrAccountNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"cleared": email})
	}
}
