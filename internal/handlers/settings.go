package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"os"

	"github.com/ptyfleet/ptyfleet/internal/config"
	"github.com/ptyfleet/ptyfleet/internal/crypto"
	"github.com/ptyfleet/ptyfleet/internal/database"
)

// credentialSettingKey is where the encrypted forward credential lives in the
// settings table.
const credentialSettingKey = "forward_credential"

type credentialRequest struct {
	Value string `json:"value"`
}

type settingsView struct {
	ForwardCredentialVar string `json:"forwardCredentialVar"`
	CredentialSet        bool   `json:"credentialSet"`
	CredentialMasked     string `json:"credentialMasked,omitempty"`
}

// GetSettings exposes server settings. The credential never leaves the server
// in the clear; only a mask is returned.
func GetSettings(w http.ResponseWriter, r *http.Request) {
	view := settingsView{ForwardCredentialVar: config.Cfg.ForwardCredentialVar}

	enc, err := database.GetSetting(credentialSettingKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load settings")
		return
	}
	if enc != "" {
		plain, err := crypto.Decrypt(enc)
		if err != nil {
			log.Printf("[api] decrypt stored credential: %v", err)
		} else {
			view.CredentialSet = true
			view.CredentialMasked = crypto.Mask(plain)
		}
	}

	writeData(w, http.StatusOK, view)
}

// SetCredential stores the forward credential encrypted at rest. An empty
// value clears it.
func SetCredential(w http.ResponseWriter, r *http.Request) {
	var body credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if body.Value == "" {
		if err := database.SetSetting(credentialSettingKey, ""); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to clear credential")
			return
		}
		writeData(w, http.StatusOK, settingsView{ForwardCredentialVar: config.Cfg.ForwardCredentialVar})
		return
	}

	enc, err := crypto.Encrypt(body.Value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credential")
		return
	}
	if err := database.SetSetting(credentialSettingKey, enc); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store credential")
		return
	}

	writeData(w, http.StatusOK, settingsView{
		ForwardCredentialVar: config.Cfg.ForwardCredentialVar,
		CredentialSet:        true,
		CredentialMasked:     crypto.Mask(body.Value),
	})
}

// resolveCredential finds the credential to export into remote shells: the
// local environment wins, then the encrypted copy in settings.
func resolveCredential() string {
	if v := os.Getenv(config.Cfg.ForwardCredentialVar); v != "" {
		return v
	}

	enc, err := database.GetSetting(credentialSettingKey)
	if err != nil || enc == "" {
		return ""
	}
	plain, err := crypto.Decrypt(enc)
	if err != nil {
		log.Printf("[api] decrypt forward credential: %v", err)
		return ""
	}
	return plain
}
