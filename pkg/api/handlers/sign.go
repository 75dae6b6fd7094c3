package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"branchdb/pkg/logger"
	"branchdb/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterSigning registers the author-signature minting endpoint. Backend
// services call it to produce the X-User-Signature value their frontends
// must present; the caller's own API key is the signing secret.
func RegisterSigning(r *mux.Router) {
	r.HandleFunc("/sign", signHandler).Methods(http.MethodPost)
}

func signHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	role := r.Header.Get("X-Role-Name")
	if role != "backend" && role != "admin" {
		logger.Warn("sign_forbidden", "role", role, "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}

	// the key that authenticated this request is the signing secret
	auth := r.Header.Get("Authorization")
	var key string
	if len(auth) > 7 && (auth[:7] == "Bearer " || auth[:7] == "bearer ") {
		key = auth[7:]
	}
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		logger.Warn("sign_missing_api_key", "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusUnauthorized, "missing api key")
		return
	}

	var payload struct {
		UserID string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.UserID == "" {
		utils.JSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(payload.UserID))
	sig := hex.EncodeToString(mac.Sum(nil))
	logger.Info("author_signature_minted", "role", role, "remote", r.RemoteAddr)
	_ = json.NewEncoder(w).Encode(map[string]string{"userId": payload.UserID, "signature": sig})
}
