package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"branchdb/pkg/logger"
	"branchdb/pkg/store"
	"branchdb/pkg/utils"

	"github.com/gorilla/mux"
)

// retentionRunner is wired at startup to the retention job's immediate-run
// entry point. Nil until the app installs it.
var retentionRunner func(ctx context.Context) error

// SetRetentionRunner installs the function invoked by POST /v1/admin/retention/run.
func SetRetentionRunner(fn func(ctx context.Context) error) {
	retentionRunner = fn
}

// RegisterAdmin registers admin-only routes onto the admin subrouter.
func RegisterAdmin(r *mux.Router) {
	r.HandleFunc("/health", adminHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", adminStats).Methods(http.MethodGet)
	r.HandleFunc("/conversations", adminListConversations).Methods(http.MethodGet)
	r.HandleFunc("/keys", adminListKeys).Methods(http.MethodGet)
	r.HandleFunc("/keys/{key}", adminGetKey).Methods(http.MethodGet)
	r.HandleFunc("/retention/run", adminRetentionRun).Methods(http.MethodPost)
	logger.Info("admin_routes_registered")
}

// isAdmin checks if the request is from an admin or backend caller.
func isAdmin(r *http.Request) bool {
	role := r.Header.Get("X-Role-Name")
	return role == "admin" || role == "backend"
}

func adminHealth(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok","service":"branchdb"}`))
}

func adminStats(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	convs, _ := store.ListConversations()
	var msgCount int64
	var deleted int
	for _, c := range convs {
		if c.Deleted {
			deleted++
		}
		msgs, err := store.ListMessages(c.ID, true)
		if err != nil {
			continue
		}
		msgCount += int64(len(msgs))
	}
	_ = json.NewEncoder(w).Encode(struct {
		Conversations int         `json:"conversations"`
		Deleted       int         `json:"deleted"`
		Messages      int64       `json:"messages"`
		Store         store.Stats `json:"store"`
	}{Conversations: len(convs), Deleted: deleted, Messages: msgCount, Store: store.GetStats()})
}

func adminListConversations(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	convs, err := store.ListConversations()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		Conversations interface{} `json:"conversations"`
	}{Conversations: convs})
}

// adminListKeys lists raw store keys, optionally bounded by a prefix. It
// exists for operational inspection of the key layout.
func adminListKeys(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	keys, err := store.ListKeys(r.URL.Query().Get("prefix"))
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		Keys []string `json:"keys"`
	}{Keys: keys})
}

// adminGetKey returns the raw value for a given key. Path variables are not
// unescaped by gorilla/mux, so recover the original key first.
func adminGetKey(w http.ResponseWriter, r *http.Request) {
	if !isAdmin(r) {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	key, err := url.PathUnescape(mux.Vars(r)["key"])
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid key encoding")
		return
	}
	v, err := store.GetKey(key)
	if err != nil {
		utils.JSONError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write([]byte(v))
}

func adminRetentionRun(w http.ResponseWriter, r *http.Request) {
	role := r.Header.Get("X-Role-Name")
	if role != "admin" {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if retentionRunner == nil {
		utils.JSONError(w, http.StatusServiceUnavailable, "retention not configured")
		return
	}
	if err := retentionRunner(r.Context()); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("retention_run_triggered", "remote", r.RemoteAddr)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
