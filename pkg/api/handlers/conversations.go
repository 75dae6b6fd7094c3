package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"branchdb/pkg/auth"
	"branchdb/pkg/ingest"
	"branchdb/pkg/logger"
	"branchdb/pkg/models"
	"branchdb/pkg/store"
	"branchdb/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterConversations registers conversation metadata endpoints onto the
// /v1 subrouter. Message, tree and event endpoints scoped under a
// conversation are registered by their own files.
func RegisterConversations(r *mux.Router) {
	r.HandleFunc("/conversations", createConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversations", listConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}", getConversation).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}", renameConversation).Methods(http.MethodPut)
	r.HandleFunc("/conversations/{id}", deleteConversation).Methods(http.MethodDelete)
}

// privilegedRole reports whether the request carries a role that may act on
// resources it does not own.
func privilegedRole(r *http.Request) bool {
	role := r.Header.Get("X-Role-Name")
	return role == "admin" || role == "backend"
}

// loadOwnedConversation fetches a live conversation and enforces ownership
// for non-privileged callers. It writes the error response itself and
// reports ok=false when the caller should stop.
func loadOwnedConversation(w http.ResponseWriter, r *http.Request, convID string) (models.Conversation, string, bool) {
	c, err := store.GetConversation(convID)
	if err != nil || c.Deleted {
		utils.JSONError(w, http.StatusNotFound, "conversation not found")
		return models.Conversation{}, "", false
	}
	author, status, msg := auth.ResolveAuthorFromRequest(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return models.Conversation{}, "", false
	}
	if !privilegedRole(r) && c.Author != "" && c.Author != author {
		logger.Warn("conversation_forbidden", "conversation", convID, "author", author)
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return models.Conversation{}, "", false
	}
	return c, author, true
}

func createConversation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var in struct {
		Title  string `json:"title"`
		Author string `json:"author"`
	}
	// an empty body is a valid "untitled" conversation
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	author, status, msg := auth.ResolveAuthorFromRequest(r, in.Author)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	now := time.Now().UTC().UnixNano()
	c := models.Conversation{
		ID:        utils.GenConvID(),
		Title:     in.Title,
		Author:    author,
		CreatedTS: now,
		UpdatedTS: now,
	}
	c.Slug = utils.MakeSlug(c.Title, c.ID)
	if err := store.SaveConversation(c); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("conversation_created", "id", c.ID, "author", author)
	_ = utils.JSONWrite(w, http.StatusOK, c)
}

func listConversations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	author, status, msg := auth.ResolveAuthorFromRequest(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	all, err := store.ListConversations()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true" && privilegedRole(r)
	out := make([]models.Conversation, 0, len(all))
	for _, c := range all {
		if c.Deleted && !includeDeleted {
			continue
		}
		// privileged callers without an author filter see everything
		if privilegedRole(r) && r.URL.Query().Get("author") == "" {
			out = append(out, c)
			continue
		}
		if c.Author == author {
			out = append(out, c)
		}
	}
	_ = json.NewEncoder(w).Encode(struct {
		Conversations []models.Conversation `json:"conversations"`
	}{Conversations: out})
}

func getConversation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	c, _, ok := loadOwnedConversation(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	_ = json.NewEncoder(w).Encode(c)
}

// renameConversation updates a conversation's title through the ingest
// queue, like message writes: the response is 202 and the new title becomes
// visible once the batch commits. The slug is derived at creation and stays
// stable across renames.
func renameConversation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	convID := mux.Vars(r)["id"]
	cur, author, ok := loadOwnedConversation(w, r, convID)
	if !ok {
		return
	}
	var in struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	cur.Title = in.Title
	cur.UpdatedTS = time.Now().UTC().UnixNano()

	// a partial payload is enough: the update handler merges the rest
	// back over the stored metadata
	payload, err := json.Marshal(models.Conversation{ID: cur.ID, Title: cur.Title, UpdatedTS: cur.UpdatedTS})
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "marshal failed")
		return
	}
	extras := requestExtras(r, author)
	extras["entity"] = "conversation"
	op := &ingest.Op{
		Type:         ingest.OpUpdate,
		Conversation: cur.ID,
		Payload:      payload,
		TS:           cur.UpdatedTS,
		Extras:       extras,
	}
	if err := ingest.DefaultQueue.TryEnqueue(op); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			utils.JSONError(w, http.StatusTooManyRequests, "server busy; try again")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	logger.Info("conversation_rename_accepted", "id", cur.ID, "actor", author)
	_ = utils.JSONWrite(w, http.StatusAccepted, cur)
}

func deleteConversation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	convID := mux.Vars(r)["id"]
	_, author, ok := loadOwnedConversation(w, r, convID)
	if !ok {
		return
	}
	actor := author
	if actor == "" {
		actor = r.Header.Get("X-Role-Name")
	}
	if err := store.SoftDeleteConversation(convID, actor); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("conversation_deleted", "id", convID, "actor", actor)
	w.WriteHeader(http.StatusNoContent)
}
