package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"branchdb/pkg/auth"
	"branchdb/pkg/ingest"
	"branchdb/pkg/logger"
	"branchdb/pkg/models"
	"branchdb/pkg/store"
	"branchdb/pkg/utils"
	"branchdb/pkg/validation"

	"github.com/gorilla/mux"
)

// RegisterMessages registers conversation-scoped message endpoints.
// Mutations (create/update/delete) are accepted onto the ingest queue and
// applied asynchronously; reads go straight to the store.
func RegisterMessages(r *mux.Router) {
	r.HandleFunc("/conversations/{id}/messages", createMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", listMessages).Methods(http.MethodGet)

	r.HandleFunc("/conversations/{id}/messages/{msgID}", getMessage).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages/{msgID}", updateMessage).Methods(http.MethodPut)
	r.HandleFunc("/conversations/{id}/messages/{msgID}", deleteMessage).Methods(http.MethodDelete)
	r.HandleFunc("/conversations/{id}/messages/{msgID}/versions", listMessageVersions).Methods(http.MethodGet)

	r.HandleFunc("/conversations/{id}/messages/{msgID}/reactions", getReactions).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages/{msgID}/reactions", addReaction).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages/{msgID}/reactions", removeReaction).Methods(http.MethodDelete)
}

// requestExtras collects small request metadata carried alongside queued ops.
func requestExtras(r *http.Request, author string) map[string]string {
	return map[string]string{
		"role":     r.Header.Get("X-Role-Name"),
		"identity": author,
		"reqid":    r.Header.Get("X-Request-Id"),
		"remote":   r.RemoteAddr,
	}
}

// enqueueMessage pushes a canonical message payload onto the default ingest
// queue and translates queue saturation into a 429.
func enqueueMessage(w http.ResponseWriter, r *http.Request, typ ingest.OpType, m models.Message, author string) bool {
	payload, err := json.Marshal(m)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "marshal failed")
		return false
	}
	op := &ingest.Op{
		Type:         typ,
		Conversation: m.Conversation,
		ID:           m.ID,
		Payload:      payload,
		TS:           m.TS,
		Extras:       requestExtras(r, author),
	}
	if err := ingest.DefaultQueue.TryEnqueue(op); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			utils.JSONError(w, http.StatusTooManyRequests, "server busy; try again")
			return false
		}
		utils.JSONError(w, http.StatusInternalServerError, "enqueue failed")
		return false
	}
	return true
}

func createMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	convID := mux.Vars(r)["id"]
	if _, err := store.GetConversation(convID); err != nil {
		utils.JSONError(w, http.StatusNotFound, "conversation not found")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "read body failed")
		return
	}
	var m models.Message
	if err := json.Unmarshal(body, &m); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	// distinguish "branch_index: 0" from "branch_index absent"
	var probe struct {
		BranchIndex *int `json:"branch_index"`
	}
	_ = json.Unmarshal(body, &probe)

	author, status, msg := auth.ResolveAuthorFromRequest(r, m.Author)
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	m.Author = author
	m.Conversation = convID
	if m.ID == "" {
		m.ID = utils.GenID()
	}
	if m.TS == 0 {
		m.TS = time.Now().UTC().UnixNano()
	}
	if m.ParentID == m.ID && m.ParentID != "" {
		utils.JSONError(w, http.StatusBadRequest, "message cannot be its own parent")
		return
	}

	// A parent that is not (yet) stored is accepted; the tree deriver
	// renders such messages as roots until the parent arrives.
	orphan := false
	if m.ParentID != "" {
		if _, err := store.GetLatestMessage(m.ParentID); err != nil {
			orphan = true
			logger.Warn("message_parent_unknown", "conversation", convID, "msg", m.ID, "parent", m.ParentID)
		}
		if probe.BranchIndex == nil {
			n, err := store.CountChildren(convID, m.ParentID)
			if err != nil {
				utils.JSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			m.BranchIndex = n
		}
	} else if probe.BranchIndex == nil {
		m.BranchIndex = 0
	}

	if err := validation.ValidateMessage(m); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !enqueueMessage(w, r, ingest.OpCreate, m, author) {
		return
	}
	logger.Info("message_accepted", "conversation", convID, "id", m.ID, "parent", m.ParentID, "branch_index", m.BranchIndex)
	_ = utils.JSONWrite(w, http.StatusAccepted, struct {
		models.Message
		OrphanParent bool `json:"orphan_parent,omitempty"`
	}{Message: m, OrphanParent: orphan})
}

func listMessages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	convID := mux.Vars(r)["id"]
	if _, _, ok := loadOwnedConversation(w, r, convID); !ok {
		return
	}
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	msgs, err := store.ListMessages(convID, includeDeleted)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		if lim, err := strconv.Atoi(limStr); err == nil && lim >= 0 && lim < len(msgs) {
			msgs = msgs[len(msgs)-lim:]
		}
	}
	_ = json.NewEncoder(w).Encode(struct {
		Conversation string           `json:"conversation"`
		Messages     []models.Message `json:"messages"`
	}{Conversation: convID, Messages: msgs})
}

// loadConvMessage fetches the latest version of a message and checks it
// belongs to the conversation in the URL. Tombstoned messages 404 unless
// include_deleted is set.
func loadConvMessage(w http.ResponseWriter, r *http.Request) (models.Message, bool) {
	vars := mux.Vars(r)
	m, err := store.GetLatestMessage(vars["msgID"])
	if err != nil || m.Conversation != vars["id"] {
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return models.Message{}, false
	}
	if m.Deleted && r.URL.Query().Get("include_deleted") != "true" {
		utils.JSONError(w, http.StatusNotFound, "message not found")
		return models.Message{}, false
	}
	return m, true
}

func getMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	m, ok := loadConvMessage(w, r)
	if !ok {
		return
	}
	_ = json.NewEncoder(w).Encode(m)
}

func updateMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	cur, ok := loadConvMessage(w, r)
	if !ok {
		return
	}
	author, status, msg := auth.ResolveAuthorFromRequest(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	if !privilegedRole(r) && cur.Author != "" && cur.Author != author {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	var m models.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	// edits append a version; identity and branch position are immutable
	m.ID = cur.ID
	m.Conversation = cur.Conversation
	m.Author = cur.Author
	m.ParentID = cur.ParentID
	m.BranchIndex = cur.BranchIndex
	// the edit's version row must sort after the one it replaces, or the
	// old body would win the latest-version collapse
	m.TS = time.Now().UTC().UnixNano()
	if m.TS <= cur.TS {
		m.TS = cur.TS + 1
	}
	if err := validation.ValidateMessage(m); err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !enqueueMessage(w, r, ingest.OpUpdate, m, author) {
		return
	}
	_ = utils.JSONWrite(w, http.StatusAccepted, m)
}

func deleteMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	cur, ok := loadConvMessage(w, r)
	if !ok {
		return
	}
	author, status, msg := auth.ResolveAuthorFromRequest(r, "")
	if status != 0 {
		utils.JSONError(w, status, msg)
		return
	}
	if !privilegedRole(r) && cur.Author != "" && cur.Author != author {
		utils.JSONError(w, http.StatusForbidden, "forbidden")
		return
	}
	op := &ingest.Op{
		Type:         ingest.OpDelete,
		Conversation: cur.Conversation,
		ID:           cur.ID,
		TS:           time.Now().UTC().UnixNano(),
		Extras:       requestExtras(r, author),
	}
	if err := ingest.DefaultQueue.TryEnqueue(op); err != nil {
		if errors.Is(err, ingest.ErrQueueFull) {
			utils.JSONError(w, http.StatusTooManyRequests, "server busy; try again")
			return
		}
		utils.JSONError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	logger.Info("message_delete_accepted", "conversation", cur.Conversation, "id", cur.ID)
	w.WriteHeader(http.StatusAccepted)
}

func listMessageVersions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	m, ok := loadConvMessage(w, r)
	if !ok {
		return
	}
	vs, err := store.ListMessageVersions(m.ID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		ID       string           `json:"id"`
		Versions []models.Message `json:"versions"`
	}{ID: m.ID, Versions: vs})
}

// --- Reactions. Counters on the latest version; each change appends a new
// version so reaction history survives in the version log.

func getReactions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	m, ok := loadConvMessage(w, r)
	if !ok {
		return
	}
	reactions := m.Reactions
	if reactions == nil {
		reactions = map[string]int{}
	}
	_ = json.NewEncoder(w).Encode(struct {
		ID        string         `json:"id"`
		Reactions map[string]int `json:"reactions"`
	}{ID: m.ID, Reactions: reactions})
}

func addReaction(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	m, ok := loadConvMessage(w, r)
	if !ok {
		return
	}
	var payload struct {
		Reaction string `json:"reaction"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Reaction == "" {
		utils.JSONError(w, http.StatusBadRequest, "missing reaction")
		return
	}
	if m.Reactions == nil {
		m.Reactions = map[string]int{}
	}
	m.Reactions[payload.Reaction]++
	m.TS = time.Now().UTC().UnixNano()
	if err := store.SaveMessage(m); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(m)
}

func removeReaction(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	m, ok := loadConvMessage(w, r)
	if !ok {
		return
	}
	reaction := r.URL.Query().Get("reaction")
	if reaction == "" {
		utils.JSONError(w, http.StatusBadRequest, "missing reaction")
		return
	}
	if m.Reactions != nil {
		if m.Reactions[reaction] > 1 {
			m.Reactions[reaction]--
		} else {
			delete(m.Reactions, reaction)
		}
	}
	m.TS = time.Now().UTC().UnixNano()
	if err := store.SaveMessage(m); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
