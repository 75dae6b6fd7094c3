package handlers

import (
	"encoding/json"
	"net/http"

	"branchdb/pkg/branch"
	"branchdb/pkg/logger"
	"branchdb/pkg/models"
	"branchdb/pkg/store"
	"branchdb/pkg/telemetry"
	"branchdb/pkg/tree"
	"branchdb/pkg/utils"

	"github.com/gorilla/mux"
)

// RegisterBranches registers the derived-view endpoints: the branch forest,
// the active path through it, and branch-point creation.
func RegisterBranches(r *mux.Router) {
	r.HandleFunc("/conversations/{id}/tree", getTree).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/path", getPath).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/branches", createBranch).Methods(http.MethodPost)
}

// loadForest lists a conversation's live messages and derives the forest.
// The forest is rebuilt per request; it is a pure view over the message log.
func loadForest(w http.ResponseWriter, r *http.Request, convID, activeID string) ([]*tree.Node, bool) {
	if _, _, ok := loadOwnedConversation(w, r, convID); !ok {
		return nil, false
	}
	msgs, err := store.ListMessages(convID, false)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	forest := tree.Build(msgs, activeID)
	telemetry.IncTreeBuilds()
	return forest, true
}

func getTree(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	convID := mux.Vars(r)["id"]
	active := r.URL.Query().Get("active")
	forest, ok := loadForest(w, r, convID, active)
	if !ok {
		return
	}
	_ = json.NewEncoder(w).Encode(struct {
		Conversation string       `json:"conversation"`
		Active       string       `json:"active,omitempty"`
		Count        int          `json:"count"`
		Tree         []*tree.Node `json:"tree"`
	}{Conversation: convID, Active: active, Count: tree.Count(forest), Tree: forest})
}

func getPath(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	convID := mux.Vars(r)["id"]
	active := r.URL.Query().Get("active")
	forest, ok := loadForest(w, r, convID, active)
	if !ok {
		return
	}
	path := tree.ActivePath(forest, active)
	_ = json.NewEncoder(w).Encode(struct {
		Conversation string           `json:"conversation"`
		Active       string           `json:"active,omitempty"`
		Path         []models.Message `json:"path"`
	}{Conversation: convID, Active: active, Path: path})
}

// createBranch arms a branch point under an existing message. An unknown
// parent is not an error: stale client state is expected, so the response
// carries ok=false and nothing changes server-side.
func createBranch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	convID := mux.Vars(r)["id"]
	var in struct {
		ParentID string `json:"parent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.ParentID == "" {
		utils.JSONError(w, http.StatusBadRequest, "missing parent_id")
		return
	}
	forest, ok := loadForest(w, r, convID, "")
	if !ok {
		return
	}
	nav := branch.NewNavigator(forest)
	bp, ok := nav.CreateBranch(in.ParentID)
	if !ok {
		logger.Warn("branch_parent_unknown", "conversation", convID, "parent", in.ParentID)
		_ = json.NewEncoder(w).Encode(struct {
			OK bool `json:"ok"`
		}{OK: false})
		return
	}
	telemetry.IncBranchesCreated()
	logger.Info("branch_armed", "conversation", convID, "parent", bp.ParentID, "branch_index", bp.BranchIndex)
	_ = json.NewEncoder(w).Encode(struct {
		OK          bool   `json:"ok"`
		ParentID    string `json:"parent_id"`
		BranchIndex int    `json:"branch_index"`
	}{OK: true, ParentID: bp.ParentID, BranchIndex: bp.BranchIndex})
}
