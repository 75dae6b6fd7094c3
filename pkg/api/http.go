package api

import (
	"net/http"

	"branchdb/pkg/api/handlers"

	"github.com/gorilla/mux"
)

// Handler returns the service's HTTP API. All routes live under /v1 except
// the unauthenticated liveness probe; the security middleware wrapping this
// handler enforces roles before requests reach the subrouters.
func Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	handlers.RegisterConversations(v1)
	handlers.RegisterMessages(v1)
	handlers.RegisterBranches(v1)
	handlers.RegisterEvents(v1)
	handlers.RegisterSigning(v1)

	admin := v1.PathPrefix("/admin").Subrouter()
	handlers.RegisterAdmin(admin)

	return r
}
