package app

import (
	"context"
	"net/http"

	"branchdb/pkg/api"
	"branchdb/pkg/auth"
	"branchdb/pkg/banner"
	"branchdb/pkg/store"
	"branchdb/pkg/telemetry"

	httpSwagger "github.com/swaggo/http-swagger"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "none" && a.commit != "" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "unknown" && a.buildDate != "" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}

// buildHandler assembles the full HTTP handler: API routes plus docs and
// probes on a mux, wrapped by the author middleware, the API-key gateway
// and telemetry, outermost last.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/readyz", a.readyzHandler)
	mux.Handle("/", api.Handler())
	mux.Handle("/docs/", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	mux.Handle("/openapi.yaml", http.FileServer(http.Dir("./docs")))
	mux.Handle("/metrics", telemetry.MetricsHandler())

	var h http.Handler = auth.RequireSignedAuthor(mux)
	h = auth.AuthenticateRequestMiddleware(a.gatewayConfig())(h)
	return telemetry.Middleware(h)
}

// gatewayConfig translates the effective security settings into the
// gateway's config, turning the per-role key lists into sets.
func (a *App) gatewayConfig() auth.SecConfig {
	sec := a.eff.Config.Security
	return auth.SecConfig{
		AllowedOrigins: append([]string{}, sec.CORS.AllowedOrigins...),
		RPS:            sec.RateLimit.RPS,
		Burst:          sec.RateLimit.Burst,
		IPWhitelist:    append([]string{}, sec.IPWhitelist...),
		BackendKeys:    keySet(sec.APIKeys.Backend),
		FrontendKeys:   keySet(sec.APIKeys.Frontend),
		AdminKeys:      keySet(sec.APIKeys.Admin),
	}
}

func keySet(keys []string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// readyzHandler reports readiness: the store must be open.
func (a *App) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !store.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","version":"` + ver + `"}`))
}

// startHTTP starts the HTTP server in a goroutine and returns a channel
// that receives any server error.
func (a *App) startHTTP(_ context.Context) <-chan error {
	a.srv = &http.Server{Addr: a.eff.Addr, Handler: a.buildHandler()}

	errCh := make(chan error, 1)
	go func() {
		cert := a.eff.Config.Server.TLS.CertFile
		key := a.eff.Config.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()
	return errCh
}
