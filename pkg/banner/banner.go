// Package banner prints startup configuration summary and quick-start hints.
package banner

import (
	"fmt"

	"github.com/fatih/color"

	"branchdb/pkg/config"
)

const banner = `
██████╗ ██████╗  █████╗ ███╗   ██╗ ██████╗██╗  ██╗██████╗ ██████╗
██╔══██╗██╔══██╗██╔══██╗████╗  ██║██╔════╝██║  ██║██╔══██╗██╔══██╗
██████╔╝██████╔╝███████║██╔██╗ ██║██║     ███████║██║  ██║██████╔╝
██╔══██╗██╔══██╗██╔══██║██║╚██╗██║██║     ██╔══██║██║  ██║██╔══██╗
██████╔╝██║  ██║██║  ██║██║ ╚████║╚██████╗██║  ██║██████╔╝██████╔╝
╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚═╝  ╚═══╝ ╚═════╝╚═╝  ╚═╝╚═════╝ ╚═════╝
`

// PrintWithEff prints the banner using an EffectiveConfigResult which
// provides the resolved listen address, db path and config source.
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	header := color.New(color.FgCyan, color.Bold).SprintFunc()
	ok := color.New(color.FgGreen).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()

	addr := eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	dbPath := eff.DBPath
	if dbPath == "" && eff.Config != nil {
		dbPath = eff.Config.Server.DBPath
	}
	src := eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println(header("== Config ====================================================="))
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config:   %s\n", src)

	fmt.Println()
	fmt.Println(header("== Endpoints =================================================="))
	fmt.Println("POST /v1/conversations                       - create a conversation")
	fmt.Println("POST /v1/conversations/{id}/messages         - append a message (parent_id to branch)")
	fmt.Println("GET  /v1/conversations/{id}/tree?active=<m>  - derived branch forest")
	fmt.Println("GET  /v1/conversations/{id}/path?active=<m>  - active conversation path")
	fmt.Println("POST /v1/conversations/{id}/branches         - arm a branch point")
	fmt.Println("GET  /v1/conversations/{id}/events           - live SSE stream")

	fmt.Println()
	fmt.Println(header("== Production? ================================================"))
	be, fe, ak := 0, 0, 0
	if eff.Config != nil {
		be = len(eff.Config.Security.APIKeys.Backend)
		fe = len(eff.Config.Security.APIKeys.Frontend)
		ak = len(eff.Config.Security.APIKeys.Admin)
	}
	if be > 0 {
		fmt.Printf("- Backend API keys: %s (%d)\n", ok("OK"), be)
	} else {
		fmt.Printf("- Backend API keys: %s (required for backend services)\n", warn("MISSING"))
	}
	if fe > 0 {
		fmt.Printf("- Frontend API keys: %s (%d)\n", ok("OK"), fe)
	} else {
		fmt.Printf("- Frontend API keys: %s (required for client access)\n", warn("MISSING"))
	}
	if ak > 0 {
		fmt.Printf("- Admin API keys: %s (%d)\n", ok("OK"), ak)
	} else {
		fmt.Printf("- Admin API keys: %s (required for admin tooling)\n", warn("MISSING"))
	}

	if eff.Config != nil && eff.Config.Server.TLS.CertFile != "" && eff.Config.Server.TLS.KeyFile != "" {
		fmt.Printf("- TLS: %s\n", ok("configured"))
	} else {
		fmt.Printf("- TLS: %s\n", warn("unconfigured"))
	}

	if eff.Config != nil && eff.Config.Retention.Enabled {
		detail := eff.Config.Retention.Cron
		if detail == "" {
			detail = "daily"
		}
		if p := eff.Config.Retention.Period; p != "" {
			detail += ", period=" + p
		}
		fmt.Printf("- Retention: %s (%s)\n", ok("enabled"), detail)
	} else {
		fmt.Println("- Retention: disabled")
	}

	fmt.Println()
	fmt.Println(header("== Logs: ======================================================"))
}
