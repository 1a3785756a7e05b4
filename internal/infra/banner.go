package infra

import (
	"fmt"
	"io"
	"strings"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// PrintBanner writes the startup banner. The colour tells operators at a
// glance whether they are looking at real money.
func PrintBanner(w io.Writer, cfg *Config) {
	network := strings.ToUpper(cfg.App.Network)

	color := ColorCyan
	desc := "LOCAL DEVELOPMENT"
	switch network {
	case "PROD":
		color = ColorRed
		desc = "PRODUCTION SETTLEMENT"
	case "STAGING":
		color = ColorYellow
		desc = "STAGING (TEST FUNDS)"
	}

	line := func(format string, args ...any) {
		fmt.Fprintf(w, "%s"+format+"%s\n", append(append([]any{color}, args...), ColorReset)...)
	}

	fmt.Fprintln(w)
	line("###########################################################")
	line("#                                                         #")
	line("#              Konnect Escrow Settlement                  #")
	line("#                                                         #")
	line("#   NETWORK: %-44s #", network)
	line("#   TYPE:    %-44s #", desc)
	line("#   VERSION: %-44s #", cfg.App.Version)
	line("#   LISTEN:  %-44s #", cfg.Server.Addr)
	line("#                                                         #")
	if network == "PROD" {
		fmt.Fprintf(w, "%s#   WARNING: RECEIPTS MOVE REAL CUSTOMER FUNDS            #%s\n", ColorRed, ColorReset)
	}
	line("###########################################################")
	fmt.Fprintln(w)
}
