package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/boomtrade/bridge/internal/config"
	"github.com/boomtrade/bridge/internal/probe"
	"github.com/boomtrade/bridge/internal/upstream"
	"github.com/spf13/cobra"
)

var (
	probeTimeout time.Duration
	probeJSON    bool
)

// newProbeCmd checks the gateway once. Exit status: 0 authenticated,
// 1 reachable but unauthenticated, 2 unreachable.
func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check the gateway authentication status once",
		Long: `Probe GATEWAY_BASE_URL/auth/status and report whether the gateway is
reachable and holds an authenticated brokerage session.

Example usage:
  bridge probe                 # human readable
  bridge probe --json          # JSON output
  bridge probe --timeout=10s   # custom timeout`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runProbe,
	}
	cmd.Flags().DurationVar(&probeTimeout, "timeout", 0, "Probe timeout (default PROBE_TIMEOUT)")
	cmd.Flags().BoolVar(&probeJSON, "json", false, "Print the result as JSON")
	return cmd
}

type probeOutput struct {
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	Competing bool      `json:"competing"`
	Connected bool      `json:"connected"`
	CheckedAt time.Time `json:"checkedAt"`
	Error     string    `json:"error,omitempty"`
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	timeout := probeTimeout
	if timeout <= 0 {
		timeout = cfg.ProbeTimeout
	}

	client := upstream.NewHTTPClient(timeout, cfg.GatewayInsecureTLS)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res := probe.New(cfg.GatewayBaseURL, client, timeout).Probe(ctx)

	out := probeOutput{
		URL:       cfg.GatewayBaseURL + "/auth/status",
		Status:    res.Status.String(),
		Competing: res.Competing,
		Connected: res.Connected,
		CheckedAt: res.CheckedAt,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	if probeJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s: %s\n", out.URL, out.Status)
		if out.Competing {
			fmt.Println("warning: another session is competing for this login")
		}
		if out.Error != "" {
			fmt.Printf("error: %s\n", out.Error)
		}
	}

	switch res.Status {
	case probe.Authenticated:
		return nil
	case probe.Unauthenticated:
		return exitCode(1)
	default:
		return exitCode(2)
	}
}
