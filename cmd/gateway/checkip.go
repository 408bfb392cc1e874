package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"edgegate/internal/gateway/clientip"
)

var checkIPFlags struct {
	peer      string
	forwarded string
	realIP    string
	trusted   []string
}

var checkIPCmd = &cobra.Command{
	Use:   "check-ip",
	Short: "Show which client address the gateway would resolve",
	Long: `check-ip runs the client address resolver over a synthetic request so
trusted proxy ranges can be verified before deployment.`,
	Example: `  gateway check-ip --peer 10.0.0.5:443 --xff "203.0.113.7, 10.0.0.9"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		valid, invalid := clientip.ParsePrefixes(checkIPFlags.trusted)
		res := clientip.New(checkIPFlags.trusted, clientip.Options{UseForwardedFor: true, UseRealIP: true})

		r, err := http.NewRequest(http.MethodGet, "/", nil)
		if err != nil {
			return err
		}
		r.RemoteAddr = checkIPFlags.peer
		if checkIPFlags.forwarded != "" {
			r.Header.Set(clientip.HeaderForwardedFor, checkIPFlags.forwarded)
		}
		if checkIPFlags.realIP != "" {
			r.Header.Set(clientip.HeaderRealIP, checkIPFlags.realIP)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "trusted ranges: %d valid, %d invalid %v\n", len(valid), len(invalid), invalid)
		fmt.Fprintf(out, "peer trusted:   %t\n", res.IsTrusted(checkIPFlags.peer))
		fmt.Fprintf(out, "client ip:      %s\n", res.Resolve(r))
		return nil
	},
}

func init() {
	f := checkIPCmd.Flags()
	f.StringVar(&checkIPFlags.peer, "peer", "127.0.0.1:12345", "socket peer address")
	f.StringVar(&checkIPFlags.forwarded, "xff", "", "X-Forwarded-For value")
	f.StringVar(&checkIPFlags.realIP, "real-ip", "", "X-Real-IP value")
	f.StringSliceVar(&checkIPFlags.trusted, "trusted", clientip.DefaultTrustedProxies, "trusted proxy CIDRs")
	rootCmd.AddCommand(checkIPCmd)
}
