package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/HsiangNianian/hidrelay/internal/client"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List targets registered with a running relay",
	Args:  cobra.NoArgs,
	RunE:  runTargets,
}

func init() {
	targetsCmd.Flags().String("url", "ws://127.0.0.1:8080/ws", "relay endpoint")
	targetsCmd.Flags().String("token", "", "bearer token when auth is enabled")
	targetsCmd.Flags().Duration("timeout", 10*time.Second, "request timeout")
	rootCmd.AddCommand(targetsCmd)
}

func runTargets(cmd *cobra.Command, _ []string) error {
	url, _ := cmd.Flags().GetString("url")
	token, _ := cmd.Flags().GetString("token")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	targets, err := client.FetchTargets(ctx, url, token)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(targets) == 0 {
		fmt.Fprintln(out, "No targets registered.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCONNECTED\tPAIRED")
	for _, t := range targets {
		name := t.ClientName
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", t.ClientID, name, t.ConnectedAt.Format(time.RFC3339), t.CommanderConnected)
	}
	return w.Flush()
}
