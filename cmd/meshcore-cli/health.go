package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/httpclient"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/session"
	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Long:  "Check the health of the meshcored node. Exits non-zero unless the session is running.",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}

	return cmd
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking health of %s...\n", serverURL)

	health, err := client.GetHealth(ctx)
	if health == nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.State == session.StateRunning {
		fmt.Fprintf(out, "✅ Node is healthy!\n")
	} else {
		fmt.Fprintf(out, "❌ Node is not healthy!\n")
	}
	printHealth(out, health)

	if err != nil && !httpclient.IsUnavailable(err) {
		return err
	}
	if health.State != session.StateRunning {
		return fmt.Errorf("session is %s", health.State)
	}
	return nil
}

func printHealth(out io.Writer, health *session.Health) {
	fmt.Fprintf(out, "State: %s (since %s)\n", health.State, health.Since.Local().Format("2006-01-02 15:04:05"))
	if health.LastError != "" {
		fmt.Fprintf(out, "Last Error: %s\n", health.LastError)
	}
	fmt.Fprintf(out, "Node: %s (%s)\n", health.Node.Name, shortID(health.Node.NodeID))
	fmt.Fprintf(out, "Channels: %d\n", health.Channels)
	fmt.Fprintf(out, "Contacts: %d\n", health.Contacts)
	fmt.Fprintf(out, "Persistence Degraded: %t\n", health.PersistenceDegraded)
	fmt.Fprintf(out, "Events Dropped: %d\n", health.BusDropped)
}

// shortID abbreviates a node id for display
func shortID(nodeID string) string {
	if len(nodeID) > 16 {
		return nodeID[:16]
	}
	return nodeID
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05")
}
