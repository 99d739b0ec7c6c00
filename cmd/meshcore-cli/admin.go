package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin commands (requires admin privileges)",
		Long:  "Administrative commands for monitoring the meshcored node",
	}

	cmd.AddCommand(newAdminStatsCommand())

	return cmd
}

func newAdminStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show node statistics",
		Long:  "Display radio, message and event bus counters of the node",
		Args:  cobra.NoArgs,
		RunE:  runAdminStats,
	}

	return cmd
}

func runAdminStats(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Fetching node statistics...")

	response, err := client.AdminGetStats(ctx)
	if err != nil {
		return err
	}

	c := response.Counters
	fmt.Fprintf(out, "\n📊 MeshCore Node Statistics:\n\n")
	fmt.Fprintf(out, "State: %s\n", response.State)
	fmt.Fprintf(out, "Uptime: %s\n", response.Uptime)
	fmt.Fprintf(out, "Frames Received: %d\n", c.FramesReceived)
	fmt.Fprintf(out, "Frames Dropped: %d\n", c.FramesDropped)
	fmt.Fprintf(out, "Messages Received: %d\n", c.MessagesReceived)
	fmt.Fprintf(out, "Messages Sent: %d\n", c.MessagesSent)
	fmt.Fprintf(out, "Messages Failed: %d\n", c.MessagesFailed)
	fmt.Fprintf(out, "Adverts Sent: %d\n", c.AdvertsSent)
	fmt.Fprintf(out, "Persistence Retries: %d\n", c.PersistenceRetries)
	fmt.Fprintf(out, "Events Dropped: %d\n", response.BusDropped)
	fmt.Fprintf(out, "Stream Clients: %d\n", response.StreamClients)

	return nil
}
