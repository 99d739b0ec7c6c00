package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSessionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Show and control the node session",
		Long:  "Show the node identity and lifecycle state. Subcommands retry a degraded radio or send an advert.",
		Args:  cobra.NoArgs,
		RunE:  runSession,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Bring a degraded radio back up",
		Args:  cobra.NoArgs,
		RunE:  runSessionRetry,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "advert",
		Short: "Broadcast this node's name and public key",
		Args:  cobra.NoArgs,
		RunE:  runSessionAdvert,
	})

	return cmd
}

func runSession(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	resp, err := client.GetSession(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Node ID: %s\n", resp.Node.NodeID)
	fmt.Fprintf(out, "Name: %s\n", resp.Node.Name)
	fmt.Fprintf(out, "Public Key: %s\n", resp.Node.PublicKey)
	fmt.Fprintf(out, "Hash: %02x\n", resp.Node.Hash)
	printHealth(out, &resp.Health)
	return nil
}

func runSessionRetry(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Retrying radio initialization...")

	health, err := client.Retry(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "🔄 Session is %s\n", health.State)
	if health.LastError != "" {
		fmt.Fprintf(out, "Last Error: %s\n", health.LastError)
	}
	return nil
}

func runSessionAdvert(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	info, err := client.SendAdvert(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "📡 Advert sent as %s (%s)\n", info.Name, shortID(info.NodeID))
	return nil
}
