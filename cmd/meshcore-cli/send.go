package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/spf13/cobra"
)

func newSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a text message",
		Long: `Send a text message to a channel or to one peer.
The command waits for the radio and reports the final status of the message.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "channel <name|id> <text...>",
		Short: "Send to a joined channel",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runSendChannel,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "direct <peer> <text...>",
		Short: "Send an encrypted direct message",
		Long:  "Send an encrypted direct message. The peer is a contact name, a node id or a hex public key.",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runSendDirect,
	})

	return cmd
}

func runSendChannel(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	ch, err := resolveChannel(ctx, args[0])
	if err != nil {
		return err
	}
	msg, err := client.SendChannelMessage(ctx, ch.ID, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	return reportSend(cmd, *msg, ch.Name)
}

func runSendDirect(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	msg, err := client.SendDirectMessage(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	return reportSend(cmd, *msg, args[0])
}

// reportSend prints the outcome. A failed transmit is returned as an error
// so scripts see a non-zero exit.
func reportSend(cmd *cobra.Command, msg mesh.Message, to string) error {
	out := cmd.OutOrStdout()
	if msg.Status == mesh.StatusFailed {
		fmt.Fprintf(out, "❌ Message to %s failed: %s\n", to, msg.FailureReason)
		return fmt.Errorf("message %s failed: %s", msg.ID, msg.FailureReason)
	}
	fmt.Fprintf(out, "✅ Message to %s %s\n", to, msg.Status)
	fmt.Fprintf(out, "   ID: %s\n", msg.ID)
	return nil
}
