package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		channel string
		peer    string
		before  string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show stored messages of a conversation",
		Long: `Show the stored messages of a channel or a direct conversation, oldest first.
Use --before with the timestamp of the first message shown to page back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (channel == "") == (peer == "") {
				return fmt.Errorf("exactly one of --channel or --peer is required")
			}
			var beforeTime time.Time
			if before != "" {
				t, err := time.Parse(time.RFC3339Nano, before)
				if err != nil {
					return fmt.Errorf("invalid --before (want RFC3339): %w", err)
				}
				beforeTime = t
			}
			return runHistory(cmd, channel, peer, beforeTime, limit)
		},
	}

	cmd.Flags().StringVar(&channel, "channel", "", "Channel name or id")
	cmd.Flags().StringVar(&peer, "peer", "", "Peer node id")
	cmd.Flags().StringVar(&before, "before", "", "Only messages before this RFC3339 time")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of messages")

	return cmd
}

func runHistory(cmd *cobra.Command, channel, peer string, before time.Time, limit int) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	target := mesh.PeerTarget(peer)
	if channel != "" {
		ch, err := resolveChannel(ctx, channel)
		if err != nil {
			return err
		}
		target = mesh.ChannelTarget(ch.ID)
	}

	msgs, err := client.History(ctx, target, before, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages")
		return nil
	}
	for _, m := range msgs {
		printMessage(out, m)
	}
	fmt.Fprintf(out, "\n%d message(s); older: --before %s\n", len(msgs), msgs[0].Timestamp.UTC().Format(time.RFC3339Nano))
	return nil
}

func printMessage(out io.Writer, m mesh.Message) {
	arrow := "←"
	if m.Direction == mesh.DirectionSent {
		arrow = "→"
	}
	sender := m.SenderName
	if sender == "" {
		sender = shortID(m.SenderID)
	}
	fmt.Fprintf(out, "[%s] %s %s: %s", formatTime(m.Timestamp), arrow, sender, m.Content)
	if m.Direction == mesh.DirectionSent {
		fmt.Fprintf(out, " (%s", m.Status)
		if m.FailureReason != "" {
			fmt.Fprintf(out, ": %s", m.FailureReason)
		}
		fmt.Fprint(out, ")")
	}
	fmt.Fprintln(out)
}
