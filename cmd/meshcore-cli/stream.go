package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/events"
	"github.com/rmacdonaldsmith/meshcore-go/pkg/httpclient"
	"github.com/spf13/cobra"
)

func newStreamCommand() *cobra.Command {
	var (
		kinds      []string
		bufferSize int
		rawJSON    bool
		count      int
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream live session events",
		Long: `Stream session events in real-time using Server-Sent Events.
Events missed while the stream reconnects are not replayed; use 'history' to catch up.
Press Ctrl+C to stop streaming.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := make([]events.Kind, 0, len(kinds))
			for _, k := range kinds {
				kind, err := events.ParseKind(k)
				if err != nil {
					return err
				}
				parsed = append(parsed, kind)
			}
			return runStream(cmd, parsed, bufferSize, rawJSON, count)
		},
	}

	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Event kinds to stream (repeatable; all kinds if not specified)")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", 100, "Event buffer size")
	cmd.Flags().BoolVar(&rawJSON, "json", false, "Print each event as its JSON envelope")
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many events (0 = until interrupted)")

	return cmd
}

func runStream(cmd *cobra.Command, kinds []events.Kind, bufferSize int, rawJSON bool, count int) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	// Create context that can be cancelled
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle Ctrl+C gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	out := cmd.OutOrStdout()
	go func() {
		select {
		case <-sigChan:
			fmt.Fprintln(out, "\n🛑 Stopping stream...")
			cancel()
		case <-ctx.Done():
		}
	}()

	config := httpclient.StreamConfig{
		Kinds:                kinds,
		BufferSize:           bufferSize,
		MaxReconnectAttempts: 0, // Infinite retries
	}

	fmt.Fprintf(out, "🌊 Starting event stream from %s", serverURL)
	if len(kinds) > 0 {
		fmt.Fprintf(out, " (kinds: %v)", kinds)
	} else {
		fmt.Fprintf(out, " (all kinds)")
	}
	fmt.Fprintln(out, "...")
	fmt.Fprintln(out, "Press Ctrl+C to stop streaming")

	streamClient, err := client.Stream(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	defer func() {
		if err := streamClient.Close(); err != nil {
			fmt.Fprintf(out, "Warning: failed to close stream client: %v\n", err)
		}
	}()

	eventCount := 0
	streamErrs := streamClient.Errors()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\n✅ Stream stopped. Received %d events.\n", eventCount)
			return nil

		case ev, ok := <-streamClient.Events():
			if !ok {
				fmt.Fprintf(out, "\n🔌 Event stream closed. Received %d events.\n", eventCount)
				return nil
			}
			eventCount++
			printEvent(out, ev, rawJSON)
			if count > 0 && eventCount >= count {
				fmt.Fprintf(out, "\n✅ Received %d events.\n", eventCount)
				return nil
			}

		case err, ok := <-streamErrs:
			if !ok {
				streamErrs = nil
				continue
			}
			// Errors are non-fatal; the client reconnects
			fmt.Fprintf(out, "❌ Stream error: %v\n", err)

		case <-streamClient.Done():
			fmt.Fprintf(out, "\n🔌 Stream finished. Received %d events.\n", eventCount)
			return nil
		}
	}
}

func printEvent(out io.Writer, ev events.Event, rawJSON bool) {
	if rawJSON {
		data, err := events.Marshal(ev)
		if err != nil {
			fmt.Fprintf(out, "❌ Failed to encode %s: %v\n", ev.Kind(), err)
			return
		}
		fmt.Fprintf(out, "%s\n", data)
		return
	}

	switch e := ev.(type) {
	case events.MessageReceived:
		fmt.Fprint(out, "📨 ")
		printMessage(out, e.Message)
		if e.Contact != nil {
			fmt.Fprintf(out, "   New contact: %s\n", e.Contact.DisplayName())
		}
	case events.MessageStatusChanged:
		fmt.Fprintf(out, "📤 Message %s: %s -> %s", e.Message.ID, e.Previous, e.Message.Status)
		if e.Message.FailureReason != "" {
			fmt.Fprintf(out, " (%s)", e.Message.FailureReason)
		}
		fmt.Fprintln(out)
	case events.ContactUpserted:
		verb := "updated"
		if e.Created {
			verb = "discovered"
		}
		fmt.Fprintf(out, "👤 Contact %s %s (%s)\n", e.Contact.DisplayName(), verb, shortID(e.Contact.NodeID))
	case events.ChannelChanged:
		fmt.Fprintf(out, "📢 Channel %s %s\n", e.Channel.Name, e.Change)
	case events.TransportStatusChanged:
		fmt.Fprintf(out, "📻 Session %s", e.State)
		if e.Error != "" {
			fmt.Fprintf(out, ": %s", e.Error)
		}
		fmt.Fprintln(out)
	case events.PersistenceStatusChanged:
		if e.Degraded {
			fmt.Fprintf(out, "⚠️  Message store degraded: %s\n", e.Error)
		} else {
			fmt.Fprintln(out, "💾 Message store recovered")
		}
	default:
		fmt.Fprintf(out, "• %s\n", ev.Kind())
	}
}
