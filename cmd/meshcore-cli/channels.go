package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rmacdonaldsmith/meshcore-go/pkg/mesh"
	"github.com/spf13/cobra"
)

func newChannelsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List and manage joined channels",
		Args:  cobra.NoArgs,
		RunE:  runChannelsList,
	}

	var key string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Join a channel",
		Long: `Join a public channel by name, or a private channel with --key.
Public channel keys are derived from the name, so every node joining the
same name can read it. Private keys are 16 or 32 bytes in hex.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChannelsAdd(cmd, args[0], key)
		},
	}
	add.Flags().StringVar(&key, "key", "", "Hex pre-shared key; makes the channel private")

	cmd.AddCommand(add)
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name|id>",
		Short: "Leave a channel",
		Args:  cobra.ExactArgs(1),
		RunE:  runChannelsRemove,
	})

	return cmd
}

func runChannelsList(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	chans, err := client.Channels(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(chans) == 0 {
		fmt.Fprintln(out, "No channels joined")
		return nil
	}
	fmt.Fprintf(out, "Joined %d channel(s):\n\n", len(chans))
	for i, ch := range chans {
		fmt.Fprintf(out, "%d. %s [%s]\n", i+1, ch.Name, ch.Kind)
		fmt.Fprintf(out, "   ID: %s\n", ch.ID)
	}
	return nil
}

func runChannelsAdd(cmd *cobra.Command, name, key string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	var (
		ch  *mesh.Channel
		err error
	)
	if key != "" {
		ch, err = client.AddPrivateChannel(ctx, name, key)
	} else {
		ch, err = client.AddPublicChannel(ctx, name)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Joined %s channel %s\n   ID: %s\n", ch.Kind, ch.Name, ch.ID)
	return nil
}

func runChannelsRemove(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	ch, err := resolveChannel(ctx, args[0])
	if err != nil {
		return err
	}
	if err := client.RemoveChannel(ctx, ch.ID); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "👋 Left channel %s\n", ch.Name)
	return nil
}

// resolveChannel finds a joined channel by id, or by name when the name is unique
func resolveChannel(ctx context.Context, ref string) (mesh.Channel, error) {
	chans, err := client.Channels(ctx)
	if err != nil {
		return mesh.Channel{}, err
	}

	var matches []mesh.Channel
	for _, ch := range chans {
		if ch.ID == ref {
			return ch, nil
		}
		if strings.EqualFold(ch.Name, ref) {
			matches = append(matches, ch)
		}
	}
	switch len(matches) {
	case 0:
		return mesh.Channel{}, fmt.Errorf("no joined channel named %q", ref)
	case 1:
		return matches[0], nil
	default:
		return mesh.Channel{}, fmt.Errorf("%d channels are named %q; use the channel id", len(matches), ref)
	}
}
