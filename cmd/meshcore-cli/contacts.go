package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newContactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "List and name known contacts",
		Long:  "List contacts learned from adverts or configuration, most recently seen first",
		Args:  cobra.NoArgs,
		RunE:  runContacts,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <public-key> <name...>",
		Short: "Save a contact by public key",
		Long: `Save the node holding a hex public key under a name so direct messages
can be addressed to it. Saving a key that is already known renames it.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runContactsAdd,
	})
	return cmd
}

func runContactsAdd(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := client.AddContact(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ Saved contact %s\n   Node ID: %s\n", c.Name, c.NodeID)
	return nil
}

func runContacts(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	contacts, err := client.Contacts(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(contacts) == 0 {
		fmt.Fprintln(out, "No contacts known yet")
		return nil
	}
	fmt.Fprintf(out, "Found %d contact(s):\n\n", len(contacts))
	for i, c := range contacts {
		fmt.Fprintf(out, "%d. %s\n", i+1, c.DisplayName())
		fmt.Fprintf(out, "   Node ID: %s\n", c.NodeID)
		if !c.LastSeen.IsZero() {
			fmt.Fprintf(out, "   Last Seen: %s (RSSI %d dBm, SNR %.1f dB)\n", formatTime(c.LastSeen), c.RSSI, c.SNR)
		}
	}
	return nil
}
