package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPreviewCmd() *cobra.Command {
	var server string

	cmd := &cobra.Command{
		Use:   "preview <conversation-id>",
		Short: "Print the preview URL of a conversation",
		Long:  "Makes sure the conversation's sandbox and dev server are running and prints the public preview URL.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(cmd, server, args[0])
		},
	}

	cmd.Flags().StringVar(&server, "server", defaultServer, "Vibeyard server URL")
	return cmd
}

func runPreview(cmd *cobra.Command, server, id string) error {
	client, err := newAPIClient(server)
	if err != nil {
		return err
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := client.do(cmd.Context(), "GET", client.chatURL(id, "/preview"), nil, &resp); err != nil {
		return err
	}
	if resp.URL == "" {
		return fmt.Errorf("no preview available for %s", id)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.URL)
	return nil
}
