package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/vibeyard/internal/agent"
	"github.com/zulandar/vibeyard/internal/transcript"
	"golang.org/x/term"
)

func newChatCmd() *cobra.Command {
	var (
		server  string
		asJSON  bool
		history bool
	)

	cmd := &cobra.Command{
		Use:   "chat <conversation-id> [prompt...]",
		Short: "Send a message to a conversation",
		Long:  "Posts a user message to a conversation and prints the assistant reply. With --history, prints the stored transcript instead.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, chatOpts{
				server:  server,
				id:      args[0],
				prompt:  strings.Join(args[1:], " "),
				asJSON:  asJSON,
				history: history,
			})
		},
	}

	cmd.Flags().StringVar(&server, "server", defaultServer, "Vibeyard server URL")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	cmd.Flags().BoolVar(&history, "history", false, "print the conversation transcript")
	return cmd
}

type chatOpts struct {
	server  string
	id      string
	prompt  string
	asJSON  bool
	history bool
}

func runChat(cmd *cobra.Command, opts chatOpts) error {
	client, err := newAPIClient(opts.server)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	if opts.history {
		var resp struct {
			Messages []transcript.Message `json:"messages"`
		}
		if err := client.do(ctx, "GET", client.chatURL(opts.id, "/messages"), nil, &resp); err != nil {
			return err
		}
		if opts.asJSON {
			return writeJSON(out, resp)
		}
		for _, m := range resp.Messages {
			printMessage(out, m, isTerminal(out))
		}
		return nil
	}

	if strings.TrimSpace(opts.prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	msg := transcript.Message{
		ID:        agent.NewMessageID(),
		Role:      transcript.RoleUser,
		Parts:     []transcript.Part{{Type: transcript.PartText, Text: opts.prompt}},
		CreatedAt: time.Now().UTC(),
	}
	var resp agent.Response
	body := map[string]any{"message": msg}
	if err := client.do(ctx, "POST", client.chatURL(opts.id, "/messages"), body, &resp); err != nil {
		return err
	}
	if opts.asJSON {
		return writeJSON(out, resp)
	}
	printMessage(out, resp.Message, isTerminal(out))
	return nil
}

// printMessage renders text parts verbatim and tool parts as one status
// line each.
func printMessage(w io.Writer, m transcript.Message, color bool) {
	label := m.Role
	if color {
		label = "\033[1m" + label + "\033[0m"
	}
	fmt.Fprintf(w, "%s:\n", label)
	for _, p := range m.Parts {
		switch {
		case p.Type == transcript.PartText:
			fmt.Fprintln(w, p.Text)
		case p.Type == transcript.PartFile:
			fmt.Fprintf(w, "[file %s]\n", p.Name)
		case p.IsTool():
			line := fmt.Sprintf("  ↳ %s (%s)", p.ToolName(), p.State)
			if p.ErrorText != "" {
				line += ": " + p.ErrorText
			}
			if color {
				line = "\033[2m" + line + "\033[0m"
			}
			fmt.Fprintln(w, line)
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
