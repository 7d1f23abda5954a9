package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/vibeyard/internal/broadcast"
)

func newLogsCmd() *cobra.Command {
	var (
		server string
		follow bool
		lines  int
	)

	cmd := &cobra.Command{
		Use:   "logs <conversation-id>",
		Short: "View dev server output",
		Long:  "Displays the buffered dev server log of a conversation. With --follow, streams new lines and sandbox status changes until interrupted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd, logsOpts{server: server, id: args[0], follow: follow, lines: lines})
		},
	}

	cmd.Flags().StringVar(&server, "server", defaultServer, "Vibeyard server URL")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "tail mode, stream new entries as they arrive")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of recent entries to show (0 for all)")
	return cmd
}

type logsOpts struct {
	server string
	id     string
	follow bool
	lines  int
}

func runLogs(cmd *cobra.Command, opts logsOpts) error {
	client, err := newAPIClient(opts.server)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if opts.follow {
		ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt)
		defer stop()
		return followLogs(ctx, client, opts.id, out)
	}

	var resp struct {
		Logs []broadcast.LogEntry `json:"logs"`
	}
	if err := client.do(cmd.Context(), "GET", client.chatURL(opts.id, "/logs"), nil, &resp); err != nil {
		return err
	}
	entries := resp.Logs
	if opts.lines > 0 && len(entries) > opts.lines {
		entries = entries[len(entries)-opts.lines:]
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No log entries.")
		return nil
	}
	for _, e := range entries {
		printLogEntry(out, e)
	}
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// followLogs reads the conversation's event stream until ctx is done or the
// server closes it.
func followLogs(ctx context.Context, client *apiClient, id string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, "GET", client.chatURL(id, "/events"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream is long-lived.
	resp, err := (&http.Client{Transport: client.http.Transport}).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}

	err = readSSE(resp.Body, func(event string, data []byte) {
		printStreamEvent(out, event, data)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// readSSE calls fn for every complete event in r.
func readSSE(r io.Reader, fn func(event string, data []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data.Len() > 0 {
				fn(event, []byte(data.String()))
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

func printStreamEvent(out io.Writer, event string, data []byte) {
	switch event {
	case broadcast.TypeLog:
		var env struct {
			Data broadcast.LogEntry `json:"data"`
		}
		if json.Unmarshal(data, &env) == nil {
			printLogEntry(out, env.Data)
		}
	case broadcast.TypeSandboxStatus:
		var env struct {
			Data broadcast.StatusData `json:"data"`
		}
		if json.Unmarshal(data, &env) == nil {
			fmt.Fprintf(out, "--- sandbox %s\n", env.Data.Status)
		}
	case broadcast.TypePreviewAvailable:
		var env struct {
			Data broadcast.PreviewData `json:"data"`
		}
		if json.Unmarshal(data, &env) == nil {
			fmt.Fprintf(out, "--- preview %s\n", env.Data.URL)
		}
	}
}

func printLogEntry(out io.Writer, e broadcast.LogEntry) {
	ts := time.UnixMilli(e.TS).Local().Format("15:04:05")
	fmt.Fprintf(out, "%s %-6s %s\n", ts, e.Stream, strings.TrimRight(e.Message, "\n"))
}
