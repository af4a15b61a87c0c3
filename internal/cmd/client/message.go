package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewMessageCommand constructs the `message` command group and subcommands.
func NewMessageCommand(baseURL BaseURLFunc) *cobra.Command {
	msgCmd := &cobra.Command{Use: "message", Short: "Message operations", Aliases: []string{"msg"}}

	msgCmd.AddCommand(
		newMessageSubmitCommand(baseURL),
		newMessageStatusCommand(baseURL),
		newMessageListCommand(baseURL),
		newMessageWatchCommand(baseURL),
	)

	return msgCmd
}

// newMessageSubmitCommand constructs the `message submit` subcommand.
func newMessageSubmitCommand(baseURL BaseURLFunc) *cobra.Command {
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a message for delivery",
		RunE: func(cmd *cobra.Command, _ []string) error {
			originator, _ := cmd.Flags().GetString("originator")
			recipient, _ := cmd.Flags().GetString("recipient")
			data, _ := cmd.Flags().GetString("data")
			file, _ := cmd.Flags().GetString("file")

			payload := []byte(data)
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read payload file: %w", err)
				}
				payload = b
			}

			body, _ := json.Marshal(map[string]any{
				"originator": originator,
				"recipient":  recipient,
				"payload":    payload,
			})
			resp, err := http.Post(baseURL()+"/v1/messages", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusAccepted {
				return apiError(resp)
			}
			var out struct {
				ID string `json:"id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.ID)
			return nil
		},
	}
	submitCmd.Flags().StringP("originator", "o", "", "Originator identity")
	submitCmd.Flags().StringP("recipient", "r", "", "Recipient address")
	submitCmd.Flags().StringP("data", "d", "", "Payload as a literal string")
	submitCmd.Flags().String("file", "", "Read payload from a file instead of --data")
	_ = submitCmd.MarkFlagRequired("recipient")
	return submitCmd
}

// newMessageStatusCommand constructs the `message status` subcommand.
func newMessageStatusCommand(baseURL BaseURLFunc) *cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a message's current state and history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mid, _ := cmd.Flags().GetString("id")
			resp, err := http.Get(baseURL() + "/v1/messages/" + url.PathEscape(mid))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return apiError(resp)
			}
			return printJSON(cmd.OutOrStdout(), resp.Body)
		},
	}
	statusCmd.Flags().String("id", "", "Message ID (hex)")
	_ = statusCmd.MarkFlagRequired("id")
	return statusCmd
}

// newMessageListCommand constructs the `message list` subcommand.
func newMessageListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List messages in a state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			state, _ := cmd.Flags().GetString("state")
			limit, _ := cmd.Flags().GetInt("limit")
			q := url.Values{"state": {state}, "limit": {strconv.Itoa(limit)}}
			resp, err := http.Get(baseURL() + "/v1/messages?" + q.Encode())
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return apiError(resp)
			}
			return printJSON(cmd.OutOrStdout(), resp.Body)
		},
	}
	listCmd.Flags().String("state", "pending", "State: pending|inflight|delivered|failed_retryable|failed_terminal")
	listCmd.Flags().Int("limit", 100, "Maximum messages to return")
	return listCmd
}

// newMessageWatchCommand constructs the `message watch` subcommand. It
// follows the SSE event stream and prints one JSON event per line.
func newMessageWatchCommand(baseURL BaseURLFunc) *cobra.Command {
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream status events for an originator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			originator, _ := cmd.Flags().GetString("originator")
			q := url.Values{"originator": {originator}}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, baseURL()+"/v1/events?"+q.Encode(), nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return apiError(resp)
			}

			out := cmd.OutOrStdout()
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				if data, ok := strings.CutPrefix(line, "data: "); ok {
					fmt.Fprintln(out, data)
				}
			}
			if err := scanner.Err(); err != nil && cmd.Context().Err() == nil {
				return err
			}
			return nil
		},
	}
	watchCmd.Flags().StringP("originator", "o", "", "Originator identity")
	_ = watchCmd.MarkFlagRequired("originator")
	return watchCmd
}

// NewStatsCommand constructs the top-level `stats` command.
func NewStatsCommand(baseURL BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-state counts and queue depth",
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := http.Get(baseURL() + "/v1/stats")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return apiError(resp)
			}
			return printJSON(cmd.OutOrStdout(), resp.Body)
		},
	}
}

// apiError turns a non-2xx response into an error carrying the server's
// error message when present.
func apiError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &body) == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}

// printJSON re-indents a JSON body for terminal output.
func printJSON(w io.Writer, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(b), "", "  "); err != nil {
		_, werr := w.Write(b)
		return werr
	}
	buf.WriteByte('\n')
	_, err = io.Copy(w, &buf)
	return err
}
