package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/foreman/internal/channels/web"
	"github.com/neboloop/foreman/internal/httputil"
)

// MessageCmd sends one message to a running server and prints the reply.
func MessageCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "message <text>",
		Short: "Send a message to the running server as an owner",
		Long: `Posts to /api/v1/messages on the configured server address.

Examples:
  foreman message --owner alice "start project"
  foreman message --owner alice status`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := loadConfig()
			if err != nil {
				return err
			}
			if owner == "" {
				owner = os.Getenv("USER")
			}
			reply, err := postMessage(cmd.Context(), "http://"+c.Server.Addr, owner, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Println(reply.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner to send as (default: $USER)")
	return cmd
}

func postMessage(ctx context.Context, baseURL, owner, text string) (*web.MessageResponse, error) {
	body, err := json.Marshal(web.MessageRequest{Owner: owner, Text: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e httputil.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Message != "" {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Message)
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	var out web.MessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
