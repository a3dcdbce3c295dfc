package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

func newEventsCmd(cfg *cliConfig) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream realtime events for a run as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run is required")
			}
			client := newAPIClient(cfg)
			wsURL, err := client.wsURL([]string{"run:" + runID})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("connect %s: %s", wsURL, resp.Status)
				}
				return fmt.Errorf("connect %s: %w", wsURL, err)
			}
			defer conn.Close() //nolint:errcheck

			go func() {
				<-ctx.Done()
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close() //nolint:errcheck
			}()

			enc := json.NewEncoder(os.Stdout)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				var env map[string]any
				if err := json.Unmarshal(msg, &env); err != nil {
					continue
				}
				if err := enc.Encode(env); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id to follow")
	return cmd
}
