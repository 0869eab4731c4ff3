package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"quiz-room-service/internal/client"
)

// NewWatchCmd joins a room with the session client and prints every frame it receives.
func NewWatchCmd() *cobra.Command {
	var (
		serverURL string
		userID    string
		username  string
		logLevel  string
	)
	cmd := &cobra.Command{
		Use:   "watch <roomId>",
		Short: "Join a room and print its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := client.DefaultConfig(serverURL)
			cfg.UserID = userID
			cfg.Logger = newLogger(logLevel, "text")
			session, err := client.Dial(ctx, cfg)
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.JoinRoom(args[0], username); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for {
				select {
				case ev, ok := <-session.Events():
					if !ok {
						return session.Err()
					}
					fmt.Fprintf(out, "%s %s %s\n", ev.Type, ev.RoomID, ev.Payload)
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&serverURL, "url", "ws://localhost:8080/ws", "websocket endpoint")
	cmd.Flags().StringVar(&userID, "user-id", "", "identity to present (server assigns one when empty)")
	cmd.Flags().StringVar(&username, "username", "watcher", "display name")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "client log level")
	return cmd
}
