package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	parley "github.com/parleychat/parley-go"
	"github.com/parleychat/parley-go/internal/logging"
)

var watchReconnect bool

func init() {
	watchCmd.Flags().BoolVar(&watchReconnect, "reconnect", false, "Reconnect with backoff when the connection drops")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print incoming messages and presence changes",
	Long:  "Connect to the push channel and print every message addressed to you, plus peers coming online and going offline, until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, session, err := newEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		selfID := cfg.Auth.UserID
		var mu sync.Mutex
		printed := make(map[string]struct{})
		printMessage := func(m parley.Message) {
			mu.Lock()
			defer mu.Unlock()
			if _, dup := printed[m.ID]; dup {
				return
			}
			printed[m.ID] = struct{}{}
			fmt.Println(formatMessage(m, selfID))
		}
		parley.OnNewMessage(session, printMessage)
		parley.OnMessageNotification(session, func(n parley.NotificationPayload) {
			printMessage(n.Message)
		})
		parley.OnUserOnline(session, func(p parley.StatusPayload) {
			fmt.Printf("* %s is online\n", valueOrDefault(p.UserInfo.FirstName, p.UserID))
		})
		parley.OnUserOffline(session, func(p parley.StatusPayload) {
			fmt.Printf("* %s went offline\n", valueOrDefault(p.UserInfo.FirstName, p.UserID))
		})

		drops := make(chan error, 1)
		engine.Observe(func(c parley.Change) {
			if c.Kind == parley.ConnectionChanged && c.State == parley.StateFailed {
				select {
				case drops <- c.Err:
				default:
				}
			}
		})

		log := logging.Component("cli")
		backoff := parley.NewBackoff()
		for {
			// A failed Connect also reports StateFailed; drop it.
			select {
			case <-drops:
			default:
			}

			err := engine.Connect(ctx)
			if err == nil {
				backoff.MarkConnected()
				fmt.Fprintf(os.Stderr, "Connected to %s. Waiting for messages (ctrl+c to quit)...\n", session.ConnectionID())
				select {
				case <-ctx.Done():
					return nil
				case err = <-drops:
				}
			}
			if ctx.Err() != nil {
				return nil
			}

			if !watchReconnect || errors.Is(err, parley.ErrMissingCredential) || errors.Is(err, parley.ErrHandshakeRejected) {
				return err
			}
			if !backoff.ShouldRetry() {
				return fmt.Errorf("giving up after %d attempts: %w", backoff.Attempt(), err)
			}
			log.Warn().Err(err).Int("attempt", backoff.Attempt()+1).Msg("connection lost, reconnecting")
			if backoff.Wait(ctx) != nil {
				return nil
			}
		}
	},
}
