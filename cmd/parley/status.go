package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	parley "github.com/parleychat/parley-go"
	"github.com/parleychat/parley-go/internal/logging"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and account status",
	Long:  "Display the current configuration and, when logged in, fetch live account info and the unread count.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", cfg.Server.BaseURL)
		fmt.Printf("  Socket:    %s\n", valueOrDefault(cfg.Server.WSURL, parley.DeriveWebSocketURL(cfg.Server.BaseURL)))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:     (not logged in)")
			return nil
		}
		fmt.Printf("  Email:     %s\n", valueOrDefault(cfg.Auth.Email, "(unknown)"))
		fmt.Printf("  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		fmt.Printf("  Token:     %s\n", logging.MaskToken(cfg.Auth.Token))

		client, err := newAuthedClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		me, err := client.Me(ctx)
		if err != nil {
			fmt.Printf("  Error:     %v\n", err)
			return nil
		}
		fmt.Printf("  Name:      %s\n", me.FirstName)
		fmt.Printf("  Email:     %s\n", me.Email)
		if unread, err := client.UnreadTotal(ctx); err == nil {
			fmt.Printf("  Unread:    %d\n", unread)
		}
		return nil
	},
}
