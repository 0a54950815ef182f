package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	parley "github.com/parleychat/parley-go"
	"github.com/parleychat/parley-go/internal/logging"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	usersJSON bool

	conversationsQuery string
	conversationsJSON  bool

	historyLimit int
	historyPage  int
	historyJSON  bool

	sendKind    string
	sendTimeout time.Duration
)

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List the other users you can chat with",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAuthedClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		users, err := client.Others(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if usersJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No other users.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("%-26s %-20s %s\n", u.UserID, u.FirstName, u.Email)
		}
		return nil
	},
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAuthedClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		convs, err := client.ListConversations(ctx, conversationsQuery)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%-26s %s%s\n", c.Peer.ID, peerName(c.Peer), unread)
			if c.LastMessage != nil {
				fmt.Printf("  %s  %s\n", c.LastMessage.CreatedAt.Local().Format("2006-01-02 15:04"), preview(c.LastMessage.Content, 60))
			}
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <peer-id>",
	Short: "Show messages exchanged with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAuthedClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		peerID := args[0]
		log := logging.WithPeer(peerID)
		page, err := client.History(ctx, peerID, &parley.PageOptions{Page: historyPage, Limit: historyLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		log.Debug().Int("count", len(page.Messages)).Int("page", page.Pagination.Page).Msg("history loaded")

		if historyJSON {
			return printJSON(page)
		}
		if len(page.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range page.Messages {
			fmt.Printf("%s  %s\n", formatMessage(m, cfg.Auth.UserID), m.ID)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <message...>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID, content := args[0], strings.Join(args[1:], " ")

		engine, _, err := newEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		result := make(chan parley.Change, 1)
		engine.Observe(func(c parley.Change) {
			if c.Kind == parley.SendConfirmed || c.Kind == parley.SendFailed {
				select {
				case result <- c:
				default:
				}
			}
		})

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()

		if err := engine.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		if err := engine.SendMessage(ctx, peerID, content, parley.MessageKind(sendKind)); err != nil {
			return err
		}

		select {
		case c := <-result:
			if c.Kind == parley.SendFailed {
				return c.Err
			}
			fmt.Printf("Message sent (id: %s)\n", c.MessageID)
			return nil
		case <-ctx.Done():
			return errors.New("no confirmation from server")
		}
	},
}

// ============================================================================
// delete
// ============================================================================

var deleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message you sent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAuthedClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		if err := client.DeleteMessage(ctx, args[0]); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		fmt.Println("Message deleted.")
		return nil
	},
}

// ============================================================================
// unread
// ============================================================================

var unreadCmd = &cobra.Command{
	Use:   "unread [peer-id]",
	Short: "Show unread message counts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAuthedClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		if len(args) == 1 {
			n, err := client.PeerUnread(ctx, args[0])
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Println(n)
			return nil
		}
		n, err := client.UnreadTotal(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println(n)
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output JSON")

	conversationsCmd.Flags().StringVarP(&conversationsQuery, "query", "q", "", "Filter by peer name or email")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", parley.DefaultHistoryLimit, "Messages per page")
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "Page number")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringVar(&sendKind, "kind", string(parley.KindText), "Message kind: text, image, file")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for the server")

	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(unreadCmd)
}
