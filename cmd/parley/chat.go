package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/parleychat/parley-go/internal/tui"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [peer-id]",
	Short: "Open the interactive chat screen",
	Long:  "Open a full-screen chat with the conversation list, live messages, presence and typing indicators. With a peer id, that conversation is opened first.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("chat needs a terminal; use 'parley watch' or 'parley send' instead")
		}

		engine, _, err := newEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		err = engine.Start(ctx)
		if err == nil && len(args) == 1 {
			err = engine.OpenConversation(ctx, args[0])
		}
		cancel()
		if err != nil {
			return err
		}

		return tui.Run(engine)
	},
}
