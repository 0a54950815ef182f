package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/parleychat/parley-go/internal/config"
	"github.com/parleychat/parley-go/internal/logging"
)

var (
	cfgFile    string
	logLevel   string
	baseURLArg string

	// cfg is the effective configuration: defaults, file and PARLEY_* env.
	cfg *config.Config
)

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley chat client",
	Long:  "Command-line client for the Parley one-to-one chat server.\nSign in, browse conversations, send messages and chat live in the terminal.",

	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader()
		if cfgFile != "" {
			loader.SetConfigFile(cfgFile)
		}
		loaded, err := loader.Load()
		if err != nil {
			return err
		}
		if baseURLArg != "" {
			loaded.Server.BaseURL = baseURLArg
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		cfg = loaded

		logging.Init(logging.Config{
			Level:   cfg.Log.Level,
			Format:  cfg.Log.Format,
			Output:  os.Stderr,
			NoColor: !term.IsTerminal(int(os.Stderr.Fd())),
		})
		if used := loader.ConfigFileUsed(); used != "" {
			log := logging.Component("cli")
			log.Debug().Str("path", used).Msg("config loaded")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ~/.parley/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&baseURLArg, "base-url", "", "API base URL, e.g. http://localhost:3000/api")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", logging.Redact(err.Error()))
		os.Exit(1)
	}
}
