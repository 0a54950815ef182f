package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	parley "github.com/parleychat/parley-go"
	"github.com/parleychat/parley-go/internal/config"
	"github.com/parleychat/parley-go/internal/logging"
)

const requestTimeout = 15 * time.Second

var errNotLoggedIn = errors.New("not logged in; run 'parley login' first")

// configFilePath is the file that login, logout and config set edit.
func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.Path()
}

// editConfig applies fn to the config file on disk. Env overrides and
// defaults are not written back.
func editConfig(fn func(*config.Config) error) error {
	path, err := configFilePath()
	if err != nil {
		return err
	}
	stored, err := config.ReadFile(path)
	if err != nil {
		return err
	}
	if err := fn(stored); err != nil {
		return err
	}
	return config.Save(stored, path)
}

// newCredentials returns the stored login, or an error when there is none.
func newCredentials() (*parley.Credentials, error) {
	if cfg.Auth.Token == "" {
		return nil, errNotLoggedIn
	}
	creds := parley.NewCredentials("")
	creds.Login(cfg.Auth.Token, cfg.Auth.UserID)
	return creds, nil
}

// newClient builds a REST client. A 401 drops creds so a running engine
// disconnects.
func newClient(tokens parley.TokenSource, creds *parley.Credentials) *parley.Client {
	opts := []parley.ClientOption{
		parley.WithBaseURL(cfg.Server.BaseURL),
		parley.WithTimeout(requestTimeout),
		parley.WithLogger(logging.Logger),
	}
	if creds != nil {
		opts = append(opts, parley.WithUnauthorizedHandler(func() {
			cliLog := logging.Component("cli")
			cliLog.Warn().Msg("server rejected the stored token; run 'parley login'")
			creds.Logout()
		}))
	}
	return parley.NewClient(tokens, opts...)
}

// newAuthedClient is newClient for commands that need a login.
func newAuthedClient() (*parley.Client, error) {
	creds, err := newCredentials()
	if err != nil {
		return nil, err
	}
	return newClient(creds, creds), nil
}

// newEngine wires a session and engine from the effective config.
func newEngine() (*parley.Engine, *parley.Session, error) {
	creds, err := newCredentials()
	if err != nil {
		return nil, nil, err
	}
	client := newClient(creds, creds)

	wsURL := cfg.Server.WSURL
	if wsURL == "" {
		wsURL = parley.DeriveWebSocketURL(cfg.Server.BaseURL)
	}
	sessionLog := logging.Logger
	session := parley.NewSession(wsURL, &parley.SessionConfig{
		HeartbeatInterval: cfg.Sync.HeartbeatDuration(),
		Logger:            &sessionLog,
	})

	engine := parley.NewEngine(session, client, creds,
		parley.WithEngineLogger(logging.Logger),
		parley.WithHistoryLimit(cfg.Sync.HistoryLimit),
		parley.WithTypingTimeout(cfg.Sync.TypingTimeoutDuration()),
		parley.WithSearchDebounce(cfg.Sync.SearchDebounceDuration()),
	)
	return engine, session, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func peerName(p parley.Peer) string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Email != "":
		return p.Email
	default:
		return p.ID
	}
}

func senderName(m parley.Message, selfID string) string {
	if m.SenderID() == selfID {
		return "you"
	}
	return valueOrDefault(m.Sender.FirstName, m.Sender.ID)
}

func formatMessage(m parley.Message, selfID string) string {
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("2006-01-02 15:04"), senderName(m, selfID), m.Content)
	if m.Kind != "" && m.Kind != parley.KindText {
		line += " (" + string(m.Kind) + ")"
	}
	if m.SenderID() == selfID && m.IsRead {
		line += "  ✓✓"
	}
	return line
}

func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
