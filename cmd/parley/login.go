package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	parley "github.com/parleychat/parley-go"
	"github.com/parleychat/parley-go/internal/config"
	"github.com/parleychat/parley-go/internal/logging"
)

var (
	loginEmail string

	registerName  string
	registerEmail string
)

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email (prompted when omitted)")

	registerCmd.Flags().StringVar(&registerName, "name", "", "First name shown to other users")
	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Account email")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
}

var stdin = bufio.NewReader(os.Stdin)

func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := stdin.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptPassword reads a password without echo when stdin is a terminal.
func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt("")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// storeLogin resolves the user behind token if needed and writes the login
// to the config file.
func storeLogin(ctx context.Context, res *parley.AuthResult, email string) error {
	if res.Token == "" {
		return fmt.Errorf("server returned no token")
	}
	user := res.User
	if user == nil || user.UserID == "" {
		me, err := newClient(parley.StaticToken(res.Token), nil).Me(ctx)
		if err != nil {
			return fmt.Errorf("resolve account: %w", err)
		}
		user = me
	}

	err := editConfig(func(c *config.Config) error {
		c.Auth.Token = res.Token
		c.Auth.UserID = user.UserID
		c.Auth.Email = valueOrDefault(user.Email, email)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Logged in as %s\n", valueOrDefault(user.FirstName, user.Email))
	fmt.Printf("  User ID: %s\n", user.UserID)
	fmt.Printf("  Token:   %s\n", logging.MaskToken(res.Token))
	return nil
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in and store the token",
	Long:  "Sign in with email and password. The bearer token is stored in the config file.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		email := loginEmail
		if email == "" {
			var err error
			if email, err = prompt("Email: "); err != nil {
				return err
			}
		}
		password, err := promptPassword()
		if err != nil {
			return err
		}
		if email == "" || password == "" {
			return fmt.Errorf("email and password are required")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		res, err := newClient(nil, nil).SignIn(ctx, email, password)
		if err != nil {
			return fmt.Errorf("sign in failed: %w", err)
		}
		return storeLogin(ctx, res, email)
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if registerName == "" || registerEmail == "" {
			return fmt.Errorf("--name and --email are required")
		}
		password, err := promptPassword()
		if err != nil {
			return err
		}
		if len(password) < 6 {
			return fmt.Errorf("password must be at least 6 characters")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		client := newClient(nil, nil)
		res, err := client.SignUp(ctx, registerName, registerEmail, password)
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		if res.Token == "" {
			// Some servers only create the account; sign in to get a token.
			if res, err = client.SignIn(ctx, registerEmail, password); err != nil {
				return fmt.Errorf("sign in after registration failed: %w", err)
			}
		}
		fmt.Println("Registration successful!")
		return storeLogin(ctx, res, registerEmail)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := editConfig(func(c *config.Config) error {
			c.Auth = config.AuthConfig{}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}
