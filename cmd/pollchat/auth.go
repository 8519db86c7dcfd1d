package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/pollchat"
)

var (
	loginPassword string

	registerEmail    string
	registerPassword string
	registerSecret   string
)

func init() {
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (prompted when omitted)")

	registerCmd.Flags().StringVar(&registerEmail, "email", "", "Email address")
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "Password (prompted when omitted)")
	registerCmd.Flags().StringVar(&registerSecret, "secret", "", "Registration secret code")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
}

// prompt reads one line from stdin after printing label.
func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.Wrap(err, "failed to read input")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}

		password := loginPassword
		if password == "" {
			if password, err = prompt("Password: "); err != nil {
				return err
			}
		}

		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()

		if _, err := s.client.Login(ctx, args[0], password); err != nil {
			return errors.Wrap(err, "login failed")
		}
		me, err := s.client.Me(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to fetch identity")
		}
		if err := s.tokens.setIdentity(me); err != nil {
			return err
		}

		fmt.Printf("Logged in as %s (id %d)\n", me.Username, me.ID)
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account",
	Long:  "Create an account with the chat service. Registration requires the service's secret code.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}

		password := registerPassword
		if password == "" {
			if password, err = prompt("Password: "); err != nil {
				return err
			}
		}
		secret := registerSecret
		if secret == "" {
			if secret, err = prompt("Secret code: "); err != nil {
				return err
			}
		}

		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()

		account, err := s.client.Register(ctx, pollchat.RegisterRequest{
			Username: args[0],
			Email:    registerEmail,
			Password: password,
			Secret:   secret,
		})
		if err != nil {
			return errors.Wrap(err, "registration failed")
		}

		fmt.Printf("Registered %s (id %d). Run 'pollchat login %s' to sign in.\n", account.Username, account.ID, account.Username)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(nil)
		if err != nil {
			return err
		}
		if err := s.tokens.Clear(); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"me"},
	Short:   "Show the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openAuthedSession(nil)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()

		me, err := s.client.Me(ctx)
		if pollchat.IsUnauthorized(err) {
			_ = s.tokens.Clear()
			return errors.New("session expired; log in again")
		}
		if err != nil {
			return err
		}

		fmt.Printf("Service:  %s\n", s.client.BaseURL())
		fmt.Printf("User:     %s (id %d)\n", me.Username, me.ID)
		if me.Email != "" {
			fmt.Printf("Email:    %s\n", me.Email)
		}
		return nil
	},
}
