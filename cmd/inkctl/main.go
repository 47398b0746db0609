package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"inkwell/internal/client/session"
	"inkwell/internal/config"
	"inkwell/internal/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	configPath string
	baseURL    string
	tokenFile  string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:           "inkctl",
		Short:         "Command line client for the inkwell auth API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config.json")
	cmd.PersistentFlags().StringVar(&opts.baseURL, "api", "", "Base URL of the API (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.tokenFile, "token-file", "", "Where the session token is kept (overrides config)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log session events to stderr")

	cmd.AddCommand(
		newRegisterCommand(opts),
		newVerifyCommand(opts),
		newResendCommand(opts),
		newLoginCommand(opts),
		newRefreshCommand(opts),
		newMeCommand(opts),
		newLogoutCommand(opts),
	)
	return cmd
}

// connect builds the session manager from config and restores any saved
// token.
func connect(opts *cliOptions) (*session.API, *session.Manager, error) {
	config.LoadDotEnv()
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	baseURL := cfg.Client.BaseURL
	if opts.baseURL != "" {
		baseURL = opts.baseURL
	}
	tokenFile := cfg.Client.TokenFile
	if opts.tokenFile != "" {
		tokenFile = opts.tokenFile
	}

	level := "error"
	if opts.verbose {
		level = "debug"
	}
	m := session.NewManager(
		session.WithStorage(session.NewFileStorage(tokenFile)),
		session.WithLogger(logger.New(os.Stderr, level)),
		session.WithNotifier(session.NotifierFunc(func(msg string) {
			fmt.Fprintln(os.Stderr, msg)
		})),
	)
	if err := m.Load(); err != nil {
		return nil, nil, err
	}
	return session.NewAPI(baseURL, m), m, nil
}

func newRegisterCommand(opts *cliOptions) *cobra.Command {
	var req session.RegisterRequest
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and send a verification code",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := connect(opts)
			if err != nil {
				return err
			}
			userID, err := api.Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Verification code sent to %s\nuser id: %s\n", req.Email, userID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "First name")
	cmd.Flags().StringVar(&req.Lastname, "lastname", "", "Last name")
	cmd.Flags().StringVar(&req.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&req.Password, "password", "", "Password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newVerifyCommand(opts *cliOptions) *cobra.Command {
	var userID, code string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Confirm a registration with the emailed code",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := connect(opts)
			if err != nil {
				return err
			}
			if err := api.VerifyOTP(cmd.Context(), userID, code); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Email verified. You can now log in.")
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id printed by register")
	cmd.Flags().StringVar(&code, "code", "", "Six digit code from the email")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func newResendCommand(opts *cliOptions) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "resend",
		Short: "Send a new verification code",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := connect(opts)
			if err != nil {
				return err
			}
			if err := api.ResendOTP(cmd.Context(), userID); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "A new code was sent.")
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id printed by register")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newLoginCommand(opts *cliOptions) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and save the session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, _, err := connect(opts)
			if err != nil {
				return err
			}
			user, err := api.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", user.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newRefreshCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the saved token for a new one",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, m, err := connect(opts)
			if err != nil {
				return err
			}
			if m.Token() == "" {
				return errors.New("not logged in")
			}
			if _, err := api.Refresh(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token refreshed.")
			return nil
		},
	}
}

func newMeCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the logged in account",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, m, err := connect(opts)
			if err != nil {
				return err
			}
			if m.Token() == "" {
				return errors.New("not logged in")
			}
			user, err := api.Me(cmd.Context())
			if errors.Is(err, session.ErrSessionExpired) {
				return errors.New("session expired, log in again")
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:    %s\n", user.ID)
			fmt.Fprintf(out, "name:  %s %s\n", user.Name, user.Lastname)
			fmt.Fprintf(out, "email: %s\n", user.Email)
			if user.IsAdmin {
				fmt.Fprintln(out, "admin: yes")
			}
			return nil
		},
	}
}

func newLogoutCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, m, err := connect(opts)
			if err != nil {
				return err
			}
			if err := m.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}
