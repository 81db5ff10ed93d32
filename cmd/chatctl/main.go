package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"matchtalk/pkg/auth"
	"matchtalk/pkg/client"
	"matchtalk/pkg/logger"
)

// Version info set via ldflags at build time.
var Version = "dev"

type globalOptions struct {
	server  string
	token   string
	secret  string
	user    string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "chatctl",
		Short:         "matchtalk conversation client",
		Long:          "chatctl sends messages, pages history and tails live conversations against a matchtalk server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.server, "server", envOr("MATCHTALK_URL", "http://localhost:8080"), "server base URL")
	pf.StringVar(&opts.token, "token", os.Getenv("MATCHTALK_TOKEN"), "bearer token")
	pf.StringVar(&opts.secret, "secret", os.Getenv("JWT_SECRET"), "HS256 secret used to mint a token when --token is empty")
	pf.StringVarP(&opts.user, "user", "u", os.Getenv("MATCHTALK_USER"), "local user id")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "log client internals")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newSendCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newTailCmd(opts))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatctl %s\n", Version)
		},
	}
}

// apiClient builds an authenticated client from the global flags.
func (o *globalOptions) apiClient() (*client.APIClient, *zap.Logger, error) {
	if o.user == "" {
		return nil, nil, errors.New("--user is required")
	}
	token := o.token
	if token == "" {
		if o.secret == "" {
			return nil, nil, errors.New("--token or --secret is required")
		}
		t, err := auth.Sign(o.secret, o.user, time.Hour)
		if err != nil {
			return nil, nil, fmt.Errorf("mint token: %w", err)
		}
		token = t
	}

	log := zap.NewNop()
	if o.verbose {
		l, err := logger.New(true)
		if err != nil {
			return nil, nil, err
		}
		log = l
	}
	api, err := client.NewAPIClient(client.Options{BaseURL: o.server, Token: token, Log: log})
	if err != nil {
		return nil, nil, err
	}
	return api, log, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
