package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	peerchat "github.com/NeboLoop/peerchat-go-sdk"
)

var errUserRequired = errors.New("--user is required")

type rootOptions struct {
	endpoint    string
	apiEndpoint string
	user        int64
	logLevel    string
}

type app struct {
	cfg    peerchat.Config
	api    *peerchat.APIClient
	logger *slog.Logger
	user   peerchat.Identity
}

// wireApp loads PEERCHAT_* configuration, applies flag overrides and builds
// the REST client every command shares.
func wireApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := peerchat.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.endpoint != "" {
		cfg.Endpoint = opts.endpoint
	}
	if opts.apiEndpoint != "" {
		cfg.APIEndpoint = opts.apiEndpoint
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	user := peerchat.Identity(opts.user)
	if !user.Valid() {
		return nil, errUserRequired
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	return &app{
		cfg:    cfg,
		api:    peerchat.NewAPIClient(cfg),
		logger: logger,
		user:   user,
	}, nil
}
