// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the invsync command line client.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/DELTA-RISE/sis-davus-sub000/config"
	"github.com/DELTA-RISE/sis-davus-sub000/remote"
)

// Exit codes for CLI commands
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran but reported failure (e.g. entries left after sync)
	ExitCommandError = 2 // bad arguments, unreadable config or local database
)

// ExitError carries the exit code a command wants the process to end with
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func wrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from err; plain errors map to ExitFailure
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	Offline    bool
	LogLevel   string

	config *config.Config
	// backend replaces the HTTP backend built from config; used by tests
	backend remote.Backend
}

// NewRootCommand creates the root command of the invsync client
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invsync",
		Short: "Local-first inventory sync client",
		Long: `invsync reads and writes inventory records through a local SQLite mirror.

Online, reads and writes go to the table server and the mirror follows it.
Offline, writes are queued and replayed in order by "invsync sync".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return wrapExitError(ExitCommandError, "failed to load config", err)
			}
			if _, err := config.ParseLevel(opts.levelName(cfg)); err != nil {
				return wrapExitError(ExitCommandError, "invalid --log-level", err)
			}
			opts.config = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVar(&opts.Offline, "offline", false, "work against the local mirror and queue only")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error); overrides log.level")

	cmd.AddCommand(newKindsCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newSaveCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newRequeueCommand(opts))
	return cmd
}

func (o *RootOptions) levelName(cfg *config.Config) string {
	if o.LogLevel != "" {
		return o.LogLevel
	}
	return cfg.Log.Level
}

// withApp opens the client stack for the duration of fn
func (o *RootOptions) withApp(ctx context.Context, fn func(*App) error) error {
	app, err := OpenApp(ctx, o.config, AppOptions{
		Offline:  o.Offline,
		LogLevel: o.LogLevel,
		Backend:  o.backend,
	})
	if err != nil {
		return wrapExitError(ExitCommandError, "failed to open client", err)
	}
	defer app.Close()
	return fn(app)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
