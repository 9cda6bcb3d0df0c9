package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"prwpanel/internal/blob"
	"prwpanel/internal/config"
	"prwpanel/internal/ingest"
	"prwpanel/internal/logging"
	"prwpanel/internal/persistence"
)

// app carries process-wide state and the seams tests replace.
type app struct {
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string

	newLogger func(verbose bool) (*logging.ZapLogger, error)
	open      ingest.OpenFunc
	openBlob  func(ctx context.Context, opts blob.Options) (blob.Store, error)
	client    *http.Client

	cfgPath string
	verbose bool
	cfg     config.Config
	log     *logging.ZapLogger
}

func newApp(stdout, stderr io.Writer, getenv func(string) string) *app {
	return &app{
		stdout:    stdout,
		stderr:    stderr,
		getenv:    getenv,
		newLogger: logging.NewZap,
		open:      persistence.Open,
		openBlob:  blob.Open,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *app) run(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	err := root.ExecuteContext(ctx)
	if a.log != nil {
		defer func() { _ = a.log.Sync() }()
	}
	if err == nil {
		return 0
	}
	code := exitCode(err)
	if a.log != nil {
		a.log.Error("command failed", "error", err.Error(), "exit_code", code)
	}
	_, _ = fmt.Fprintf(a.stderr, "prw: %v\n", err)
	return code
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "prw",
		Short:         "PRW panel warehouse: ingest, snapshot and dashboard API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log, err := a.newLogger(a.verbose)
			if err != nil {
				return err
			}
			a.log = log.With("command", cmd.Name())
			cfg, err := config.Load(a.cfgPath, a.getenv)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", config.ErrConfig, err)
	})
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "optional YAML config file")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(a.ingestCmd(), a.snapshotCmd(), a.serveCmd(), a.cacheCmd(), a.keygenCmd())
	return root
}

// printf writes command output; a failed write to stdout is not actionable.
func (a *app) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.stdout, format, args...)
}

// closeStore closes a store and logs (rather than returns) a close failure.
func (a *app) closeStore(c io.Closer, what string) {
	if err := c.Close(); err != nil && !errors.Is(err, context.Canceled) {
		a.log.Warn("close "+what, "error", err)
	}
}
