// Package cmd defines the spimex CLI commands.
package cmd

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/spimex-pipeline/internal/app"
	"github.com/JakeFAU/spimex-pipeline/internal/config"
	"github.com/JakeFAU/spimex-pipeline/internal/id/uuid"
	"github.com/JakeFAU/spimex-pipeline/internal/logging"
	"github.com/JakeFAU/spimex-pipeline/internal/metrics"
	"github.com/JakeFAU/spimex-pipeline/internal/telemetry"
)

// session holds what PersistentPreRunE builds so Execute can release it whatever the outcome.
type session struct {
	cfgFile string
	runID   string
	app     *app.App
	tracer  *sdktrace.TracerProvider
	logger  *zap.Logger
}

func (s *session) close() {
	if s.app != nil {
		telemetry.Shutdown(s.tracer, s.logger)
		s.app.Close()
	}
}

func (s *session) services() (*app.App, error) {
	if s.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return s.app, nil
}

// newRootCmd builds the command tree around s.
func newRootCmd(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spimex",
		Short: "Collects SPIMEX oil-product trading results and serves them over HTTP.",
		Long: `spimex crawls the exchange's results listing, downloads the daily bulletins,
normalizes them into rows, loads them into Postgres and serves a read API.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return s.init(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&s.cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		newCrawlCmd(s),
		newDownloadCmd(s),
		newNormalizeCmd(s),
		newLoadCmd(s),
		newRunCmd(s),
		newServeCmd(s),
		newProxyCheckCmd(s),
	)
	return cmd
}

func (s *session) init(cmd *cobra.Command) error {
	cfg, err := config.Load(s.cfgFile)
	if err != nil {
		return err
	}
	base, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return err
	}
	runID, err := uuid.NewRunID()
	if err != nil {
		return err
	}
	s.runID = runID
	s.logger = logging.ForRun(base, s.runID, cmd.Name())
	zap.ReplaceGlobals(s.logger)

	metrics.Init()
	tp, err := telemetry.InitTracerProvider(cmd.Context(), cfg.Telemetry, s.logger)
	if err != nil {
		return err
	}
	s.tracer = tp
	s.app = app.New(cfg, s.logger)
	return nil
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout io.Writer) int {
	s := &session{}
	defer s.close()

	root := newRootCmd(s)
	root.SetArgs(args)
	root.SetOut(stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		if s.logger != nil {
			s.logger.Error("command failed", zap.Error(err))
		}
		return 1
	}
	return 0
}
