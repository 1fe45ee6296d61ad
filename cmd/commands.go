package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spimex-pipeline/internal/api"
	"github.com/JakeFAU/spimex-pipeline/internal/app"
	"github.com/JakeFAU/spimex-pipeline/internal/cache"
	"github.com/JakeFAU/spimex-pipeline/internal/pipeline"
	"github.com/JakeFAU/spimex-pipeline/internal/proxycheck"
)

func newCrawlCmd(s *session) *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Walk the results listing and checkpoint report links",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := s.services()
			if err != nil {
				return err
			}
			return crawlStage(cmd.Context(), a, reset)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "discard the existing link checkpoint first")
	return cmd
}

func newDownloadCmd(s *session) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download checkpointed reports into the year tree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := s.services()
			if err != nil {
				return err
			}
			return downloadStage(cmd.Context(), a, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-download files that already exist")
	return cmd
}

func newNormalizeCmd(s *session) *cobra.Command {
	var truncate bool
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Normalize downloaded reports into the results CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := s.services()
			if err != nil {
				return err
			}
			return resultsStage(cmd.Context(), a, truncate)
		},
	}
	cmd.Flags().BoolVar(&truncate, "truncate", false, "start the results CSV from scratch")
	return cmd
}

func newLoadCmd(s *session) *cobra.Command {
	var fromCSV, fromDir bool
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Insert normalized rows into Postgres",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := s.services()
			if err != nil {
				return err
			}
			source := sourceCSV
			if fromDir {
				source = sourceDir
			}
			return loadStage(cmd.Context(), a, s.runID, source)
		},
	}
	cmd.Flags().BoolVar(&fromCSV, "from-csv", true, "read rows from the results CSV")
	cmd.Flags().BoolVar(&fromDir, "from-dir", false, "normalize the download tree directly")
	cmd.MarkFlagsMutuallyExclusive("from-csv", "from-dir")
	return cmd
}

func newRunCmd(s *session) *cobra.Command {
	var (
		stages   string
		reset    bool
		force    bool
		fromDir  bool
		truncate bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run pipeline stages in order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := s.services()
			if err != nil {
				return err
			}
			source := sourceCSV
			if fromDir {
				source = sourceDir
			}
			available := map[string]func(ctx context.Context) error{
				pipeline.StageParse:    func(ctx context.Context) error { return crawlStage(ctx, a, reset) },
				pipeline.StageDownload: func(ctx context.Context) error { return downloadStage(ctx, a, force) },
				pipeline.StageResults:  func(ctx context.Context) error { return resultsStage(ctx, a, truncate) },
				pipeline.StageLoad:     func(ctx context.Context) error { return loadStage(ctx, a, s.runID, source) },
			}
			selected, err := pipeline.Select(stages, available)
			if err != nil {
				return err
			}
			return pipeline.NewRunner(a.Logger(), selected...).Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&stages, "stages", "parse,download,results,load", "comma-separated stages to run")
	cmd.Flags().BoolVar(&reset, "reset", false, "discard the link checkpoint before parsing")
	cmd.Flags().BoolVar(&force, "force", false, "re-download files that already exist")
	cmd.Flags().BoolVar(&fromDir, "from-dir", false, "load from the download tree instead of the results CSV")
	cmd.Flags().BoolVar(&truncate, "truncate", true, "start the results CSV from scratch")
	return cmd
}

func newServeCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the trading results API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := s.services()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), s, a)
		},
	}
}

func serve(ctx context.Context, s *session, a *app.App) error {
	cfg := a.Config()
	logger := a.Logger()

	svc, err := a.QueryService(ctx)
	if err != nil {
		return err
	}
	store, err := a.Results(ctx)
	if err != nil {
		return err
	}
	c, err := a.Cache(ctx)
	if err != nil {
		return err
	}
	if c != nil && cfg.Cache.ResetTime != "" {
		scheduler, err := cache.NewFlushScheduler(c, cfg.Cache.ResetTime, cfg.Cache.Timezone, logger.Named("cache"))
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
		logger.Info("cache flush scheduled", zap.Time("next", scheduler.Next()))
	}

	apiServer := api.NewServer(svc, store, cfg.API, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port), zap.String("run_id", s.runID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

func newProxyCheckCmd(s *session) *cobra.Command {
	var (
		file string
		out  string
	)
	cmd := &cobra.Command{
		Use:   "proxycheck",
		Short: "Probe configured proxies and print the ones that work",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := s.services()
			if err != nil {
				return err
			}
			cfg := a.Config()
			proxies := cfg.Fetch.Proxies
			if file != "" {
				if proxies, err = proxycheck.ReadFile(file); err != nil {
					return err
				}
			}
			if len(proxies) == 0 {
				return errors.New("no proxies configured; set fetch.proxies or pass --file")
			}
			checker, err := proxycheck.New(proxycheck.Config{
				TargetURL: cfg.ProxyTest.TargetURL,
				Workers:   cfg.ProxyTest.Workers,
				Timeout:   time.Duration(cfg.ProxyTest.TimeoutSeconds) * time.Second,
			}, a.Logger().Named("proxycheck"))
			if err != nil {
				return err
			}
			results, err := checker.Check(cmd.Context(), proxies)
			if err != nil {
				return err
			}
			working := proxycheck.Working(results)
			for _, p := range working {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			a.Logger().Info("proxy check finished", zap.Int("checked", len(proxies)), zap.Int("working", len(working)))
			if out != "" {
				return proxycheck.WriteFile(out, working)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "read proxies from this file, one per line")
	cmd.Flags().StringVar(&out, "out", "", "write working proxies to this file")
	return cmd
}
