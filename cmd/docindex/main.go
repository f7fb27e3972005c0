package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/docindex/internal/config"
	"github.com/xxxsen/docindex/internal/handler"
	"github.com/xxxsen/docindex/internal/job"
	"github.com/xxxsen/docindex/internal/mcpserver"
	"github.com/xxxsen/docindex/internal/middleware"
	"github.com/xxxsen/docindex/internal/model"
	"github.com/xxxsen/docindex/internal/pkg/jwt"
	"github.com/xxxsen/docindex/internal/schedule"
)

const (
	apiPrefix = "/api/v1"
	version   = "0.1.0"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "docindex",
		Short: "documentation ingestion and vector search server",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the http server with background population",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, true)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}

	var library, versionSpec string
	var refresh bool
	populateCmd := &cobra.Command{
		Use:   "populate",
		Short: "populate libraries once and wait for the jobs to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, true)
			if err != nil {
				return err
			}
			return runPopulate(cfg, library, versionSpec, refresh)
		},
	}
	populateCmd.Flags().StringVar(&library, "library", "", "populate only this library, adding it when missing")
	populateCmd.Flags().StringVar(&versionSpec, "version", model.VersionLatest, "version spec used with --library")
	populateCmd.Flags().BoolVar(&refresh, "refresh", false, "also repopulate latest libraries whose upstream version moved")

	var enabledOnly bool
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list configured libraries and their corpus stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, true)
			if err != nil {
				return err
			}
			return runList(cfg, enabledOnly)
		},
	}
	listCmd.Flags().BoolVar(&enabledOnly, "enabled-only", false, "only list enabled libraries")

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "serve the mcp tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout carries the protocol
			cfg, err := loadConfig(configPath, false)
			if err != nil {
				return err
			}
			return runMCP(cfg)
		},
	}

	var subject string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "issue an admin token for the mutating http routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, false)
			if err != nil {
				return err
			}
			token, err := jwt.GenerateToken(subject, []byte(cfg.HTTP.JWTSecret), time.Duration(cfg.HTTP.TokenTTLHours)*time.Hour)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "admin", "token subject")

	rootCmd.AddCommand(runCmd, populateCmd, listCmd, mcpCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func runServer(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logutil.GetLogger(ctx).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.Bool("mcp", cfg.MCP.Enabled),
	)
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	readiness := &handler.Readiness{}
	readiness.SetEmbedderReady()

	deps := handler.RouterDeps{
		Libraries:  handler.NewLibraryHandler(a.library),
		Health:     handler.NewHealthHandler(a.db, readiness),
		JWTSecret:  []byte(cfg.HTTP.JWTSecret),
		QueryRPS:   cfg.HTTP.RequestsPerSecond,
		QueryBurst: cfg.HTTP.Burst,
		MCPPath:    cfg.MCP.Path,
	}
	if cfg.MCP.Enabled {
		deps.MCP = mcpserver.New(a.library, version).HTTPHandler()
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	engine, err := webapi.NewEngine(
		apiPrefix,
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.HTTP.CORSOrigins),
			gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{apiPrefix + cfg.MCP.Path})),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	scheduler := schedule.NewCronScheduler()
	refreshJob := job.NewLibraryRefreshJob(a.population)
	if err := scheduler.AddJob(refreshJob, cfg.Schedule.RefreshSpec); err != nil {
		return err
	}
	if err := scheduler.AddJob(job.NewStaleJobRecoveryJob(a.population), cfg.Schedule.RecoverySpec); err != nil {
		return err
	}
	if cfg.Embedding.DBCache {
		if err := scheduler.AddJob(job.NewEmbeddingCacheCleanupJob(a.cache, cfg.Schedule.CacheMaxAgeDays), cfg.Schedule.CacheCleanupSpec); err != nil {
			return err
		}
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	go func() {
		a.bootstrap(ctx)
		readiness.SetAutoPopulationDone()
		if err := scheduler.RunNow(refreshJob.Name()); err != nil {
			logutil.GetLogger(ctx).Error("startup refresh failed", zap.Error(err))
		}
	}()

	logutil.GetLogger(ctx).Info("http server listening", zap.String("addr", addr))
	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}

func runPopulate(cfg *config.Config, library, versionSpec string, refresh bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := logutil.GetLogger(ctx)
	if library != "" {
		st, err := a.library.AddLibrary(ctx, model.LibrarySpec{Name: library, VersionSpec: versionSpec})
		if err != nil {
			return err
		}
		logger.Info("population requested", zap.String("library", st.Library.Name), zap.String("version_spec", st.Library.VersionSpec))
	} else {
		a.bootstrap(ctx)
		if refresh {
			n, err := a.population.RefreshStale(ctx)
			if err != nil {
				return err
			}
			logger.Info("refresh checked", zap.Int("enqueued", n))
		}
	}
	a.population.Wait()
	return printLibraries(ctx, a, false)
}

func runList(cfg *config.Config, enabledOnly bool) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return printLibraries(ctx, a, enabledOnly)
}

func printLibraries(ctx context.Context, a *app, enabledOnly bool) error {
	items, err := a.library.ListLibraries(ctx, enabledOnly)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSPEC\tVERSION\tCHUNKS\tTOKENS\tENABLED\tLAST JOB")
	for _, item := range items {
		chunks, tokens := 0, 0
		if item.Stats != nil {
			chunks, tokens = item.Stats.ChunkCount, item.Stats.TotalTokens
		}
		current := item.Config.ResolvedVersion()
		if current == "" {
			current = "-"
		}
		lastJob := "-"
		if item.Job != nil {
			lastJob = string(item.Job.Status)
			if item.Job.ErrorMessage != "" {
				lastJob += ": " + item.Job.ErrorMessage
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%t\t%s\n",
			item.Config.Name, item.Config.VersionSpec, current, chunks, tokens, item.Config.Enabled, lastJob)
	}
	return w.Flush()
}

func runMCP(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	go a.bootstrap(ctx)
	err = mcpserver.New(a.library, version).Run(ctx)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
