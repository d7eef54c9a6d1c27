package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/spf13/cobra"

	"github.com/javi11/nzbvault/internal/api"
	"github.com/javi11/nzbvault/internal/config"
	"github.com/javi11/nzbvault/internal/database"
	"github.com/javi11/nzbvault/internal/events"
	"github.com/javi11/nzbvault/internal/importer"
	"github.com/javi11/nzbvault/internal/nntp"
	"github.com/javi11/nzbvault/internal/retention"
	"github.com/javi11/nzbvault/internal/slogutil"
	"github.com/javi11/nzbvault/internal/usenet"
	"github.com/javi11/nzbvault/internal/webdav"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the nzbvault server",
		Long:  `Start the WebDAV server and the SABnzbd-compatible ingest API using configuration from a YAML file.`,
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Config loading errors go through the default logger; rotation is not
	// configured yet.
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return err
	}

	logger := slogutil.SetupRotation(slogutil.RotationConfig{
		File:       cfg.Log.File,
		Level:      cfg.Log.Level,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(logger)

	if changed, err := cfg.EnsureAPIKey(); err != nil {
		return err
	} else if changed {
		if err := config.Save(cfg, configFile); err != nil {
			logger.Warn("Failed to persist generated API key", "err", err)
		}
		logger.Info("Generated API key", "key", cfg.API.Key)
	}

	db, err := database.NewDB(database.Config{DatabasePath: cfg.Database.Path})
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Database.Path, "err", err)
		return err
	}
	defer func() { _ = db.Close() }()

	providers := cfg.ToProviders()
	pools := make([]*nntp.Pool, 0, len(providers))
	for _, p := range providers {
		pools = append(pools, nntp.NewPool(p, nntp.Options{
			StreamingReserveFraction: cfg.Streaming.ReserveFraction,
		}))
	}
	logger.Info("NNTP connection pools initialized", "provider_count", len(pools))

	client, err := usenet.NewClient(pools, usenet.ClientOptions{
		CacheSize: cfg.Streaming.CacheSize,
		Recorder:  database.NewRecorder(db.Stats),
	})
	if err != nil {
		logger.Error("failed to create usenet client", "err", err)
		return err
	}
	defer client.Close()

	bus := events.NewBus()
	defer bus.Close()

	imp := importer.NewService(importer.ServiceConfig{
		BasePath:      cfg.Import.BasePath,
		MaxRetries:    cfg.Import.MaxRetries,
		VerifySamples: cfg.VerifyImports(),
	}, db, client, bus)
	if err := imp.Start(); err != nil {
		logger.Error("failed to start import worker", "err", err)
		return err
	}
	defer imp.Stop()

	sweeper := retention.NewSweeper(retention.Config{
		Window:   cfg.Retention.ArchivedWindow(),
		Schedule: cfg.Retention.SweepSchedule,
	}, db, bus)
	if err := sweeper.Start(); err != nil {
		logger.Error("failed to start retention sweeper", "err", err)
		return err
	}
	defer sweeper.Stop()

	app := newFiberApp(logger)
	api.NewServer(api.Config{
		Prefix:   cfg.API.Prefix,
		Key:      cfg.API.Key,
		BasePath: cfg.Import.BasePath,
	}, db, imp, bus).RegisterRoutes(app)

	davHandler := webdav.NewHandler(webdav.Config{
		Prefix:   cfg.WebDAV.Prefix,
		User:     cfg.WebDAV.User,
		Password: cfg.WebDAV.Password,
	}, webdav.NewFileSystem(db.Items, client, cfg.Streaming.Prefetch))

	// WebDAV requests bypass fiber: the webdav handler needs the raw
	// net/http request, range semantics included.
	apiHandler := adaptor.FiberApp(app)
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.API.Port),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, cfg.WebDAV.Prefix) {
				davHandler.ServeHTTP(w, r)
				return
			}
			apiHandler.ServeHTTP(w, r)
		}),
	}

	logger.Info("Starting nzbvault server",
		"port", cfg.API.Port,
		"webdav_prefix", cfg.WebDAV.Prefix,
		"providers", len(providers),
		"base_path", cfg.Import.BasePath)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		logger.Error("server failed", "err", err)
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "err", err)
	}
	return nil
}

// newFiberApp builds the fiber app carrying the API routes. The extra
// request methods keep fiber from rejecting WebDAV verbs that reach it
// when the WebDAV prefix is misconfigured; they answer 404 instead of 501.
func newFiberApp(logger *slog.Logger) *fiber.App {
	return fiber.New(fiber.Config{
		RequestMethods: append(
			fiber.DefaultMethods, "PROPFIND", "PROPPATCH", "MKCOL", "COPY", "MOVE", "LOCK", "UNLOCK",
		),
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			logger.Error("Fiber error", "path", c.Path(), "method", c.Method(), "error", err)
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
		DisableStartupMessage: true,
	})
}
