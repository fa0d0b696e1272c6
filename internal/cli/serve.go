package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/structurize/packcatalog/internal/api"
	"github.com/structurize/packcatalog/internal/blueprint"
	"github.com/structurize/packcatalog/internal/catalog"
	"github.com/structurize/packcatalog/internal/events"
	"github.com/structurize/packcatalog/internal/logging"
	"github.com/structurize/packcatalog/internal/preview"
	"github.com/structurize/packcatalog/internal/resolver"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the browse API",
		Long: `Serve discovers the configured packs and serves the browse API.

Local packs are watched for changes; a changed pack is re-indexed and every
session browsing it is reset.`,
		Example: `  packcatalog serve --packs-root ./packs --listen-addr :8080
  PACKCATALOG_PACKS_SOURCE=s3 PACKCATALOG_S3_BUCKET=packs packcatalog serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}

	f := cmd.Flags()
	f.String("listen-addr", ":8080", "HTTP listen address")
	f.Bool("packs-watch", true, "re-index local packs when their files change")
	f.Duration("packs-debounce", catalog.DefaultDebounce, "wait for changes to settle before re-indexing")
	f.Int("resolver-workers", 4, "number of resolver workers")
	f.Int("resolver-queue-size", 100, "resolver queue size")
	f.String("session-preview-key", preview.DefaultKey, "prefix of session preview slots")
	f.Duration("session-idle-timeout", api.DefaultIdleTimeout, "close sessions idle for longer than this")
	return cmd
}

func runServe(cmd *cobra.Command) error {
	cfg, err := configFrom(cmd.Context())
	if err != nil {
		return err
	}
	logger := logging.L()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBroadcaster()
	cat, src, err := openCatalog(ctx, cfg, bus)
	if err != nil {
		return err
	}
	defer src.Close()

	registry, err := blueprint.LoadRegistry(cfg.AnchorsFile)
	if err != nil {
		return err
	}

	opts := cfg.ResolverOptions()
	opts.Logger = logging.Named(nil, "resolver")
	res := resolver.New(cat, blueprint.NewYAMLDecoder(registry), opts)

	srv := api.NewServer(cat, res, preview.NewRegistry(), bus, api.Options{
		PreviewKey:  cfg.Session.PreviewKey,
		IdleTimeout: cfg.Session.IdleTimeout,
		Logger:      logging.Named(nil, "api"),
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("packcatalog starting",
		zap.String("listen", cfg.ListenAddr),
		zap.String("source", src.Type()),
		zap.Int("packs", len(cat.Packs())),
		zap.Int("anchors", registry.Len()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return res.Start(gctx)
	})

	// Sessions invalidate their own pack; this covers packs nobody browses.
	g.Go(func() error {
		sub := bus.Subscribe(events.EventPackReloaded)
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-gctx.Done():
				return nil
			case e := <-sub:
				res.Invalidate(e.Pack, e.Generation)
			}
		}
	})

	g.Go(func() error {
		return srv.RunSweeper(gctx)
	})

	if cfg.Packs.Watch {
		g.Go(func() error {
			err := cat.Watch(gctx, cfg.Packs.Debounce)
			if errors.Is(err, catalog.ErrNotWatchable) {
				logger.Info("pack watching disabled", zap.String("source", src.Type()))
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
