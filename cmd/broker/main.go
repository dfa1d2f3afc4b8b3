// Package main is the entry point for the OAuth multi-account credential
// broker: it loads configuration, wires the account store, rotation engine,
// token refresher, acquire-auth broker, fetch orchestrator, proactive
// refresh loop, and cross-process cache invalidation together, then serves
// the one HTTP surface this module owns.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	tls "github.com/refraction-networking/utls"
	"golang.org/x/sync/errgroup"

	"github.com/opencred/oauth-broker/internal/account"
	"github.com/opencred/oauth-broker/internal/affinity"
	"github.com/opencred/oauth-broker/internal/broker"
	"github.com/opencred/oauth-broker/internal/config"
	"github.com/opencred/oauth-broker/internal/fetch"
	"github.com/opencred/oauth-broker/internal/logging"
	"github.com/opencred/oauth-broker/internal/proactive"
	"github.com/opencred/oauth-broker/internal/refresh"
	"github.com/opencred/oauth-broker/internal/snapshot"
	"github.com/opencred/oauth-broker/internal/watch"
	log "github.com/sirupsen/logrus"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger(false)
}

func main() {
	var configPath string
	var quiet bool
	flag.StringVar(&configPath, "config", "", "path to broker.yaml")
	flag.BoolVar(&quiet, "quiet", false, "suppress toasts and drop log level to warn")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oauth-broker: %v\n", err)
		os.Exit(1)
	}
	if quiet {
		cfg.QuietMode = true
	}
	if cfg.QuietMode {
		log.SetLevel(log.WarnLevel)
	}
	if err := logging.ConfigureLogOutput(cfg.LogDir, cfg.LogToFile, cfg.LogMaxSizeMB); err != nil {
		log.WithError(err).Warn("failed to configure file logging, continuing on stdout")
	}

	log.WithFields(log.Fields{"version": Version, "commit": Commit, "builtAt": BuildDate}).Info("starting oauth-broker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("oauth-broker exited with error")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	affinityStore := affinity.NewStore(cfg.Paths.AffinityFile, affinity.Options{
		StaleLockAfter: cfg.StaleLockAfter,
	})
	defer affinityStore.Stop()

	if imported, err := account.ImportLegacyInstallData(cfg.Paths.AuthFile, cfg.StaleLockAfter,
		cfg.LegacySingleRecordPath, cfg.LegacyV4Path, cfg.Paths.HostAuthFile); err != nil {
		log.WithField("component", "main").WithError(err).Warn("legacy install data import failed, continuing with existing auth file")
	} else if imported.Imported > 0 {
		log.WithFields(log.Fields{"imported": imported.Imported, "sources": imported.SourcesUsed}).Info("folded legacy install data into auth file")
	}

	refresher := refresh.New(refresh.ClientConfig{
		TokenEndpoint: cfg.NativeUpstreamURL + "/oauth/token",
	}, &http.Client{Timeout: cfg.HTTPTimeout})

	// One Broker serves both domains: native and codex accounts live in the
	// same auth file's "openai" object (spec.md §6.1), distinguished only
	// by the mode argument each call passes.
	brk := broker.New(cfg.Paths.AuthFile, affinityStore, refresher, broker.Options{
		StaleLockAfter:    cfg.StaleLockAfter,
		LeaseMs:           cfg.LeaseMs,
		BufferMs:          cfg.RefreshBufferMs,
		FailureCooldownMs: cfg.FailureCooldownMs,
	})

	snapshots := snapshotRecorder(cfg)

	nativeClient := fetch.NewNativeTransport(cfg.ProxyURL, tls.ClientHelloID{})
	nativeOrch := fetch.New(brk, nativeClient, fetch.Options{MaxAttempts: cfg.MaxAttempts})
	codexOrch := fetch.New(brk, &http.Client{Timeout: cfg.HTTPTimeout}, fetch.Options{MaxAttempts: cfg.MaxAttempts})

	nativeServer := fetch.NewServer(nativeOrch, cfg.NativeUpstreamURL, account.ModeNative, cfg.PidOffsetEnabled, os.Getpid())
	nativeServer.OnResponse = snapshots
	codexServer := fetch.NewServer(codexOrch, cfg.CodexUpstreamURL, account.ModeCodex, cfg.PidOffsetEnabled, os.Getpid())
	codexServer.OnResponse = snapshots

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	nativeServer.Register(engine.Group("/native"))
	codexServer.Register(engine.Group("/codex"))

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: engine}

	authWatcher, err := watch.New(cfg.Paths.AuthFile, 0, func() {
		log.WithField("component", "main").Debug("auth file changed on disk, in-memory caches will reload on next access")
	})
	if err != nil {
		return fmt.Errorf("oauth-broker: watch auth file: %w", err)
	}
	authWatcher.Start(ctx)
	defer authWatcher.Stop()

	var proactiveLoop *proactive.Loop
	if cfg.ProactiveRefreshEnabled {
		proactiveLoop = proactive.New(brk, proactive.Options{
			Interval: cfg.ProactiveInterval,
			BufferMs: cfg.RefreshBufferMs,
			Domains:  []account.Mode{account.ModeNative, account.ModeCodex},
		})
		proactiveLoop.Start(ctx)
		defer proactiveLoop.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("oauth-broker: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// snapshotRecorder folds a response's rate-limit headers into the
// snapshots file, keyed by the identity that served the request. A nil
// identityKey (the credential lookup failed before headers existed) is
// skipped -- there's nothing to key the snapshot by. modelFamily is already
// decoded by the fetch orchestrator before this hook ever sees it.
func snapshotRecorder(cfg *config.Config) func(mode account.Mode, cred broker.AcquireResult, resp *http.Response, modelFamily string) {
	return func(_ account.Mode, cred broker.AcquireResult, resp *http.Response, modelFamily string) {
		if cred.IdentityKey == "" || resp == nil {
			return
		}
		parsed := snapshot.ParseHeaders(resp.Header, modelFamily, time.Now())
		if _, err := snapshot.Record(cfg.Paths.SnapshotsFile, cfg.StaleLockAfter, cred.IdentityKey, parsed); err != nil {
			log.WithField("component", "main").WithError(err).Debug("failed to record rate-limit snapshot")
		}
	}
}
