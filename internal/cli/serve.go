package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telemetry-tap/internal/auth"
	"github.com/telhawk-systems/telemetry-tap/internal/config"
	"github.com/telhawk-systems/telemetry-tap/internal/decoder"
	"github.com/telhawk-systems/telemetry-tap/internal/dlq"
	"github.com/telhawk-systems/telemetry-tap/internal/handlers"
	"github.com/telhawk-systems/telemetry-tap/internal/logging"
	"github.com/telhawk-systems/telemetry-tap/internal/normalizer"
	"github.com/telhawk-systems/telemetry-tap/internal/pipeline"
	"github.com/telhawk-systems/telemetry-tap/internal/proxy"
	"github.com/telhawk-systems/telemetry-tap/internal/router"
	"github.com/telhawk-systems/telemetry-tap/internal/server"
	"github.com/telhawk-systems/telemetry-tap/internal/session"
	"github.com/telhawk-systems/telemetry-tap/internal/sink"
	"github.com/telhawk-systems/telemetry-tap/internal/urlfilter"
	"github.com/telhawk-systems/telemetry-tap/internal/usage"

	natsclient "github.com/telhawk-systems/telemetry-tap/internal/messaging/nats"
)

const (
	usageFlushInterval = 30 * time.Second
	shutdownTimeout    = 30 * time.Second
	initTimeout        = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the intercepting proxy",
	Long: `Run the intercepting proxy and its admin server.

Feature toggles can be set in the config file or through the environment:
  ENABLE_AUTH                 require proxy credentials
  ENABLE_URL_FILTERING        apply url_filter.patterns
  ENABLE_TELEMETRY_FILE_SAVE  archive telemetry documents to daily files`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).With(logging.Service("tap"))
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(ctx)
}

// app owns every long-lived component of a running proxy.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	pipeline *pipeline.Pipeline
	proxy    *proxy.Server
	admin    *server.Handler

	archive     *sink.Archive
	usageClient *usage.Client
	collector   *usage.Collector
	nats        *natsclient.JetStreamClient
}

// access bundles the request gating built from the feature toggles.
type access struct {
	verifier session.Verifier
	exempt   session.ExemptMatcher
	filter   proxy.URLFilter
	guard    *auth.LoginGuard
}

func loadAccess(cfg *config.Config, logger *logging.Logger) (access, error) {
	var a access

	if cfg.Features.Auth {
		store, err := auth.LoadFile(cfg.Auth.CredentialsFile, cfg.Auth.ReservedUsers...)
		if err != nil {
			return a, err
		}
		a.verifier = store
		logger.Info("proxy authentication enabled",
			"users", store.Len(),
			"credentials_file", cfg.Auth.CredentialsFile,
		)

		exempt, err := urlfilter.New(cfg.Auth.ExemptPatterns)
		if err != nil {
			return a, fmt.Errorf("invalid auth.exempt_patterns: %w", err)
		}
		a.exempt = exempt
	} else {
		logger.Info("proxy authentication disabled")
	}

	if cfg.Features.URLFiltering {
		filter, err := urlfilter.New(cfg.URLFilter.Patterns)
		if err != nil {
			return a, fmt.Errorf("invalid url_filter.patterns: %w", err)
		}
		a.filter = filter
		logger.Info("url filtering enabled", "patterns", filter.Len())
	} else {
		logger.Info("url filtering disabled")
	}

	if a.guard = auth.NewLoginGuard(cfg.Auth.GitHubLoginSuffix); a.guard != nil {
		logger.Info("github login guard enabled", "suffix", cfg.Auth.GitHubLoginSuffix)
	}
	return a, nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	gate, err := loadAccess(cfg, logger)
	if err != nil {
		return nil, err
	}

	search, err := sink.NewOpenSearch(cfg.OpenSearch, logger)
	if err != nil {
		return nil, err
	}
	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	if err := search.Initialize(initCtx); err != nil {
		// Writes keep failing until the cluster is back; /readyz reports it.
		logger.Warn("opensearch not initialized", logging.Error(err), "url", cfg.OpenSearch.URL)
	}
	cancel()

	var archiveSink sink.Sink
	if cfg.Features.TelemetryFileSave {
		a.archive = sink.NewArchive(cfg.Archive.BaseDir, cfg.Archive.MaxFileBytes)
		archiveSink = a.archive
		logger.Info("telemetry file archive enabled", "dir", cfg.Archive.BaseDir)
	} else {
		logger.Info("telemetry file archive disabled")
	}

	var deadLetter sink.DeadLetter
	var dlqStats func(context.Context) map[string]interface{}
	if cfg.DLQ.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.DLQ.NatsURL
		if a.nats, err = natsclient.NewJetStreamClient(natsCfg, logger); err != nil {
			return nil, fmt.Errorf("failed to connect to NATS for DLQ: %w", err)
		}
		pub, err := dlq.NewPublisher(ctx, a.nats, cfg.DLQ.SubjectPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize DLQ: %w", err)
		}
		deadLetter = pub
		dlqStats = pub.Stats
		logger.Info("dead letter queue enabled", "nats", cfg.DLQ.NatsURL)
	} else {
		logger.Info("dead letter queue disabled")
	}

	var recorder pipeline.UsageRecorder
	if cfg.Redis.Enabled {
		client, err := usage.NewClient(ctx, cfg.Redis.URL, cfg.Usage.TTL)
		if err != nil {
			logger.Warn("usage counters unavailable", logging.Error(err))
		} else {
			a.usageClient = client
			a.collector = usage.NewCollector(client, usageFlushInterval, logger)
			recorder = a.collector
			logger.Info("usage counters enabled", "flush_interval", usageFlushInterval.String())
		}
	} else {
		logger.Info("redis disabled, usage counters will not be collected")
	}

	resolver := session.NewResolver(session.Options{
		Enabled:  cfg.Features.Auth,
		Verifier: gate.verifier,
		Exempt:   gate.exempt,
		Logger:   logger,
	})

	writer := sink.NewWriter(sink.WriterConfig{
		Search:         search,
		Archive:        archiveSink,
		DeadLetter:     deadLetter,
		SearchTimeout:  cfg.OpenSearch.Timeout,
		ArchiveTimeout: cfg.Archive.WriteTimeout,
		Logger:         logger,
	})

	set := handlers.NewSet(handlers.Options{
		Index:           cfg.OpenSearch.TelemetryIndex,
		SurvivalDelayMs: cfg.Telemetry.SurvivalDelayMs,
	})
	rt := router.Default(set)
	a.pipeline = pipeline.New(pipeline.Options{
		Settings:   pipeline.SettingsFrom(cfg),
		Decoder:    decoder.New(cfg.Proxy.MaxBodyBytes),
		Normalizer: normalizer.New(cfg.Telemetry.NamespacePrefixes).WithExactKeys(rt.ExactKeys()),
		Router:     rt,
		Sessions:   resolver,
		Writer:     writer,
		Usage:      recorder,
		Logger:     logger,
	})

	var ca *proxy.CA
	if cfg.Proxy.CACertPath != "" {
		if ca, err = proxy.LoadCA(cfg.Proxy.CACertPath, cfg.Proxy.CAKeyPath); err != nil {
			return nil, err
		}
		logger.Info("https interception enabled", "ca", ca.Cert.Subject.CommonName)
	} else {
		logger.Warn("no CA configured, CONNECT tunnels are relayed without capture")
	}

	a.proxy = proxy.NewServer(proxy.Options{
		CA:              ca,
		Sessions:        resolver,
		URLFilter:       gate.filter,
		LoginGuard:      gate.guard,
		Flows:           a.pipeline,
		MaxBodyBytes:    cfg.Proxy.MaxBodyBytes,
		UpstreamTimeout: cfg.Proxy.UpstreamTimeout,
		Logger:          logger,
	})

	a.admin = server.NewHandler(a.pipeline)
	a.admin.AddCheck("opensearch", search)
	if a.usageClient != nil {
		a.admin.AddCheck("redis", a.usageClient)
		collector := a.collector
		a.admin.AddStats("usage", func(context.Context) map[string]interface{} {
			pending := collector.Pending()
			out := make(map[string]interface{}, len(pending))
			for user, n := range pending {
				out[user] = n
			}
			return map[string]interface{}{"pending": out}
		})
	}
	if a.nats != nil {
		js := a.nats
		a.admin.AddCheck("nats", server.CheckerFunc(func(context.Context) error {
			if !js.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}))
		a.admin.AddStats("dlq", dlqStats)
	}
	a.admin.AddStats("sessions", func(context.Context) map[string]interface{} {
		return map[string]interface{}{"bound": resolver.Len(), "auth": cfg.Features.Auth}
	})

	ok = true
	return a, nil
}

// run serves until ctx is cancelled or a listener fails, then drains.
func (a *app) run(ctx context.Context) error {
	proxySrv := a.proxy.HTTPServer(a.cfg.Proxy.Listen)
	adminSrv := &http.Server{
		Addr:              a.cfg.Admin.Listen,
		Handler:           server.NewRouter(a.admin),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		a.logger.Info("listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("proxy", proxySrv)
	go serve("admin", adminSrv)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case runErr = <-errCh:
		a.logger.Error("server failed", logging.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := proxySrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("proxy shutdown", logging.Error(err))
	}
	if err := a.proxy.Wait(shutdownCtx); err != nil {
		a.logger.Warn("flows still in flight at shutdown", logging.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("admin shutdown", logging.Error(err))
	}

	stats := a.pipeline.Stats()
	a.logger.Info("stopped",
		"flows", stats.Flows,
		"documents", stats.Documents,
		"sink_failures", stats.SinkFailures,
	)
	return runErr
}

// close releases components in dependency order. Safe on a partial app.
func (a *app) close() {
	if a.collector != nil {
		a.collector.Stop()
		a.collector = nil
	}
	if a.usageClient != nil {
		if err := a.usageClient.Close(); err != nil {
			a.logger.Warn("redis close", logging.Error(err))
		}
		a.usageClient = nil
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			a.logger.Warn("archive close", logging.Error(err))
		}
		a.archive = nil
	}
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			a.logger.Warn("nats close", logging.Error(err))
		}
		a.nats = nil
	}
}
