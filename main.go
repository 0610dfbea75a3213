package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/skillnet/skillnet-agent/internal/audit"
	"github.com/skillnet/skillnet-agent/internal/auth"
	"github.com/skillnet/skillnet-agent/internal/backend"
	"github.com/skillnet/skillnet-agent/internal/cache"
	"github.com/skillnet/skillnet-agent/internal/config"
	"github.com/skillnet/skillnet-agent/internal/credential"
	"github.com/skillnet/skillnet-agent/internal/httpapi"
	"github.com/skillnet/skillnet-agent/internal/model"
	"github.com/skillnet/skillnet-agent/internal/notice"
	"github.com/skillnet/skillnet-agent/internal/observe"
	"github.com/skillnet/skillnet-agent/internal/server"
	"github.com/skillnet/skillnet-agent/internal/session"
)

// maximum number of entries held by each in-memory content cache
const contentCacheSize = 1_000

// agent bundles the collaborators the routes are built from.
type agent struct {
	gateway *auth.Gateway
	nav     *auth.RecordingNavigator
	client  *backend.Client
	session *session.Cache
	notices *notice.Board
}

func configureServerRoutes(a agent) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Image uploads get a larger allowance.
	requestLimiter := maxRequestSize(256 << 10) // 256 KB
	uploadLimiter := maxRequestSize(10 << 20)   // 10 MB

	auditor := audit.Middleware()
	sessionAudit := sessionAuditor(a.gateway, a.session, a.nav)

	routeMiddleware := alice.New(requestLimiter, auditor, sessionAudit)
	uploadMiddleware := alice.New(uploadLimiter, auditor, sessionAudit)
	standardRouteMiddleware := alice.New(requestLimiter)

	mux.Handle("POST /login", routeMiddleware.Then(handlePostLogin(a.gateway, a.session, a.nav, a.notices)))
	mux.Handle("POST /register", routeMiddleware.Then(handlePostRegister(a.gateway, a.notices)))
	mux.Handle("POST /logout", routeMiddleware.Then(handlePostLogout(a.gateway)))

	mux.Handle("GET /session", routeMiddleware.Then(handleGetSession(a.gateway, a.session, a.nav)))
	mux.Handle("POST /session/refresh", routeMiddleware.Then(handlePostSessionRefresh(a.gateway, a.session, a.nav)))

	mux.Handle("GET /profile/{username}", routeMiddleware.Then(handleGetProfile(a.client)))
	mux.Handle("PUT /profile", routeMiddleware.Then(handlePutProfile(a.client, a.session, a.notices)))

	mux.Handle("GET /subscriptions", routeMiddleware.Then(handleGetSubscriptions(a.client)))
	mux.Handle("POST /subscriptions/{username}", routeMiddleware.Then(handleSubscription(a.client, a.notices, true)))
	mux.Handle("DELETE /subscriptions/{username}", routeMiddleware.Then(handleSubscription(a.client, a.notices, false)))

	mux.Handle("POST /links", routeMiddleware.Then(handlePostLink(a.client, a.notices)))

	mux.Handle("GET /posts", routeMiddleware.Then(handleGetPosts(a.client)))
	mux.Handle("POST /posts", routeMiddleware.Then(handlePostPost(a.client, a.notices)))
	mux.Handle("POST /posts/images", uploadMiddleware.Then(handlePostImage(a.client, a.notices)))
	mux.Handle("POST /posts/content", routeMiddleware.Then(handlePostContent(a.client, a.notices)))
	mux.Handle("GET /posts/content/{name}", routeMiddleware.Then(handleGetContent(a.client)))

	mux.Handle("GET /skills", routeMiddleware.Then(handleGetSkills(a.client)))

	// notices are polled frequently and are not audited
	mux.Handle("GET /notices/{form}", standardRouteMiddleware.Then(handleGetNotice(a.notices)))
	mux.Handle("DELETE /notices/{form}", standardRouteMiddleware.Then(handleDeleteNotice(a.notices)))

	// healthchecks are not included in telemetry or auditing
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	log.Debug().Strs("routes", mux.Routes()).Msg("agent routes configured")

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	hooks := &server.ShutdownHooks{}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	a, err := assembleAgent(ctx, cfg, hooks)
	if err != nil {
		hooks.Execute(ctx)
		_ = shutdownTelemetry(ctx)
		return err
	}

	// telemetry is flushed last so that the other hooks are still traced
	hooks.AddContext("telemetry", shutdownTelemetry)

	handler := configureServerRoutes(a)

	go session.PeriodicRefresh(
		ctx,
		a.session,
		time.Duration(cfg.Session.RefreshIntervalSeconds)*time.Second,
		a.gateway.IsAuthenticated,
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	err = server.ListenAndServe(ctx, srv, time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// assembleAgent builds the session components from configuration, registering
// the resources that need releasing with hooks.
func assembleAgent(ctx context.Context, cfg config.Config, hooks *server.ShutdownHooks) (agent, error) {
	store, err := credential.NewFromConfig(ctx, cfg.Credential)
	if err != nil {
		return agent{}, fmt.Errorf("credential store configuration failed: %w", err)
	}
	hooks.AddClose("credential-store", store)

	api, err := httpapi.New(cfg.Backend.URL, &http.Client{
		Transport: http.DefaultTransport,
		Timeout:   time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return agent{}, fmt.Errorf("backend configuration failed: %w", err)
	}

	nav := auth.NewRecordingNavigator()
	gateway, err := auth.New(api, store, nav)
	if err != nil {
		return agent{}, fmt.Errorf("auth gateway configuration failed: %w", err)
	}

	ttl := time.Duration(cfg.Backend.ContentCacheSeconds) * time.Second

	content, err := cache.NewFromConfig[string](ctx, cfg.Backend.ContentCacheType, cfg.Credential.Redis, "content", ttl, contentCacheSize)
	if err != nil {
		return agent{}, fmt.Errorf("content cache configuration failed: %w", err)
	}
	hooks.AddClose("content-cache", content)

	profiles, err := cache.NewFromConfig[model.User](ctx, cfg.Backend.ContentCacheType, cfg.Credential.Redis, "profiles", ttl, contentCacheSize)
	if err != nil {
		return agent{}, fmt.Errorf("profile cache configuration failed: %w", err)
	}
	hooks.AddClose("profile-cache", profiles)

	notices, err := notice.NewBoard(notice.Lifetime)
	if err != nil {
		return agent{}, fmt.Errorf("notice board configuration failed: %w", err)
	}

	client := backend.New(api, gateway, content, profiles)
	sessionCache := session.New(client, cfg.Session.EventsNextDays, cfg.Session.EventsLimit)

	// the derived data belongs to the session that produced it
	gateway.OnSessionEnded(func(err error) {
		sessionCache.Clear()
	})

	return agent{
		gateway: gateway,
		nav:     nav,
		client:  client,
		session: sessionCache,
		notices: notices,
	}, nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
