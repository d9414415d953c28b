package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/calsync/caldavcore/internal/auth"
	"github.com/calsync/caldavcore/internal/caldav"
	"github.com/calsync/caldavcore/internal/config"
	"github.com/calsync/caldavcore/internal/notify"
	"github.com/calsync/caldavcore/internal/push"
	"github.com/calsync/caldavcore/internal/quirks"
	"github.com/calsync/caldavcore/internal/scheduler"
	"github.com/calsync/caldavcore/internal/store"
	"github.com/calsync/caldavcore/internal/syncengine"
	"github.com/calsync/caldavcore/internal/transport"
	"github.com/calsync/caldavcore/internal/web"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 30 * time.Second
	startupTimeout  = 30 * time.Second
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting caldavsyncd...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStartup()

	if err := cfg.Validate(startupCtx); err != nil {
		// Endpoint probes can fail transiently at boot; the scheduler
		// retries anyway.
		log.Printf("Configuration validation warning: %v", err)
	}

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	profile := quirks.ForURL(cfg.CalDAV.URL)
	if cfg.CalDAV.QuirkProfile != "" {
		profile = quirks.ByName(cfg.CalDAV.QuirkProfile)
	}
	log.Printf("Using quirk profile %q for %s", profile.Name, cfg.CalDAV.URL)

	transportOpts := transport.Options{
		Username: cfg.CalDAV.Username,
		Password: cfg.CalDAV.Password,
		RPS:      cfg.CalDAV.RPS,
		Burst:    cfg.CalDAV.Burst,
	}
	if cfg.CalDAV.Token != "" {
		transportOpts.TokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.CalDAV.Token})
	}
	httpClient, err := transport.New(profile, transportOpts)
	if err != nil {
		log.Fatalf("Failed to build transport: %v", err)
	}

	client, err := caldav.NewClient(cfg.CalDAV.URL, httpClient, profile)
	if err != nil {
		log.Fatalf("Failed to create CalDAV client: %v", err)
	}

	calendars := cfg.CalDAV.Calendars
	if len(calendars) == 0 {
		account, err := client.DiscoverAccount(startupCtx)
		if err != nil {
			log.Fatalf("Calendar discovery failed: %v", err)
		}
		for _, cal := range account.Calendars {
			calendars = append(calendars, cal.URL)
		}
		log.Printf("Discovered %d calendars under %s", len(calendars), account.HomeSetURL)
	}
	if len(calendars) == 0 {
		log.Fatalf("No calendars to sync")
	}

	tracker := store.NewActivityTracker()
	engine := syncengine.New(client, syncengine.Options{
		MaxParseRetries: cfg.Sync.MaxParseRetries,
		Observer:        tracker.UpdatePhase,
	})

	notifier, err := notify.New(notify.Config{
		WebhookURL:        cfg.Notify.WebhookURL,
		AllowPrivateHosts: cfg.IsDevelopment(),
	})
	if err != nil {
		log.Fatalf("Invalid alert configuration: %v", err)
	}
	if notifier.IsEnabled() {
		log.Printf("Alert notifications enabled (webhook)")
	}

	sched := scheduler.New(st, engine, tracker, notifier)
	interval := time.Duration(cfg.Sync.Interval) * time.Second
	for _, calURL := range calendars {
		pipeline := push.NewPipeline(client, st.Pending(calURL), st.Events(calURL))
		sched.Register(calURL, pipeline)
		sched.AddJob(calURL, interval)
	}
	sched.Start()

	var server *http.Server
	if cfg.Dashboard.Enabled {
		server = startDashboard(cfg, st, tracker, engine, sched, calendars)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	sched.Stop()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		}
	}

	log.Println("Stopped")
}

// startDashboard brings up the OIDC-guarded operator dashboard.
func startDashboard(cfg *config.Config, st *store.Store, tracker *store.ActivityTracker, engine *syncengine.Engine, sched *scheduler.Scheduler, calendars []string) *http.Server {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	authenticator, err := auth.NewAuthenticator(
		ctx,
		cfg.Dashboard.OIDCIssuer,
		cfg.Dashboard.OIDCClientID,
		cfg.Dashboard.OIDCClientSecret,
		cfg.Dashboard.OIDCRedirectURL,
		cfg.Dashboard.AllowedOperators,
	)
	if err != nil {
		log.Fatalf("Failed to initialize OIDC provider: %v", err)
	}

	sessions := auth.NewSessions(cfg.Dashboard.SessionSecret, cfg.IsProduction())
	handlers := web.NewHandlers(st, tracker, engine, sched, authenticator, sessions, calendars)

	router := gin.New()
	router.Use(gin.Recovery())
	web.SetupRoutes(router, handlers, sessions)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		log.Printf("Dashboard listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	return server
}
