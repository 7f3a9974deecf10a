package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/api"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/config"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/correlation"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/index"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/ingest"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/notify"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/services"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/storage"
	"github.com/timeplus-io/tp-threat-sentinel/pkg/timeplus"
)

// @title Timeplus Threat Sentinel API
// @version 1.0
// @description API for security event ingestion, correlation and incident management
// @BasePath /api

func main() {
	// Configure Log Level from Environment Variable
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
	logrus.Infof("Log level set to: %s", logrus.GetLevel().String())

	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence and in-memory state
	store, err := storage.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		logrus.Fatalf("Failed to open data dir: %v", err)
	}

	idx, err := index.NewIndex(cfg.Index.CapacityPerType, cfg.Index.DedupCacheSize,
		index.WithContentDedupWindow(time.Duration(cfg.Index.ContentDedupSeconds)*time.Second))
	if err != nil {
		logrus.Fatalf("Failed to create event index: %v", err)
	}

	ruleService, err := services.NewRuleService(store)
	if err != nil {
		logrus.Fatalf("Failed to create rule service: %v", err)
	}

	incidentService, err := services.NewIncidentService(store, cfg.Incidents.MaxIncidents)
	if err != nil {
		logrus.Fatalf("Failed to create incident service: %v", err)
	}

	engine := correlation.NewEngine(correlation.Config{
		Window:            time.Duration(cfg.Correlation.WindowSeconds) * time.Second,
		Interval:          time.Duration(cfg.Correlation.IntervalSeconds) * time.Second,
		MassFileThreshold: cfg.Correlation.MassFileThreshold,
		Throttle:          time.Duration(cfg.Correlation.ThrottleMinutes) * time.Minute,
	}, idx, incidentService)

	pipeline := services.NewPipeline(idx, ruleService, incidentService, engine)

	// Notification dispatch
	minSeverity := models.Severity(strings.ToLower(cfg.Notify.MinSeverity))
	if minSeverity != "" && !minSeverity.Valid() {
		logrus.Warnf("Unknown notify.minSeverity %q, notifying on every incident", cfg.Notify.MinSeverity)
		minSeverity = ""
	}
	dispatcher := notify.NewDispatcher(incidentService, cfg.Notify.BufferSize)
	dispatcher.Register(notify.LogSender{}, minSeverity)

	var tpClient *timeplus.Client
	if cfg.Timeplus.Enabled {
		tpClient, err = timeplus.NewClient(ctx, &cfg.Timeplus)
		if err != nil {
			logrus.Errorf("Timeplus archive disabled: %v", err)
		} else {
			archive := timeplus.NewArchive(tpClient)
			if err := archive.EnsureStream(ctx); err != nil {
				logrus.Warnf("Failed to set up incident archive stream: %v", err)
			}
			// every change is archived, not only those above minSeverity
			dispatcher.Register(notify.NewArchiveSender(archive, notify.BreakerSettings{}), "")
			logrus.Infof("Archiving incidents to Timeplus at %s", cfg.Timeplus.Address)
		}
	}

	// Event log tailer
	var tailer *ingest.Tailer
	if cfg.Ingest.LogPath != "" {
		tailer, err = ingest.NewTailer(ingest.TailerConfig{
			Path:            cfg.Ingest.LogPath,
			PollInterval:    time.Duration(cfg.Ingest.PollIntervalMs) * time.Millisecond,
			EventsPerSecond: cfg.Ingest.EventsPerSecond,
			Burst:           cfg.Ingest.Burst,
			FromStart:       cfg.Ingest.FromStart,
		}, func(event models.Event) {
			pipeline.Handle(event)
		})
		if err != nil {
			logrus.Fatalf("Failed to create event log tailer: %v", err)
		}
	} else {
		logrus.Info("No ingest.logPath configured, accepting events over HTTP only")
	}

	// Websocket hub
	hub := api.NewHub(splitOrigins(cfg.Server.AllowedOrigins))
	notices, unsubscribe := incidentService.Subscribe("websocket", cfg.Notify.BufferSize)

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			logrus.Debugf("%s exited", name)
		}()
	}
	run("correlation engine", func() { engine.Run(ctx) })
	run("dispatcher", func() { dispatcher.Run(ctx) })
	run("websocket hub", func() { hub.Run(ctx) })
	run("websocket forwarder", func() { hub.Forward(ctx, notices) })
	if tailer != nil {
		run("tailer", func() {
			if err := tailer.Run(ctx); err != nil {
				logrus.Errorf("Event log tailer stopped: %v", err)
			}
		})
	}

	// Set up the Echo server
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: splitOrigins(cfg.Server.AllowedOrigins),
	}))

	apiHandler := api.NewAPIHandler(ruleService, incidentService, pipeline, idx, engine, hub)
	apiHandler.SetupRoutes(e)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/swagger/*", echo.WrapHandler(httpSwagger.Handler()))
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"events":    idx.TotalCount(),
			"incidents": incidentService.Counts(),
			"wsClients": hub.ClientCount(),
		})
	})

	// Use PORT environment variable if available, otherwise use config
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.Server.Port
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", port),
		Handler:     e,
		ReadTimeout: 15 * time.Second,
		// websocket connections outlive a write timeout
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logrus.Infof("Starting server on port %s", port)
		if err := e.StartServer(server); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}

	unsubscribe()
	wg.Wait()

	if tpClient != nil {
		if err := tpClient.Close(); err != nil {
			logrus.Warnf("Failed to close Timeplus client: %v", err)
		}
	}

	logrus.Info("Server exited properly")
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return origins
}
