// Package main is the entry point for the FoxESS PVOutput gateway.
// It initializes all components and manages the application lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/06benste/FoxEss-PVOutput/internal/adapter/config"
	"github.com/06benste/FoxEss-PVOutput/internal/adapter/modbus"
	"github.com/06benste/FoxEss-PVOutput/internal/adapter/mqtt"
	"github.com/06benste/FoxEss-PVOutput/internal/adapter/pvoutput"
	"github.com/06benste/FoxEss-PVOutput/internal/api"
	"github.com/06benste/FoxEss-PVOutput/internal/health"
	"github.com/06benste/FoxEss-PVOutput/internal/metrics"
	"github.com/06benste/FoxEss-PVOutput/internal/service"
	"github.com/06benste/FoxEss-PVOutput/pkg/logging"
	"github.com/rs/zerolog"
)

const (
	serviceName    = "pvoutput-gateway"
	serviceVersion = "1.0.0"
)

func main() {
	bootLogger := logging.New(serviceName, serviceVersion)

	cfg, err := config.LoadFile(os.Getenv("PVGW_CONFIG_FILE"))
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger, logCloser := logging.NewWithConfig(serviceName, serviceVersion, logging.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	defer logCloser.Close()
	logger = logging.WithInverterContext(logger, cfg.Inverter.Address(), cfg.Inverter.Profile)
	logger.Info().Str("env", cfg.Environment).Msg("Starting PVOutput gateway")

	registers, err := config.LoadProfile(cfg.Inverter.ProfilesPath, cfg.Inverter.Profile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.Inverter.ProfilesPath).Msg("Failed to load inverter profile")
	}
	logger.Info().
		Int("entries", registers.Len()).
		Int("raw", len(registers.Raw())).
		Int("derived", len(registers.Derived())).
		Msg("Inverter profile loaded")

	metricsRegistry := metrics.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// =============================================================
	// Inverter link
	// =============================================================

	transport, err := newTransport(cfg.Inverter, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Modbus transport")
	}

	poller := modbus.NewPoller(transport, modbus.PollerConfig{
		UnitID:           byte(cfg.Inverter.UnitID),
		ProbeAddress:     uint16(cfg.Inverter.ProbeAddress),
		RequestDelay:     cfg.Inverter.RequestDelay,
		FailureThreshold: cfg.Inverter.FailureThreshold,
	}, logger, metricsRegistry)

	assembler := service.NewAssembler(registers, poller, logger)

	// =============================================================
	// Sinks
	// =============================================================

	var uploader *pvoutput.Uploader
	var sessionUploader service.Uploader
	var uploadProvider api.UploadProvider
	if cfg.PVOutput.Enabled {
		uploader, err = pvoutput.New(pvoutput.Config{
			URL:             cfg.PVOutput.URL,
			APIKey:          cfg.PVOutput.APIKey,
			SystemID:        cfg.PVOutput.SystemID,
			Timeout:         cfg.PVOutput.Timeout,
			BreakerFailures: cfg.PVOutput.BreakerFailures,
			BreakerTimeout:  cfg.PVOutput.BreakerTimeout,
		}, logger, metricsRegistry)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create PVOutput uploader")
		}
		if !uploader.Configured() {
			logger.Warn().Msg("PVOutput API key or system id missing, uploads will be skipped")
		}
		sessionUploader = uploader
		uploadProvider = uploader
	}

	var sinks []service.SampleSink
	var mqttPublisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		mqttPublisher = mqtt.NewPublisher(mqtt.Config{
			BrokerURL:      cfg.MQTT.BrokerURL,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            cfg.MQTT.QoS,
			Retain:         cfg.MQTT.Retain,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			ReconnectDelay: cfg.MQTT.ReconnectDelay,
		}, logger, metricsRegistry)

		// The broker being down at startup is not fatal; messages are
		// buffered until the client reconnects.
		if err := mqttPublisher.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to connect to MQTT broker")
		}
		defer mqttPublisher.Disconnect()

		sinks = append(sinks, mqttPublisher)
		if uploader != nil {
			uploader.Subscribe(mqttPublisher.OnUpload)
		}
	}

	// =============================================================
	// Polling session
	// =============================================================

	session := service.NewSession(service.SessionConfig{
		Interval:     cfg.Polling.Interval,
		CycleTimeout: cfg.Polling.CycleTimeout,
	}, assembler, poller, sessionUploader, logger, metricsRegistry, sinks...)

	if err := session.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start polling session")
	}

	// =============================================================
	// Health checks and HTTP server
	// =============================================================

	healthChecker := health.NewChecker(health.Config{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	})
	healthChecker.AddCheck("inverter", poller)
	healthChecker.AddCheck("session", session)
	if uploader != nil {
		healthChecker.AddOptionalCheck("pvoutput", uploader)
	}
	if mqttPublisher != nil {
		healthChecker.AddOptionalCheck("mqtt", mqttPublisher)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthChecker.HealthHandler)
	mux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	mux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	mux.Handle("/metrics", metricsRegistry.Handler())

	apiHandler := api.NewAPIHandler(
		cfg.Inverter.Profile,
		session,
		poller,
		uploadProvider,
		registers.Closure(pvoutput.ReportedKeys()),
		logger,
	)
	apiHandler.Register(mux, api.NewMiddleware(api.MiddlewareConfig{
		APIKey:         cfg.HTTP.APIKey,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, logger))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info().Int("port", cfg.HTTP.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	logger.Info().
		Dur("interval", cfg.Polling.Interval).
		Str("driver", cfg.Inverter.Driver).
		Bool("pvoutput", uploader != nil).
		Bool("mqtt", mqttPublisher != nil).
		Int("http_port", cfg.HTTP.Port).
		Msg("PVOutput gateway started successfully")

	// =============================================================
	// Shutdown handling
	// =============================================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Polling.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error shutting down HTTP server")
	}

	// Stops the schedule, waits for in-flight uploads and closes the
	// inverter connection.
	if err := session.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping polling session")
	}

	logger.Info().Msg("PVOutput gateway shutdown complete")
}

// newTransport builds the Modbus transport for the configured driver.
func newTransport(cfg config.InverterConfig, logger zerolog.Logger) (modbus.Transport, error) {
	shapes, err := modbus.ParseCallShapes(cfg.CallShapes)
	if err != nil {
		return nil, err
	}
	tc := modbus.TransportConfig{
		Address:      cfg.Address(),
		UnitID:       byte(cfg.TransportUnitID),
		Timeout:      cfg.Timeout,
		ConnectDelay: cfg.ConnectDelay,
		Shapes:       shapes,
	}

	switch cfg.Driver {
	case config.DriverSimonvetter:
		return modbus.NewSimonvetterTransport(tc, logger)
	case config.DriverGoburrow:
		return modbus.NewTCPTransport(tc, logger)
	default:
		return nil, fmt.Errorf("unknown inverter driver %q", cfg.Driver)
	}
}
