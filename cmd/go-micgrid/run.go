package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/teslashibe/go-micgrid/internal/adc"
	"github.com/teslashibe/go-micgrid/internal/button"
	"github.com/teslashibe/go-micgrid/internal/cloud"
	"github.com/teslashibe/go-micgrid/internal/config"
	"github.com/teslashibe/go-micgrid/internal/health"
	"github.com/teslashibe/go-micgrid/internal/locate"
	"github.com/teslashibe/go-micgrid/internal/metrics"
	"github.com/teslashibe/go-micgrid/internal/mic"
	"github.com/teslashibe/go-micgrid/internal/peak"
	"github.com/teslashibe/go-micgrid/internal/position"
	"github.com/teslashibe/go-micgrid/internal/server"
	"github.com/teslashibe/go-micgrid/internal/sink"
)

// run wires the pipeline and blocks until SIGINT or SIGTERM
func run(cfg *config.Config, configPath string) error {
	logger := setupLogger(cfg.Logging)

	logger.Info("starting go-micgrid",
		"version", version,
		"config", configPath,
		"port", cfg.Server.Port,
	)

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return err
	}

	// Initialize the analog device
	device, err := adc.NewDevice(deviceConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer device.Close()

	sources, err := adc.BindPins(device, pins(cfg.Source.Pins))
	if err != nil {
		return err
	}

	logger.Info("source ready",
		"type", device.Name(),
		"healthy", device.Healthy(),
	)

	array := mic.NewArray(sources, mic.ChannelConfig{
		WindowSize: cfg.Sampling.WindowSize,
		Midpoint:   cfg.Sampling.Midpoint,
		MaxRaw:     cfg.Sampling.MaxRaw(),
	})
	detector := peak.NewDetector(peak.Config{
		Threshold:  cfg.Detector.Threshold,
		StuckAfter: cfg.Detector.StuckAfter,
	})

	checker := health.NewChecker(version)

	// Sinks
	sinks, closers, uplink := buildSinks(ctx, cfg.Sinks, checker, logger)
	defer func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}()

	dispatcher := sink.NewDispatcher(sink.DispatcherConfig{
		QueueSize:   cfg.Sinks.QueueSize,
		SendTimeout: cfg.Sinks.SendTimeout,
	}, logger, sinks...)
	dispatcher.SetRecorder(m)

	session := locate.NewSession(array, detector, position.NewEstimator(), dispatcher, locate.Config{
		PollInterval: cfg.Sampling.PollInterval,
		HistorySize:  cfg.Sampling.HistorySize,
	}, logger)
	session.SetRecorder(m)

	var monitor *button.Monitor
	if cfg.Button.Enabled {
		monitor = button.NewMonitor(dispatcher, button.Config{QueueSize: cfg.Button.QueueSize}, logger)
		if err := m.RegisterButton(monitor); err != nil {
			return err
		}
	}

	checker.Register("source", func() (bool, string) {
		return device.Healthy(), device.Name()
	})
	checker.Register("detector", func() (bool, string) {
		stats := session.Stats()
		if stats.Stuck {
			return false, fmt.Sprintf("latch stuck in %s for %dms", stats.State, stats.TimeInStateMs)
		}
		return true, stats.State.String()
	})
	checker.Register("sinks", func() (bool, string) {
		stats := dispatcher.Stats()
		return stats.Queued < cfg.Sinks.QueueSize, fmt.Sprintf("%d sinks, %d queued", stats.Sinks, stats.Queued)
	})
	if uplink != nil {
		checker.Register("cloud", func() (bool, string) {
			if uplink.IsConnected() {
				return true, "connected"
			}
			return false, "disconnected"
		})
	}

	srv := server.New(cfg, session, server.Options{
		Health:     checker,
		Button:     monitor,
		Dispatcher: dispatcher,
		Gatherer:   registry,
	}, logger, version)

	if uplink != nil {
		uplink.OnStatsRequest(func() any {
			return session.Stats()
		})
	}

	go dispatcher.Run(ctx)

	go func() {
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session error", "error", err)
		}
	}()

	if monitor != nil {
		go func() {
			if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("button monitor error", "error", err)
			}
		}()
	}

	// Start WebSocket hub in background
	go srv.WSHub().Run(ctx)

	// Start server in background
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	printStartupBanner(cfg, device.Name())

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.GracefulTimeout,
	)
	defer shutdownCancel()

	// Stop in order: server -> session -> sinks -> device
	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	logger.Info("stopping session...")
	session.Stop()
	cancel()

	logger.Info("go-micgrid stopped")
	return nil
}

func deviceConfig(cfg *config.Config) adc.Config {
	mock := adc.DefaultMockConfig()
	mock.Midpoint = cfg.Sampling.Midpoint
	mock.ClapEvery = cfg.Source.Mock.ClapEvery
	mock.ClapAmplitude = cfg.Source.Mock.ClapAmplitude
	mock.Noise = cfg.Source.Mock.Noise
	mock.Seed = cfg.Source.Mock.Seed

	return adc.Config{
		Kind:     adc.Kind(cfg.Source.Kind),
		Bits:     cfg.Sampling.ADCBits,
		Fallback: cfg.Source.Fallback,
		WAVPath:  cfg.Source.WAVPath,
		Loop:     cfg.Source.Loop,
		USB: adc.USBConfig{
			VendorID:             cfg.Source.USB.VendorID,
			ProductID:            cfg.Source.USB.ProductID,
			MaxConsecutiveErrors: cfg.Source.USB.MaxErrors,
			InitialBackoff:       cfg.Source.USB.InitialBackoff,
			MaxBackoff:           cfg.Source.USB.MaxBackoff,
		},
		Mock: mock,
	}
}

func pins(p config.PinsConfig) [mic.NumChannels]int {
	return [mic.NumChannels]int{p.TopLeft, p.TopRight, p.BottomLeft, p.BottomRight}
}

func kinds(names []string) []sink.Kind {
	out := make([]sink.Kind, 0, len(names))
	for _, n := range names {
		out = append(out, sink.Kind(n))
	}
	return out
}

// buildSinks creates every enabled sink. A transport that fails to come up
// is logged, marked unhealthy and skipped; reports still reach the others.
func buildSinks(ctx context.Context, cfg config.SinksConfig, checker *health.Checker, logger *slog.Logger) ([]sink.Sink, []func(), *cloud.Client) {
	var (
		sinks   []sink.Sink
		closers []func()
		uplink  *cloud.Client
	)

	if cfg.Log {
		sinks = append(sinks, sink.NewLogSink(logger))
	}

	if cfg.MQTT.Enabled {
		mqttCfg := sink.DefaultMQTTConfig()
		mqttCfg.Broker = cfg.MQTT.Broker
		mqttCfg.ClientID = cfg.MQTT.ClientID
		mqttCfg.Username = cfg.MQTT.Username
		mqttCfg.Password = cfg.MQTT.Password
		mqttCfg.Topic = cfg.MQTT.Topic
		mqttCfg.QoS = cfg.MQTT.QoS
		mqttCfg.Retain = cfg.MQTT.Retain
		mqttCfg.Kinds = kinds(cfg.MQTT.Kinds)

		mq := sink.NewMQTTSink(mqttCfg, logger)
		if err := mq.Connect(ctx); err != nil {
			// paho keeps retrying in the background
			logger.Warn("mqtt not connected yet", "broker", mqttCfg.Broker, "error", err)
		}
		sinks = append(sinks, mq)
		closers = append(closers, mq.Close)
	}

	if cfg.Notify.Enabled {
		notify, err := sink.NewNotifySink(sink.NotifyConfig{
			URLs:    cfg.Notify.URLs,
			Timeout: cfg.Notify.Timeout,
			Kinds:   kinds(cfg.Notify.Kinds),
		}, logger)
		if err != nil {
			logger.Warn("notifications disabled", "error", err)
			checker.SetComponent("notify", false, err.Error())
		} else {
			sinks = append(sinks, notify)
			checker.SetComponent("notify", true, fmt.Sprintf("%d services", len(cfg.Notify.URLs)))
		}
	}

	if cfg.Cloud.Enabled {
		cloudCfg := cloud.DefaultConfig()
		cloudCfg.URL = cfg.Cloud.URL
		if cfg.Cloud.DeviceID != "" {
			cloudCfg.DeviceID = cfg.Cloud.DeviceID
		}
		if cfg.Cloud.ReconnectBackoff > 0 {
			cloudCfg.ReconnectBackoff = cfg.Cloud.ReconnectBackoff
		}
		if cfg.Cloud.MaxBackoff > 0 {
			cloudCfg.MaxBackoff = cfg.Cloud.MaxBackoff
		}
		if cfg.Cloud.PingInterval > 0 {
			cloudCfg.PingInterval = cfg.Cloud.PingInterval
		}
		if cfg.Cloud.WriteTimeout > 0 {
			cloudCfg.WriteTimeout = cfg.Cloud.WriteTimeout
		}

		uplink = cloud.NewClient(cloudCfg, logger)
		if err := uplink.Connect(ctx); err != nil {
			logger.Warn("cloud uplink disabled", "error", err)
			checker.SetComponent("cloud", false, err.Error())
			uplink = nil
		} else {
			sinks = append(sinks, uplink)
			closers = append(closers, func() { uplink.Close() })
		}
	}

	return sinks, closers, uplink
}
