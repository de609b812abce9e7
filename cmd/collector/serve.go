package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/srg/blecollector/internal/batch"
	"github.com/srg/blecollector/internal/cache"
	"github.com/srg/blecollector/internal/config"
	"github.com/srg/blecollector/internal/device"
	"github.com/srg/blecollector/internal/groutine"
	"github.com/srg/blecollector/internal/httpapi"
	"github.com/srg/blecollector/internal/publish"
	"github.com/srg/blecollector/internal/scheduler"
	"github.com/srg/blecollector/internal/syncutil"
)

// serveFlags mirrors spec.md §6's CLI surface one field per flag.
type serveFlags struct {
	configPath string
	listenAddr string

	eventThrottling              time.Duration
	eventThrottlingSamples       int
	eventThrottlingThresh        float64
	peripheralCacheTTL           time.Duration
	defaultReadTimeout           time.Duration
	defaultWriteTimeout          time.Duration
	defaultMultiBatchParallelism int
	defaultBatchParallelism      int
	serviceDiscoveryParallelism  int
	peripheralConnectTimeout     time.Duration
	metricsIdleTimeout           time.Duration
	notificationStreamTimeout    time.Duration

	mqttAddress   string
	mqttUsername  string
	mqttPassword  string
	mqttID        string
	mqttKeepalive time.Duration
	mqttCap       int
}

var flags serveFlags

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collector service",
	Long: `serve loads a peripheral configuration, opens the local BLE adapter,
and runs the discovery/connect/publish pipeline until interrupted, while
serving the HTTP introspection and batch-I/O surface on --listen-address.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "Path to the peripherals YAML configuration (required)")
	f.StringVar(&flags.listenAddr, "listen-address", "127.0.0.1:8000", "HTTP listen address")

	f.DurationVar(&flags.eventThrottling, "event-throttling", 30*time.Second, "Discovery debounce window")
	f.IntVar(&flags.eventThrottlingSamples, "event-throttling-purge-samples", 100, "Max entries evicted per debounce purge pass")
	f.Float64Var(&flags.eventThrottlingThresh, "event-throttling-purge-threshold", 0.25, "Probability of running a debounce purge pass on a given call")
	f.DurationVar(&flags.peripheralCacheTTL, "peripheral-cache-ttl", 60*time.Second, "Peripheral handle cache TTL")
	f.DurationVar(&flags.defaultReadTimeout, "default-read-timeout", 5*time.Second, "Default characteristic read timeout")
	f.DurationVar(&flags.defaultWriteTimeout, "default-write-timeout", 5*time.Second, "Default characteristic write timeout")
	f.IntVar(&flags.defaultMultiBatchParallelism, "default-multi-batch-parallelism", 1, "Default cross-batch parallelism")
	f.IntVar(&flags.defaultBatchParallelism, "default-batch-parallelism", 1, "Default within-batch parallelism")
	f.IntVar(&flags.serviceDiscoveryParallelism, "service-discovery-parallelism", 4, "Bounded parallelism for cache repopulation's service discovery")
	f.DurationVar(&flags.peripheralConnectTimeout, "peripheral-connect-timeout", 30*time.Second, "Peripheral connect timeout")
	f.DurationVar(&flags.metricsIdleTimeout, "metrics-idle-timeout", 5*time.Minute, "Idle window after which a characteristic's metric is unregistered")
	f.DurationVar(&flags.notificationStreamTimeout, "notification-stream-read-timeout", 5*time.Minute, "Liveness timeout for the adapter's central-event stream")

	f.StringVar(&flags.mqttAddress, "mqtt-address", "", "MQTT broker address (host:port); omit to disable MQTT publishing")
	f.StringVar(&flags.mqttUsername, "mqtt-username", "", "MQTT username (required with --mqtt-password)")
	f.StringVar(&flags.mqttPassword, "mqtt-password", "", "MQTT password (required with --mqtt-username)")
	f.StringVar(&flags.mqttID, "mqtt-id", "ble-collector", "MQTT client id")
	f.DurationVar(&flags.mqttKeepalive, "mqtt-keepalive", 10*time.Second, "MQTT keepalive interval")
	f.IntVar(&flags.mqttCap, "mqtt-cap", 1000, "MQTT publisher's fan-out subscriber channel depth")

	_ = serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	if (flags.mqttUsername == "") != (flags.mqttPassword == "") {
		return fmt.Errorf("--mqtt-username and --mqtt-password must be given together")
	}

	matcher, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	schedulerMetrics := scheduler.NewMetrics(registry)

	// spec.md §6 names no flag for selecting which local radios to open;
	// this implementation opens the single default platform adapter, the
	// common single-host-radio deployment the teacher's pkg/ble/scanner.go
	// also assumes. Multi-adapter support is fully modeled in
	// internal/scheduler.AdapterManager for a future CLI surface.
	const adapterID = "hci0"
	adapter, err := device.NewGoBLEAdapter(adapterID, logger)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	peripheralCache := cache.New(flags.peripheralCacheTTL, flags.serviceDiscoveryParallelism, logger)
	cacheSweeper := peripheralCache.StartSweeper(ctx)
	connectLock := syncutil.NewKeyedLock[string]()

	bus := syncutil.NewFanOut[publish.CollectorEvent]()
	apiEvents := bus.Subscribe(256)
	metricEvents := bus.Subscribe(256)

	apiPublisher := publish.NewAPIPublisher()
	metricPublisher := publish.NewMetricPublisher(registry, flags.metricsIdleTimeout, logger)

	handles := []*groutine.Handle{cacheSweeper}
	handles = append(handles, apiPublisher.Run(ctx, apiEvents))
	handles = append(handles, metricPublisher.Run(ctx, metricEvents))

	if flags.mqttAddress != "" {
		mqttEvents := bus.Subscribe(flags.mqttCap)
		interpolator := publish.NewInterpolator()
		defer interpolator.Close()

		opts := mqtt.NewClientOptions().
			AddBroker(fmt.Sprintf("tcp://%s", flags.mqttAddress)).
			SetClientID(flags.mqttID).
			SetKeepAlive(flags.mqttKeepalive).
			SetAutoReconnect(true)
		if flags.mqttUsername != "" {
			opts.SetUsername(flags.mqttUsername)
			opts.SetPassword(flags.mqttPassword)
		}

		mqttPublisher, err := publish.NewMQTTPublisher(opts, interpolator, logger)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		handles = append(handles, mqttPublisher.Run(ctx, mqttEvents))
	}

	schedulerOpts := scheduler.Options{
		ConnectTimeout:                flags.peripheralConnectTimeout,
		ReadTimeout:                   flags.defaultReadTimeout,
		DiscoveryDebounce:             flags.eventThrottling,
		PurgeProbability:              flags.eventThrottlingThresh,
		PurgeMaxEvicted:               flags.eventThrottlingSamples,
		ConnectConcurrency:            flags.serviceDiscoveryParallelism,
		NotificationStreamReadTimeout: flags.notificationStreamTimeout,
	}

	adapterManager := scheduler.NewAdapterManager()
	adapterManager.AddAdapter(adapter, matcher, peripheralCache, connectLock, bus, schedulerOpts, schedulerMetrics, logger)

	executor := batch.New(peripheralCache, connectLock, batch.Options{
		ConnectTimeout:               flags.peripheralConnectTimeout,
		DefaultReadTimeout:           flags.defaultReadTimeout,
		DefaultWriteTimeout:          flags.defaultWriteTimeout,
		DefaultMultiBatchParallelism: flags.defaultMultiBatchParallelism,
		DefaultBatchParallelism:      flags.defaultBatchParallelism,
	})

	lookup := func(id string) (device.Adapter, bool) {
		a, ok := adapterManager.Adapters()[id]
		return a, ok
	}
	server := httpapi.New(apiPublisher, matcher, executor, lookup, registry, logger)

	httpServer := &http.Server{Addr: flags.listenAddr, Handler: server}
	go func() {
		logger.WithField("address", flags.listenAddr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithField("error", err).Error("http server stopped")
		}
	}()

	runErr := adapterManager.RunAll(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	bus.Close()
	for _, h := range handles {
		h.Abort()
	}

	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}
