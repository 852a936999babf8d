// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/ramrod/internal/command"
	"firestige.xyz/ramrod/internal/config"
	"firestige.xyz/ramrod/internal/eventbus"
	"firestige.xyz/ramrod/internal/hw"
	logpkg "firestige.xyz/ramrod/internal/log"
	"firestige.xyz/ramrod/internal/metrics"
	"firestige.xyz/ramrod/internal/nic"
	"firestige.xyz/ramrod/internal/sp"
)

// unloadTimeout bounds the teardown of the function on shutdown.
const unloadTimeout = 30 * time.Second

// Daemon manages the ramrod daemon process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Device
	firmware *hw.Firmware
	bus      *eventbus.CompletionBus
	adapter  *nic.Adapter

	// Control plane
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	kafkaConsumer *command.KafkaCommandConsumer // nil if command channel disabled
	metricsServer *metrics.Server               // nil if metrics disabled

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	group        *errgroup.Group
	groupCtx     context.Context
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New creates a new Daemon instance. Empty socketPath or pidFile fall back
// to the control section of the configuration.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	globalConfig, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = globalConfig.Control.Socket
	}
	if pidFile == "" {
		pidFile = globalConfig.Control.PIDFile
	}

	d := &Daemon{
		config:       globalConfig,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start initializes all components, loads the function and starts the
// control plane.
func (d *Daemon) Start() error {
	slog.Info("starting ramrod daemon",
		"version", command.Version,
		"hostname", d.config.Node.Hostname,
		"config", d.configPath,
		"socket", d.socketPath,
	)

	// 1. Initialize logging system
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Device, completion bus and adapter
	if err := d.initDevice(); err != nil {
		return fmt.Errorf("failed to initialize device: %w", err)
	}

	// 5. Bring the function up and replay the snapshot
	if err := d.adapter.Load(d.ctx); err != nil {
		return fmt.Errorf("failed to load function %d: %w", d.config.Device.FuncID, err)
	}

	// 6. Command handler
	d.cmdHandler = command.NewCommandHandler(d.adapter, d.firmware, d)
	d.cmdHandler.SetShutdownFunc(d.TriggerShutdown)

	// 7. Control plane servers share one errgroup; the first to fail ends Run.
	d.group, d.groupCtx = errgroup.WithContext(d.ctx)

	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	d.group.Go(func() error {
		return ignoreCanceled(d.udsServer.Start(d.groupCtx))
	})

	// 8. Kafka command consumer (if enabled)
	if d.config.CommandChannel.Enabled && d.config.CommandChannel.Type == "kafka" {
		if err := d.startKafkaConsumer(); err != nil {
			// Non-fatal: daemon can still run with UDS-only control
			slog.Error("failed to start kafka consumer", "error", err)
		}
	}

	slog.Info("daemon started successfully", "func_id", d.config.Device.FuncID, "chip", d.config.Device.Chip)
	return nil
}

func (d *Daemon) initDevice() error {
	dev := d.config.Device
	d.firmware = hw.New(hw.Config{
		Mode:            hw.Mode(dev.Firmware.Mode),
		CompletionDelay: dev.Firmware.CompletionDelay,
		QueueSize:       dev.Firmware.QueueSize,
	}, slog.Default())

	d.bus = eventbus.NewCompletionBus(eventbus.NewInMemoryEventBus(dev.EventBus.Partitions, dev.EventBus.QueueSize, slog.Default()))
	d.firmware.OnCompletion(d.publishCompletion)

	var store nic.Store
	if d.config.Snapshot.Enabled {
		fs, err := nic.NewFileStore(d.config.Snapshot.Dir)
		if err != nil {
			slog.Warn("failed to initialise snapshot store, persistence disabled",
				"dir", d.config.Snapshot.Dir, "error", err)
		} else {
			store = fs
		}
	}

	adapter, err := nic.New(dev, d.firmware, sp.NewLoadTracker(), store, nic.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	d.adapter = adapter

	if err := d.bus.SubscribeCompletions(func(ev sp.Event) error {
		return d.adapter.HandleEvent(d.ctx, ev)
	}); err != nil {
		return fmt.Errorf("subscribe completions: %w", err)
	}
	d.firmware.Start(d.ctx)
	return nil
}

// publishCompletion hands a firmware completion to the bus. A dropped
// completion leaves its object pending until the function is recovered.
func (d *Daemon) publishCompletion(ev sp.Event) {
	if err := d.bus.PublishCompletion(ev); err != nil {
		metrics.EventBusDroppedTotal.WithLabelValues(ev.Opcode.String()).Inc()
		slog.Error("completion dropped, run nic_recover to resync the device",
			"opcode", ev.Opcode, "cid", ev.CID, "echo", ev.Echo, "error", err)
	}
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	slog.Info("initiating graceful shutdown")
	var errs error

	// 1. Stop Kafka command consumer first (no new commands)
	if d.kafkaConsumer != nil {
		slog.Info("stopping kafka command consumer")
		errs = multierr.Append(errs, d.kafkaConsumer.Stop())
	}

	// 2. Stop UDS server (no new CLI commands)
	if d.udsServer != nil {
		slog.Info("stopping uds server")
		errs = multierr.Append(errs, d.udsServer.Stop())
	}

	// 3. Tear the function down while completions still flow
	if d.adapter != nil && d.adapter.Loaded() {
		slog.Info("unloading function")
		ctx, cancel := context.WithTimeout(d.ctx, unloadTimeout)
		errs = multierr.Append(errs, d.adapter.Unload(ctx))
		cancel()
	}

	// 4. Device and completion bus
	if d.firmware != nil {
		d.firmware.Stop()
	}
	if d.bus != nil {
		errs = multierr.Append(errs, d.bus.Close())
	}

	// 5. Stop metrics server
	if d.metricsServer != nil {
		slog.Info("stopping metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = multierr.Append(errs, d.metricsServer.Stop(shutdownCtx))
		cancel()
	}

	// 6. Cancel context and wait for the control plane goroutines
	d.cancel()
	if d.group != nil {
		errs = multierr.Append(errs, d.group.Wait())
	}

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 7. Remove PID file
	errs = multierr.Append(errs, d.removePIDFile())

	for _, err := range multierr.Errors(errs) {
		slog.Error("error during shutdown", "error", err)
	}

	// 8. Flush logs
	slog.Info("daemon stopped gracefully")
	logpkg.Flush()
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, the
// daemon_shutdown command or a failed control plane component. SIGHUP
// reloads the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	slog.Info("daemon running, waiting for signals or commands")

	groupDone := d.ctx.Done()
	if d.groupCtx != nil {
		groupDone = d.groupCtx.Done()
	}

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				slog.Info("received shutdown signal", "signal", sig)
				d.Stop()
				return nil

			case syscall.SIGHUP:
				slog.Info("received reload signal")
				if err := d.Reload(); err != nil {
					slog.Error("failed to reload config", "error", err)
				}
			}

		case <-d.shutdownChan:
			slog.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-groupDone:
			err := d.ctx.Err()
			if err == nil {
				err = fmt.Errorf("control plane stopped: %w", context.Cause(d.groupCtx))
			}
			slog.Error("daemon exiting", "error", err)
			d.Stop()
			return err
		}
	}
}

// Reload reloads the global configuration. Log settings and the completion
// wait budget are applied at once; everything else needs a restart.
// Implements command.ConfigReloader.
func (d *Daemon) Reload() error {
	slog.Info("reloading configuration", "path", d.configPath)

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.config
	d.config = newConfig

	hotReloaded := []string{}
	if err := d.initLogging(); err != nil {
		slog.Error("failed to reinitialize logging", "error", err)
	} else if newConfig.Log.Level != old.Log.Level || newConfig.Log.Format != old.Log.Format {
		hotReloaded = append(hotReloaded, "log")
	}

	if d.adapter != nil && newConfig.Device.Wait != old.Device.Wait {
		d.adapter.SetWait(newConfig.Device.Wait)
		hotReloaded = append(hotReloaded, "device.wait")
	}

	requiresRestart := []string{}
	if newConfig.Node.Hostname != old.Node.Hostname {
		requiresRestart = append(requiresRestart, "node.hostname")
	}
	if newConfig.Metrics.Listen != old.Metrics.Listen {
		requiresRestart = append(requiresRestart, "metrics.listen")
	}
	if deviceShape(newConfig.Device) != deviceShape(old.Device) {
		requiresRestart = append(requiresRestart, "device")
	}

	slog.Info("configuration reloaded",
		"hot_reloaded", hotReloaded,
		"requires_restart", requiresRestart,
	)
	return nil
}

// deviceShape is the part of the device profile fixed at start.
func deviceShape(d config.DeviceConfig) config.DeviceConfig {
	d.Wait = config.WaitConfig{}
	return d
}

// TriggerShutdown requests a graceful shutdown of Run.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// initLogging initializes the logging system from config.
func (d *Daemon) initLogging() error {
	if err := logpkg.Init(d.config.Log); err != nil {
		return err
	}
	slog.Debug("logging initialized",
		"level", d.config.Log.Level,
		"format", d.config.Log.Format,
	)
	return nil
}

// startKafkaConsumer starts the Kafka command consumer in the errgroup.
func (d *Daemon) startKafkaConsumer() error {
	consumer, err := command.NewKafkaCommandConsumer(
		d.config.CommandChannel,
		d.config.Node.Hostname,
		d.cmdHandler,
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	d.kafkaConsumer = consumer

	// A consumer failure is logged and leaves the UDS control plane running.
	d.group.Go(func() error {
		if err := ignoreCanceled(consumer.Start(d.groupCtx)); err != nil {
			slog.Error("kafka consumer stopped with error", "error", err)
		}
		return nil
	})
	return nil
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		slog.Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	if err := d.metricsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	slog.Info("metrics server started",
		"addr", d.metricsServer.Addr(),
		"path", d.config.Metrics.Path,
	)
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	slog.Debug("PID file written", "path", d.pidFile, "pid", pid)
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	slog.Debug("PID file removed", "path", d.pidFile)
	return nil
}
