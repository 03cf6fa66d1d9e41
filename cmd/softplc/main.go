package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/softplc/drivers/modbus"
	"github.com/timzifer/softplc/drivers/sim"
	"github.com/timzifer/softplc/internal/config"
	"github.com/timzifer/softplc/internal/logging"
	"github.com/timzifer/softplc/internal/reload"
	"github.com/timzifer/softplc/logic"
	"github.com/timzifer/softplc/notify"
	"github.com/timzifer/softplc/plc"
	"github.com/timzifer/softplc/pointio"
	"github.com/timzifer/softplc/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Probe the live view health endpoint and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and rules, then exit")
	watch := flag.Bool("watch", false, "Restart when the configuration file changes")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector, err := newCollector(cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup telemetry")
	}

	if *watch {
		if err := runWithRestart(ctx, *cfgPath, cfg, collector); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal().Err(err).Msg("runtime stopped")
		}
		return
	}

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	rt, err := buildRuntime(cfg, logger, collector)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build runtime")
	}
	defer rt.Close()

	if err := rt.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("runtime stopped with error")
	}
}

func newCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	return telemetry.NewPrometheusCollector(nil)
}

// runtime bundles the engine with everything it owns for one run.
type runtime struct {
	engine  *plc.Engine
	program *logic.Controller
	client  pointio.Client
	closers []func()
}

func (r *runtime) Run(ctx context.Context) error {
	return r.engine.Run(ctx, r.program)
}

func (r *runtime) Close() {
	if r.engine != nil {
		_ = r.engine.Close()
	}
	for _, fn := range r.closers {
		fn()
	}
	if r.client != nil {
		_ = r.client.Close()
	}
}

func buildRuntime(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) (*runtime, error) {
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		rt.Close()
		return nil, err
	}

	client, err := buildClient(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	rt.client = client

	notifier, closers, err := buildNotifier(cfg.Notify, logger, collector)
	rt.closers = closers
	if err != nil {
		return fail(err)
	}

	engine, err := plc.New(client, logger,
		plc.WithDevice(cfg.Endpoint.Device),
		plc.WithTimeout(cfg.Endpoint.Timeout.Duration),
		plc.WithCycleInterval(cfg.CycleInterval()),
		plc.WithNotifier(notifier),
		plc.WithCollector(collector),
	)
	if err != nil {
		return fail(err)
	}
	rt.engine = engine

	if err := registerPoints(engine, cfg.Points); err != nil {
		return fail(err)
	}

	program, err := logic.New(engine, cfg, logger)
	if err != nil {
		return fail(err)
	}
	rt.program = program

	if cfg.LiveView.Enabled {
		if err := engine.EnableLiveView(cfg.LiveView.Listen); err != nil {
			return fail(fmt.Errorf("start live view: %w", err))
		}
	}
	return rt, nil
}

func buildClient(cfg config.EndpointConfig) (pointio.Client, error) {
	switch cfg.Driver {
	case config.DriverEvok:
		return pointio.NewHTTPClient(cfg.Address)
	case config.DriverModbus:
		return modbus.NewClient(modbus.Settings{
			Mode:     cfg.Mode,
			Address:  cfg.Address,
			UnitID:   cfg.UnitID,
			BaudRate: cfg.BaudRate,
			Timeout:  cfg.Timeout.Duration,
			Bases: modbus.RegisterBases{
				DigitalIn:  cfg.RegisterBase.DigitalIn,
				DigitalOut: cfg.RegisterBase.DigitalOut,
				AnalogIn:   cfg.RegisterBase.AnalogIn,
				AnalogOut:  cfg.RegisterBase.AnalogOut,
			},
			InputScale:  cfg.Scale.AnalogIn,
			OutputScale: cfg.Scale.AnalogOut,
		})
	case config.DriverSim:
		return sim.NewClient(), nil
	default:
		return nil, fmt.Errorf("unknown endpoint driver %q", cfg.Driver)
	}
}

func buildNotifier(cfg config.NotifyConfig, logger zerolog.Logger, collector telemetry.Collector) (notify.Notifier, []func(), error) {
	channels := make([]notify.Notifier, 0, 2)
	closers := make([]func(), 0, 2)

	if cfg.MQTT.Broker != "" {
		channel, err := notify.NewMQTT(notify.MQTTSettings{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
		}, logger)
		if err != nil {
			return nil, closers, err
		}
		channels = append(channels, channel)
		closers = append(closers, channel.Close)
	}
	if cfg.SMTP.Host != "" {
		channel, err := notify.NewSMTP(notify.SMTPSettings{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			From:       cfg.SMTP.From,
			Password:   cfg.SMTP.Password,
			To:         cfg.SMTP.To,
			Subject:    cfg.SMTP.Subject,
			MaxRetries: cfg.SMTP.MaxRetries,
			RetryWait:  cfg.SMTP.RetryWait.Duration,
		}, logger)
		if err != nil {
			return nil, closers, err
		}
		channels = append(channels, channel)
	}
	if len(channels) == 0 {
		return notify.Noop(), closers, nil
	}

	async := notify.NewAsync("notify", notify.Multi(channels...), logger, collector)
	closers = append([]func(){async.Close}, closers...)
	return async, closers, nil
}

func registerPoints(engine *plc.Engine, points config.PointsConfig) error {
	for _, p := range points.DigitalIn {
		if _, err := engine.AddDigitalInput(p.Pin, p.Label, pointOptions(p)...); err != nil {
			return err
		}
	}
	for _, p := range points.DigitalOut {
		if _, err := engine.AddDigitalOutput(p.Pin, p.Label, pointOptions(p)...); err != nil {
			return err
		}
	}
	for _, p := range points.AnalogIn {
		if _, err := engine.AddAnalogInput(p.Pin, p.Label, pointOptions(p)...); err != nil {
			return err
		}
	}
	for _, p := range points.AnalogOut {
		if _, err := engine.AddAnalogOutput(p.Pin, p.Label, pointOptions(p)...); err != nil {
			return err
		}
	}
	return nil
}

func pointOptions(p config.PointConfig) []plc.PointOption {
	opts := make([]plc.PointOption, 0, 4)
	if p.NormalClosed {
		opts = append(opts, plc.WithNormalClosed())
	}
	if p.Init != 0 {
		opts = append(opts, plc.WithInitialValue(p.Init))
	}
	if p.Timeout.Duration > 0 {
		opts = append(opts, plc.WithPointTimeout(p.Timeout.Duration))
	}
	if p.Device != "" {
		opts = append(opts, plc.WithPointDevice(p.Device))
	}
	return opts
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if !cfg.LiveView.Enabled {
		return nil
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(healthURL(cfg.LiveView.Listen))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func healthURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://127.0.0.1:18080/healthz"
	}
	switch host {
	case "", "::", "0.0.0.0":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s/healthz", net.JoinHostPort(host, port))
}

// executeConfigCheck builds the rule controller against a simulated
// endpoint and prints a report per configured rule.
func executeConfigCheck(cfg *config.Config) int {
	client := sim.NewClient()
	defer client.Close()

	engine, err := plc.New(client, zerolog.Nop(), plc.WithDevice(cfg.Endpoint.Device))
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	if err := registerPoints(engine, cfg.Points); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	reports, err := logic.Analyze(engine, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	if len(reports) == 0 {
		fmt.Println("No rules configured.")
		return 0
	}

	exitCode := 0
	for _, report := range reports {
		fmt.Printf("Rule %q (%s)\n", report.Target, report.Section)
		printExpression("Expression", report.Expression)
		printRefs(report.Refs)
		if len(report.Errors) > 0 {
			exitCode = 1
			fmt.Println("  Errors:")
			for _, msg := range report.Errors {
				fmt.Printf("    - %s\n", msg)
			}
		} else {
			fmt.Println("  Status: OK")
		}
		fmt.Println()
	}

	if exitCode == 0 {
		fmt.Println("Configuration check completed successfully.")
	} else {
		fmt.Println("Configuration check completed with errors.")
	}
	return exitCode
}

func printExpression(label, expr string) {
	fmt.Printf("  %s:\n", label)
	if expr == "" {
		fmt.Println("    <empty>")
		return
	}
	for _, line := range strings.Split(expr, "\n") {
		fmt.Printf("    %s\n", strings.TrimRight(line, " \t"))
	}
}

func printRefs(refs []logic.RefReport) {
	fmt.Println("  References:")
	if len(refs) == 0 {
		fmt.Println("    <none>")
		return
	}
	for _, ref := range refs {
		status := "resolved"
		if !ref.Resolved {
			status = "unresolved"
		}
		fmt.Printf("    - %s (%s)\n", ref.Ref, status)
	}
}

// runWithRestart runs the engine and rebuilds it from a fresh configuration
// whenever the file changes. The running engine is stopped through its
// cooperative exit path before the replacement starts.
func runWithRestart(ctx context.Context, cfgPath string, initialCfg *config.Config, collector telemetry.Collector) error {
	watcher, err := reload.NewWatcher(cfgPath)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	cfg := initialCfg
	for {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return err
		}
		log.Logger = logger

		rt, err := buildRuntime(cfg, logger, collector)
		if err != nil {
			cleanup()
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- rt.Run(runCtx)
		}()

		restartRequested := false
		var changed []string

	loop:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				rt.Close()
				cleanup()
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				rt.Close()
				cleanup()
				return err
			case <-ticker.C:
				changes, err := watcher.Check()
				if err != nil {
					logger.Error().Err(err).Msg("failed to check configuration changes")
					continue
				}
				if len(changes) == 0 {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid")
					continue
				}
				logger.Info().Strs("files", changes).Msg("configuration changed, restarting")
				cancelRun()
				if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
					logger.Error().Err(err).Msg("runtime stopped during restart")
				}
				rt.Close()
				cleanup()
				if err := watcher.Update(cfgPath); err != nil {
					logger.Error().Err(err).Msg("failed to update watcher state")
				}
				changed = changes
				cfg = newCfg
				restartRequested = true
				break loop
			}
		}

		if !restartRequested {
			return nil
		}
		for _, file := range changed {
			collector.Restart(file)
		}
	}
}
