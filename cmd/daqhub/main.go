// Command daqhub runs the acquisition and control pipeline against the
// simulated bridge and serves the operator dashboard.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"git.sr.ht/~sircmpwn/getopt"
	"github.com/fatih/color"

	"github.com/chosenoffset/daqhub/pkg/daqhub"
	"github.com/chosenoffset/daqhub/pkg/daqhub/config"
	"github.com/chosenoffset/daqhub/pkg/daqhub/dashboard"
	"github.com/chosenoffset/daqhub/pkg/daqhub/hardware"
	"github.com/chosenoffset/daqhub/pkg/daqhub/logging"
)

const usage = `usage: daqhub [options]

options:
  -c FILE    load configuration from FILE (HCL)
  -p PORT    dashboard port
  -l LEVEL   log level: debug, info, warn, error
  -f FORMAT  log format: text or json
  -s         enable the scope at startup
  -h         show this help
`

type options struct {
	configPath string
	port       int
	level      string
	format     string
	scope      bool
}

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, code, ok := parseOptions(args, stdout, stderr)
	if !ok {
		return code
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		color.New(color.FgRed).Fprintf(stderr, "daqhub: %v\n", err)
		return 1
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	banner(stdout, cfg)

	if err := serve(ctx, cfg); err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(stderr, "daqhub: %v\n", err)
		return 1
	}
	return 0
}

func parseOptions(args []string, stdout, stderr io.Writer) (options, int, bool) {
	var o options
	parsed, optind, err := getopt.Getopts(args, "c:p:l:f:sh")
	if err != nil {
		fmt.Fprintf(stderr, "daqhub: %v\n%s", err, usage)
		return o, 2, false
	}
	if optind < len(args) {
		fmt.Fprintf(stderr, "daqhub: unexpected argument %q\n%s", args[optind], usage)
		return o, 2, false
	}
	for _, opt := range parsed {
		switch opt.Option {
		case 'c':
			o.configPath = opt.Value
		case 'p':
			port, err := strconv.Atoi(opt.Value)
			if err != nil || port <= 0 || port > 65535 {
				fmt.Fprintf(stderr, "daqhub: invalid -p parameter %q\n", opt.Value)
				return o, 2, false
			}
			o.port = port
		case 'l':
			o.level = opt.Value
		case 'f':
			o.format = opt.Value
		case 's':
			o.scope = true
		case 'h':
			fmt.Fprint(stdout, usage)
			return o, 0, false
		}
	}
	return o, 0, true
}

func loadConfig(o options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if o.port != 0 {
		cfg.Dashboard.Port = o.port
		cfg.Dashboard.Enabled = true
	}
	if o.level != "" {
		cfg.Log.Level = o.level
	}
	if o.format != "" {
		cfg.Log.Format = o.format
	}
	if o.scope {
		cfg.Scope.Enabled = true
	}
	return cfg, cfg.Validate()
}

func banner(w io.Writer, cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	title.Fprintln(w, "daqhub")
	fmt.Fprintf(w, "  hardware  simulated, %g Hz, %d AI / %d AO / %d DO / %d TC\n",
		cfg.Hardware.SampleRate, len(cfg.Channels.AI), len(cfg.Channels.AO),
		len(cfg.Channels.DO), len(cfg.Channels.TC))
	fmt.Fprintf(w, "  control   %g Hz, writes %g Hz, %d expressions, %d PID loops\n",
		cfg.Control.RateHz, cfg.Writer.RateHz, len(cfg.Expressions), len(cfg.PIDs))
	if cfg.Dashboard.Enabled {
		fmt.Fprintf(w, "  dashboard %s\n", color.GreenString("http://localhost:%d", cfg.Dashboard.Port))
	}
}

// serve builds the pipeline and blocks until ctx is cancelled or a fatal
// error occurs.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.FromContext(ctx)

	registry := daqhub.NewRegistry(nil)
	registry.SetLimits(cfg.RegistryLimits())
	if err := registry.Replace(cfg.Expressions); err != nil {
		return fmt.Errorf("loading expressions: %w", err)
	}

	bridge := hardware.NewSimulator(cfg.SimulatorConfig())
	engine := daqhub.NewEngine(bridge, registry, cfg.EngineConfig(), logger)
	if len(cfg.PIDs) > 0 {
		engine.AddSubEvaluator(daqhub.NewPIDBank(cfg.PIDs, 1/cfg.Control.RateHz))
	}
	if _, err := engine.Scope().Configure(cfg.ScopeUpdate()); err != nil {
		return err
	}

	fatal := make(chan error, 2)
	engine.OnFatal(func(err error) {
		select {
		case fatal <- err:
		default:
		}
	})

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(cfg.Dashboard.Port, engine, logger)
		dash.SetTelemetryRate(cfg.Dashboard.TelemetryHz)
		engine.OnCycle(dash.SendTelemetry)
		engine.OnSweep(dash.SendSweep)
		go func() {
			if err := dash.Start(); err != nil {
				fatal <- fmt.Errorf("dashboard: %w", err)
			}
		}()
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-fatal:
	}

	if err := engine.Stop(); err != nil {
		logger.Error("engine stop", "error", err)
	}
	if dash != nil {
		if err := dash.Stop(); err != nil {
			logger.Error("dashboard stop", "error", err)
		}
	}
	return runErr
}
