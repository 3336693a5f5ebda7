package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	dispenser "github.com/mixbot/dispenser"
	"github.com/mixbot/dispenser/backend"
	"github.com/mixbot/dispenser/chart"
	"github.com/mixbot/dispenser/config"
	"github.com/mixbot/dispenser/controller"
	"github.com/mixbot/dispenser/database"
	"github.com/mixbot/dispenser/history"
	"github.com/mixbot/dispenser/metrics"
	"github.com/mixbot/dispenser/poller"
	"github.com/mixbot/dispenser/tracing"
	"github.com/mixbot/dispenser/tui"
)

// panelClosedReason is sent when the operator quits the panel mid-cycle.
const panelClosedReason = "panel closed while dispensing"

// interruptedReason is sent when a headless dispense receives SIGINT/SIGTERM.
const interruptedReason = "interrupted from terminal"

// Options holds everything the command line can set. Values left at their
// zero value fall back to the config file, then to config.Default().
type Options struct {
	// Common
	ConfigPath   string
	BackendURL   string
	LogLevel     string
	LogFile      string
	MetricsAddr  string
	TraceFile    string
	JournalPath  string
	HistoryOrder string
	NoJournal    bool
	NoColor      bool
	Quiet        bool

	// dispense
	Water     float64
	Syrup     float64
	Preset    int
	ExportDir string

	// stop
	Reason string
	Soft   bool

	// history
	Page int

	// cycles
	Limit int

	// prune
	OlderThan string
	DryRun    bool

	// set records which flags were given explicitly
	set map[string]bool
}

var (
	log = logrus.New()

	panelCmd    = flag.NewFlagSet("panel", flag.ExitOnError)
	dispenseCmd = flag.NewFlagSet("dispense", flag.ExitOnError)
	stopCmd     = flag.NewFlagSet("stop", flag.ExitOnError)
	historyCmd  = flag.NewFlagSet("history", flag.ExitOnError)
	statusCmd   = flag.NewFlagSet("status", flag.ExitOnError)
	watchCmd    = flag.NewFlagSet("watch", flag.ExitOnError)
	cyclesCmd   = flag.NewFlagSet("cycles", flag.ExitOnError)
	pruneCmd    = flag.NewFlagSet("prune", flag.ExitOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var opts Options
	args := os.Args[2:]

	switch os.Args[1] {
	case "panel":
		parsePanelFlags(&opts, panelCmd, args)
		if err := runPanel(opts); err != nil {
			log.WithError(err).Fatal("panel failed")
		}
	case "dispense":
		parseDispenseFlags(&opts, dispenseCmd, args)
		if err := runDispense(opts); err != nil {
			log.WithError(err).Fatal("dispense failed")
		}
	case "stop":
		parseStopFlags(&opts, stopCmd, args)
		if err := runStop(opts); err != nil {
			log.WithError(err).Fatal("stop failed")
		}
	case "history":
		parseHistoryFlags(&opts, historyCmd, args)
		if err := runHistory(opts); err != nil {
			log.WithError(err).Fatal("history failed")
		}
	case "status":
		parseCommonFlags(&opts, statusCmd, args)
		if err := runStatus(opts); err != nil {
			log.WithError(err).Fatal("status failed")
		}
	case "watch":
		parseCommonFlags(&opts, watchCmd, args)
		if err := runWatch(opts); err != nil {
			log.WithError(err).Fatal("watch failed")
		}
	case "cycles":
		parseCyclesFlags(&opts, cyclesCmd, args)
		if err := runCycles(opts); err != nil {
			log.WithError(err).Fatal("cycles failed")
		}
	case "prune":
		parsePruneFlags(&opts, pruneCmd, args)
		if err := runPrune(opts); err != nil {
			log.WithError(err).Fatal("prune failed")
		}
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("mixctl - water/syrup dispenser control panel")
	fmt.Println()
	fmt.Println("Usage: mixctl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  panel       Interactive control panel")
	fmt.Println("  dispense    Run one dispense cycle without the panel")
	fmt.Println("  stop        Send an emergency stop (or a soft stop with --soft)")
	fmt.Println("  history     Print one page of the backend history")
	fmt.Println("  status      Check device connectivity once")
	fmt.Println("  watch       Print connectivity changes until interrupted")
	fmt.Println("  cycles      List cycles recorded in the local journal")
	fmt.Println("  prune       Delete old cycles from the local journal")
	fmt.Println()
	fmt.Println("Run 'mixctl <command> --help' for more information on a command.")
}

// registerCommonFlags adds the flags every command accepts.
func registerCommonFlags(opts *Options, fs *flag.FlagSet) {
	fs.StringVar(&opts.ConfigPath, "config", "", "Config file (default: search mixctl.yaml, /etc/mixctl/config.yaml)")
	fs.StringVar(&opts.BackendURL, "backend", "", "Backend URL (e.g. http://192.168.23.10:5000)")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&opts.LogFile, "log-file", "", "Write logs to this file")
	fs.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&opts.TraceFile, "trace-file", "", "Append finished OpenTelemetry spans to this file as JSON")
	fs.StringVar(&opts.JournalPath, "journal", "", "Local cycle journal (SQLite)")
	fs.BoolVar(&opts.NoJournal, "no-journal", false, "Do not record cycles locally")
	fs.StringVar(&opts.HistoryOrder, "history-order", "", "Backend history order (creation, server-newest-first)")
	fs.BoolVar(&opts.NoColor, "no-color", false, "Disable colored output")
	fs.BoolVar(&opts.Quiet, "quiet", false, "Suppress progress output (for scripting)")
}

// parseFlags parses args and records which flags were set explicitly.
func parseFlags(opts *Options, fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})
	return nil
}

// parseCommonFlags parses flags for commands without options of their own.
func parseCommonFlags(opts *Options, fs *flag.FlagSet, args []string) {
	registerCommonFlags(opts, fs)
	parseFlags(opts, fs, args)
}

// parsePanelFlags parses flags for the panel command.
func parsePanelFlags(opts *Options, fs *flag.FlagSet, args []string) {
	registerCommonFlags(opts, fs)
	fs.StringVar(&opts.ExportDir, "export-dir", ".", "Directory for exported flow charts")
	parseFlags(opts, fs, args)
}

// parseDispenseFlags parses flags for the dispense command.
func parseDispenseFlags(opts *Options, fs *flag.FlagSet, args []string) {
	registerCommonFlags(opts, fs)
	fs.Float64Var(&opts.Water, "water", 0, "Water volume in ml")
	fs.Float64Var(&opts.Syrup, "syrup", 0, "Syrup volume in ml")
	fs.IntVar(&opts.Preset, "preset", 0, "Use preset N (1-based) instead of --water/--syrup")
	fs.StringVar(&opts.ExportDir, "export-dir", "", "Write the flow chart of the cycle to this directory")
	fs.StringVar(&opts.Reason, "reason", interruptedReason, "Emergency stop reason sent on interrupt")

	if err := parseFlags(opts, fs, args); err != nil {
		os.Exit(2)
	}

	if opts.Preset == 0 && !opts.set["water"] && !opts.set["syrup"] {
		fmt.Println("Error: --water and --syrup (or --preset) are required")
		fs.Usage()
		os.Exit(1)
	}
}

// parseStopFlags parses flags for the stop command.
func parseStopFlags(opts *Options, fs *flag.FlagSet, args []string) {
	registerCommonFlags(opts, fs)
	fs.StringVar(&opts.Reason, "reason", dispenser.DefaultEmergencyReason, "Reason recorded by the backend")
	fs.BoolVar(&opts.Soft, "soft", false, "Use the soft /stop endpoint instead of /emergency-stop")
	parseFlags(opts, fs, args)
}

// parseHistoryFlags parses flags for the history command.
func parseHistoryFlags(opts *Options, fs *flag.FlagSet, args []string) {
	registerCommonFlags(opts, fs)
	fs.IntVar(&opts.Page, "page", 1, "Page to print (1 = latest)")
	parseFlags(opts, fs, args)
}

// parseCyclesFlags parses flags for the cycles command.
func parseCyclesFlags(opts *Options, fs *flag.FlagSet, args []string) {
	registerCommonFlags(opts, fs)
	fs.IntVar(&opts.Limit, "limit", 20, "Number of cycles to list (0 = all)")
	parseFlags(opts, fs, args)
}

// parsePruneFlags parses flags for the prune command.
func parsePruneFlags(opts *Options, fs *flag.FlagSet, args []string) {
	registerCommonFlags(opts, fs)
	fs.StringVar(&opts.OlderThan, "older-than", "", "Delete cycles started before this age (e.g. 72h, 30d)")
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Show what would be deleted")
	parseFlags(opts, fs, args)

	if opts.OlderThan == "" {
		fmt.Println("Error: --older-than is required")
		fs.Usage()
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the flags given explicitly.
func (o *Options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}

	if o.set["backend"] {
		cfg.Backend.URL = o.BackendURL
	}
	if o.set["log-level"] {
		cfg.Log.Level = o.LogLevel
	}
	if o.set["log-file"] {
		cfg.Log.File = o.LogFile
	}
	if o.set["metrics-addr"] {
		cfg.MetricsAddr = o.MetricsAddr
	}
	if o.set["trace-file"] {
		cfg.Trace.File = o.TraceFile
	}
	if o.set["journal"] {
		cfg.Journal.Path = o.JournalPath
	}
	if o.NoJournal {
		cfg.Journal.Disabled = true
	}
	if o.set["history-order"] {
		cfg.History.Order = o.HistoryOrder
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogger configures the global logger. Headless commands log text to
// stderr so stdout stays readable; a log file gets JSON like the daemon logs.
func setupLogger(cfg *config.Config, out io.Writer) (io.Closer, error) {
	lvl, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)

	if cfg.Log.File == "" {
		log.SetOutput(out)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		return io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})
	return f, nil
}

// setupTracing installs the global tracer provider. The returned func
// flushes spans and must run before exit.
func setupTracing(cfg *config.Config) (func(), error) {
	p, err := tracing.Install(tracing.Config{File: cfg.Trace.File})
	if err != nil {
		return nil, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("failed to flush traces")
		}
	}, nil
}

// newClient builds the backend client from the config.
func newClient(cfg *config.Config, m *metrics.Metrics) (*backend.Client, error) {
	return backend.New(backend.Config{
		BaseURL:       cfg.Backend.URL,
		Timeout:       cfg.Backend.Timeout,
		SlowThreshold: cfg.Backend.SlowThreshold,
		Logger:        log,
		Metrics:       m,
	})
}

// openJournal opens the local journal, or returns nil when it is disabled.
// Cycles left in progress by a previous run are marked abandoned.
func openJournal(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	if cfg.Journal.Disabled {
		return nil, nil
	}
	dbCfg := database.DefaultConfig()
	if cfg.Journal.Path != "" {
		dbCfg.Path = cfg.Journal.Path
	}
	db, err := database.New(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	n, err := db.AbandonInProgress(ctx, time.Now())
	if err != nil {
		db.Close()
		return nil, err
	}
	if n > 0 {
		log.WithField("count", n).Warn("marked cycles from a previous run as abandoned")
	}
	return db, nil
}

// serveMetrics starts the metrics endpoint when an address is configured.
func serveMetrics(ctx context.Context, cfg *config.Config, m *metrics.Metrics) {
	if cfg.MetricsAddr == "" {
		return
	}
	go func() {
		if err := m.Serve(ctx, cfg.MetricsAddr, log); err != nil {
			log.WithError(err).Error("metrics server failed")
		}
	}()
}

// newHistoryPanel builds the history panel over the backend client.
func newHistoryPanel(cfg *config.Config, client *backend.Client, onChange func(history.Page, error)) (*history.Panel, error) {
	order, err := history.ParseOrder(cfg.History.Order)
	if err != nil {
		return nil, err
	}
	return history.NewPanel(history.PanelConfig{
		Fetcher:  client,
		PageSize: cfg.History.PageSize,
		Order:    order,
		Logger:   log,
		OnChange: onChange,
	}), nil
}

// chartPath names the exported chart for a cycle.
func chartPath(dir, cycleID string, now time.Time) string {
	name := cycleID
	if name == "" {
		name = now.Format("20060102-150405")
	}
	return filepath.Join(dir, "flow-"+name+".svg")
}

// runPanel runs the interactive control panel.
func runPanel(opts Options) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	// Logs must not mix with the alt screen
	closer, err := setupLogger(cfg, io.Discard)
	if err != nil {
		return err
	}
	defer closer.Close()

	shutdownTracing, err := setupTracing(cfg)
	if err != nil {
		return err
	}
	defer shutdownTracing()
	stdlog.SetOutput(io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	serveMetrics(ctx, cfg, m)

	client, err := newClient(cfg, m)
	if err != nil {
		return err
	}

	db, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	bridge := tui.NewBridge(256, log)

	hist, err := newHistoryPanel(cfg, client, bridge.History)
	if err != nil {
		return err
	}

	deps := controller.Dependencies{
		Backend: client,
		History: hist,
		Logger:  log,
		Metrics: m,
		OnEvent: bridge.ControllerEvent,
	}
	if db != nil {
		deps.Journal = db
	}
	ctrl, err := controller.New(deps, cfg.ControllerOptions())
	if err != nil {
		return err
	}

	p := poller.New(poller.Config{
		Checker:  client,
		Interval: cfg.Poll.Interval,
		Logger:   log,
		Metrics:  m,
		OnChange: bridge.Connectivity,
	})
	go p.Run(ctx)

	model := tui.NewPanelModel(tui.PanelConfig{
		Title:      "Mix Dispenser",
		BackendURL: client.BaseURL(),
		Controller: ctrl,
		History:    hist,
		Bridge:     bridge,
		Logger:     log,
		Bounds:     cfg.Dispense.Bounds,
		Presets:    cfg.Dispense.Presets,
		Export: func(samples []chart.ProgressSample) (string, error) {
			path := chartPath(opts.ExportDir, ctrl.Snapshot().CycleID, time.Now())
			return path, chart.ExportFile(path, samples)
		},
		RequestTimeout: cfg.Backend.Timeout,
	})

	prog := tea.NewProgram(model, tea.WithAltScreen())
	_, runErr := prog.Run()

	if ctrl.Dispensing() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Backend.Timeout)
		if err := ctrl.EmergencyStop(stopCtx, panelClosedReason); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
		stopCancel()
	}
	ctrl.Close()

	if runErr != nil {
		return fmt.Errorf("failed to run panel: %w", runErr)
	}
	return nil
}

// dispenseRequest resolves the request from --preset or --water/--syrup.
func dispenseRequest(opts Options, cfg *config.Config) (dispenser.DispenseRequest, error) {
	if opts.Preset != 0 {
		presets := cfg.Dispense.Presets
		if opts.Preset < 1 || opts.Preset > len(presets) {
			return dispenser.DispenseRequest{}, fmt.Errorf("preset %d does not exist (have %d)", opts.Preset, len(presets))
		}
		p := presets[opts.Preset-1]
		return dispenser.DispenseRequest{Water: p.Water, Syrup: p.Syrup}, nil
	}
	return dispenser.DispenseRequest{Water: opts.Water, Syrup: opts.Syrup}, nil
}

// runDispense runs one cycle headless and waits for it to end. An interrupt
// triggers an emergency stop instead of abandoning the device mid-pour.
func runDispense(opts Options) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	closer, err := setupLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	shutdownTracing, err := setupTracing(cfg)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	serveMetrics(ctx, cfg, m)

	client, err := newClient(cfg, m)
	if err != nil {
		return err
	}

	req, err := dispenseRequest(opts, cfg)
	if err != nil {
		return err
	}

	db, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	progress := tui.NewCLIProgress(opts.Quiet, opts.NoColor)

	hist, err := newHistoryPanel(cfg, client, nil)
	if err != nil {
		return err
	}

	deps := controller.Dependencies{
		Backend: client,
		History: hist,
		Logger:  log,
		Metrics: m,
		OnEvent: progress.HandleEvent,
	}
	if db != nil {
		deps.Journal = db
	}
	ctrl, err := controller.New(deps, cfg.ControllerOptions())
	if err != nil {
		return err
	}
	defer ctrl.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cycleID, err := ctrl.StartDispensing(ctx, req)
	if err != nil {
		return err
	}
	logger := log.WithField("cycle_id", cycleID)

	go func() {
		select {
		case <-sigCh:
			logger.Warn("interrupted, sending emergency stop")
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Backend.Timeout)
			defer stopCancel()
			if err := ctrl.EmergencyStop(stopCtx, opts.Reason); err != nil && !errors.Is(err, controller.ErrNotDispensing) {
				logger.WithError(err).Error("emergency stop failed")
			}
		case <-ctx.Done():
		}
	}()

	res, err := ctrl.Wait(ctx)
	if err != nil {
		return err
	}
	progress.PrintSummary(res)

	if opts.ExportDir != "" {
		path := chartPath(opts.ExportDir, cycleID, time.Now())
		if err := chart.ExportFile(path, ctrl.Chart().Samples()); err != nil {
			logger.WithError(err).Warn("failed to export flow chart")
		} else if !opts.Quiet {
			fmt.Printf("Chart exported to %s\n", path)
		}
	}

	if res.Outcome != controller.OutcomeCompleted {
		return fmt.Errorf("cycle %s ended with %s at %.0f%%", res.CycleID, res.Outcome, res.Progress)
	}
	if res.Err != nil {
		return fmt.Errorf("cycle %s completed but the backend was not notified: %w", res.CycleID, res.Err)
	}
	return nil
}
