package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mixbot/dispenser/database"
	"github.com/mixbot/dispenser/metrics"
	"github.com/mixbot/dispenser/poller"
	"github.com/mixbot/dispenser/tui"
)

// runStop sends a stop straight to the backend. It does not need a running
// panel: the device halts whichever client started the cycle.
func runStop(opts Options) error {
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

	client, err := newClient(cfg, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Backend.Timeout)
	defer cancel()

	if opts.Soft {
		if err := client.Stop(ctx); err != nil {
			return err
		}
		fmt.Println("Stop sent")
		return nil
	}

	if err := client.EmergencyStop(ctx, opts.Reason); err != nil {
		return err
	}
	fmt.Printf("Emergency stop sent (%s)\n", opts.Reason)
	return nil
}

// runHistory prints one page of the backend history, latest first.
func runHistory(opts Options) error {
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

	client, err := newClient(cfg, nil)
	if err != nil {
		return err
	}
	panel, err := newHistoryPanel(cfg, client, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Backend.Timeout)
	defer cancel()

	page, err := panel.Refresh(ctx, opts.Page-1)
	if err != nil {
		return err
	}
	tui.NewCLIProgress(false, opts.NoColor).PrintHistory(page, panel.PageSize())
	return nil
}

// runStatus polls the device once. It exits non-zero when disconnected so
// scripts can use it as a health check.
func runStatus(opts Options) error {
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

	client, err := newClient(cfg, nil)
	if err != nil {
		return err
	}

	p := poller.New(poller.Config{
		Checker:  client,
		Interval: cfg.Poll.Interval,
		Logger:   log,
	})
	connected := p.Poll(context.Background())
	tui.NewCLIProgress(false, opts.NoColor).PrintConnectivity(p.Status())

	if !connected {
		return fmt.Errorf("device at %s is disconnected", client.BaseURL())
	}
	return nil
}

// runWatch prints every connectivity transition until interrupted.
func runWatch(opts Options) error {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	serveMetrics(ctx, cfg, m)

	client, err := newClient(cfg, m)
	if err != nil {
		return err
	}

	out := tui.NewCLIProgress(false, opts.NoColor)
	var p *poller.Poller
	p = poller.New(poller.Config{
		Checker:  client,
		Interval: cfg.Poll.Interval,
		Logger:   log,
		Metrics:  m,
		OnChange: func(bool) {
			out.PrintConnectivity(p.Status())
		},
	})

	log.WithField("backend", client.BaseURL()).Info("watching device connectivity")
	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// runCycles lists cycles from the local journal.
func runCycles(opts Options) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	closer, err := setupLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	if cfg.Journal.Disabled {
		return fmt.Errorf("journal is disabled")
	}

	ctx := context.Background()
	db, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cycles, err := db.ListCycles(ctx, opts.Limit)
	if err != nil {
		return err
	}
	tui.NewCLIProgress(false, opts.NoColor).PrintCycles(cycles)
	return nil
}

// runPrune deletes finished journal cycles older than --older-than.
func runPrune(opts Options) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	closer, err := setupLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	age, err := parseAge(opts.OlderThan)
	if err != nil {
		return err
	}
	if cfg.Journal.Disabled {
		return fmt.Errorf("journal is disabled")
	}

	ctx := context.Background()
	db, err := openJournal(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	cutoff := time.Now().Add(-age)
	logger := log.WithFields(logrus.Fields{
		"command": "prune",
		"cutoff":  cutoff.Format(time.RFC3339),
	})

	if opts.DryRun {
		logger.Info("Running in DRY RUN mode - no changes will be made")
		cycles, err := db.ListCycles(ctx, 0)
		if err != nil {
			return err
		}
		stale := staleCycles(cycles, cutoff)
		tui.NewCLIProgress(false, opts.NoColor).PrintCycles(stale)
		fmt.Printf("%d cycle(s) would be deleted\n", len(stale))
		return nil
	}

	n, err := db.PruneCycles(ctx, cutoff)
	if err != nil {
		return err
	}
	logger.WithField("deleted", n).Info("journal pruned")
	fmt.Printf("Deleted %d cycle(s)\n", n)
	return nil
}

// staleCycles returns the finished cycles PruneCycles would delete.
func staleCycles(cycles []database.Cycle, cutoff time.Time) []database.Cycle {
	var stale []database.Cycle
	for _, c := range cycles {
		if c.Status == database.CycleStatusInProgress {
			continue
		}
		if c.StartedAt.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	return stale
}

// parseAge accepts time.ParseDuration syntax plus a whole-day suffix ("30d").
func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid age %q: days must be a positive integer", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid age %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid age %q: must be positive", s)
	}
	return d, nil
}
