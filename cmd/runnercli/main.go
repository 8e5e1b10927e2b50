package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/config"
	"github.com/ligun0805/testnet-runner/internal/metrics"
	"github.com/ligun0805/testnet-runner/internal/runner"
	"github.com/ligun0805/testnet-runner/internal/ui"
)

func main() {
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	cfg := config.Load()
	var script string
	var cycles int
	flag.StringVar(&script, "script", "", "Script key to run (empty => interactive menu)")
	flag.IntVar(&cycles, "cycles", 0, "Cycles per account (0 => ask, or CYCLES when -script is set)")
	flag.StringVar(&cfg.KeyFile, "keys", cfg.KeyFile, "Path to the private key file")
	flag.StringVar(&cfg.ProtocolsFile, "protocols", cfg.ProtocolsFile, "Extra script catalogue (TOML)")
	netcheck := flag.Bool("netcheck", false, "Print endpoint, fee and balance state and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, cfg, script, cycles, *netcheck))
}

func run(ctx context.Context, cfg config.Settings, script string, cycles int, netcheck bool) int {
	console := ui.NewConsole(cfg.PromptTimeout)
	defer console.Close()
	logf := ui.Logf(console)

	log, err := ui.NewLogger(console, cfg.LogLevel)
	if err != nil {
		logf("[error] %s", chainerr.Reason(err))
		return 1
	}
	defer func() { _ = log.Sync() }()

	printConfig(cfg)

	m := metrics.New()
	if srv := serveMetrics(cfg.MetricsAddr, m, log); srv != nil {
		defer shutdown(srv)
		logf("[run] metrics on http://%s/metrics", cfg.MetricsAddr)
	}

	r, err := runner.New(cfg, runner.Options{Sink: console, Log: log, Metrics: m})
	if err != nil {
		logf("[error] %s", chainerr.Reason(err))
		return 1
	}
	defer r.Close()

	switch {
	case netcheck:
		err = r.NetCheck(ctx)
	case script != "":
		_, err = r.Run(ctx, script, cycles)
	default:
		err = menu(ctx, r, console, cycles)
	}
	return exitCode(err, logf)
}

func exitCode(err error, logf func(string, ...any)) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	logf("[error] %s", chainerr.Reason(err))
	return 1
}

// menu lists the catalogue until the user quits or the context ends.
func menu(ctx context.Context, r *runner.Runner, s ui.Sink, cycles int) error {
	logf := ui.Logf(s)
	scripts := r.Catalog().Scripts
	for {
		logf("=== SCRIPTS ===")
		for i, sc := range scripts {
			logf("  %d) %-10s %s", i+1, sc.Key, sc.Title)
		}
		logf("  n) netcheck")
		logf("  q) quit")

		choice, err := s.Prompt(ctx, "Select", "q")
		if err != nil {
			return err
		}
		choice = strings.ToLower(strings.TrimSpace(choice))
		switch choice {
		case "q", "quit", "exit":
			return nil
		case "n", "net", "netcheck":
			if err := r.NetCheck(ctx); err != nil {
				return err
			}
			continue
		}

		key := choice
		var idx int
		if _, err := fmt.Sscan(choice, &idx); err == nil {
			if idx < 1 || idx > len(scripts) {
				logf("[warn] no script #%d", idx)
				continue
			}
			key = scripts[idx-1].Key
		}
		if _, ok := r.Catalog().Lookup(key); !ok {
			logf("[warn] unknown script %q", key)
			continue
		}

		n := cycles
		if n <= 0 {
			if n, err = ui.PromptInt(ctx, s, "How many cycles?", 1, 1); err != nil {
				return err
			}
		}
		if _, err := r.Run(ctx, key, n); err != nil {
			return err
		}
	}
}

func serveMetrics(addr string, m *metrics.Metrics, log *zap.Logger) *http.Server {
	if strings.TrimSpace(addr) == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
