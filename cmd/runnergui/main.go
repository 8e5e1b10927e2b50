package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
	"github.com/ligun0805/testnet-runner/internal/config"
	"github.com/ligun0805/testnet-runner/internal/metrics"
	"github.com/ligun0805/testnet-runner/internal/protocols"
	"github.com/ligun0805/testnet-runner/internal/runner"
	"github.com/ligun0805/testnet-runner/internal/ui"
)

var (
	runMu      sync.Mutex
	runCancel  context.CancelFunc
	runMetrics = metrics.New()
)

func main() {
	hideConsoleWindow()

	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")
	cfg := config.Load()
	if addr := strings.TrimSpace(cfg.MetricsAddr); addr != "" {
		go func() { _ = http.ListenAndServe(addr, runMetrics.Handler()) }()
	}

	a := app.NewWithID("xyz.testnet.runner")
	prefs := a.Preferences()
	curTheme := makeTheme(prefs.StringWithFallback("theme", "dark"), prefs.Bool("compact"))
	a.Settings().SetTheme(curTheme)

	w := a.NewWindow("Testnet Runner")
	w.SetOnClosed(func() {
		stopRun()
		logMu.Lock()
		lw := logWin
		logMu.Unlock()
		if lw != nil {
			lw.Close()
		}
	})
	w.Resize(fyne.NewSize(720, 520))

	status := widget.NewLabel("Idle")
	sink := newSink(a, w, status)

	keyEntry := widget.NewEntry()
	keyEntry.SetText(prefs.StringWithFallback("keyFile", cfg.KeyFile))
	protoEntry := widget.NewEntry()
	protoEntry.SetPlaceHolder("optional TOML with extra scripts")
	protoEntry.SetText(prefs.StringWithFallback("protocolsFile", cfg.ProtocolsFile))
	rpcEntry := widget.NewEntry()
	rpcEntry.SetText(strings.Join(cfg.RPCURLs, ","))
	cyclesEntry := widget.NewEntry()
	cyclesEntry.SetPlaceHolder("empty => ask")
	cyclesEntry.SetText(prefs.String("cycles"))
	concEntry := widget.NewEntry()
	concEntry.SetText(strconv.Itoa(cfg.Concurrency))

	scriptSelect := widget.NewSelect(nil, nil)
	reload := func() {
		cat, err := protocols.Load(strings.TrimSpace(protoEntry.Text))
		if err != nil {
			appendLogLine(a, "[error] "+chainerr.Reason(err))
			cat, _ = protocols.Default()
		}
		opts := make([]string, 0, len(cat.Scripts))
		for _, s := range cat.Scripts {
			opts = append(opts, s.Key+" - "+s.Title)
		}
		scriptSelect.Options = opts
		scriptSelect.Refresh()
		if len(opts) > 0 && scriptSelect.SelectedIndex() < 0 {
			scriptSelect.SetSelectedIndex(0)
		}
	}
	reload()
	reloadBtn := widget.NewButtonWithIcon("", theme.ViewRefreshIcon(), reload)

	themeSelect := widget.NewSelect([]string{"Dark", "Light"}, func(s string) {
		mode := strings.ToLower(s)
		prefs.SetString("theme", mode)
		curTheme = makeTheme(mode, curTheme.(*appTheme).compact)
		a.Settings().SetTheme(curTheme)
	})
	if curTheme.(*appTheme).mode == "light" {
		themeSelect.SetSelected("Light")
	} else {
		themeSelect.SetSelected("Dark")
	}
	compactCheck := widget.NewCheck("Compact", func(b bool) {
		prefs.SetBool("compact", b)
		curTheme = makeTheme(curTheme.(*appTheme).mode, b)
		a.Settings().SetTheme(curTheme)
	})
	compactCheck.SetChecked(curTheme.(*appTheme).compact)

	// settings returns cfg with the form applied.
	settings := func() config.Settings {
		c := cfg
		c.KeyFile = strings.TrimSpace(keyEntry.Text)
		c.ProtocolsFile = strings.TrimSpace(protoEntry.Text)
		if urls := config.SplitCSV(rpcEntry.Text); len(urls) > 0 {
			c.RPCURLs = urls
		}
		if n, err := strconv.Atoi(strings.TrimSpace(concEntry.Text)); err == nil {
			c.Concurrency = n
		}
		prefs.SetString("keyFile", c.KeyFile)
		prefs.SetString("protocolsFile", c.ProtocolsFile)
		prefs.SetString("cycles", strings.TrimSpace(cyclesEntry.Text))
		return c
	}

	var runBtn, netBtn, stopBtn *widget.Button
	busy := func(on bool) {
		if on {
			runBtn.Disable()
			netBtn.Disable()
			stopBtn.Enable()
			return
		}
		runBtn.Enable()
		netBtn.Enable()
		stopBtn.Disable()
	}

	runBtn = widget.NewButtonWithIcon("Run", theme.MediaPlayIcon(), func() {
		key, _, _ := strings.Cut(scriptSelect.Selected, " - ")
		if key == "" {
			appendLogLine(a, "[warn] no script selected")
			return
		}
		c := settings()
		busy(true)
		showLogWindow(a)
		go func() {
			defer busy(false)
			ctx := startRun()
			defer stopRun()
			cycles := 0
			if s := strings.TrimSpace(cyclesEntry.Text); s != "" {
				cycles, _ = strconv.Atoi(s)
			}
			if cycles <= 0 {
				n, err := ui.PromptInt(ctx, sink, "How many cycles?", c.Cycles, 1)
				if err != nil {
					return
				}
				cycles = n
			}
			withRunner(ctx, c, sink, status, func(r *runner.Runner) error {
				sum, err := r.Run(ctx, key, cycles)
				telAdd(sum)
				return err
			})
		}()
	})
	netBtn = widget.NewButtonWithIcon("Net check", theme.InfoIcon(), func() {
		c := settings()
		busy(true)
		showLogWindow(a)
		go func() {
			defer busy(false)
			ctx := startRun()
			defer stopRun()
			withRunner(ctx, c, sink, status, func(r *runner.Runner) error { return r.NetCheck(ctx) })
		}()
	})
	stopBtn = widget.NewButtonWithIcon("Stop", theme.MediaStopIcon(), func() {
		appendLogLine(a, "STOP pressed, cancelling")
		stopRun()
	})
	stopBtn.Disable()
	logsBtn := widget.NewButtonWithIcon("Logs", theme.ListIcon(), func() { showLogWindow(a) })

	runCard := widget.NewCard("Run", "", widget.NewForm(
		widget.NewFormItem("Script", container.NewBorder(nil, nil, nil, reloadBtn, scriptSelect)),
		widget.NewFormItem("Cycles", cyclesEntry),
		widget.NewFormItem("Concurrency", concEntry),
	))
	filesCard := widget.NewCard("Files", "", widget.NewForm(
		widget.NewFormItem("Key file", keyEntry),
		widget.NewFormItem("Protocols", protoEntry),
		widget.NewFormItem("RPC URLs", rpcEntry),
		widget.NewFormItem("", container.NewGridWithColumns(2, themeSelect, compactCheck)),
	))
	buttons := container.NewGridWithColumns(4, runBtn, stopBtn, netBtn, logsBtn)
	w.SetContent(container.NewBorder(nil, container.NewVBox(buttons, status), nil, nil,
		container.NewVScroll(container.NewVBox(runCard, filesCard))))
	w.ShowAndRun()
}

func startRun() context.Context {
	runMu.Lock()
	defer runMu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	runCancel = cancel
	return ctx
}

func stopRun() {
	runMu.Lock()
	defer runMu.Unlock()
	if runCancel != nil {
		runCancel()
		runCancel = nil
	}
}

// withRunner builds a runner for one button press and reports its outcome.
func withRunner(ctx context.Context, c config.Settings, sink ui.Sink, status *widget.Label, fn func(*runner.Runner) error) {
	logf := ui.Logf(sink)
	defer func() {
		if r := recover(); r != nil {
			logf("[panic] %v", r)
		}
	}()
	log, err := ui.NewLogger(sink, c.LogLevel)
	if err != nil {
		logf("[error] %s", chainerr.Reason(err))
		return
	}
	r, err := runner.New(c, runner.Options{Sink: sink, Log: log, Metrics: runMetrics})
	if err != nil {
		logf("[error] %s", chainerr.Reason(err))
		status.SetText("Error")
		return
	}
	defer r.Close()
	err = fn(r)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status.SetText("Stopped")
	default:
		status.SetText(fmt.Sprintf("Error: %s", chainerr.Reason(err)))
	}
}
