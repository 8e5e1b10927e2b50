package main

import (
	"encoding/json"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/theme"
	"fyne.io/fyne/v2/widget"
)

const maxLogLines = 4000

var (
	logMu      sync.Mutex
	logWin     fyne.Window
	logBox     *widget.Entry
	logProg    *widget.ProgressBar
	logProgLbl *widget.Label
	logScroll  *container.Scroll
	logLines   []string
)

// ensureLogWindow creates or returns the log window. Callers hold logMu.
func ensureLogWindow(a fyne.App) fyne.Window {
	if logWin != nil {
		return logWin
	}
	logWin = a.NewWindow("Logs")
	logWin.SetOnClosed(func() {
		logMu.Lock()
		logWin = nil
		logMu.Unlock()
	})
	logProg = widget.NewProgressBar()
	logProgLbl = widget.NewLabel("")
	exportBtn := widget.NewButtonWithIcon("Export runs JSON", theme.DocumentSaveIcon(), saveTelemetryJSON)
	top := container.NewBorder(nil, nil, nil, exportBtn, container.NewHBox(widget.NewLabel("Accounts:"), logProg, logProgLbl))
	bg := canvas.NewLinearGradient(color.NRGBA{12, 16, 24, 255}, color.NRGBA{20, 28, 40, 255}, 90)
	logBox = widget.NewMultiLineEntry()
	logBox.Disable()
	logBox.Wrapping = fyne.TextWrapWord
	logBox.SetText(strings.Join(logLines, "\n"))
	logScroll = container.NewVScroll(logBox)
	logScroll.SetMinSize(fyne.NewSize(800, 180))
	logWin.SetContent(container.NewBorder(top, nil, nil, nil, container.NewStack(bg, logScroll)))
	logWin.Resize(fyne.NewSize(1000, 700))
	return logWin
}

func showLogWindow(a fyne.App) {
	logMu.Lock()
	w := ensureLogWindow(a)
	logMu.Unlock()
	w.Show()
}

// appendLogLine adds a timestamped line to the log.
func appendLogLine(a fyne.App, s string) {
	logMu.Lock()
	defer logMu.Unlock()
	logLines = append(logLines, time.Now().Format("15:04:05 ")+s)
	if len(logLines) > maxLogLines {
		logLines = logLines[len(logLines)-maxLogLines:]
	}
	w := ensureLogWindow(a)
	logBox.SetText(strings.Join(logLines, "\n"))
	logScroll.ScrollToBottom()
	w.Canvas().Refresh(logBox)
}

func setProgress(done, total int) {
	logMu.Lock()
	defer logMu.Unlock()
	if logProg == nil {
		return
	}
	logProg.Min, logProg.Max = 0, float64(total)
	logProg.SetValue(float64(done))
	logProgLbl.SetText(fmt.Sprintf("%d/%d", done, total))
}

// saveTelemetryJSON writes the finished runs to a timestamped JSON file.
func saveTelemetryJSON() {
	ts := time.Now().Format("20060102_150405")
	exe, _ := os.Executable()
	dir := filepath.Join(filepath.Dir(exe), "log_data")
	_ = os.MkdirAll(dir, 0o755)
	path := filepath.Join(dir, ts+".json")
	out := map[string]any{
		"generatedAt": time.Now().UTC().Format(time.RFC3339),
		"runs":        telSnapshot(),
	}
	f, err := os.Create(path)
	if err != nil {
		fyne.CurrentApp().SendNotification(&fyne.Notification{Title: "Save error", Content: err.Error()})
		return
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
	fyne.CurrentApp().SendNotification(&fyne.Notification{Title: "Saved", Content: path})
}
