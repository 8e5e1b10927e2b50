package main

import (
	"context"
	"fmt"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/widget"

	"github.com/ligun0805/testnet-runner/internal/ui"
)

// newSink routes runner output into the log window and the status label.
func newSink(a fyne.App, w fyne.Window, status *widget.Label) ui.Sink {
	return &ui.Funcs{
		LogFunc: func(s string) { appendLogLine(a, s) },
		StatusFunc: func(s string) {
			status.SetText(s)
			var i, n int
			if _, err := fmt.Sscanf(s, "ACCOUNT %d/%d", &i, &n); err == nil {
				setProgress(i-1, n)
			} else if s == "ALL DONE" {
				logMu.Lock()
				if logProg != nil {
					logProg.SetValue(logProg.Max)
				}
				logMu.Unlock()
			}
		},
		PromptFunc: func(ctx context.Context, msg, def string) (string, error) {
			return promptDialog(ctx, w, msg, def)
		},
		CloseFunc: func() {},
	}
}

// promptDialog blocks until the user answers, dismisses (def) or ctx ends.
func promptDialog(ctx context.Context, w fyne.Window, msg, def string) (string, error) {
	answer := make(chan string, 1)
	entry := widget.NewEntry()
	entry.SetText(def)
	d := dialog.NewForm(msg, "OK", "Default", []*widget.FormItem{widget.NewFormItem("", entry)}, func(ok bool) {
		if ok {
			answer <- entry.Text
		} else {
			answer <- def
		}
	}, w)
	d.Show()
	select {
	case s := <-answer:
		return s, nil
	case <-ctx.Done():
		d.Hide()
		return def, ctx.Err()
	}
}
