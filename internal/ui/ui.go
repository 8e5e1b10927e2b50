// Package ui is the contract between a run and whatever shows it: a log
// pane, a one-line status panel and a prompt. Console is the terminal
// rendition and the fallback for every callback a front end leaves out.
package ui

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type Sink interface {
	Log(line string)
	Status(line string)
	// Prompt asks for a value. It returns def when nothing usable arrives.
	Prompt(ctx context.Context, msg, def string) (string, error)
	Close()
}

// Funcs adapts plain callbacks to a Sink. Nil callbacks use Fallback, or a
// console on stdout when Fallback is nil too.
type Funcs struct {
	LogFunc    func(string)
	StatusFunc func(string)
	PromptFunc func(ctx context.Context, msg, def string) (string, error)
	CloseFunc  func()
	Fallback   Sink

	once sync.Once
}

func (f *Funcs) fallback() Sink {
	f.once.Do(func() {
		if f.Fallback == nil {
			f.Fallback = NewConsole(0)
		}
	})
	return f.Fallback
}

func (f *Funcs) Log(line string) {
	if f.LogFunc != nil {
		f.LogFunc(line)
		return
	}
	f.fallback().Log(line)
}

func (f *Funcs) Status(line string) {
	if f.StatusFunc != nil {
		f.StatusFunc(line)
		return
	}
	f.fallback().Status(line)
}

func (f *Funcs) Prompt(ctx context.Context, msg, def string) (string, error) {
	if f.PromptFunc != nil {
		return f.PromptFunc(ctx, msg, def)
	}
	return f.fallback().Prompt(ctx, msg, def)
}

func (f *Funcs) Close() {
	if f.CloseFunc != nil {
		f.CloseFunc()
		return
	}
	if f.Fallback != nil {
		f.Fallback.Close()
	}
}

const promptTries = 3

// PromptInt asks for an integer >= min, asking again on bad input. After a
// few bad answers, or on an empty answer, def is used.
func PromptInt(ctx context.Context, s Sink, msg string, def, min int) (int, error) {
	for i := 0; i < promptTries; i++ {
		raw, err := s.Prompt(ctx, msg, strconv.Itoa(def))
		if err != nil {
			return def, errors.WithMessage(err, "prompt")
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return def, nil
		}
		n, err := strconv.Atoi(raw)
		if err == nil && n >= min {
			return n, nil
		}
		s.Log("[warn] please enter a whole number >= " + strconv.Itoa(min))
	}
	s.Log("[warn] using default " + strconv.Itoa(def))
	return def, nil
}

// Logf adapts s to the printf-style callback used across the run.
func Logf(s Sink) func(format string, args ...any) {
	return func(format string, args ...any) {
		s.Log(sprintf(format, args...))
	}
}
