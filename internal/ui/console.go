package ui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	warnColor = color.New(color.FgYellow)
	sendColor = color.New(color.FgCyan)
	headColor = color.New(color.FgMagenta, color.Bold)
)

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}

// Console writes to a terminal and reads prompts from it.
type Console struct {
	Out io.Writer
	In  io.Reader
	// Timeout bounds each prompt; zero waits until ctx is done.
	Timeout time.Duration
	// Interactive reports whether In can answer prompts.
	Interactive func() bool
	Clock       func() time.Time

	mu    sync.Mutex
	once  sync.Once
	lines chan string
}

// NewConsole returns a console on stdout/stdin. Prompts are only read when
// stdin is a terminal.
func NewConsole(timeout time.Duration) *Console {
	return &Console{
		Out:         os.Stdout,
		In:          os.Stdin,
		Timeout:     timeout,
		Interactive: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		Clock:       time.Now,
	}
}

func lineColor(line string) *color.Color {
	switch {
	case strings.HasPrefix(line, "[ok]"), strings.HasPrefix(line, "[deploy]"):
		return okColor
	case strings.HasPrefix(line, "[fail]"), strings.HasPrefix(line, "[error]"):
		return failColor
	case strings.HasPrefix(line, "[warn]"), strings.HasPrefix(line, "[skip]"), strings.HasPrefix(line, "[wait]"):
		return warnColor
	case strings.HasPrefix(line, "[send]"), strings.HasPrefix(line, "[approve]"):
		return sendColor
	case strings.HasPrefix(line, "==="):
		return headColor
	}
	return nil
}

func (c *Console) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

func (c *Console) Log(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().Format("15:04:05 ")
	if col := lineColor(line); col != nil {
		fmt.Fprint(c.Out, ts)
		col.Fprintln(c.Out, line)
		return
	}
	fmt.Fprintln(c.Out, ts+line)
}

func (c *Console) Status(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	headColor.Fprintln(c.Out, "» "+line)
}

func (c *Console) readLines() {
	c.lines = make(chan string)
	go func() {
		sc := bufio.NewScanner(c.In)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
		close(c.lines)
	}()
}

func (c *Console) Prompt(ctx context.Context, msg, def string) (string, error) {
	if c.Interactive == nil || !c.Interactive() || c.In == nil {
		return def, nil
	}
	c.once.Do(c.readLines)

	c.mu.Lock()
	if def != "" {
		fmt.Fprintf(c.Out, "%s [%s]: ", msg, def)
	} else {
		fmt.Fprintf(c.Out, "%s: ", msg)
	}
	c.mu.Unlock()

	var timeout <-chan time.Time
	if c.Timeout > 0 {
		t := time.NewTimer(c.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		return def, ctx.Err()
	case <-timeout:
		c.Log("[warn] no answer, using " + def)
		return def, nil
	case line, ok := <-c.lines:
		line = strings.TrimSpace(line)
		if !ok || line == "" {
			return def, nil
		}
		return line, nil
	}
}

func (c *Console) Close() {}
