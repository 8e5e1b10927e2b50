package ui

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
)

type recorder struct {
	mu      sync.Mutex
	logs    []string
	status  []string
	answers []string
	asked   []string
}

func (r *recorder) Log(l string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, l)
}

func (r *recorder) Status(l string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = append(r.status, l)
}

func (r *recorder) Prompt(_ context.Context, msg, def string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asked = append(r.asked, msg)
	if len(r.answers) == 0 {
		return def, nil
	}
	a := r.answers[0]
	r.answers = r.answers[1:]
	return a, nil
}

func (r *recorder) Close() {}

func testConsole(in io.Reader, interactive bool) (*Console, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Console{
		Out:         out,
		In:          in,
		Timeout:     time.Second,
		Interactive: func() bool { return interactive },
		Clock:       func() time.Time { return time.Date(2024, 1, 1, 12, 30, 0, 0, time.UTC) },
	}, out
}

func TestFuncsFallBackPerCallback(t *testing.T) {
	fb := &recorder{answers: []string{"7"}}
	var logged []string
	f := &Funcs{LogFunc: func(s string) { logged = append(logged, s) }, Fallback: fb}

	f.Log("hello")
	f.Status("ACCOUNT 1/1")
	got, err := f.Prompt(context.Background(), "cycles", "1")
	require.NoError(t, err)

	assert.Equal(t, []string{"hello"}, logged)
	assert.Empty(t, fb.logs)
	assert.Equal(t, []string{"ACCOUNT 1/1"}, fb.status)
	assert.Equal(t, "7", got)
}

func TestConsoleLogAndStatus(t *testing.T) {
	c, out := testConsole(nil, false)
	c.Log("[ok] stake confirmed")
	c.Log("plain line")
	c.Status("ALL DONE")
	s := out.String()
	assert.Contains(t, s, "12:30:00 ")
	assert.Contains(t, s, "[ok] stake confirmed")
	assert.Contains(t, s, "12:30:00 plain line\n")
	assert.Contains(t, s, "» ALL DONE")
}

func TestConsolePromptNonInteractiveUsesDefault(t *testing.T) {
	c, out := testConsole(strings.NewReader("5\n"), false)
	got, err := c.Prompt(context.Background(), "How many cycles?", "1")
	require.NoError(t, err)
	assert.Equal(t, "1", got)
	assert.Empty(t, out.String())
}

func TestConsolePromptReadsLines(t *testing.T) {
	c, out := testConsole(strings.NewReader("5\n\n"), true)
	got, err := c.Prompt(context.Background(), "How many cycles?", "1")
	require.NoError(t, err)
	assert.Equal(t, "5", got)
	assert.Contains(t, out.String(), "How many cycles? [1]: ")

	got, err = c.Prompt(context.Background(), "Again?", "2")
	require.NoError(t, err)
	assert.Equal(t, "2", got, "empty answer keeps the default")

	got, err = c.Prompt(context.Background(), "EOF?", "3")
	require.NoError(t, err)
	assert.Equal(t, "3", got)
}

func TestConsolePromptTimesOut(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	c, out := testConsole(r, true)
	c.Timeout = 20 * time.Millisecond
	got, err := c.Prompt(context.Background(), "cycles", "4")
	require.NoError(t, err)
	assert.Equal(t, "4", got)
	assert.Contains(t, out.String(), "no answer")
}

func TestConsolePromptCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	c, _ := testConsole(r, true)
	c.Timeout = 0
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err := c.Prompt(ctx, "cycles", "4")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "4", got)
}

func TestPromptInt(t *testing.T) {
	r := &recorder{answers: []string{"abc", "0", "3"}}
	n, err := PromptInt(context.Background(), r, "cycles", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, r.asked, 3)
	assert.Len(t, r.logs, 2)

	r = &recorder{answers: []string{"x", "y", "z"}}
	n, err = PromptInt(context.Background(), r, "cycles", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, r.logs[len(r.logs)-1], "using default 2")

	r = &recorder{answers: []string{" "}}
	n, err = PromptInt(context.Background(), r, "cycles", 5, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestLogfFormats(t *testing.T) {
	r := &recorder{}
	Logf(r)("[send] %s nonce=%d", "stake", 4)
	Logf(r)("100%")
	assert.Equal(t, []string{"[send] stake nonce=4", "100%"}, r.logs)
}

func TestNewLoggerWritesToSink(t *testing.T) {
	r := &recorder{}
	log, err := NewLogger(r, "info")
	require.NoError(t, err)
	log.Named("sequencer").Info("tx accepted", zap.Uint64("nonce", 7))
	log.Debug("hidden")
	require.Len(t, r.logs, 1)
	assert.Contains(t, r.logs[0], "INFO")
	assert.Contains(t, r.logs[0], "sequencer")
	assert.Contains(t, r.logs[0], "tx accepted")
	assert.Contains(t, r.logs[0], `"nonce": 7`)

	_, err = NewLogger(r, "loud")
	assert.ErrorIs(t, err, chainerr.ErrConfiguration)
}
