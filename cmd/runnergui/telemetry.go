package main

import (
	"sync"
	"time"

	"github.com/ligun0805/testnet-runner/internal/orchestrator"
)

// RunRecord is one finished run as exported to log_data/.
type RunRecord struct {
	RunID     string `json:"runId"`
	Script    string `json:"script"`
	Started   string `json:"started"`
	Elapsed   string `json:"elapsed"`
	Accounts  int    `json:"accounts"`
	Cycles    int    `json:"cycles"`
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Error     string `json:"error,omitempty"`
}

var (
	telemetry []RunRecord
	telMu     sync.Mutex
)

func telAdd(sum *orchestrator.Summary) {
	if sum == nil {
		return
	}
	rec := RunRecord{
		RunID:     sum.RunID,
		Script:    sum.Plan,
		Started:   sum.Started.UTC().Format(time.RFC3339),
		Elapsed:   sum.Elapsed.Round(time.Second).String(),
		Accounts:  sum.Accounts,
		Cycles:    sum.Cycles,
		Attempted: sum.Attempted,
		Succeeded: sum.Succeeded,
		Failed:    sum.Failed,
		Skipped:   sum.Skipped,
	}
	if sum.Err != nil {
		rec.Error = sum.Err.Error()
	}
	telMu.Lock()
	telemetry = append(telemetry, rec)
	telMu.Unlock()
}

func telSnapshot() []RunRecord {
	telMu.Lock()
	defer telMu.Unlock()
	return append([]RunRecord(nil), telemetry...)
}
