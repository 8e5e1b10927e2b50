package config

import (
	"errors"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
)

// Settings keeps all configuration options.
// Keys are read in both lower_case and UPPER_CASE.
type Settings struct {
	RPCURLs       []string
	ChainID       string // empty => ask the endpoint
	ExplorerTxURL string
	KeyFile       string
	ProtocolsFile string

	Cycles          int
	DelayMin        time.Duration
	DelayMax        time.Duration
	Concurrency     int
	ShuffleAccounts bool

	RetryAttempts   int
	RevertAttempts  int
	RetryBase       time.Duration
	RetryMax        time.Duration
	RetryJitter     float64
	NonceRecoveries int

	ReprobeAfter int
	RPCTimeout   time.Duration
	ProbeTimeout time.Duration
	RPCRPS       float64
	RPCBurst     int

	ReceiptTimeout time.Duration
	ReceiptPoll    time.Duration

	GasFallback  uint64
	GasBufferPct int64
	GasBump      uint64
	FeeMode      string // "dynamic" (default) or "legacy"
	TipGwei      int64  // 0 => eth_maxPriorityFeePerGas
	BasefeeMul   int64

	Simulate      bool
	SkipIfPending bool

	PromptTimeout time.Duration
	LogLevel      string
	MetricsAddr   string
}

// DefaultRPCURLs is the public endpoint list of the Monad testnet.
var DefaultRPCURLs = []string{
	"https://testnet-rpc.monad.xyz",
	"https://testnet-rpc.monorail.xyz",
	"https://monad-testnet.drpc.org",
}

// Load reads settings from environment supporting both UPPER_CASE and lower_case keys.
func Load() Settings {
	get := func(keys []string, def string) string {
		for _, k := range keys {
			if v := strings.TrimSpace(os.Getenv(k)); v != "" {
				return v
			}
		}
		return def
	}
	getInt := func(keys []string, def int) int {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		return def
	}
	getInt64 := func(keys []string, def int64) int64 {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		return def
	}
	getFloat := func(keys []string, def float64) float64 {
		s := get(keys, "")
		if s == "" {
			return def
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
		return def
	}
	getBool := func(keys []string, def bool) bool {
		s := strings.ToLower(get(keys, ""))
		if s == "" {
			return def
		}
		return s == "1" || s == "true" || s == "yes" || s == "on"
	}
	ms := func(keys []string, def int64) time.Duration {
		return time.Duration(getInt64(keys, def)) * time.Millisecond
	}
	sec := func(keys []string, def int64) time.Duration {
		return time.Duration(getInt64(keys, def)) * time.Second
	}

	st := Settings{}
	st.RPCURLs = SplitCSV(get([]string{"rpc_urls", "RPC_URLS", "rpc_url", "RPC_URL"}, strings.Join(DefaultRPCURLs, ",")))
	st.ChainID = get([]string{"chain_id", "CHAIN_ID"}, "10143")
	st.ExplorerTxURL = get([]string{"explorer_tx_url", "EXPLORER_TX_URL"}, "https://testnet.monadexplorer.com/tx/")
	st.KeyFile = get([]string{"key_file", "KEY_FILE"}, "pvkey.txt")
	st.ProtocolsFile = get([]string{"protocols_file", "PROTOCOLS_FILE"}, "")

	st.Cycles = getInt([]string{"cycles", "CYCLES"}, 1)
	st.DelayMin = sec([]string{"delay_min_sec", "DELAY_MIN_SEC"}, 60)
	st.DelayMax = sec([]string{"delay_max_sec", "DELAY_MAX_SEC"}, 180)
	st.Concurrency = getInt([]string{"concurrency", "CONCURRENCY"}, 1)
	st.ShuffleAccounts = getBool([]string{"shuffle_accounts", "SHUFFLE_ACCOUNTS"}, false)

	st.RetryAttempts = getInt([]string{"retry_attempts", "RETRY_ATTEMPTS"}, 3)
	st.RevertAttempts = getInt([]string{"revert_attempts", "REVERT_ATTEMPTS"}, 2)
	st.RetryBase = ms([]string{"retry_base_ms", "RETRY_BASE_MS"}, 1000)
	st.RetryMax = ms([]string{"retry_max_ms", "RETRY_MAX_MS"}, 30000)
	st.RetryJitter = getFloat([]string{"retry_jitter", "RETRY_JITTER"}, 0)
	st.NonceRecoveries = getInt([]string{"nonce_recoveries", "NONCE_RECOVERIES"}, 3)

	st.ReprobeAfter = getInt([]string{"reprobe_after", "REPROBE_AFTER"}, 3)
	st.RPCTimeout = ms([]string{"rpc_timeout_ms", "RPC_TIMEOUT_MS"}, 30000)
	st.ProbeTimeout = ms([]string{"probe_timeout_ms", "PROBE_TIMEOUT_MS"}, 8000)
	st.RPCRPS = getFloat([]string{"rpc_rps", "RPC_RPS"}, 0)
	st.RPCBurst = getInt([]string{"rpc_burst", "RPC_BURST"}, 1)

	st.ReceiptTimeout = sec([]string{"receipt_timeout_sec", "RECEIPT_TIMEOUT_SEC"}, 120)
	st.ReceiptPoll = ms([]string{"receipt_poll_ms", "RECEIPT_POLL_MS"}, 1000)

	st.GasFallback = uint64(getInt64([]string{"gas_fallback", "GAS_FALLBACK"}, 300000))
	st.GasBufferPct = getInt64([]string{"gas_buffer_pct", "GAS_BUFFER_PCT"}, 20)
	st.GasBump = uint64(getInt64([]string{"gas_bump", "GAS_BUMP"}, 100000))
	st.FeeMode = strings.ToLower(get([]string{"fee_mode", "FEE_MODE"}, "dynamic"))
	st.TipGwei = getInt64([]string{"tip_gwei", "TIP_GWEI"}, 0)
	st.BasefeeMul = getInt64([]string{"basefee_mul", "BASEFEE_MUL"}, 2)

	st.Simulate = getBool([]string{"simulate", "SIMULATE"}, true)
	st.SkipIfPending = getBool([]string{"skip_if_pending", "SKIP_IF_PENDING"}, true)

	st.PromptTimeout = sec([]string{"prompt_timeout_sec", "PROMPT_TIMEOUT_SEC"}, 60)
	st.LogLevel = get([]string{"log_level", "LOG_LEVEL"}, "info")
	st.MetricsAddr = get([]string{"metrics_addr", "METRICS_ADDR"}, "")

	return st
}

// Validate checks ranges and cross-field constraints. Every problem is
// reported; the joined error carries chainerr.ErrConfiguration.
func (s Settings) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, chainerr.Configf(format, args...))
	}
	if len(s.RPCURLs) == 0 {
		add("RPC_URLS is empty")
	}
	if s.ChainID != "" {
		if _, err := s.ChainIDBig(); err != nil {
			add("CHAIN_ID %q is not a number", s.ChainID)
		}
	}
	if strings.TrimSpace(s.KeyFile) == "" {
		add("KEY_FILE is empty")
	}
	if s.Cycles < 1 {
		add("CYCLES must be >= 1, got %d", s.Cycles)
	}
	if s.DelayMin < 0 || s.DelayMax < s.DelayMin {
		add("delay range [%s, %s] is invalid", s.DelayMin, s.DelayMax)
	}
	if s.Concurrency < 1 {
		add("CONCURRENCY must be >= 1, got %d", s.Concurrency)
	}
	if s.RetryAttempts < 1 {
		add("RETRY_ATTEMPTS must be >= 1, got %d", s.RetryAttempts)
	}
	if s.RevertAttempts < 1 || s.RevertAttempts > s.RetryAttempts {
		add("REVERT_ATTEMPTS must be in [1, %d], got %d", s.RetryAttempts, s.RevertAttempts)
	}
	if s.RetryBase <= 0 || s.RetryMax < s.RetryBase {
		add("retry backoff [%s, %s] is invalid", s.RetryBase, s.RetryMax)
	}
	if s.RetryJitter < 0 || s.RetryJitter >= 1 {
		add("RETRY_JITTER must be in [0, 1), got %v", s.RetryJitter)
	}
	if s.NonceRecoveries < 0 {
		add("NONCE_RECOVERIES must be >= 0, got %d", s.NonceRecoveries)
	}
	if s.ReprobeAfter < 0 {
		add("REPROBE_AFTER must be >= 0, got %d", s.ReprobeAfter)
	}
	if s.RPCRPS < 0 || (s.RPCRPS > 0 && s.RPCBurst < 1) {
		add("RPC_RPS/RPC_BURST invalid: %v/%d", s.RPCRPS, s.RPCBurst)
	}
	if s.ReceiptTimeout <= 0 || s.ReceiptPoll <= 0 {
		add("receipt timeout/poll must be positive")
	}
	if s.GasFallback == 0 {
		add("GAS_FALLBACK must be > 0")
	}
	if s.GasBufferPct < 0 {
		add("GAS_BUFFER_PCT must be >= 0, got %d", s.GasBufferPct)
	}
	if s.FeeMode != "dynamic" && s.FeeMode != "legacy" {
		add("FEE_MODE must be dynamic or legacy, got %q", s.FeeMode)
	}
	if s.TipGwei < 0 || s.BasefeeMul < 1 {
		add("TIP_GWEI/BASEFEE_MUL invalid: %d/%d", s.TipGwei, s.BasefeeMul)
	}
	return errors.Join(errs...)
}

// ChainIDBig parses ChainID; nil when it is empty.
func (s Settings) ChainIDBig() (*big.Int, error) {
	if strings.TrimSpace(s.ChainID) == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(strings.TrimSpace(s.ChainID), 0)
	if !ok || v.Sign() <= 0 {
		return nil, chainerr.Configf("bad chain id %q", s.ChainID)
	}
	return v, nil
}

// SplitCSV splits "a, b,,c" into trimmed non-empty parts.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
