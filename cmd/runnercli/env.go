package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ligun0805/testnet-runner/internal/config"
)

func printConfig(cfg config.Settings) {
	chainID := cfg.ChainID
	if chainID == "" {
		chainID = "(from endpoint)"
	}
	urls := make([]string, 0, len(cfg.RPCURLs))
	for _, u := range cfg.RPCURLs {
		urls = append(urls, maskURL(u))
	}
	fmt.Println("=== CONFIG (.env) ===")
	fmt.Println("RPC_URLS          :", strings.Join(urls, ", "))
	fmt.Println("CHAIN_ID          :", chainID)
	fmt.Println("KEY_FILE          :", cfg.KeyFile)
	if cfg.ProtocolsFile != "" {
		fmt.Println("PROTOCOLS_FILE    :", cfg.ProtocolsFile)
	}
	fmt.Println("Cycles            :", cfg.Cycles)
	fmt.Println("Delay             :", cfg.DelayMin, "..", cfg.DelayMax)
	fmt.Println("Concurrency       :", cfg.Concurrency)
	fmt.Println("Retry             :", cfg.RetryAttempts, "attempts,", cfg.RetryBase, "..", cfg.RetryMax)
	fmt.Println("FeeMode           :", cfg.FeeMode)
	fmt.Println("Tip (gwei)        :", tipLabel(cfg.TipGwei))
	fmt.Println("BaseFeeMul        :", cfg.BasefeeMul)
	fmt.Println("BufferPct         :", cfg.GasBufferPct)
	fmt.Println("Simulate          :", cfg.Simulate)
	fmt.Println("=====================")
}

func tipLabel(g int64) string {
	if g <= 0 {
		return "auto"
	}
	return fmt.Sprint(g)
}

// maskURL hides long path segments and query values, where providers put
// API keys.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return maskHex(raw)
	}
	parts := strings.Split(u.Path, "/")
	for i, p := range parts {
		if len(p) > 16 {
			parts[i] = maskHex(p)
		}
	}
	out := u.Scheme + "://" + u.Host + strings.Join(parts, "/")
	if u.RawQuery != "" {
		out += "?***"
	}
	return out
}

func maskHex(h string) string {
	h = strings.TrimSpace(h)
	if len(h) <= 10 {
		return "***"
	}
	return h[:6] + "…" + h[len(h)-4:]
}
