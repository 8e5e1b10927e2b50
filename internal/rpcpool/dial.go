package rpcpool

import (
	"context"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// DialFunc opens a client for url. It must not block on the network; the
// pool probes the endpoint itself.
type DialFunc func(ctx context.Context, url string, timeout time.Duration) (*ethclient.Client, error)

// Dial builds an HTTP JSON-RPC client with keep-alive and a per-request timeout.
func Dial(_ context.Context, url string, timeout time.Duration) (*ethclient.Client, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
	rpcClient, err := rpc.DialHTTPWithClient(url, httpClient)
	if err != nil {
		return nil, err
	}
	return ethclient.NewClient(rpcClient), nil
}
