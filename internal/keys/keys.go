// Package keys loads wallet private keys from a plaintext file and turns
// them into accounts.
package keys

import (
	"bufio"
	"crypto/ecdsa"
	"encoding/hex"
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
)

// Account is one wallet of the run. Key never leaves the process.
type Account struct {
	Index   int
	Address common.Address
	Key     *ecdsa.PrivateKey
}

// Short is the display form used in logs: "0x1234ab...".
func (a Account) Short() string {
	h := a.Address.Hex()
	if len(h) <= 8 {
		return h
	}
	return h[:8] + "..."
}

// Loader reads newline-delimited private keys. In strict mode malformed
// lines are dropped with a warning naming only the line number.
type Loader struct {
	Strict bool
	Log    *zap.Logger
}

// LoadFile reads and parses path.
func (l Loader) LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, chainerr.Mark(errors.Wrapf(err, "read key file %s", path), chainerr.Configuration)
	}
	defer f.Close()
	keys, err := l.Parse(f)
	if err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return keys, nil
}

// Parse returns the keys of r in file order, without 0x prefix.
// Blank lines and lines starting with '#' are ignored.
func (l Loader) Parse(r io.Reader) ([]string, error) {
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}
	var out []string
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key := strings.TrimPrefix(strings.TrimPrefix(line, "0x"), "0X")
		if l.Strict && !validHexKey(key) {
			log.Warn("skipping malformed key line", zap.Int("line", lineNo))
			continue
		}
		out = append(out, key)
	}
	if err := sc.Err(); err != nil {
		return nil, chainerr.Mark(errors.Wrap(err, "scan keys"), chainerr.Configuration)
	}
	if len(out) == 0 {
		return nil, chainerr.Configf("key file has no usable keys")
	}
	return out, nil
}

func validHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// NewAccount derives the address of hexKey (with or without 0x).
func NewAccount(index int, hexKey string) (Account, error) {
	h := strings.TrimSpace(strings.TrimPrefix(hexKey, "0x"))
	if h == "" {
		return Account{}, chainerr.Configf("key #%d is empty", index)
	}
	prv, err := gethcrypto.HexToECDSA(h)
	if err != nil {
		// The key itself must not end up in the message.
		return Account{}, chainerr.Configf("key #%d is not a valid secp256k1 key", index)
	}
	return Account{Index: index, Address: gethcrypto.PubkeyToAddress(prv.PublicKey), Key: prv}, nil
}

// Accounts converts raw keys into accounts numbered from 1.
func Accounts(raw []string) ([]Account, error) {
	out := make([]Account, 0, len(raw))
	for i, k := range raw {
		a, err := NewAccount(i+1, k)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// Shuffle permutes accts in place. Indexes stay attached to their keys.
func Shuffle(accts []Account, rng *rand.Rand) {
	rng.Shuffle(len(accts), func(i, j int) { accts[i], accts[j] = accts[j], accts[i] })
}
