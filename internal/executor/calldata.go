package executor

import (
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/ligun0805/testnet-runner/internal/chainerr"
)

const balancePrefix = "{balance:"

// env resolves placeholders for one action of one cycle.
type env struct {
	self     common.Address
	amount   *big.Int
	deadline *big.Int
	balance  func(token common.Address) (*big.Int, error)
}

func sel(sig string) []byte {
	h := gethcrypto.Keccak256([]byte(sig))
	return h[:4]
}

// parseSignature splits "swap(uint256,address[])" into name and arg types.
func parseSignature(sig string) (string, []string, error) {
	sig = strings.ReplaceAll(strings.TrimSpace(sig), " ", "")
	open := strings.IndexByte(sig, '(')
	if open <= 0 || !strings.HasSuffix(sig, ")") {
		return "", nil, chainerr.Configf("bad method signature %q", sig)
	}
	return sig[:open], splitTop(sig[open+1 : len(sig)-1]), nil
}

// splitTop splits s on commas that are not nested in brackets.
func splitTop(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

// selector returns the 4-byte selector and the argument types of a.
// Both are nil for a plain value transfer.
func selector(a Action) ([]byte, []string, error) {
	switch {
	case a.Method != "":
		name, types, err := parseSignature(a.Method)
		if err != nil {
			return nil, nil, err
		}
		return sel(name + "(" + strings.Join(types, ",") + ")"), types, nil
	case a.Selector != "":
		b := common.FromHex(a.Selector)
		if len(b) != 4 {
			return nil, nil, chainerr.Configf("%s: selector %q is not 4 bytes", a.Name, a.Selector)
		}
		return b, a.ArgTypes, nil
	}
	return nil, nil, nil
}

func (e env) encode(a Action) ([]byte, error) {
	if a.Deploy {
		code := common.FromHex(a.Bytecode)
		if len(code) == 0 {
			return nil, chainerr.Configf("%s: deploy without bytecode", a.Name)
		}
		packed, err := e.pack(a.Name, a.ArgTypes, a.Args)
		if err != nil {
			return nil, err
		}
		return append(code, packed...), nil
	}
	sig, types, err := selector(a)
	if err != nil {
		return nil, err
	}
	if sig == nil {
		if len(a.Args) > 0 {
			return nil, chainerr.Configf("%s: args without method", a.Name)
		}
		return nil, nil
	}
	packed, err := e.pack(a.Name, types, a.Args)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, sig...), packed...), nil
}

func (e env) pack(name string, types, raw []string) ([]byte, error) {
	if len(types) != len(raw) {
		return nil, chainerr.Configf("%s: %d arg types but %d args", name, len(types), len(raw))
	}
	if len(types) == 0 {
		return nil, nil
	}
	args := make(abi.Arguments, 0, len(types))
	values := make([]any, 0, len(types))
	for i, ts := range types {
		t, err := abi.NewType(ts, "", nil)
		if err != nil {
			return nil, chainerr.Configf("%s: arg %d: %v", name, i, err)
		}
		v, err := e.value(t, raw[i])
		if err != nil {
			return nil, errors.WithMessagef(err, "%s: arg %d", name, i)
		}
		args = append(args, abi.Argument{Type: t})
		values = append(values, v)
	}
	out, err := args.Pack(values...)
	if err != nil {
		return nil, chainerr.Configf("%s: pack: %v", name, err)
	}
	return out, nil
}

// value converts one raw argument into the Go value abi expects for t.
func (e env) value(t abi.Type, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch t.T {
	case abi.AddressTy:
		return e.address(raw)
	case abi.UintTy, abi.IntTy:
		n, err := e.uint(raw)
		if err != nil {
			return nil, err
		}
		bits := t.Size
		if t.T == abi.IntTy {
			bits--
		}
		if n.BitLen() > bits {
			return nil, chainerr.Configf("%s out of range for %s", n, t)
		}
		if t.Size > 64 {
			return n, nil
		}
		v := reflect.New(t.GetType()).Elem()
		if t.T == abi.UintTy {
			v.SetUint(n.Uint64())
		} else {
			v.SetInt(n.Int64())
		}
		return v.Interface(), nil
	case abi.BoolTy:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, chainerr.Configf("bad bool %q", raw)
		}
		return b, nil
	case abi.StringTy:
		return raw, nil
	case abi.BytesTy:
		return common.FromHex(raw), nil
	case abi.FixedBytesTy:
		b := common.FromHex(raw)
		if len(b) > t.Size {
			return nil, chainerr.Configf("%q longer than bytes%d", raw, t.Size)
		}
		v := reflect.New(t.GetType()).Elem()
		reflect.Copy(v, reflect.ValueOf(b))
		return v.Interface(), nil
	case abi.SliceTy, abi.ArrayTy:
		items := splitTop(strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]"))
		if t.T == abi.ArrayTy && len(items) != t.Size {
			return nil, chainerr.Configf("want %d items, got %d", t.Size, len(items))
		}
		v := reflect.New(t.GetType()).Elem()
		if t.T == abi.SliceTy {
			v = reflect.MakeSlice(t.GetType(), len(items), len(items))
		}
		for i, it := range items {
			ev, err := e.value(*t.Elem, it)
			if err != nil {
				return nil, err
			}
			v.Index(i).Set(reflect.ValueOf(ev))
		}
		return v.Interface(), nil
	}
	return nil, chainerr.Configf("unsupported arg type %s", t.String())
}

func (e env) address(raw string) (common.Address, error) {
	if raw == "{self}" {
		return e.self, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, chainerr.Configf("bad address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

// uint resolves integer placeholders and base-unit literals.
func (e env) uint(raw string) (*big.Int, error) {
	switch {
	case raw == "{amount}":
		if e.amount == nil {
			return nil, chainerr.Configf("{amount} used without an amount range")
		}
		return new(big.Int).Set(e.amount), nil
	case raw == "{deadline}":
		return new(big.Int).Set(e.deadline), nil
	case raw == "max":
		return new(big.Int).Set(math.MaxBig256), nil
	case strings.HasPrefix(raw, balancePrefix) && strings.HasSuffix(raw, "}"):
		token := strings.TrimSuffix(strings.TrimPrefix(raw, balancePrefix), "}")
		if !common.IsHexAddress(token) {
			return nil, chainerr.Configf("bad token in %q", raw)
		}
		return e.balance(common.HexToAddress(token))
	}
	n, ok := new(big.Int).SetString(raw, 0)
	if !ok || n.Sign() < 0 {
		return nil, chainerr.Configf("bad integer %q", raw)
	}
	return n, nil
}

// nativeAmount resolves Value-like fields: placeholders or decimal coin amounts.
func (e env) nativeAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	if strings.HasPrefix(raw, "{") || raw == "max" {
		return e.uint(raw)
	}
	v, err := ParseUnits(raw, 18)
	if err != nil {
		return nil, chainerr.Configf("bad native amount %q: %v", raw, err)
	}
	return v, nil
}

// target resolves the To field; nil means contract creation.
func (e env) target(a Action) (*common.Address, error) {
	if a.Deploy {
		return nil, nil
	}
	if a.To == "" {
		return nil, chainerr.Configf("%s: missing target address", a.Name)
	}
	to, err := e.address(a.To)
	if err != nil {
		return nil, errors.WithMessage(err, a.Name)
	}
	return &to, nil
}
