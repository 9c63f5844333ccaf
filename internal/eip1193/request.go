// Package eip1193 models wallet-provider requests as dapps issue them and
// adapts JSON-RPC clients to that shape.
package eip1193

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

type (
	// Request is a single provider call. ID is optional; zero means none.
	Request struct {
		ID     uint64 `json:"id,omitempty"`
		Method string `json:"method"`
		Params []any  `json:"params,omitempty"`
	}

	Provider interface {
		Request(ctx context.Context, req Request) (json.RawMessage, error)
	}

	ProviderFunc func(ctx context.Context, req Request) (json.RawMessage, error)
)

func (f ProviderFunc) Request(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Null is the encoded JSON null result.
var Null = json.RawMessage("null")

// UnmarshalJSON keeps numeric params as json.Number so large quantities survive a round trip.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	var p plain

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}

	*r = Request(p)
	return nil
}

// Param decodes params[i] into dst.
func (r Request) Param(i int, dst any) error {
	if i < 0 || i >= len(r.Params) {
		return fmt.Errorf("%s: missing param %d", r.Method, i)
	}

	raw, err := json.Marshal(r.Params[i])
	if err != nil {
		return fmt.Errorf("%s: failed to encode param %d: %w", r.Method, i, err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%s: failed to decode param %d: %w", r.Method, i, err)
	}

	return nil
}

// StringParam returns params[i] if it is a string.
func (r Request) StringParam(i int) (string, bool) {
	if i < 0 || i >= len(r.Params) {
		return "", false
	}
	s, ok := r.Params[i].(string)
	return s, ok
}

// Marshal encodes v as a provider result.
func Marshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return data, nil
}

// EncodeQuantity returns the 0x-prefixed hex form of n.
func EncodeQuantity(n uint64) string {
	return hexutil.EncodeUint64(n)
}

// ParseQuantity reads a quantity encoded either as a hex or decimal string or as a JSON number.
func ParseQuantity(raw json.RawMessage) (uint64, error) {
	n, err := ParseBig(raw)
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("quantity %s overflows uint64", n)
	}
	return n.Uint64(), nil
}

// ParseBig reads an arbitrary precision quantity; see ParseQuantity.
func ParseBig(raw json.RawMessage) (*big.Int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, Null) {
		return nil, fmt.Errorf("empty quantity")
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("failed to decode quantity: %w", err)
		}
	} else {
		s = string(raw)
	}

	return ParseBigString(s)
}

// ParseBigString accepts "0x"-prefixed hex and base-10 strings.
func ParseBigString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty quantity")
	}

	n := new(big.Int)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if len(s) == 2 {
			return n, nil
		}
		if _, ok := n.SetString(s[2:], 16); !ok {
			return nil, fmt.Errorf("invalid hex quantity %q", s)
		}
		return n, nil
	}

	if _, ok := n.SetString(s, 10); !ok {
		if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
			n, _ = big.NewFloat(f).Int(nil)
			return n, nil
		}
		return nil, fmt.Errorf("invalid quantity %q", s)
	}
	return n, nil
}
