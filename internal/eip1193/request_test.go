package eip1193

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestUnmarshalKeepsNumbers(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"id":7,"method":"eth_getBalance","params":["0xabc",123456789012345678901234567890]}`), &req))

	assert.Equal(t, uint64(7), req.ID)
	assert.Equal(t, "eth_getBalance", req.Method)
	require.Len(t, req.Params, 2)
	assert.Equal(t, json.Number("123456789012345678901234567890"), req.Params[1])

	encoded, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":7,"method":"eth_getBalance","params":["0xabc",123456789012345678901234567890]}`, string(encoded))
}

func TestRequestParam(t *testing.T) {
	req := Request{Method: "eth_sendTransaction", Params: []any{map[string]any{"to": "0x01", "value": "0x1"}}}

	var tx struct {
		To    string `json:"to"`
		Value string `json:"value"`
	}
	require.NoError(t, req.Param(0, &tx))
	assert.Equal(t, "0x01", tx.To)
	assert.Equal(t, "0x1", tx.Value)

	assert.Error(t, req.Param(1, &tx))

	s, ok := Request{Params: []any{"hello", 3}}.StringParam(0)
	assert.True(t, ok)
	assert.Equal(t, "hello", s)
	_, ok = Request{Params: []any{"hello", 3}}.StringParam(1)
	assert.False(t, ok)
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    uint64
		wantErr bool
	}{
		{name: "hex string", raw: `"0x1"`, want: 1},
		{name: "empty hex", raw: `"0x"`, want: 0},
		{name: "decimal string", raw: `"137"`, want: 137},
		{name: "number", raw: `10`, want: 10},
		{name: "null", raw: `null`, wantErr: true},
		{name: "garbage", raw: `"chain"`, wantErr: true},
		{name: "overflow", raw: `"0x10000000000000000"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseQuantity(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseBigString(t *testing.T) {
	n, err := ParseBigString("1000000000000000000000")
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("1000000000000000000000", 10)
	assert.Equal(t, 0, want.Cmp(n))
}

type codedError struct{}

func (codedError) Error() string          { return "execution reverted" }
func (codedError) ErrorCode() int         { return 3 }
func (codedError) ErrorData() interface{} { return "0x08c379a0" }

func TestAsRPCError(t *testing.T) {
	assert.Nil(t, AsRPCError(nil))

	unsupported := NewError(CodeUnsupportedMethod, "%s is not supported", "eth_sign")
	assert.Same(t, unsupported, AsRPCError(unsupported))

	upstream := AsRPCError(codedError{})
	assert.Equal(t, 3, upstream.Code)
	assert.Equal(t, "0x08c379a0", upstream.Data)

	generic := AsRPCError(errors.New("boom"))
	assert.Equal(t, CodeInternal, generic.Code)
	assert.Equal(t, "boom", generic.Message)
}
