package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	assert.Equal(t, "errorKernel%Signature timed out. Please retry", Error(MessageSignatureTimeout))
	assert.Equal(t, "kernelAccountsChanged%0xabc", AccountsChanged("0xabc"))
	assert.Equal(t, KindError, KindOf(Error("x")))
	assert.Equal(t, "x", Payload(Error("x")))
}

func TestSignatureRequestEncoding(t *testing.T) {
	req := SignatureRequest{
		Method:    "eth_signTypedData_v4",
		Address:   "0x1111111111111111111111111111111111111111",
		Challenge: `{"message":"100%"}`,
		ID:        "c0ffee",
	}

	encoded := req.Encode()
	assert.Equal(t, `kernelSignatureRequest%eth_signTypedData_v4%0x1111111111111111111111111111111111111111%{"message":"100%"}%c0ffee`, encoded)

	parsed, err := ParseSignatureRequest(encoded, true)
	require.NoError(t, err)
	assert.Equal(t, req, parsed)

	legacy := SignatureRequest{Method: "personal_sign", Address: "0x1", Challenge: "0xdead"}
	parsed, err = ParseSignatureRequest(legacy.Encode(), false)
	require.NoError(t, err)
	assert.Equal(t, legacy, parsed)

	_, err = ParseSignatureRequest("errorKernel%x", false)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseSignatureResponse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    SignatureResponse
		wantErr bool
	}{
		{name: "bare", in: "kernelSignatureResponse%0xsig", want: SignatureResponse{Signature: "0xsig"}},
		{name: "with id", in: "kernelSignatureResponse%0xsig%abc", want: SignatureResponse{Signature: "0xsig", ID: "abc"}},
		{name: "empty signature", in: "kernelSignatureResponse%", wantErr: true},
		{name: "other kind", in: "errorKernel%0xsig", wantErr: true},
		{name: "too many fields", in: "kernelSignatureResponse%a%b%c", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSignatureResponse(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.Encode())
		})
	}
}

func TestHubFanOutAndUnsubscribe(t *testing.T) {
	hub := NewHub()

	var mu sync.Mutex
	var first, second []string
	unsubscribe := hub.Subscribe(func(m string) {
		mu.Lock()
		first = append(first, m)
		mu.Unlock()
	})
	hub.Subscribe(func(m string) {
		mu.Lock()
		second = append(second, m)
		mu.Unlock()
	})

	hub.Post("a")
	unsubscribe()
	unsubscribe()
	hub.Post("b")

	assert.Equal(t, []string{"a"}, first)
	assert.Equal(t, []string{"a", "b"}, second)
}
