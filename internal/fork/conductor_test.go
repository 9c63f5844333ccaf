package fork

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConductorAssign(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		status  = http.StatusOK
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewConductor(ConductorOptions{
		BaseURL:    srv.URL + "/v1/conductor/forks/",
		CreatePath: "/assign/connect",
		RPCPath:    "sandbox/connect",
		JWTToken:   "token",
	})

	require.NoError(t, c.Assign(context.Background(), account))
	assert.Equal(t, "/v1/conductor/forks/assign/connect/"+account.Hex(), gotPath)
	assert.Equal(t, "Bearer token", gotAuth)
	assert.Equal(t, srv.URL+"/v1/conductor/forks/sandbox/connect/"+account.Hex(), c.RPCURL(account))

	status = http.StatusInternalServerError
	err := c.Assign(context.Background(), account)
	require.ErrorIs(t, err, ErrForkCreation)
	assert.Contains(t, err.Error(), "500")
}
