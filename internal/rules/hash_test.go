package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashID(t *testing.T) {
	tests := []struct {
		in   string
		want ID
	}{
		{"", 5381},
		{"a", 177604},
		{"1:https://rpc.example:REDIRECT", 4913194},
		{"42:https://eth.llamarpc.com:REDIRECT", 12989076},
		{"7:https://x/é:REDIRECT", 11179305},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := HashID(tt.in)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, MinID)
			assert.LessOrEqual(t, got, MaxID)
		})
	}
}

func TestHashIDAvoidsReservedIDs(t *testing.T) {
	// These inputs reduce to 0, 1 and 2 before folding.
	assert.Equal(t, MaxID, HashID("aznoj"))
	assert.Equal(t, MaxID-1, HashID("bznoj"))
	assert.Equal(t, MaxID-2, HashID("cznoj"))

	for _, in := range []string{"aznoj", "bznoj", "cznoj"} {
		got := HashID(in)
		assert.NotEqual(t, HeadersRuleID, got)
		assert.NotEqual(t, RPCConfigRuleID, got)
	}
}

func TestRuleIDIsDeterministicAndPurposeScoped(t *testing.T) {
	redirect := RuleID(1, "https://rpc.example", PurposeRedirect)
	assert.Equal(t, ID(4913194), redirect)
	assert.Equal(t, redirect, RuleID(1, "https://rpc.example", PurposeRedirect))
	assert.NotEqual(t, redirect, RuleID(1, "https://rpc.example", PurposeHeaders))
	assert.NotEqual(t, redirect, RuleID(2, "https://rpc.example", PurposeRedirect))
}
