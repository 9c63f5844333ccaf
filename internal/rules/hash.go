package rules

import (
	"fmt"
	"unicode/utf16"
)

// HashID maps s onto the rule id space. It is a djb2 variant xor-folding the
// UTF-16 code units from the last to the first, reduced modulo MaxID.
//
// Results at or below RPCConfigRuleID are folded to MaxID minus the result,
// so a hashed id is never zero and never one of the reserved header rule
// ids. Other collisions are not detected: Store rejects an update adding the
// same id twice, and an update that removes the id first replaces the rule.
func HashID(s string) ID {
	var h uint32 = 5381
	units := utf16.Encode([]rune(s))
	for i := len(units) - 1; i >= 0; i-- {
		h = (h * 33) ^ uint32(units[i])
	}

	id := ID(h % uint32(MaxID))
	if id <= RPCConfigRuleID {
		return MaxID - id
	}
	return id
}

// RuleID derives the id of the rule serving purpose for endpoint under a context.
func RuleID(contextID int, endpoint string, purpose Purpose) ID {
	return HashID(fmt.Sprintf("%d:%s:%s", contextID, endpoint, purpose))
}
