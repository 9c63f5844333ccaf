package simulate

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const safeABIJSON = `[
  {
    "name": "execTransaction",
    "type": "function",
    "stateMutability": "payable",
    "inputs": [
      {"name": "to", "type": "address"},
      {"name": "value", "type": "uint256"},
      {"name": "data", "type": "bytes"},
      {"name": "operation", "type": "uint8"},
      {"name": "safeTxGas", "type": "uint256"},
      {"name": "baseGas", "type": "uint256"},
      {"name": "gasPrice", "type": "uint256"},
      {"name": "gasToken", "type": "address"},
      {"name": "refundReceiver", "type": "address"},
      {"name": "signatures", "type": "bytes"}
    ],
    "outputs": [{"name": "success", "type": "bool"}]
  },
  {
    "name": "getThreshold",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint256"}]
  }
]`

var safeABI = mustParseABI(safeABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid safe abi: %v", err))
	}
	return parsed
}

// Operation of a meta-transaction as the Safe executes it.
type Operation uint8

const (
	OperationCall         Operation = 0
	OperationDelegateCall Operation = 1
)

// MetaTransaction is a call independent of how it gets wrapped.
type MetaTransaction struct {
	To        common.Address `json:"to"`
	Value     *big.Int       `json:"value"`
	Data      []byte         `json:"data"`
	Operation Operation      `json:"operation"`
}

// PreValidatedSignature is the owner's approved-by-sender signature: r holds
// the owner address, s is zero and v is 1.
func PreValidatedSignature(owner common.Address) []byte {
	sig := make([]byte, 65)
	copy(sig[12:32], owner.Bytes())
	sig[64] = 1
	return sig
}

// EncodeExecTransaction encodes tx as an execTransaction call authorized by owner.
func EncodeExecTransaction(tx MetaTransaction, owner common.Address) ([]byte, error) {
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}

	data, err := safeABI.Pack("execTransaction",
		tx.To,
		value,
		tx.Data,
		uint8(tx.Operation),
		big.NewInt(0),
		big.NewInt(0),
		big.NewInt(0),
		common.Address{},
		common.Address{},
		PreValidatedSignature(owner),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execTransaction: %w", err)
	}
	return data, nil
}

func encodeGetThreshold() []byte {
	data, err := safeABI.Pack("getThreshold")
	if err != nil {
		panic(fmt.Sprintf("failed to encode getThreshold: %v", err))
	}
	return data
}
