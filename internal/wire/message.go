// Package wire defines the messages exchanged between the page context, the
// coordinator and the tracker. Every message is one JSON object distinguished
// by a few tag fields, or a bare JSON string for human-facing notifications.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
)

const (
	TypeStartSimulating    = "startSimulating"
	TypeStopSimulating     = "stopSimulating"
	TypeNavigationDetected = "navigationDetected"
	TypeInjectIFrame       = "injectIFrame"
	TypeRequestChainID     = "requestChainId"
	TypeUpdateRPCConfig    = "updateRpcConfig"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindInit
	KindRequest
	KindResponse
	KindEvent
	KindHost
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindHost:
		return "host"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

type Message struct {
	BridgeInit     bool `json:"consoleKernelBridgeInit,omitempty"`
	BridgeRequest  bool `json:"consoleKernelBridgeRequest,omitempty"`
	BridgeResponse bool `json:"consoleKernelBridgeResponse,omitempty"`
	BridgeEvent    bool `json:"consoleKernelBridgeEvent,omitempty"`

	MessageID *uint64           `json:"messageId,omitempty"`
	Request   *eip1193.Request  `json:"request,omitempty"`
	Response  json.RawMessage   `json:"response,omitempty"`
	Error     *eip1193.RPCError `json:"error,omitempty"`
	Event     string            `json:"event,omitempty"`
	Args      []json.RawMessage `json:"args,omitempty"`

	Type         string `json:"type,omitempty"`
	ToBackground bool   `json:"toBackground,omitempty"`
	NetworkID    uint64 `json:"networkId,omitempty"`
	RPCURL       string `json:"rpcUrl,omitempty"`
	URL          string `json:"url,omitempty"`
	ChainID      string `json:"chainId,omitempty"`
	JWTToken     string `json:"jwtToken,omitempty"`

	// Text is set for string messages; it is encoded as a bare JSON string.
	Text string `json:"-"`
}

func (m Message) Kind() Kind {
	switch {
	case m.Text != "":
		return KindText
	case m.BridgeInit:
		return KindInit
	case m.BridgeRequest:
		return KindRequest
	case m.BridgeResponse:
		return KindResponse
	case m.BridgeEvent:
		return KindEvent
	case m.Type != "":
		return KindHost
	default:
		return KindUnknown
	}
}

// ID returns the correlation id and whether one is set.
func (m Message) ID() (uint64, bool) {
	if m.MessageID == nil {
		return 0, false
	}
	return *m.MessageID, true
}

func (m Message) MarshalJSON() ([]byte, error) {
	if m.Text != "" {
		return json.Marshal(m.Text)
	}
	type plain Message
	return json.Marshal(plain(m))
}

func (m *Message) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return err
		}
		*m = Message{Text: text}
		return nil
	}

	type plain Message
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*m = Message(p)
	return nil
}

func Init() Message {
	return Message{BridgeInit: true}
}

func NewRequest(id uint64, req eip1193.Request) Message {
	return Message{BridgeRequest: true, MessageID: &id, Request: &req}
}

// NewResponse carries exactly one of result or err.
func NewResponse(id uint64, result json.RawMessage, err error) Message {
	msg := Message{BridgeResponse: true, MessageID: &id}
	if err != nil {
		msg.Error = eip1193.AsRPCError(err)
		return msg
	}
	if result == nil {
		result = eip1193.Null
	}
	msg.Response = result
	return msg
}

func NewEvent(event string, args ...any) (Message, error) {
	encoded := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return Message{}, fmt.Errorf("failed to encode %s event arg %d: %w", event, i, err)
		}
		encoded = append(encoded, raw)
	}
	return Message{BridgeEvent: true, Event: event, Args: encoded}, nil
}

func Text(text string) Message {
	return Message{Text: text}
}

func StartSimulating(networkID uint64, rpcURL string) Message {
	return Message{Type: TypeStartSimulating, ToBackground: true, NetworkID: networkID, RPCURL: rpcURL}
}

func StopSimulating() Message {
	return Message{Type: TypeStopSimulating, ToBackground: true}
}

func NavigationDetected() Message {
	return Message{Type: TypeNavigationDetected}
}

func InjectIFrame() Message {
	return Message{Type: TypeInjectIFrame}
}

func UpdateRPCConfig(url, chainID, jwtToken string) Message {
	return Message{Type: TypeUpdateRPCConfig, ToBackground: true, URL: url, ChainID: chainID, JWTToken: jwtToken}
}

// RequestChainID asks the page context to probe url for its chain id.
func RequestChainID(id uint64, url string) Message {
	return Message{Type: TypeRequestChainID, MessageID: &id, URL: url}
}

// ChainIDResult answers a RequestChainID with the same id.
func ChainIDResult(id uint64, url string, networkID uint64, err error) Message {
	msg := Message{Type: TypeRequestChainID, MessageID: &id, URL: url, NetworkID: networkID, Response: eip1193.Null}
	if err != nil {
		msg.Response = nil
		msg.Error = eip1193.AsRPCError(err)
	}
	return msg
}

// IsChainIDResult reports whether m answers a chain id probe rather than asking for one.
func (m Message) IsChainIDResult() bool {
	return m.Type == TypeRequestChainID && (m.Response != nil || m.Error != nil)
}
