// Package rules models the host platform's declarative network rules: the
// header stripping and redirect rules the tracker installs per browsing context.
package rules

import "context"

type (
	ID              int
	ResourceType    string
	ActionType      string
	HeaderOperation string
	Purpose         string

	Rule struct {
		ID        ID        `json:"id" yaml:"id"`
		Priority  int       `json:"priority" yaml:"priority"`
		Action    Action    `json:"action" yaml:"action"`
		Condition Condition `json:"condition" yaml:"condition"`
	}

	Action struct {
		Type            ActionType   `json:"type" yaml:"type"`
		Redirect        *Redirect    `json:"redirect,omitempty" yaml:"redirect,omitempty"`
		RequestHeaders  []HeaderInfo `json:"requestHeaders,omitempty" yaml:"request-headers,omitempty"`
		ResponseHeaders []HeaderInfo `json:"responseHeaders,omitempty" yaml:"response-headers,omitempty"`
	}

	Redirect struct {
		URL string `json:"url" yaml:"url"`
	}

	HeaderInfo struct {
		Header    string          `json:"header" yaml:"header"`
		Operation HeaderOperation `json:"operation" yaml:"operation"`
		Value     string          `json:"value,omitempty" yaml:"value,omitempty"`
	}

	Condition struct {
		ResourceTypes []ResourceType `json:"resourceTypes,omitempty" yaml:"resource-types,omitempty"`
		URLFilter     string         `json:"urlFilter,omitempty" yaml:"url-filter,omitempty"`
		TabIDs        []int          `json:"tabIds,omitempty" yaml:"tab-ids,omitempty"`
	}

	// Update removes RemoveRuleIDs and then adds AddRules, as one operation.
	Update struct {
		RemoveRuleIDs []ID
		AddRules      []Rule
	}

	// Engine is the host platform's session rule subsystem.
	Engine interface {
		UpdateSessionRules(ctx context.Context, update Update) error
	}

	// Request is what a rule is matched against.
	Request struct {
		URL          string
		ResourceType ResourceType
		TabID        int
	}
)

const (
	ResourceMainFrame      ResourceType = "main_frame"
	ResourceSubFrame       ResourceType = "sub_frame"
	ResourceXMLHTTPRequest ResourceType = "xmlhttprequest"
	ResourceOther          ResourceType = "other"

	ActionModifyHeaders ActionType = "modifyHeaders"
	ActionRedirect      ActionType = "redirect"

	HeaderRemove HeaderOperation = "remove"
	HeaderSet    HeaderOperation = "set"
	HeaderAppend HeaderOperation = "append"

	PurposeRedirect Purpose = "REDIRECT"
	PurposeHeaders  Purpose = "HEADERS"
)

const (
	// HeadersRuleID strips frame-blocking response headers for every tracked context.
	HeadersRuleID ID = 1
	// RPCConfigRuleID injects auth headers into requests to the controller's RPC.
	RPCConfigRuleID ID = 2

	MinID ID = 1
	MaxID ID = 0xffffff
)
