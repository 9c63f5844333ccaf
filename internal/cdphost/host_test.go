package cdphost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Brahma-fi/brahma-connect/internal/rules"
	"github.com/Brahma-fi/brahma-connect/internal/tracker"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tabID     = "8F1C2A"
	contextID = 5
)

type recordingObserver struct {
	mu   sync.Mutex
	seen []tracker.OutboundRequest
}

func (o *recordingObserver) ObserveOutboundRequest(_ context.Context, req tracker.OutboundRequest) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, req)
	return true
}

type nopLifecycle struct{}

func (nopLifecycle) HandleContextEvent(context.Context, tracker.ContextEvent) {}

func newHost(t *testing.T, add ...rules.Rule) (*Host, *recordingObserver) {
	t.Helper()
	store := rules.NewStore()
	require.NoError(t, store.UpdateSessionRules(context.Background(), rules.Update{AddRules: add}))

	observer := &recordingObserver{}
	h := New(Options{ContextID: contextID}, store, observer, nopLifecycle{})
	h.mainFrame = page.FrameID(tabID)
	return h, observer
}

func paused(url, method string, resourceType network.ResourceType, frame string) *fetch.RequestPausedReply {
	return &fetch.RequestPausedReply{
		RequestID:    fetch.RequestID("interception-1"),
		FrameID:      page.FrameID(frame),
		ResourceType: resourceType,
		Request: network.Request{
			URL:     url,
			Method:  method,
			Headers: network.Headers(`{"Accept":"application/json","Content-Type":"application/json"}`),
		},
	}
}

func TestContinueRequestRedirectsRPC(t *testing.T) {
	h, _ := newHost(t, rules.Rule{
		ID:        100,
		Priority:  1,
		Action:    rules.Action{Type: rules.ActionRedirect, Redirect: &rules.Redirect{URL: "https://fork.example/rpc"}},
		Condition: rules.Condition{URLFilter: "https://rpc.dapp.example", ResourceTypes: []rules.ResourceType{rules.ResourceXMLHTTPRequest}, TabIDs: []int{contextID}},
	})

	args := h.continueRequest(paused("https://rpc.dapp.example/v1", http.MethodPost, "Fetch", "child"))
	require.NotNil(t, args.URL)
	assert.Equal(t, "https://fork.example/rpc", *args.URL)
	assert.Nil(t, args.Headers, "headers untouched without header rules")
	assert.Equal(t, fetch.RequestID("interception-1"), args.RequestID)

	args = h.continueRequest(paused("https://rpc.other.example/v1", http.MethodPost, "Fetch", "child"))
	assert.Nil(t, args.URL)
}

func TestContinueRequestMergesHeaders(t *testing.T) {
	h, _ := newHost(t, rules.Rule{
		ID: rules.RPCConfigRuleID,
		Action: rules.Action{Type: rules.ActionModifyHeaders, RequestHeaders: []rules.HeaderInfo{
			{Header: "Authorization", Operation: rules.HeaderSet, Value: "Bearer jwt"},
			{Header: "Accept", Operation: rules.HeaderRemove},
		}},
		Condition: rules.Condition{URLFilter: "https://gtw.example/rpc", ResourceTypes: []rules.ResourceType{rules.ResourceXMLHTTPRequest}},
	})

	args := h.continueRequest(paused("https://gtw.example/rpc", http.MethodPost, "XHR", "child"))
	assert.Nil(t, args.URL)
	assert.Equal(t, []fetch.HeaderEntry{
		{Name: "Authorization", Value: "Bearer jwt"},
		{Name: "Content-Type", Value: "application/json"},
	}, args.Headers)
}

func TestContinueResponseStripsFrameHeaders(t *testing.T) {
	h, _ := newHost(t, rules.Rule{
		ID: rules.HeadersRuleID,
		Action: rules.Action{Type: rules.ActionModifyHeaders, ResponseHeaders: []rules.HeaderInfo{
			{Header: "x-frame-options", Operation: rules.HeaderRemove},
			{Header: "content-security-policy", Operation: rules.HeaderRemove},
		}},
		Condition: rules.Condition{ResourceTypes: []rules.ResourceType{rules.ResourceSubFrame}, TabIDs: []int{contextID}},
	})

	status := 200
	ev := paused("https://app.dapp.example/", http.MethodGet, "Document", "child")
	ev.ResponseStatusCode = &status
	ev.ResponseHeaders = []fetch.HeaderEntry{
		{Name: "X-Frame-Options", Value: "SAMEORIGIN"},
		{Name: "content-security-policy", Value: "frame-ancestors 'self'"},
		{Name: "content-type", Value: "text/html"},
	}

	args := h.continueResponse(ev)
	assert.Equal(t, []fetch.HeaderEntry{{Name: "Content-Type", Value: "text/html"}}, args.ResponseHeaders)

	ev.FrameID = page.FrameID(tabID)
	assert.Nil(t, h.continueResponse(ev).ResponseHeaders, "top level documents keep their headers")
}

func TestObserveReportsPostBodies(t *testing.T) {
	h, observer := newHost(t)

	body := `{"jsonrpc":"2.0","id":1,"method":"eth_chainId"}`
	ev := paused("https://rpc.dapp.example", http.MethodPost, "Fetch", "child")
	ev.Request.PostData = &body
	h.observe(context.Background(), ev)

	h.observe(context.Background(), paused("https://rpc.dapp.example", http.MethodGet, "Fetch", "child"))

	require.Len(t, observer.seen, 1)
	assert.Equal(t, tracker.OutboundRequest{
		ContextID: contextID,
		URL:       "https://rpc.dapp.example",
		Method:    http.MethodPost,
		Body:      []byte(body),
	}, observer.seen[0])
}

func TestResourceType(t *testing.T) {
	h, _ := newHost(t)

	tests := []struct {
		resourceType network.ResourceType
		frame        string
		want         rules.ResourceType
	}{
		{"Document", tabID, rules.ResourceMainFrame},
		{"Document", "child", rules.ResourceSubFrame},
		{"XHR", "child", rules.ResourceXMLHTTPRequest},
		{"Fetch", tabID, rules.ResourceXMLHTTPRequest},
		{"Script", tabID, rules.ResourceOther},
	}

	for _, tt := range tests {
		t.Run(string(tt.resourceType)+"/"+tt.frame, func(t *testing.T) {
			ev := paused("https://app.dapp.example", http.MethodGet, tt.resourceType, tt.frame)
			assert.Equal(t, tt.want, h.resourceType(ev))
		})
	}
}

func TestSelectTarget(t *testing.T) {
	list := `[
		{"id":"SW1","type":"service_worker","url":"chrome-extension://x/sw.js","webSocketDebuggerUrl":"ws://127.0.0.1/devtools/page/SW1"},
		{"id":"AAA","type":"page","url":"https://console.brahma.fi/","webSocketDebuggerUrl":"ws://127.0.0.1/devtools/page/AAA"},
		{"id":"BBB","type":"page","url":"https://app.uniswap.org/","webSocketDebuggerUrl":"ws://127.0.0.1/devtools/page/BBB"}
	]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(list))
	}))
	defer srv.Close()

	h := New(Options{DevToolsURL: srv.URL}, rules.NewStore(), nil, nopLifecycle{})
	target, err := h.selectTarget(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AAA", target.ID)

	h = New(Options{DevToolsURL: srv.URL, TargetID: "BBB"}, rules.NewStore(), nil, nopLifecycle{})
	target, err = h.selectTarget(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://app.uniswap.org/", target.URL)

	h = New(Options{DevToolsURL: srv.URL, TargetID: "CCC"}, rules.NewStore(), nil, nopLifecycle{})
	_, err = h.selectTarget(context.Background())
	assert.ErrorIs(t, err, ErrNoTarget)
}
