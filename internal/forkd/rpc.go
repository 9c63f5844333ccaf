package forkd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const resetMethod = "console_reset"

// Forward relays a JSON-RPC body to the account's fork and returns the raw reply.
func (s *Service) Forward(ctx context.Context, account string, body []byte) ([]byte, int, error) {
	f, err := s.Lookup(account)
	if err != nil {
		return nil, 0, err
	}

	body, err = s.rewriteReset(body)
	if err != nil {
		return nil, 0, err
	}

	resp, err := s.http().R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(f.URL)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to reach fork node: %w", err)
	}
	return resp.Body(), resp.StatusCode(), nil
}

func (s *Service) http() *resty.Client {
	s.clientOnce.Do(func() {
		s.client = resty.New().SetTimeout(s.readyTimeout)
	})
	return s.client
}

// rewriteReset turns the console's reset call into anvil_reset against the
// upstream chain, for single and batch requests.
func (s *Service) rewriteReset(body []byte) ([]byte, error) {
	forking, err := json.Marshal([]any{map[string]any{
		"forking": map[string]any{"jsonRpcUrl": s.cfg.UpstreamRPCURL},
	}})
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		if parsed.Get("method").String() != resetMethod {
			return body, nil
		}
		return rewriteCall(body, "", forking)
	}

	for i, call := range parsed.Array() {
		if call.Get("method").String() != resetMethod {
			continue
		}
		if body, err = rewriteCall(body, strconv.Itoa(i)+".", forking); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func rewriteCall(body []byte, prefix string, params []byte) ([]byte, error) {
	body, err := sjson.SetBytes(body, prefix+"method", "anvil_reset")
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite reset method: %w", err)
	}
	body, err = sjson.SetRawBytes(body, prefix+"params", params)
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite reset params: %w", err)
	}
	return body, nil
}
