package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Brahma-fi/brahma-connect/internal/eip1193"
	"github.com/Brahma-fi/brahma-connect/internal/metrics"
	"github.com/Brahma-fi/brahma-connect/internal/notify"
	"github.com/google/uuid"
)

// sign relays a signing call to the human approver. Only single-owner
// consoles can sign, and only one signature may be outstanding at a time.
func (a *Adapter) sign(ctx context.Context, req eip1193.Request) (json.RawMessage, error) {
	threshold, err := a.threshold(ctx)
	if err != nil {
		a.post(notify.Error(notify.MessageGenericError))
		metrics.SignatureRequests.WithLabelValues("threshold_error").Inc()
		a.logger.Error("failed to fetch threshold", "err", err)
		return nil, fmt.Errorf("%w: %w", ErrThresholdUnavailable, err)
	}

	if threshold != 1 {
		message := fmt.Sprintf("%s is only supported on single threshold consoles", req.Method)
		a.post(notify.Error(message))
		metrics.SignatureRequests.WithLabelValues("unsupported").Inc()
		return nil, eip1193.NewError(eip1193.CodeUnsupportedMethod, "%s", message)
	}

	sigReq, err := signatureRequest(req)
	if err != nil {
		return nil, eip1193.NewError(eip1193.CodeInternal, "%v", err)
	}

	pending := &pendingSignature{id: uuid.NewString(), signature: make(chan string, 1)}
	a.mu.Lock()
	if a.pending != nil {
		a.mu.Unlock()
		metrics.SignatureRequests.WithLabelValues("rejected_concurrent").Inc()
		return nil, ErrSignaturePending
	}
	a.pending = pending
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.pending = nil
		a.mu.Unlock()
	}()

	sigReq.ID = pending.id
	if a.opts.Notifier == nil {
		return nil, eip1193.NewError(eip1193.CodeResourceUnavailable, "no approver connected")
	}
	unsubscribe := a.opts.Notifier.Subscribe(func(message string) {
		if notify.KindOf(message) != notify.KindSignatureResponse {
			return
		}
		resp, err := notify.ParseSignatureResponse(message)
		if err != nil {
			a.logger.Warn("dropping malformed signature response", "err", err)
			return
		}
		if resp.ID != "" && resp.ID != pending.id {
			a.logger.Debug("ignoring signature for another request", "signature_id", resp.ID)
			return
		}
		select {
		case pending.signature <- resp.Signature:
		default:
		}
	})
	defer unsubscribe()

	a.logger.Info("requesting signature", "method", req.Method, "signature_id", pending.id)
	a.opts.Notifier.Post(sigReq.Encode())

	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for attempts := 0; ; attempts++ {
		select {
		case signature := <-pending.signature:
			metrics.SignatureRequests.WithLabelValues("signed").Inc()
			return eip1193.Marshal(signature)
		default:
		}

		if attempts >= a.opts.MaxAttempts {
			a.post(notify.Error(notify.MessageSignatureTimeout))
			metrics.SignatureRequests.WithLabelValues("timeout").Inc()
			a.logger.Warn("signature timed out", "method", req.Method, "signature_id", pending.id)
			return nil, ErrSignatureTimeout
		}

		select {
		case signature := <-pending.signature:
			metrics.SignatureRequests.WithLabelValues("signed").Inc()
			return eip1193.Marshal(signature)
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (a *Adapter) post(message string) {
	if a.opts.Notifier != nil {
		a.opts.Notifier.Post(message)
	}
}

// signatureRequest extracts the signer and challenge: personal_sign carries
// (message, address), typed data carries (address, typedData).
func signatureRequest(req eip1193.Request) (notify.SignatureRequest, error) {
	out := notify.SignatureRequest{Method: req.Method}

	if req.Method == "personal_sign" {
		challenge, ok := req.StringParam(0)
		if !ok {
			return out, fmt.Errorf("%s: message must be a string", req.Method)
		}
		address, _ := req.StringParam(1)
		out.Address, out.Challenge = address, challenge
		return out, nil
	}

	address, _ := req.StringParam(0)
	out.Address = address

	var typed json.RawMessage
	if s, ok := req.StringParam(1); ok {
		typed = json.RawMessage(s)
	} else if err := req.Param(1, &typed); err != nil {
		return out, err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, typed); err != nil {
		return out, fmt.Errorf("%s: invalid typed data: %w", req.Method, err)
	}
	out.Challenge = compact.String()
	return out, nil
}
