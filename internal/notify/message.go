// Package notify carries the single-line, separator-delimited messages shown
// to the human approver and the signatures they send back.
package notify

import (
	"errors"
	"strings"
)

const Separator = "%"

type Kind string

const (
	KindError             Kind = "errorKernel"
	KindSignatureRequest  Kind = "kernelSignatureRequest"
	KindSignatureResponse Kind = "kernelSignatureResponse"
	KindAccountsChanged   Kind = "kernelAccountsChanged"
	KindUpdateRPCConfig   Kind = "updateRpcConfig"
)

const (
	MessageGenericError     = "An error occurred"
	MessageThresholdFailure = "Failed to fetch threshold"
	MessageSignatureTimeout = "Signature timed out. Please retry"
)

var ErrMalformed = errors.New("malformed notification")

type (
	SignatureRequest struct {
		Method    string
		Address   string
		Challenge string
		ID        string
	}

	SignatureResponse struct {
		Signature string
		ID        string
	}
)

func Format(kind Kind, fields ...string) string {
	return strings.Join(append([]string{string(kind)}, fields...), Separator)
}

func Error(message string) string {
	return Format(KindError, message)
}

func AccountsChanged(address string) string {
	return Format(KindAccountsChanged, address)
}

// Encode renders the request; the correlation id trails the challenge so the
// challenge itself may contain the separator.
func (r SignatureRequest) Encode() string {
	fields := []string{r.Method, r.Address, r.Challenge}
	if r.ID != "" {
		fields = append(fields, r.ID)
	}
	return Format(KindSignatureRequest, fields...)
}

func (r SignatureResponse) Encode() string {
	if r.ID == "" {
		return Format(KindSignatureResponse, r.Signature)
	}
	return Format(KindSignatureResponse, r.Signature, r.ID)
}

// KindOf returns the message kind without parsing the payload.
func KindOf(message string) Kind {
	kind, _, _ := strings.Cut(message, Separator)
	return Kind(kind)
}

// Payload returns everything after the kind.
func Payload(message string) string {
	_, payload, _ := strings.Cut(message, Separator)
	return payload
}

// ParseSignatureRequest expects the id as last field when withID is set.
func ParseSignatureRequest(message string, withID bool) (SignatureRequest, error) {
	parts := strings.Split(message, Separator)
	minParts := 4
	if withID {
		minParts = 5
	}
	if len(parts) < minParts || Kind(parts[0]) != KindSignatureRequest {
		return SignatureRequest{}, ErrMalformed
	}

	req := SignatureRequest{Method: parts[1], Address: parts[2]}
	last := len(parts)
	if withID {
		req.ID = parts[last-1]
		last--
	}
	req.Challenge = strings.Join(parts[3:last], Separator)
	return req, nil
}

func ParseSignatureResponse(message string) (SignatureResponse, error) {
	parts := strings.Split(message, Separator)
	if len(parts) < 2 || len(parts) > 3 || Kind(parts[0]) != KindSignatureResponse || parts[1] == "" {
		return SignatureResponse{}, ErrMalformed
	}

	resp := SignatureResponse{Signature: parts[1]}
	if len(parts) == 3 {
		resp.ID = parts[2]
	}
	return resp, nil
}
