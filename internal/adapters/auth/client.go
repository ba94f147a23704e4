// Package auth requests signed presence credentials from the credential
// service over HTTP.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/rs/zerolog/log"
)

const maxBody = 64 << 10

// HTTPAuthorizer implements core.AuthClient.
type HTTPAuthorizer struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPAuthorizer(endpoint string, timeout time.Duration) *HTTPAuthorizer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAuthorizer{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
	}
}

type denial struct {
	Reason  string   `json:"reason"`
	Error   string   `json:"error"`
	Message string   `json:"message"`
	Missing []string `json:"missing"`
}

func (d denial) text() string {
	for _, s := range []string{d.Reason, d.Error, d.Message} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, req core.AuthRequest) (*core.Credential, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &core.AuthError{Reason: core.ReasonBadRequest, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &core.AuthError{Reason: core.ReasonTransport, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client().Do(httpReq)
	if err != nil {
		log.Warn().Err(err).Str("module", "auth").Str("channel", req.ChannelName).Msg("credential request failed")
		return nil, &core.AuthError{Reason: core.ReasonTransport, Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))

	switch resp.StatusCode {
	case http.StatusOK:
		var cred core.Credential
		if err := json.Unmarshal(raw, &cred); err != nil || cred.Auth == "" {
			return nil, &core.AuthError{Reason: core.ReasonTransport, Status: resp.StatusCode, Detail: "malformed credential", Err: err}
		}
		return &cred, nil

	case http.StatusForbidden:
		var d denial
		_ = json.Unmarshal(raw, &d)
		return nil, &core.AuthError{Reason: forbiddenReason(d.text()), Status: resp.StatusCode, Detail: d.text()}

	case http.StatusBadRequest:
		var d denial
		_ = json.Unmarshal(raw, &d)
		return nil, &core.AuthError{Reason: core.ReasonBadRequest, Status: resp.StatusCode, Detail: d.text()}

	case http.StatusUnauthorized:
		var d denial
		_ = json.Unmarshal(raw, &d)
		detail := d.text()
		if len(d.Missing) > 0 {
			detail = strings.TrimSpace(detail + " missing: " + strings.Join(d.Missing, ","))
		}
		log.Error().Str("module", "auth").Str("detail", detail).Msg("credential service misconfigured")
		return nil, &core.AuthError{Reason: core.ReasonServerMisconfigured, Status: resp.StatusCode, Detail: detail}

	default:
		return nil, &core.AuthError{
			Reason: core.ReasonTransport,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
}

func (a *HTTPAuthorizer) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

func forbiddenReason(s string) core.AuthReason {
	switch core.AuthReason(strings.ToUpper(strings.TrimSpace(s))) {
	case core.ReasonPinRequired:
		return core.ReasonPinRequired
	case core.ReasonPinIncorrect:
		return core.ReasonPinIncorrect
	case core.ReasonRoomNotRegistered:
		return core.ReasonRoomNotRegistered
	default:
		return core.ReasonForbidden
	}
}
