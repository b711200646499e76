package relay

import (
	"errors"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrQuotaExhausted is returned without a network call once the cached
	// usage shows no calls left in the window.
	ErrQuotaExhausted = errors.New("relay: quota exhausted")
	// ErrRelayTokenRejected is returned for every call made with a token the
	// relay server has refused.
	ErrRelayTokenRejected = errors.New("relay: token rejected")
	ErrRemote             = errors.New("relay: remote error")
	ErrUnreachable        = errors.New("relay: server unreachable")
)

type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeQuotaExhausted Outcome = "quota_exhausted"
	OutcomeUnauthorized   Outcome = "unauthorized"
	OutcomeRemoteError    Outcome = "remote_error"
	OutcomeUnreachable    Outcome = "unreachable"
)

// Payload is the push request forwarded to a relay server.
type Payload struct {
	Platform     string            `json:"platform"`
	DeviceToken  string            `json:"device_token"`
	Title        string            `json:"title"`
	Subtitle     string            `json:"subtitle,omitempty"`
	Body         string            `json:"body,omitempty"`
	DeliveryType string            `json:"delivery_type,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
}

// Usage mirrors the x-token-* headers. Remaining is -1 when unlimited.
type Usage struct {
	TotalCalls  int64      `json:"total_calls"`
	MaxCalls    int64      `json:"max_calls"`
	Remaining   int64      `json:"remaining_calls"`
	FailedCalls int64      `json:"failed_calls"`
	ResetAt     *time.Time `json:"reset_at,omitempty"`
}

// Exhausted reports whether the window has no calls left.
func (u Usage) Exhausted() bool {
	return u.MaxCalls > 0 && (u.Remaining == 0 || u.TotalCalls >= u.MaxCalls)
}

// Result describes one relay attempt. TokenInvalid is set when the remote
// reports the device token as gone.
type Result struct {
	Success      bool    `json:"success"`
	StatusCode   int     `json:"status_code,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
	Outcome      Outcome `json:"outcome"`
	TokenInvalid bool    `json:"token_invalid,omitempty"`
	Error        string  `json:"error,omitempty"`
}

const (
	HeaderTotalCalls     = "x-token-total-calls"
	HeaderMaxCalls       = "x-token-max-calls"
	HeaderRemainingCalls = "x-token-remaining-calls"
	HeaderFailedCalls    = "x-token-failed-calls"
	HeaderResetAt        = "x-token-reset-at"
)

// WriteUsageHeaders sets the x-token-* headers on h.
func WriteUsageHeaders(h http.Header, u Usage) {
	h.Set(HeaderTotalCalls, strconv.FormatInt(u.TotalCalls, 10))
	h.Set(HeaderMaxCalls, strconv.FormatInt(u.MaxCalls, 10))
	h.Set(HeaderRemainingCalls, strconv.FormatInt(u.Remaining, 10))
	h.Set(HeaderFailedCalls, strconv.FormatInt(u.FailedCalls, 10))
	if u.ResetAt != nil {
		h.Set(HeaderResetAt, u.ResetAt.UTC().Format(time.RFC3339))
	}
}

// ParseUsageHeaders reads the x-token-* headers. ok is false when the
// response carried none of them.
func ParseUsageHeaders(h http.Header) (Usage, bool) {
	var (
		u     Usage
		found bool
	)
	u.Remaining = -1
	readInt := func(name string, dst *int64) {
		raw := h.Get(name)
		if raw == "" {
			return
		}
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			*dst = v
			found = true
		}
	}
	readInt(HeaderTotalCalls, &u.TotalCalls)
	readInt(HeaderMaxCalls, &u.MaxCalls)
	readInt(HeaderRemainingCalls, &u.Remaining)
	readInt(HeaderFailedCalls, &u.FailedCalls)
	if raw := h.Get(HeaderResetAt); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			ts = ts.UTC()
			u.ResetAt = &ts
			found = true
		}
	}
	if u.Remaining < 0 && u.MaxCalls > 0 {
		u.Remaining = max(u.MaxCalls-u.TotalCalls, 0)
	}
	return u, found
}
