// Package sms delivers alert messages through a Twilio-compatible REST API.
package sms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/couchcryptid/quake-alert/internal/domain"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

// DefaultBaseURL is the Twilio REST API root.
const DefaultBaseURL = "https://api.twilio.com"

// Config holds gateway credentials and pacing.
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	// RatePerSecond caps sends across all callers; Burst allows short spikes.
	RatePerSecond float64
	Burst         int
}

// Gateway implements domain.Gateway. It is safe for concurrent use; the rate
// limiter is shared by every caller.
type Gateway struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewGateway creates a gateway client. Per-attempt deadlines come from the
// caller's context.
func NewGateway(cfg Config, logger *slog.Logger) *Gateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Gateway{
		cfg:        cfg,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(limit, cfg.Burst),
		logger:     logger,
	}
}

// Send posts one message. Any non-2xx response is a failed delivery carrying
// the gateway's reason.
func (g *Gateway) Send(ctx context.Context, to, body string) (domain.Receipt, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return domain.Receipt{}, fmt.Errorf("rate limit wait: %w", err)
	}

	form := url.Values{
		"To":   {to},
		"From": {g.cfg.From},
		"Body": {body},
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(g.cfg.BaseURL, "/"), url.PathEscape(g.cfg.AccountSID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(g.cfg.AccountSID, g.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return domain.Receipt{}, fmt.Errorf("gateway rejected message: status %d: code %d: %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return domain.Receipt{}, fmt.Errorf("gateway rejected message: status %d: %s", resp.StatusCode, raw)
	}

	var msg messageResponse
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Receipt{}, fmt.Errorf("decode response: %w", err)
	}
	if msg.SID == "" {
		return domain.Receipt{}, errors.New("gateway response missing message sid")
	}
	return domain.Receipt{Reference: msg.SID, Status: msg.Status}, nil
}

// Twilio API response types.

type messageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// DryRunGateway logs messages instead of sending them. It is used when no
// gateway credentials are configured.
type DryRunGateway struct {
	logger *slog.Logger
	seq    atomic.Int64
}

// NewDryRunGateway creates a logging-only gateway.
func NewDryRunGateway(logger *slog.Logger) *DryRunGateway {
	return &DryRunGateway{logger: logger}
}

// Send logs the message and returns a synthetic reference.
func (g *DryRunGateway) Send(ctx context.Context, to, body string) (domain.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return domain.Receipt{}, err
	}
	n := g.seq.Add(1)
	g.logger.Info("dry-run delivery", "to", domain.MaskAddress(to), "chars", len(body))
	return domain.Receipt{Reference: fmt.Sprintf("dry-run-%d", n), Status: "logged"}, nil
}
