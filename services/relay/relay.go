// Package relay delivers outbound bridge messages to the gateways of peer
// chains over HTTP.
package relay

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"

	"stablefi/native/bridge"
	"stablefi/native/common"
)

const (
	receivePath    = "/v1/bridge/receive"
	defaultTimeout = 10 * time.Second
	maxBackoff     = 5 * time.Second
	tokenLifetime  = time.Minute
)

var (
	ErrNoEndpoint = common.NewError(common.KindDependency, "relay: no endpoint for destination chain")
	ErrRejected   = common.NewError(common.KindDependency, "relay: peer rejected message")
)

// Endpoint is the gateway of one peer chain. Every attempt carries a fresh
// single-use admin token signed with the peer's gateway secret.
type Endpoint struct {
	ChainID    uint64
	URL        string
	HMACSecret string
	Issuer     string
	Audience   string
}

// Transport implements bridge.Transport by posting the encoded message to
// the destination gateway's receive endpoint.
type Transport struct {
	endpoints map[uint64]Endpoint
	client    *http.Client
	logger    *slog.Logger
	subject   string
	attempts  int
	backoff   time.Duration
	nowFn     func() time.Time
	sleep     func(context.Context, time.Duration) error
	meters    metric.MeterProvider
	metrics   *deliveryMetrics
}

// Option customises a Transport.
type Option func(*Transport)

// WithLogger sets the delivery logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithAttempts bounds delivery attempts per message.
func WithAttempts(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.attempts = n
		}
	}
}

// WithBackoff sets the first retry delay. Later retries double it.
func WithBackoff(d time.Duration) Option {
	return func(t *Transport) { t.backoff = d }
}

// WithSubject names this node in relay tokens.
func WithSubject(subject string) Option {
	return func(t *Transport) {
		if strings.TrimSpace(subject) != "" {
			t.subject = subject
		}
	}
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithMeterProvider records delivery counters on provider instead of the
// global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(t *Transport) { t.meters = provider }
}

// New builds a transport over endpoints.
func New(endpoints []Endpoint, opts ...Option) (*Transport, error) {
	t := &Transport{
		endpoints: make(map[uint64]Endpoint, len(endpoints)),
		client: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:   slog.Default(),
		subject:  "relay",
		attempts: 3,
		backoff:  250 * time.Millisecond,
		nowFn:    time.Now,
		sleep:    sleepCtx,
	}
	for _, ep := range endpoints {
		if ep.ChainID == 0 {
			return nil, fmt.Errorf("relay: endpoint chain id required")
		}
		ep.URL = strings.TrimRight(strings.TrimSpace(ep.URL), "/")
		if ep.URL == "" {
			return nil, fmt.Errorf("relay: endpoint url required for chain %d", ep.ChainID)
		}
		if strings.TrimSpace(ep.HMACSecret) == "" {
			return nil, fmt.Errorf("relay: endpoint secret required for chain %d", ep.ChainID)
		}
		if _, dup := t.endpoints[ep.ChainID]; dup {
			return nil, fmt.Errorf("relay: duplicate endpoint for chain %d", ep.ChainID)
		}
		t.endpoints[ep.ChainID] = ep
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "relay"))
	t.metrics = newDeliveryMetrics(t.meters)
	return t, nil
}

type receiveRequest struct {
	Payload string `json:"payload"`
	TraceID string `json:"traceId,omitempty"`
}

type peerError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Dispatch implements bridge.Transport. Network failures and 5xx answers are
// retried; a peer reporting the message as already processed counts as
// delivered since a previous attempt must have landed.
func (t *Transport) Dispatch(ctx context.Context, msg bridge.Message) error {
	ep, ok := t.endpoints[msg.DestChain]
	if !ok {
		t.metrics.recordUndelivered(ctx, msg.DestChain)
		return ErrNoEndpoint
	}
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	body, err := json.Marshal(receiveRequest{Payload: hex.EncodeToString(payload), TraceID: msg.TraceID})
	if err != nil {
		return err
	}

	delay := t.backoff
	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		retry, err := t.post(ctx, ep, body)
		if err == nil {
			t.metrics.recordDelivered(ctx, msg.DestChain)
			t.logger.Info("message relayed",
				slog.String("id", msg.IDHex()),
				slog.Uint64("dest", msg.DestChain),
				slog.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		if !retry || attempt == t.attempts {
			break
		}
		t.logger.Warn("relay attempt failed",
			slog.String("id", msg.IDHex()),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if err := t.sleep(ctx, delay); err != nil {
			t.metrics.recordUndelivered(ctx, msg.DestChain)
			return err
		}
		t.metrics.recordRetry(ctx, msg.DestChain)
		if delay *= 2; delay > maxBackoff {
			delay = maxBackoff
		}
	}
	t.metrics.recordUndelivered(ctx, msg.DestChain)
	return fmt.Errorf("relay: chain %d: %w", msg.DestChain, lastErr)
}

// post sends one attempt and reports whether a failure is worth retrying.
func (t *Transport) post(ctx context.Context, ep Endpoint, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL+receivePath, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	token, err := t.token(ep)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := t.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	var perr peerError
	_ = json.Unmarshal(raw, &perr)
	if perr.Error == bridge.ErrReplayedMessage.Error() {
		return false, nil
	}
	err = fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, perr.Error)
	return resp.StatusCode >= http.StatusInternalServerError, err
}

func (t *Transport) token(ep Endpoint) (string, error) {
	now := t.nowFn()
	claims := jwt.MapClaims{
		"sub":   t.subject,
		"scope": "admin",
		"jti":   uuid.NewString(),
		"iat":   now.Unix(),
		"exp":   now.Add(tokenLifetime).Unix(),
	}
	if ep.Issuer != "" {
		claims["iss"] = ep.Issuer
	}
	if ep.Audience != "" {
		claims["aud"] = ep.Audience
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(strings.TrimSpace(ep.HMACSecret)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ bridge.Transport = (*Transport)(nil)
