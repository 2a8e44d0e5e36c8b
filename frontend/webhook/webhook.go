// Package webhook is the HMAC-verified HTTP ingress frontend. A POST to
// /webhook/<endpoint> becomes an invocation with event type
// "webhook_received" and the parsed body stored under the endpoint path.
//
// Requests are verified with an HMAC SHA-256 signature over
// "<timestamp>.<body>" and rejected when the timestamp skews more than five
// minutes. Rate-limited requests answer 429 with Retry-After; a full worker
// pool answers 503.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/probelabs/visor"
)

const (
	// SignatureHeader carries "sha256=<hex hmac>" over timestamp.body.
	SignatureHeader = "X-Visor-Signature"
	// TimestampHeader carries the Unix-seconds signing time.
	TimestampHeader = "X-Visor-Timestamp"

	defaultMaxBody = 1 << 20 // 1 MiB
	maxTimeSkew    = 5 * time.Minute
)

// Option configures the webhook frontend.
type Option func(*Frontend)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Frontend) { f.logger = l }
}

// Frontend serves the webhook ingress HTTP listener.
type Frontend struct {
	cfg    visor.HTTPServerConfig
	logger *slog.Logger

	fc     *visor.FrontendContext
	server *http.Server
	// now is injectable for skew tests.
	now func() time.Time
}

var _ visor.Frontend = (*Frontend)(nil)

// New creates a webhook frontend from the http_server config block.
func New(cfg visor.HTTPServerConfig, opts ...Option) *Frontend {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	f := &Frontend{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}
	return f
}

func (f *Frontend) Name() string { return "webhook" }

// Start begins serving. Returns once the listener is bound; serving
// continues in the background until Stop.
func (f *Frontend) Start(ctx context.Context, fc *visor.FrontendContext) error {
	f.fc = fc

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/", f.handle)
	f.server = &http.Server{Addr: f.cfg.Addr, Handler: mux}

	ln, err := net.Listen("tcp", f.cfg.Addr)
	if err != nil {
		return fmt.Errorf("webhook: listen %s: %w", f.cfg.Addr, err)
	}
	go func() {
		if err := f.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			f.logger.Error("webhook server failed", "error", err)
		}
	}()
	f.logger.Info("webhook ingress listening", "addr", f.cfg.Addr)
	return nil
}

// Stop shuts the listener down, waiting for in-flight requests.
func (f *Frontend) Stop(ctx context.Context) error {
	if f.server == nil {
		return nil
	}
	return f.server.Shutdown(ctx)
}

func (f *Frontend) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	endpoint := strings.TrimPrefix(r.URL.Path, "/webhook/")
	if endpoint == "" {
		http.Error(w, "missing endpoint", http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, f.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if f.cfg.Secret != "" {
		if code, msg := f.verify(r, body); code != 0 {
			f.logger.Warn("webhook rejected", "endpoint", endpoint, "reason", msg)
			http.Error(w, msg, code)
			return
		}
	}

	var payload map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	f.fc.SetWebhookData(endpoint, payload)
	inv := visor.Invocation{
		EventType: "webhook_received",
		Payload:   map[string]any{endpoint: payload},
	}
	req := visor.RateRequest{ChannelID: endpoint, UserID: clientIP(r)}

	err = f.fc.Trigger(r.Context(), inv, req)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
	case errors.Is(err, visor.ErrRateLimited):
		retryAfter := time.Second
		var limited *visor.RateLimitedError
		if errors.As(err, &limited) && limited.Decision.RetryAfter > 0 {
			retryAfter = limited.Decision.RetryAfter
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+0.5)))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	case errors.Is(err, visor.ErrQueueFull):
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	default:
		f.logger.Error("webhook trigger failed", "endpoint", endpoint, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// verify checks the timestamp skew and the HMAC SHA-256 signature over
// "<timestamp>.<body>". Returns a non-zero HTTP status on rejection.
func (f *Frontend) verify(r *http.Request, body []byte) (int, string) {
	ts := r.Header.Get(TimestampHeader)
	if ts == "" {
		return http.StatusUnauthorized, "missing timestamp"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return http.StatusUnauthorized, "invalid timestamp"
	}
	skew := f.now().Sub(time.Unix(unix, 0))
	if skew < -maxTimeSkew || skew > maxTimeSkew {
		return http.StatusUnauthorized, "timestamp outside tolerance"
	}

	sig := r.Header.Get(SignatureHeader)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return http.StatusUnauthorized, "missing signature"
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return http.StatusUnauthorized, "invalid signature encoding"
	}

	mac := hmac.New(sha256.New, []byte(f.cfg.Secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return http.StatusUnauthorized, "signature mismatch"
	}
	return 0, ""
}

// Sign computes the signature header value for a body at a signing time.
// Exposed for webhook producers and tests.
func Sign(secret string, ts time.Time, body []byte) (timestamp, signature string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return timestamp, "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
