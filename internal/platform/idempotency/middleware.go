package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/courseshop/api/internal/platform/auth"
	"github.com/courseshop/api/internal/platform/httpx"
)

const (
	defaultHeader = "Idempotency-Key"
	replayHeader  = "Idempotent-Replayed"
	maxKeyLength  = 255
)

type guardConfig struct {
	header     string
	ttl        time.Duration
	requireKey bool
	clock      func() time.Time
	logger     *zap.Logger
}

// Option customises Middleware.
type Option func(*guardConfig)

// WithHeader sets the request header carrying the key.
func WithHeader(name string) Option {
	return func(cfg *guardConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL sets how long a finished submission is replayed.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *guardConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithKeyRequired rejects submissions that carry no key.
func WithKeyRequired() Option {
	return func(cfg *guardConfig) { cfg.requireKey = true }
}

func WithClock(clock func() time.Time) Option {
	return func(cfg *guardConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(cfg *guardConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// Middleware guards order submission. A retried submission with the same key, buyer and body
// gets the stored response; the same key with a different body is rejected. Responses with a
// 5xx status are not kept so the buyer can retry. Mount it after authentication.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	cfg := guardConfig{header: defaultHeader, ttl: DefaultTTL, clock: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			switch {
			case key == "" && cfg.requireKey:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", cfg.header+" header is required", http.StatusBadRequest))
				return
			case key == "":
				next.ServeHTTP(w, r)
				return
			case len(key) > maxKeyLength:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_invalid", cfg.header+" header is too long", http.StatusBadRequest))
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
				return
			}

			buyer := buyerID(r)
			scope := scopeFor(key, buyer)
			fingerprint := digest([]byte(r.Method + "|" + r.URL.Path + "|" + buyer + "|" + digest(body)))
			log := cfg.logger.With(zap.String("scope", scope))

			outcome, entry, err := store.Claim(ctx, scope, fingerprint, cfg.clock(), cfg.ttl)
			switch {
			case errors.Is(err, ErrKeyReused):
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_reused", "idempotency key was already used for a different order", http.StatusUnprocessableEntity))
				return
			case err != nil:
				log.Error("claim idempotency key", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to check idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch outcome {
			case Replay:
				replay(w, entry.Reply)
				return
			case InFlight:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_flight", "order submission with this key is still being processed", http.StatusConflict))
				return
			}

			capture := &captureWriter{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			if capture.status() >= http.StatusInternalServerError {
				if err := store.Release(ctx, scope); err != nil {
					log.Warn("release idempotency key", zap.Error(err))
				}
				return
			}
			reply := Reply{Status: capture.status(), ContentType: capture.Header().Get("Content-Type"), Body: capture.body.Bytes()}
			if err := store.Complete(ctx, scope, fingerprint, reply, cfg.clock(), cfg.ttl); err != nil {
				// The response is already written; a later retry runs the order again.
				log.Error("store idempotent response", zap.Error(err))
				if err := store.Release(ctx, scope); err != nil {
					log.Warn("release idempotency key", zap.Error(err))
				}
			}
		})
	}
}

func buyerID(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		return identity.UID
	}
	return ""
}

func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func replay(w http.ResponseWriter, reply Reply) {
	if reply.ContentType != "" {
		w.Header().Set("Content-Type", reply.ContentType)
	}
	w.Header().Set(replayHeader, "true")
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(reply.Body)
}

// captureWriter passes the response through and keeps a copy of the body.
type captureWriter struct {
	http.ResponseWriter
	code int
	body bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if c.code == 0 {
		c.code = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.code == 0 {
		c.code = http.StatusOK
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

func (c *captureWriter) status() int {
	if c.code == 0 {
		return http.StatusOK
	}
	return c.code
}
