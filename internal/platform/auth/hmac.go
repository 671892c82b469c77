package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courseshop/api/internal/platform/httpx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"
	defaultClockSkew       = 5 * time.Minute
	defaultNonceTTL        = 10 * time.Minute
	maxSignedBody          = 1 << 20
)

// SecretResolver names the secret that signs r and returns its value.
type SecretResolver func(r *http.Request) (name, secret string, ok bool)

// NonceStore remembers nonces until they expire. Seen reports whether nonce was already used.
// Expiry is judged against now, which comes from the verifier's clock.
type NonceStore interface {
	Seen(ctx context.Context, scope, nonce string, now, until time.Time) (bool, error)
}

// MemoryNonceStore is a process-local NonceStore.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]time.Time)}
}

func (s *MemoryNonceStore) Seen(_ context.Context, scope, nonce string, now, until time.Time) (bool, error) {
	key := scope + "\x00" + nonce
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, exp := range s.nonces {
		if !now.Before(exp) {
			delete(s.nonces, k)
		}
	}
	if _, ok := s.nonces[key]; ok {
		return true, nil
	}
	s.nonces[key] = until
	return false, nil
}

// WebhookVerifier checks HMAC-SHA256 signatures on provider callbacks. The signed message is
// METHOD, escaped path, timestamp, nonce and the hex SHA-256 of the body, joined by newlines.
type WebhookVerifier struct {
	resolve SecretResolver
	nonces  NonceStore
	now     func() time.Time
	logger  *zap.Logger

	signatureHeader string
	timestampHeader string
	nonceHeader     string
	clockSkew       time.Duration
	nonceTTL        time.Duration
}

// WebhookOption customises WebhookVerifier.
type WebhookOption func(*WebhookVerifier)

func WithWebhookHeaders(signature, timestamp, nonce string) WebhookOption {
	return func(v *WebhookVerifier) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

func WithWebhookClockSkew(skew time.Duration) WebhookOption {
	return func(v *WebhookVerifier) {
		if skew > 0 {
			v.clockSkew = skew
		}
	}
}

func WithWebhookNonceTTL(ttl time.Duration) WebhookOption {
	return func(v *WebhookVerifier) {
		if ttl > 0 {
			v.nonceTTL = ttl
		}
	}
}

func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

func WithWebhookLogger(logger *zap.Logger) WebhookOption {
	return func(v *WebhookVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func NewWebhookVerifier(resolve SecretResolver, nonces NonceStore, opts ...WebhookOption) *WebhookVerifier {
	v := &WebhookVerifier{
		resolve:         resolve,
		nonces:          nonces,
		now:             time.Now,
		logger:          zap.NewNop(),
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if v.nonces == nil {
		v.nonces = NewMemoryNonceStore()
	}
	return v
}

type webhookRejection struct {
	status int
	code   string
	msg    string
}

// Require verifies the signature before the callback reaches the handler.
func (v *WebhookVerifier) Require() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			sig, rejection := v.verify(r)
			if rejection != nil {
				recordVerification(ctx, "webhook", rejection.code)
				v.logger.Warn("webhook signature rejected", zap.String("reason", rejection.code), zap.String("path", r.URL.Path))
				httpx.WriteError(ctx, w, httpx.NewError(rejection.code, rejection.msg, rejection.status))
				return
			}
			recordVerification(ctx, "webhook", "ok")
			next.ServeHTTP(w, r.WithContext(WithWebhookSignature(ctx, sig)))
		})
	}
}

func (v *WebhookVerifier) verify(r *http.Request) (*WebhookSignature, *webhookRejection) {
	reject := func(status int, code, msg string) (*WebhookSignature, *webhookRejection) {
		return nil, &webhookRejection{status: status, code: code, msg: msg}
	}
	if v.resolve == nil {
		return reject(http.StatusServiceUnavailable, "verification_unavailable", "webhook secrets not configured")
	}
	name, secret, ok := v.resolve(r)
	if !ok || secret == "" {
		return reject(http.StatusUnauthorized, "unknown_provider", "no signing secret for this provider")
	}

	signature, err := decodeSignature(r.Header.Get(v.signatureHeader))
	if err != nil {
		return reject(http.StatusUnauthorized, "signature_invalid", "signature header missing or malformed")
	}
	rawTimestamp := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	timestamp, err := parseSignedAt(rawTimestamp)
	if err != nil {
		return reject(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp missing or malformed")
	}
	now := v.now()
	if skew := now.Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return reject(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
	}
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return reject(http.StatusUnauthorized, "nonce_missing", "signature nonce missing")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	_ = r.Body.Close()
	if err != nil {
		return reject(http.StatusBadRequest, "invalid_body", "unable to read body")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if !hmac.Equal(signature, SignWebhook([]byte(secret), r.Method, r.URL.EscapedPath(), rawTimestamp, nonce, body)) {
		return reject(http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
	}

	seen, err := v.nonces.Seen(r.Context(), name, nonce, now, now.Add(v.nonceTTL))
	if err != nil {
		v.logger.Error("nonce store", zap.Error(err))
		return reject(http.StatusServiceUnavailable, "verification_unavailable", "unable to check nonce")
	}
	if seen {
		return reject(http.StatusUnauthorized, "nonce_replay", "signature nonce already used")
	}
	return &WebhookSignature{SecretName: name, Timestamp: timestamp, Nonce: nonce}, nil
}

// SignWebhook computes the signature a sender attaches to a callback.
func SignWebhook(secret []byte, method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	bodyHash := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.ToUpper(method) + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + hex.EncodeToString(bodyHash[:])))
	return mac.Sum(nil)
}

func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}

func parseSignedAt(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, value)
}
