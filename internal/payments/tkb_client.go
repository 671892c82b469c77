package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	tkbRegisterEndpoint = "api/tcbpay/gate/registerorderfromunregisteredcard"
	tkbLoginHeader      = "TCB-Header-Login"
	tkbSignHeader       = "TCB-Header-Sign"
	tkbMaxResponseBytes = 1 << 20
	defaultTKBTimeout   = 20 * time.Second
)

// ErrTKBRejected is returned when the gateway answers with a non-zero error code.
var ErrTKBRejected = errors.New("tkb: registration rejected")

// TKBClientInfo is the buyer block of a registration request.
type TKBClientInfo struct {
	PhoneNumber string `json:"PhoneNumber"`
	FIO         string `json:"FIO"`
	Email       string `json:"Email"`
}

// TKBRegisterRequest registers an order for payment from an unregistered card.
type TKBRegisterRequest struct {
	OrderID    string        `json:"OrderID"`
	Amount     int64         `json:"Amount"`
	ClientInfo TKBClientInfo `json:"ClientInfo"`
	ReturnURL  string        `json:"ReturnUrl"`
}

// TKBRegisterResponse is the gateway answer.
type TKBRegisterResponse struct {
	ErrorInfo struct {
		ErrorCode    int    `json:"errorCode"`
		ErrorMessage string `json:"errorMessage,omitempty"`
	} `json:"errorInfo"`
	FormURL string `json:"formURL"`
}

// TKBClientConfig configures TKBClient.
type TKBClientConfig struct {
	BaseURL    string
	Login      string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     Logger
}

// TKBClient talks to the TKB card gateway.
type TKBClient struct {
	endpoint string
	login    string
	apiKey   string
	http     *http.Client
	logger   Logger
}

// NewTKBClient validates the configuration and builds a client.
func NewTKBClient(cfg TKBClientConfig) (*TKBClient, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("tkb: base url is required")
	}
	if strings.TrimSpace(cfg.Login) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("tkb: login and api key are required")
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTKBTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &TKBClient{
		endpoint: base + tkbRegisterEndpoint,
		login:    strings.TrimSpace(cfg.Login),
		apiKey:   cfg.APIKey,
		http:     httpClient,
		logger:   logger,
	}, nil
}

// RegisterOrder posts the signed registration request. It returns the form URL on success; any
// transport, status, decoding or gateway failure is returned as an error and never retried.
func (c *TKBClient) RegisterOrder(ctx context.Context, req TKBRegisterRequest) (string, error) {
	if c == nil {
		return "", errors.New("tkb: client is nil")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("tkb: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("tkb: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(tkbLoginHeader, c.login)
	httpReq.Header.Set(tkbSignHeader, SignTKBPayload(body, c.apiKey))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("tkb: post registration: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, tkbMaxResponseBytes))
		return "", fmt.Errorf("tkb: unexpected status %d", resp.StatusCode)
	}

	var out TKBRegisterResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, tkbMaxResponseBytes)).Decode(&out); err != nil {
		return "", fmt.Errorf("tkb: decode response: %w", err)
	}

	c.logger(ctx, "payments.tkb.registration.completed", map[string]any{
		"orderId":   req.OrderID,
		"errorCode": out.ErrorInfo.ErrorCode,
	})

	if out.ErrorInfo.ErrorCode != 0 {
		return "", fmt.Errorf("%w: code %d %s", ErrTKBRejected, out.ErrorInfo.ErrorCode, out.ErrorInfo.ErrorMessage)
	}
	if strings.TrimSpace(out.FormURL) == "" {
		return "", fmt.Errorf("%w: empty form url", ErrTKBRejected)
	}
	return out.FormURL, nil
}

// SignTKBPayload computes the request signature: base64 of HMAC-SHA1 over the exact body bytes.
func SignTKBPayload(body []byte, apiKey string) string {
	mac := hmac.New(sha1.New, []byte(apiKey))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
