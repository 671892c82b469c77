package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestTKBClient(t *testing.T, handler http.HandlerFunc) *TKBClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewTKBClient(TKBClientConfig{
		BaseURL:    srv.URL,
		Login:      "shop-login",
		APIKey:     "secret-key",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestTKBClientRegisterOrderSignsBody(t *testing.T) {
	var (
		gotBody []byte
		gotSign string
		gotPath string
	)
	client := newTestTKBClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSign = r.Header.Get("TCB-Header-Sign")
		if r.Header.Get("TCB-Header-Login") != "shop-login" {
			t.Errorf("missing login header")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`{"errorInfo":{"errorCode":0},"formURL":"https://pay.tkb.example/form/1"}`))
	})

	formURL, err := client.RegisterOrder(context.Background(), TKBRegisterRequest{
		OrderID:    "ord_1",
		Amount:     100,
		ClientInfo: TKBClientInfo{FIO: "Anna Petrova"},
		ReturnURL:  "https://shop.example.com/api/v1/orders/ord_1/tkb-result",
	})
	if err != nil {
		t.Fatalf("register order: %v", err)
	}
	if formURL != "https://pay.tkb.example/form/1" {
		t.Fatalf("unexpected form url %s", formURL)
	}
	if gotPath != "/api/tcbpay/gate/registerorderfromunregisteredcard" {
		t.Fatalf("unexpected path %s", gotPath)
	}
	if gotSign != SignTKBPayload(gotBody, "secret-key") {
		t.Fatalf("signature does not match the sent body")
	}

	var decoded map[string]any
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	info, _ := decoded["ClientInfo"].(map[string]any)
	if info["PhoneNumber"] != "" || info["Email"] != "" {
		t.Fatalf("absent contacts must be sent as empty strings, got %v", info)
	}
	if decoded["ReturnUrl"] == nil || decoded["Amount"] != float64(100) {
		t.Fatalf("unexpected body %v", decoded)
	}
}

func TestTKBClientRegisterOrderFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		reject  bool
	}{
		{
			name: "non-zero error code",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"errorInfo":{"errorCode":7,"errorMessage":"declined"},"formURL":"https://ignored"}`))
			},
			reject: true,
		},
		{
			name: "empty form url",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"errorInfo":{"errorCode":0}}`))
			},
			reject: true,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestTKBClient(t, tc.handler)
			_, err := client.RegisterOrder(context.Background(), TKBRegisterRequest{OrderID: "ord_1", Amount: 100})
			if err == nil {
				t.Fatalf("expected error")
			}
			if tc.reject && !errors.Is(err, ErrTKBRejected) {
				t.Fatalf("expected ErrTKBRejected, got %v", err)
			}
		})
	}
}

func TestSignTKBPayload(t *testing.T) {
	if got := SignTKBPayload([]byte("{}"), "key"); got != "yZY7g3GD3GZxBkYbPekdCIX1ObM=" {
		t.Fatalf("unexpected signature %q", got)
	}
	if SignTKBPayload([]byte("{}"), "key") == SignTKBPayload([]byte("{}"), "other") {
		t.Fatalf("signature must depend on the key")
	}
}

func TestNewTKBClientValidatesConfig(t *testing.T) {
	if _, err := NewTKBClient(TKBClientConfig{Login: "l", APIKey: "k"}); err == nil {
		t.Fatalf("expected base url error")
	}
	if _, err := NewTKBClient(TKBClientConfig{BaseURL: "https://tkb.example"}); err == nil {
		t.Fatalf("expected credentials error")
	}
}
