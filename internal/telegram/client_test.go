package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const testToken = "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		Token:   testToken,
		BaseURL: srv.URL,
	})
}

func TestClient_Invoke_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if !strings.HasSuffix(r.URL.Path, "/bot"+testToken+"/getMe") {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"echo"}}`))
	})

	var me User
	if err := c.Invoke(context.Background(), GetMe{}, &me); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if me.ID != 1 || !me.IsBot {
		t.Fatalf("me = %+v", me)
	}
}

func TestClient_Invoke_RequestBody(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
	})

	req := GetUpdates{Offset: 8, Limit: 100, Timeout: 60}
	var updates []Update
	if err := c.Invoke(context.Background(), req, &updates); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got["offset"] != float64(8) || got["limit"] != float64(100) || got["timeout"] != float64(60) {
		t.Fatalf("body = %v", got)
	}
	if _, present := got["allowed_updates"]; present {
		t.Fatal("empty allowed_updates must be omitted")
	}
}

func TestClient_Invoke_ProtocolError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 30","parameters":{"retry_after":30}}`))
	})

	err := c.Invoke(context.Background(), GetUpdates{}, nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v (%T), want ProtocolError", err, err)
	}
	if pe.Code != 429 {
		t.Fatalf("code = %d, want 429", pe.Code)
	}
	if pe.RetryAfter != 30*time.Second {
		t.Fatalf("retry_after = %v, want 30s", pe.RetryAfter)
	}
	if RetryAfterHint(err) != 30*time.Second {
		t.Fatalf("RetryAfterHint = %v", RetryAfterHint(err))
	}
}

func TestClient_Invoke_MigrateToChatID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"group upgraded","parameters":{"migrate_to_chat_id":-100987}}`))
	})

	err := c.Invoke(context.Background(), SendMessage{ChatID: ChatIDFromInt64(5)}, nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if pe.MigrateToChatID != -100987 {
		t.Fatalf("migrate_to_chat_id = %d", pe.MigrateToChatID)
	}
}

func TestClient_Invoke_MalformedBodyIsDecode(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json at all`))
	})

	err := c.Invoke(context.Background(), GetMe{}, nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v (%T), want ProtocolError", err, err)
	}
	if !pe.IsDecode() {
		t.Fatalf("expected decode error, got code %d", pe.Code)
	}
}

func TestClient_Invoke_OKWithoutResultIsProtocol(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	err := c.Invoke(context.Background(), GetMe{}, nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if !pe.IsDecode() {
		t.Fatalf("expected synthetic decode code, got %d", pe.Code)
	}
}

func TestClient_Invoke_NonJSONErrorStatusIsTransport(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>bad gateway</html>`))
	})

	err := c.Invoke(context.Background(), GetMe{}, nil)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v (%T), want TransportError", err, err)
	}
}

func TestClient_Invoke_CancellationPropagates(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Invoke(ctx, GetUpdates{Timeout: 60}, nil)
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("invoke did not return after cancel")
	}
}

func TestClient_Invoke_TransportErrorHidesToken(t *testing.T) {
	c := NewClient(ClientConfig{
		Token:   testToken,
		BaseURL: "http://127.0.0.1:1", // nothing listens here
	})
	err := c.Invoke(context.Background(), GetMe{}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1") {
		t.Fatalf("token leaked into error: %v", err)
	}
}
