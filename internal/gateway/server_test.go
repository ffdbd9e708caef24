package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/keeper/internal/bus"
	"github.com/nextlevelbuilder/keeper/internal/config"
)

func testServer(t *testing.T, cfg config.GatewayConfig, handler MessageHandler) (*Server, string) {
	t.Helper()
	if handler == nil {
		handler = func(_ context.Context, msg bus.InboundMessage, _ bus.ProgressFunc) (string, error) {
			return "echo: " + msg.Content, nil
		}
	}
	s := NewServer(cfg, nil, handler)
	ts := httptest.NewServer(http.HandlerFunc(s.handleWS))
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestMessageRoundTrip(t *testing.T) {
	var progressed atomic.Bool
	handler := func(_ context.Context, msg bus.InboundMessage, onProgress bus.ProgressFunc) (string, error) {
		onProgress(bus.ProgressUpdate{Kind: bus.ProgressThinking, SessionID: "s1"})
		progressed.Store(true)
		return "hello " + msg.UserID, nil
	}
	_, url := testServer(t, config.GatewayConfig{RateLimitRPM: 60}, handler)
	conn := dial(t, url)

	if err := conn.WriteJSON(Frame{Type: "message", ID: "1", UserID: "u1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	// Progress frame first, then the response.
	f := readFrame(t, conn)
	if f.Type != "progress" || f.ID != "1" {
		t.Fatalf("first frame = %+v", f)
	}
	f = readFrame(t, conn)
	if f.Type != "response" || f.Content != "hello u1" {
		t.Fatalf("second frame = %+v", f)
	}
	if !progressed.Load() {
		t.Error("handler progress not invoked")
	}
}

func TestTokenAuth(t *testing.T) {
	_, url := testServer(t, config.GatewayConfig{Token: "secret", RateLimitRPM: 60}, nil)

	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Fatal("connection without token should be rejected")
	}

	conn := dial(t, url+"?token=secret")
	if err := conn.WriteJSON(Frame{Type: "message", ID: "1", UserID: "u1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, conn); f.Type != "response" {
		t.Errorf("frame = %+v", f)
	}
}

func TestRateLimit(t *testing.T) {
	_, url := testServer(t, config.GatewayConfig{RateLimitRPM: 1}, nil)
	conn := dial(t, url)

	if err := conn.WriteJSON(Frame{Type: "message", ID: "1", UserID: "u1", Content: "one"}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, conn); f.Type != "response" {
		t.Fatalf("first frame = %+v", f)
	}

	if err := conn.WriteJSON(Frame{Type: "message", ID: "2", UserID: "u1", Content: "two"}); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, conn)
	if f.Type != "error" || !strings.Contains(f.Error, "rate limit") {
		t.Errorf("frame = %+v", f)
	}
}

func TestValidation(t *testing.T) {
	_, url := testServer(t, config.GatewayConfig{RateLimitRPM: 60, MaxMessageChars: 10}, nil)
	conn := dial(t, url)

	if err := conn.WriteJSON(Frame{Type: "message", ID: "1", Content: "no user"}); err != nil {
		t.Fatal(err)
	}
	if f := readFrame(t, conn); f.Type != "error" {
		t.Errorf("missing user frame = %+v", f)
	}

	if err := conn.WriteJSON(Frame{Type: "message", ID: "2", UserID: "u1",
		Content: strings.Repeat("x", 50)}); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, conn)
	if f.Type != "error" || !strings.Contains(f.Error, "too long") {
		t.Errorf("oversize frame = %+v", f)
	}
}
