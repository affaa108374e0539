package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())

	status, err := notifier.Send(context.Background(), "<b>Ascot R4</b>")
	if err != nil {
		t.Fatalf("Telegram Send 应成功: %v", err)
	}
	if status != Delivered {
		t.Fatalf("状态应为 Delivered, 实际 %v", status)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if received["parse_mode"] != "HTML" {
		t.Fatalf("parse_mode 应为 HTML: %#v", received)
	}
	if received["text"] == "" {
		t.Fatalf("text 应非空")
	}
}

func TestTelegramNotifierRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())

	status, err := notifier.Send(context.Background(), "text")
	if err == nil {
		t.Fatal("429 应报错")
	}
	if status != RateLimited {
		t.Fatalf("429 应归类为 RateLimited, 实际 %v", status)
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, zerolog.Nop())

	status, err := notifier.Send(context.Background(), "text")
	if err == nil {
		t.Fatal("ok=false 应报错")
	}
	if status != Failed {
		t.Fatalf("ok=false 应归类为 Failed, 实际 %v", status)
	}
}
