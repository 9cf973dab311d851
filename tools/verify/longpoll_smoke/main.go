// Command longpoll_smoke drives the full bot stack against an in-process
// fake Bot API server: scripted updates go in through getUpdates, echo
// replies and offset acknowledgement are verified on the way out.
//
// Exit codes: 0 ok, 1 verification failure, 2 bad invocation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/basket/botloop/internal/echo"
	"github.com/basket/botloop/internal/runtime"
	"github.com/basket/botloop/internal/telegram"
)

const smokeToken = "123456789:SMOKETESTTOKENSMOKETESTTOKENSMOKE"

func main() {
	timeout := flag.Duration("timeout", 20*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	api := newFakeBotAPI()
	server := httptest.NewServer(api)
	defer server.Close()

	client := telegram.NewClient(telegram.ClientConfig{
		Token:   smokeToken,
		BaseURL: server.URL,
		Logger:  logger,
	})
	rt := runtime.New(runtime.Config{
		API:          client,
		Bot:          echo.NewBot(logger),
		PollTimeout:  time.Second,
		DrainTimeout: 2 * time.Second,
		Logger:       logger,
	})

	runCtx, stopRun := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- rt.Run(runCtx) }()

	api.push(messageUpdate(1, 42, "hello"))
	waitUntil(ctx, "echo reply", func() bool {
		return contains(api.sentTexts(), "hello")
	})

	api.push(messageUpdate(2, 42, "/stop"))
	waitUntil(ctx, "farewell reply", func() bool {
		return contains(api.sentTexts(), "Bye. Echoed 1 messages.")
	})
	waitUntil(ctx, "offset acknowledgement", func() bool {
		return api.lastOffset() == 3
	})

	stopRun()
	select {
	case err := <-done:
		if err != nil {
			fatal("runtime exit", err)
		}
	case <-ctx.Done():
		fatal("runtime shutdown", ctx.Err())
	}

	fmt.Printf("longpoll smoke ok: %d replies, final offset %d\n", len(api.sentTexts()), api.lastOffset())
}

func messageUpdate(updateID, chat int64, text string) telegram.Update {
	return telegram.Update{
		UpdateID: updateID,
		Message: &telegram.Message{
			MessageID: updateID,
			From:      &telegram.User{ID: 9},
			Chat:      telegram.Chat{ID: telegram.ChatIDFromInt64(chat)},
			Text:      text,
		},
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func waitUntil(ctx context.Context, what string, cond func() bool) {
	for {
		if cond() {
			return
		}
		select {
		case <-ctx.Done():
			fatal("waiting for "+what, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

// fakeBotAPI answers the handful of methods the stack calls. Scripted
// updates are handed out one batch per push; everything else is recorded.
type fakeBotAPI struct {
	mu      sync.Mutex
	pending []telegram.Update
	sent    []string
	offset  int64
}

func newFakeBotAPI() *fakeBotAPI {
	return &fakeBotAPI{}
}

func (a *fakeBotAPI) push(u telegram.Update) {
	a.mu.Lock()
	a.pending = append(a.pending, u)
	a.mu.Unlock()
}

func (a *fakeBotAPI) sentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.sent...)
}

func (a *fakeBotAPI) lastOffset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offset
}

func (a *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	switch method {
	case "getUpdates":
		var req telegram.GetUpdates
		_ = json.NewDecoder(r.Body).Decode(&req)
		a.mu.Lock()
		a.offset = req.Offset
		batch := a.pending
		a.pending = nil
		a.mu.Unlock()
		if batch == nil {
			// Brief hold so an idle poll does not spin.
			time.Sleep(50 * time.Millisecond)
			batch = []telegram.Update{}
		}
		respond(w, batch)
	case "sendMessage":
		var req telegram.SendMessage
		_ = json.NewDecoder(r.Body).Decode(&req)
		a.mu.Lock()
		a.sent = append(a.sent, req.Text)
		n := int64(len(a.sent))
		a.mu.Unlock()
		respond(w, telegram.Message{MessageID: n, Chat: telegram.Chat{ID: req.ChatID}, Text: req.Text})
	case "getMe":
		respond(w, telegram.User{ID: 1, IsBot: true, Username: "smoke_bot"})
	default:
		// deleteWebhook, setMyCommands, answerCallbackQuery
		respond(w, true)
	}
}

func respond(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}
