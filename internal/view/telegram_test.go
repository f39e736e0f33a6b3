package view

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

// fakeBotAPI serves getMe, getUpdates and sendMessage.
type fakeBotAPI struct {
	mu      sync.Mutex
	updates []string // JSON objects, update_id = index+1
	sent    []sentMessage
	failFor int // sendMessage calls to reject with 429
}

type sentMessage struct {
	chat, text, parseMode string
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		fmt.Fprint(w, `{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"swift","username":"swift_bot"}}`)
	case strings.HasSuffix(r.URL.Path, "/getUpdates"):
		offset, _ := strconv.Atoi(r.FormValue("offset"))
		f.mu.Lock()
		var batch []string
		for i, u := range f.updates {
			if i+1 >= offset {
				batch = append(batch, u)
			}
		}
		f.mu.Unlock()
		if len(batch) == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		fmt.Fprintf(w, `{"ok":true,"result":[%s]}`, strings.Join(batch, ","))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		f.mu.Lock()
		if f.failFor > 0 {
			f.failFor--
			f.mu.Unlock()
			fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":7}}`)
			return
		}
		f.sent = append(f.sent, sentMessage{chat: r.FormValue("chat_id"), text: r.FormValue("text"), parseMode: r.FormValue("parse_mode")})
		f.mu.Unlock()
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"}}}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBotAPI) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func textUpdate(id int, from, chat int64, text string) string {
	return fmt.Sprintf(`{"update_id":%d,"message":{"message_id":%d,"date":1700000000,"text":%q,"from":{"id":%d,"is_bot":false,"first_name":"u"},"chat":{"id":%d,"type":"private"}}}`,
		id, id*10, text, from, chat)
}

func newTestTelegram(t *testing.T, api *fakeBotAPI, cfg TelegramConfig) *Telegram {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	cfg.Token = "TOKEN"
	cfg.Endpoint = srv.URL + "/bot%s/%s"
	cfg.Client = srv.Client()
	cfg.Logger = testLogger()
	return NewTelegram(cfg)
}

func TestTelegram_ReceivesAndReplies(t *testing.T) {
	api := &fakeBotAPI{updates: []string{
		textUpdate(1, 7, 42, "  add 2 2 "),
		textUpdate(2, 7, 42, ""),
		textUpdate(3, 7, 42, "echo hi"),
	}}
	tg := newTestTelegram(t, api, TelegramConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := tg.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	msg, err := l.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text != "add 2 2" || msg.Sender != "7" || msg.Chat != "42" || msg.ID != "10" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if err := tg.Reply(ctx, msg, "4"); err != nil {
		t.Fatal(err)
	}

	msg, err = l.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text != "echo hi" {
		t.Fatalf("empty updates must be skipped, got %q", msg.Text)
	}

	sent := api.messages()
	if len(sent) != 1 || sent[0].chat != "42" || sent[0].text != "4" {
		t.Fatalf("unexpected sends %+v", sent)
	}
}

func TestTelegram_AllowListRefusesOthers(t *testing.T) {
	api := &fakeBotAPI{updates: []string{
		textUpdate(1, 13, 13, "stranger"),
		textUpdate(2, 7, 42, "friend"),
	}}
	tg := newTestTelegram(t, api, TelegramConfig{AllowFrom: []string{"7"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := tg.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	msg, err := l.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text != "friend" {
		t.Fatalf("expected only the allowed user's message, got %q", msg.Text)
	}
	sent := api.messages()
	if len(sent) != 1 || sent[0].chat != "13" || sent[0].text != DefaultTexts().Forbidden {
		t.Fatalf("stranger should be refused, got %+v", sent)
	}
}

func TestTelegram_ReportNeedsAdminChat(t *testing.T) {
	api := &fakeBotAPI{}
	tg := newTestTelegram(t, api, TelegramConfig{AdminChat: 500})
	ctx := context.Background()

	if err := tg.Report(ctx, "boom"); err == nil {
		t.Fatal("report before Listen must fail: no API session")
	}
	l, err := tg.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := tg.Report(ctx, "boom"); err != nil {
		t.Fatal(err)
	}
	sent := api.messages()
	if len(sent) != 1 || sent[0].chat != "500" {
		t.Fatalf("expected report in admin chat, got %+v", sent)
	}

	silent := newTestTelegram(t, &fakeBotAPI{}, TelegramConfig{})
	if err := silent.Report(ctx, "dropped"); err != nil {
		t.Errorf("report without admin chat should be dropped quietly, got %v", err)
	}
}

func TestTelegram_RetriesRateLimit(t *testing.T) {
	api := &fakeBotAPI{failFor: 2}
	tg := newTestTelegram(t, api, TelegramConfig{ParseMode: "Markdown"})
	var waits []time.Duration
	tg.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	ctx := context.Background()
	l, err := tg.Listen(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := tg.send(ctx, 42, "hello"); err != nil {
		t.Fatal(err)
	}
	if len(waits) != 2 || waits[0] != 7*time.Second {
		t.Fatalf("expected two retry_after waits, got %v", waits)
	}
	sent := api.messages()
	if len(sent) != 1 || sent[0].parseMode != "" {
		t.Fatalf("retries go out as plain text, got %+v", sent)
	}
}

func TestTelegram_ListenFailsOnBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	}))
	defer srv.Close()

	tg := NewTelegram(TelegramConfig{Token: "bad", Endpoint: srv.URL + "/bot%s/%s", Client: srv.Client(), Logger: testLogger()})
	if _, err := tg.Listen(context.Background()); err == nil {
		t.Fatal("expected an error for a rejected token")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("unexpected %q", got)
	}

	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitMessage(text, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) {
		t.Errorf("expected split at newline, got %q", got)
	}

	got = splitMessage(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[0]) != 10 || len(got[2]) != 5 {
		t.Errorf("expected hard split, got %q", got)
	}
}

func TestSplitMessage_KeepsRunesWhole(t *testing.T) {
	text := strings.Repeat("привет ", 1000)
	got := splitMessage(text, 4000)
	if len(got) < 2 {
		t.Fatalf("expected several chunks, got %d", len(got))
	}
	if strings.Join(got, "") != text {
		t.Fatal("chunks must rebuild the original text")
	}
	for i, chunk := range got {
		if !utf8.ValidString(chunk) {
			t.Errorf("chunk %d is not valid UTF-8: tail %q", i, chunk[len(chunk)-4:])
		}
		if len(chunk) > 4000 {
			t.Errorf("chunk %d exceeds limit: %d bytes", i, len(chunk))
		}
	}

	got = splitMessage(strings.Repeat("😀", 5), 10)
	for i, chunk := range got {
		if !utf8.ValidString(chunk) {
			t.Errorf("emoji chunk %d is not valid UTF-8: %q", i, chunk)
		}
	}
}
