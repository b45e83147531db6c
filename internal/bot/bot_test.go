package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"keybot/internal/config"
	"keybot/internal/model"
	"keybot/internal/repository"
	"keybot/internal/service"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests int
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no messages sent")
	}
	return f.sent[len(f.sent)-1].Text
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type feederFunc func(ctx context.Context) (int, error)

func (fn feederFunc) Refill(ctx context.Context) (int, error) { return fn(ctx) }

type harness struct {
	api  *fakeAPI
	bot  *Bot
	subs *service.SubscriptionService
	keys *repository.KeyRepository
}

func setupBot(t *testing.T, feeder Refiller) *harness {
	t.Helper()
	db, err := repository.NewDB(repository.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	keys := repository.NewKeyRepository(db)
	plans := []model.Plan{{Code: "1m", Days: 30, Price: 300}}
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	subs := service.NewSubscriptionService(db, repository.NewAccountRepository(db), repository.NewLedgerRepository(db), keys, plans,
		service.WithClock(func() time.Time { return now }),
		service.WithLocation(time.UTC),
	)
	cfg := &config.Config{AdminUsername: "boss", Location: time.UTC}
	api := &fakeAPI{}
	h := &harness{api: api, subs: subs, keys: keys}
	h.bot = newBot(api, "keybot_test", subs, service.NewReportService(subs, keys), keys, feeder, cfg)
	return h
}

func command(userID int64, username, text string) *tgbotapi.Message {
	name := strings.SplitN(text, " ", 2)[0]
	return &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID, UserName: username, FirstName: "Test"},
		Chat:     &tgbotapi.Chat{ID: userID, Type: "private"},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}
}

func callback(userID int64, data string) *tgbotapi.CallbackQuery {
	return &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: userID, FirstName: "Test"},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: userID, Type: "private"}},
		Data:    data,
	}
}

func TestStartWithReferralCreditsReferrer(t *testing.T) {
	ctx := context.Background()
	h := setupBot(t, nil)

	if err := h.bot.handleMessage(ctx, command(1, "alice", "/start")); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.bot.handleMessage(ctx, command(2, "bob", "/start 1")); err != nil {
		t.Fatalf("start with ref: %v", err)
	}
	// A repeated /start must not pay twice.
	if err := h.bot.handleMessage(ctx, command(2, "bob", "/start 1")); err != nil {
		t.Fatalf("repeat start: %v", err)
	}

	balance, err := h.subs.Balance(ctx, 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		t.Errorf("referrer balance %d, want 100", balance)
	}
}

func TestInstallRefillsEmptyPoolOnce(t *testing.T) {
	ctx := context.Background()
	calls := 0
	var h *harness
	h = setupBot(t, feederFunc(func(ctx context.Context) (int, error) {
		calls++
		if _, err := h.keys.Add(ctx, "vless://fresh@host:443"); err != nil {
			return 0, err
		}
		return 1, nil
	}))

	if err := h.bot.handleCallback(ctx, callback(5, cbInstall)); err != nil {
		t.Fatalf("install: %v", err)
	}
	if calls != 1 {
		t.Errorf("refill called %d times, want 1", calls)
	}
	if text := h.api.last(t); !strings.Contains(text, "vless://fresh@host:443") {
		t.Errorf("unexpected reply: %s", text)
	}
	if h.api.requests != 1 {
		t.Errorf("callback not acknowledged")
	}

	// The trial is spent; a second install on an active subscription returns the same key.
	if err := h.bot.handleCallback(ctx, callback(5, cbInstall)); err != nil {
		t.Fatalf("install again: %v", err)
	}
	if text := h.api.last(t); !strings.Contains(text, "Твой ключ") || !strings.Contains(text, "vless://fresh@host:443") {
		t.Errorf("unexpected reply: %s", text)
	}
}

func TestInstallWithEmptySourcesReportsEmptyPool(t *testing.T) {
	ctx := context.Background()
	h := setupBot(t, feederFunc(func(context.Context) (int, error) { return 0, nil }))

	if err := h.bot.handleCallback(ctx, callback(5, cbInstall)); err != nil {
		t.Fatalf("install: %v", err)
	}
	if text := h.api.last(t); !strings.Contains(text, "Нет свободных ключей") {
		t.Errorf("unexpected reply: %s", text)
	}
	account, err := h.subs.Account(ctx, 5)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if account.TrialUsed {
		t.Error("trial spent without a key")
	}
}

func TestPlanCallback(t *testing.T) {
	ctx := context.Background()
	h := setupBot(t, nil)

	if err := h.bot.handleCallback(ctx, callback(3, cbPlan+"1m")); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if text := h.api.last(t); !strings.Contains(text, "Недостаточно средств") {
		t.Errorf("unexpected reply: %s", text)
	}

	if _, err := h.subs.TopUp(ctx, 3, 300); err != nil {
		t.Fatalf("top up: %v", err)
	}
	if err := h.bot.handleCallback(ctx, callback(3, cbPlan+"1m")); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if text := h.api.last(t); !strings.Contains(text, "Подписка до 2026-11-16") {
		t.Errorf("unexpected reply: %s", text)
	}

	if err := h.bot.handleCallback(ctx, callback(3, cbPlan+"forever")); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if text := h.api.last(t); !strings.Contains(text, "Такого тарифа нет") {
		t.Errorf("unexpected reply: %s", text)
	}
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	ctx := context.Background()
	h := setupBot(t, nil)
	if _, err := h.subs.Register(ctx, 10, "user", nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	before := h.api.count()
	if err := h.bot.handleMessage(ctx, command(11, "mallory", "/admin_balance 10 500")); err != nil {
		t.Fatalf("non-admin: %v", err)
	}
	if h.api.count() != before {
		t.Error("non-admin got a reply")
	}
	if balance, _ := h.subs.Balance(ctx, 10); balance != 0 {
		t.Errorf("non-admin changed balance to %d", balance)
	}

	if err := h.bot.handleMessage(ctx, command(12, "Boss", "/admin_balance 10 500 promo code")); err != nil {
		t.Fatalf("admin: %v", err)
	}
	if text := h.api.last(t); text != "✅ +500₽ → 10. Баланс: 500₽" {
		t.Errorf("unexpected reply: %q", text)
	}
	history, _ := h.subs.History(ctx, 10)
	if len(history) != 1 || history[0].Reason != "promo code" {
		t.Errorf("unexpected history: %+v", history)
	}

	if err := h.bot.handleMessage(ctx, command(12, "boss", "/admin_balance 10")); err != nil {
		t.Fatalf("admin usage: %v", err)
	}
	if text := h.api.last(t); !strings.HasPrefix(text, "⚠️ /admin_balance") {
		t.Errorf("expected usage, got %q", text)
	}
}

func TestAdminKeyCommands(t *testing.T) {
	ctx := context.Background()
	h := setupBot(t, nil)

	if err := h.bot.handleMessage(ctx, command(1, "boss", "/add_key vmess://abc")); err != nil {
		t.Fatalf("add key: %v", err)
	}
	if err := h.bot.handleMessage(ctx, command(1, "boss", "/add_key vmess://abc")); err != nil {
		t.Fatalf("add key again: %v", err)
	}
	if text := h.api.last(t); !strings.Contains(text, "уже есть") {
		t.Errorf("duplicate not reported: %s", text)
	}
	if err := h.bot.handleMessage(ctx, command(1, "boss", "/purge_keys")); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if text := h.api.last(t); !strings.HasSuffix(text, ": 1") {
		t.Errorf("unexpected purge reply: %s", text)
	}
	if err := h.bot.handleMessage(ctx, command(1, "boss", "/verify 1")); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if text := h.api.last(t); !strings.Contains(text, "не найден") {
		t.Errorf("unexpected verify reply: %s", text)
	}
}

func TestParseReferral(t *testing.T) {
	cases := []struct {
		args string
		want int64
	}{
		{"42", 42},
		{" 42 ", 42},
		{"", 0},
		{"abc", 0},
		{"-5", 0},
		{"7", 0}, // self
	}
	for _, tc := range cases {
		got := parseReferral(tc.args, 7)
		switch {
		case tc.want == 0 && got != nil:
			t.Errorf("parseReferral(%q) = %d, want nil", tc.args, *got)
		case tc.want != 0 && (got == nil || *got != tc.want):
			t.Errorf("parseReferral(%q) = %v, want %d", tc.args, got, tc.want)
		}
	}
}

func TestParseBalanceCommand(t *testing.T) {
	cmd, err := parseBalanceCommand("10 -50 refund for outage")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.userID != 10 || cmd.amount != -50 || cmd.reason != "refund for outage" {
		t.Errorf("unexpected command: %+v", cmd)
	}
	for _, bad := range []string{"", "10", "x 5", "10 five"} {
		if _, err := parseBalanceCommand(bad); err == nil {
			t.Errorf("parseBalanceCommand(%q): expected error", bad)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	if parts := splitMessage("short", 10); len(parts) != 1 || parts[0] != "short" {
		t.Errorf("unexpected split: %q", parts)
	}
	parts := splitMessage("aaaa\nbbbb\ncccc", 10)
	if len(parts) != 2 || parts[0] != "aaaa\nbbbb" || parts[1] != "cccc" {
		t.Errorf("unexpected split: %q", parts)
	}
	parts = splitMessage(strings.Repeat("я", 25), 10)
	if len(parts) != 3 || parts[2] != strings.Repeat("я", 5) {
		t.Errorf("long line split: %q", parts)
	}
}

func TestDisplayName(t *testing.T) {
	if got := displayName(&tgbotapi.User{FirstName: "Ann", LastName: "Lee"}); got != "Ann Lee" {
		t.Errorf("got %q", got)
	}
	if got := displayName(&tgbotapi.User{UserName: "ann"}); got != "@ann" {
		t.Errorf("got %q", got)
	}
}
