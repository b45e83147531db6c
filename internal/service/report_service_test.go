package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"keybot/internal/model"
)

func TestStats(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)
	a := int64(1)
	f.register(t, a, nil)
	f.register(t, 2, &a)
	f.register(t, 3, nil)
	f.addKeys(t, "k1", "k2", "k3")
	if _, err := f.svc.GrantTrial(ctx, 2); err != nil {
		t.Fatalf("trial: %v", err)
	}
	f.setUntil(t, 3, day(-1))

	reports := NewReportService(f.svc, f.keys)
	st, err := reports.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := Stats{Total: 3, Active: 1, WithKeys: 1, TotalBalance: 100, AvgBalance: 33, KeysAvailable: 2, KeysAssigned: 1}
	if st != want {
		t.Errorf("stats %+v, want %+v", st, want)
	}
	if text := FormatStats(st); !strings.Contains(text, "Всего пользователей: 3") {
		t.Errorf("unexpected stats text: %s", text)
	}
}

func TestUsersReport(t *testing.T) {
	ctx := context.Background()
	f := setupService(t)
	reports := NewReportService(f.svc, f.keys)

	text, err := reports.UsersReport(ctx)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if text != "Нет пользователей." {
		t.Errorf("empty report: %q", text)
	}

	if _, err := f.svc.Register(ctx, 7, "<b>eve</b>", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.setUntil(t, 7, day(30))
	text, err = reports.UsersReport(ctx)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(text, "&lt;b&gt;eve&lt;/b&gt; | id: 7 | 0₽ | до: 2026-11-16") {
		t.Errorf("unexpected line: %s", text)
	}
}

func TestFormatHistory(t *testing.T) {
	if got := FormatHistory(nil, time.UTC); got != "ℹ️ Нет операций." {
		t.Errorf("empty history: %q", got)
	}
	ops := []model.Operation{
		{Amount: -300, Kind: model.OperationPurchase, Reason: "plan 1m (30 days)", CreatedAt: time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)},
		{Amount: 100, Kind: model.OperationReferral, Reason: "referral bonus", CreatedAt: time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)},
	}
	got := FormatHistory(ops, time.UTC)
	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("unexpected history: %q", got)
	}
	if lines[1] != "17.10.2026 09:30 · покупка: -300₽ (plan 1m (30 days))" {
		t.Errorf("debit line: %q", lines[1])
	}
	if !strings.Contains(lines[2], "реферал: +100₽") {
		t.Errorf("credit line: %q", lines[2])
	}
}

func TestFormatProfile(t *testing.T) {
	until := day(5)
	a := &model.Account{ID: 1, Balance: 250, SubscriptionUntil: &until, Key: &model.Key{Credential: "vless://x@y:1"}}
	got := FormatProfile(a, StateActive)
	for _, part := range []string{"Баланс: 250₽", "2026-10-22 ✅", "<code>vless://x@y:1</code>"} {
		if !strings.Contains(got, part) {
			t.Errorf("profile %q missing %q", got, part)
		}
	}
	if got := FormatProfile(&model.Account{}, StateNone); !strings.Contains(got, "Подписка до: -") {
		t.Errorf("profile without subscription: %q", got)
	}
}

func TestDailyReportWarnsOnEmptyPool(t *testing.T) {
	f := setupService(t)
	f.register(t, 1, nil)
	text, err := NewReportService(f.svc, f.keys).DailyReport(context.Background())
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(text, "17.10.2026") || !strings.Contains(text, "Пул ключей пуст") {
		t.Errorf("unexpected report: %s", text)
	}
}
