package service

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"keybot/internal/model"
	"keybot/internal/repository"
)

// Stats is the admin overview.
type Stats struct {
	Total         int
	Active        int
	WithKeys      int
	TotalBalance  int64
	AvgBalance    int64
	KeysAvailable int64
	KeysAssigned  int64
}

// ReportService builds human-readable texts for the admin and for users.
type ReportService struct {
	subs *SubscriptionService
	keys *repository.KeyRepository
}

func NewReportService(subs *SubscriptionService, keys *repository.KeyRepository) *ReportService {
	return &ReportService{subs: subs, keys: keys}
}

func (s *ReportService) Stats(ctx context.Context) (Stats, error) {
	accounts, err := s.subs.Accounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	today := s.subs.Today()

	st := Stats{Total: len(accounts)}
	for i := range accounts {
		a := &accounts[i]
		if stateOn(a, today) == StateActive {
			st.Active++
		}
		if a.KeyID != nil {
			st.WithKeys++
		}
		st.TotalBalance += a.Balance
	}
	if st.Total > 0 {
		st.AvgBalance = st.TotalBalance / int64(st.Total)
	}

	if st.KeysAvailable, st.KeysAssigned, err = s.keys.Counts(ctx); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func FormatStats(st Stats) string {
	var b strings.Builder
	b.WriteString("<b>📊 Статистика:</b>\n")
	b.WriteString(fmt.Sprintf("👥 Всего пользователей: %d\n", st.Total))
	b.WriteString(fmt.Sprintf("✅ Активных: %d\n", st.Active))
	b.WriteString(fmt.Sprintf("🔑 С ключами: %d\n", st.WithKeys))
	b.WriteString(fmt.Sprintf("💰 Общий баланс: %d₽\n", st.TotalBalance))
	b.WriteString(fmt.Sprintf("📈 Средний баланс: %d₽\n", st.AvgBalance))
	b.WriteString(fmt.Sprintf("🗝 Ключей в пуле: %d (выдано %d)", st.KeysAvailable, st.KeysAssigned))
	return b.String()
}

// UsersReport lists every account with balance and subscription end.
func (s *ReportService) UsersReport(ctx context.Context) (string, error) {
	accounts, err := s.subs.Accounts(ctx)
	if err != nil {
		return "", err
	}
	if len(accounts) == 0 {
		return "Нет пользователей.", nil
	}

	var b strings.Builder
	b.WriteString("<b>Все пользователи:</b>\n")
	for i := range accounts {
		b.WriteString(formatAccountLine(&accounts[i]))
	}
	return strings.TrimSpace(b.String()), nil
}

func formatAccountLine(a *model.Account) string {
	name := strings.TrimSpace(a.DisplayName)
	if name == "" {
		name = "без имени"
	}
	return fmt.Sprintf("👤 %s | id: %d | %d₽ | до: %s\n", html.EscapeString(name), a.ID, a.Balance, formatUntil(a.SubscriptionUntil))
}

// FormatProfile renders the user's own account card.
func FormatProfile(a *model.Account, state State) string {
	var b strings.Builder
	b.WriteString("👤 <b>Профиль:</b>\n")
	b.WriteString(fmt.Sprintf("💸 Баланс: %d₽\n", a.Balance))
	b.WriteString(fmt.Sprintf("📅 Подписка до: %s", formatUntil(a.SubscriptionUntil)))
	switch state {
	case StateActive:
		b.WriteString(" ✅")
	case StateExpired:
		b.WriteString(" ⛔ истекла")
	}
	if cred := a.Credential(); cred != "" {
		b.WriteString(fmt.Sprintf("\n🔑 Ключ: <code>%s</code>", html.EscapeString(cred)))
	}
	return b.String()
}

// FormatHistory renders ledger entries, newest first, in loc.
func FormatHistory(ops []model.Operation, loc *time.Location) string {
	if len(ops) == 0 {
		return "ℹ️ Нет операций."
	}
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder
	b.WriteString("<b>📊 История операций:</b>\n")
	for _, op := range ops {
		sign := ""
		if op.Amount > 0 {
			sign = "+"
		}
		b.WriteString(fmt.Sprintf("%s · %s: %s%d₽", op.CreatedAt.In(loc).Format("02.01.2006 15:04"), kindLabel(op.Kind), sign, op.Amount))
		if reason := strings.TrimSpace(op.Reason); reason != "" {
			b.WriteString(fmt.Sprintf(" (%s)", html.EscapeString(reason)))
		}
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

// FormatPlans renders the plan list for the payment menu.
func FormatPlans(plans []model.Plan) string {
	var b strings.Builder
	b.WriteString("💳 <b>Тарифы:</b>\n")
	for _, p := range plans {
		b.WriteString(fmt.Sprintf("• %s — %d дн. — %d₽\n", html.EscapeString(p.Code), p.Days, p.Price))
	}
	return strings.TrimSpace(b.String())
}

// DailyReport is the scheduled admin summary: stats plus the expiry sweep.
func (s *ReportService) DailyReport(ctx context.Context) (string, error) {
	st, err := s.Stats(ctx)
	if err != nil {
		return "", err
	}
	sweep, err := s.subs.SweepExpiry(ctx)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("📋 <b>Ежедневный отчёт</b>\n")
	b.WriteString(fmt.Sprintf("🗓 %s\n\n", s.subs.Today().Format("02.01.2006")))
	b.WriteString(FormatStats(st))
	b.WriteString("\n\n")
	b.WriteString(FormatSweep(sweep))
	if st.KeysAvailable == 0 {
		b.WriteString("\n\n⚠️ Пул ключей пуст.")
	}
	return b.String(), nil
}

func FormatSweep(res SweepResult) string {
	return fmt.Sprintf("⛔ Проверено %d: активных %d, истекших %d, без подписки %d.",
		res.Total, res.Active, res.Expired, res.Never)
}

func formatUntil(until *time.Time) string {
	if until == nil {
		return "-"
	}
	return until.UTC().Format("2006-01-02")
}

func kindLabel(kind model.OperationKind) string {
	switch kind {
	case model.OperationReferral:
		return "реферал"
	case model.OperationPurchase:
		return "покупка"
	case model.OperationAdmin:
		return "админ"
	default:
		return string(kind)
	}
}
