package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"keybot/internal/model"
	"keybot/internal/service"
)

// handleAdminCommand runs admin-only commands. Commands from anyone else are dropped silently.
func (b *Bot) handleAdminCommand(ctx context.Context, msg *tgbotapi.Message) (bool, error) {
	var handler func(context.Context, *tgbotapi.Message) error
	switch msg.Command() {
	case "admin_balance":
		handler = b.adminBalance
	case "admin_users":
		handler = func(ctx context.Context, msg *tgbotapi.Message) error {
			return b.sendUsersReport(ctx, msg.Chat.ID)
		}
	case "check_all":
		handler = b.adminCheckAll
	case "stats":
		handler = b.adminStats
	case "add_key":
		handler = b.adminAddKey
	case "purge_keys":
		handler = b.adminPurgeKeys
	case "refill":
		handler = b.adminRefill
	case "verify":
		handler = b.adminVerify
	default:
		return false, nil
	}

	if !b.isAdmin(msg.From) {
		log.Printf("[warn] admin command /%s from non-admin %d", msg.Command(), msg.From.ID)
		return true, nil
	}
	return true, handler(ctx, msg)
}

type balanceCommand struct {
	userID int64
	amount int64
	reason string
}

func parseBalanceCommand(args string) (balanceCommand, error) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return balanceCommand{}, errors.New("expected user id and amount")
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return balanceCommand{}, fmt.Errorf("user id: %w", err)
	}
	amount, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return balanceCommand{}, fmt.Errorf("amount: %w", err)
	}
	return balanceCommand{userID: id, amount: amount, reason: strings.Join(fields[2:], " ")}, nil
}

func (b *Bot) adminBalance(ctx context.Context, msg *tgbotapi.Message) error {
	cmd, err := parseBalanceCommand(msg.CommandArguments())
	if err != nil {
		return b.sendText(msg.Chat.ID, "⚠️ /admin_balance user_id сумма [причина]")
	}
	op, err := b.subs.AdminAdjust(ctx, cmd.userID, cmd.amount, cmd.reason)
	if err != nil {
		if errors.Is(err, model.ErrUnknownUser) {
			return b.sendText(msg.Chat.ID, fmt.Sprintf("❌ Пользователь %d не найден.", cmd.userID))
		}
		return b.replyError(msg.Chat.ID, err)
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("✅ %+d₽ → %d. Баланс: %d₽", cmd.amount, cmd.userID, op.BalanceAfter))
}

func (b *Bot) sendUsersReport(ctx context.Context, chatID int64) error {
	text, err := b.reports.UsersReport(ctx)
	if err != nil {
		return b.replyError(chatID, err)
	}
	return b.sendLong(chatID, text)
}

func (b *Bot) adminCheckAll(ctx context.Context, msg *tgbotapi.Message) error {
	res, err := b.subs.SweepExpiry(ctx)
	if err != nil {
		return b.replyError(msg.Chat.ID, err)
	}
	return b.sendText(msg.Chat.ID, service.FormatSweep(res))
}

func (b *Bot) adminStats(ctx context.Context, msg *tgbotapi.Message) error {
	st, err := b.reports.Stats(ctx)
	if err != nil {
		return b.replyError(msg.Chat.ID, err)
	}
	return b.sendText(msg.Chat.ID, service.FormatStats(st))
}

func (b *Bot) adminAddKey(ctx context.Context, msg *tgbotapi.Message) error {
	credential := strings.TrimSpace(msg.CommandArguments())
	if credential == "" {
		return b.sendText(msg.Chat.ID, "⚠️ /add_key ссылка")
	}
	exists, err := b.keys.Exists(ctx, credential)
	if err != nil {
		return b.replyError(msg.Chat.ID, err)
	}
	if exists {
		return b.sendText(msg.Chat.ID, "ℹ️ Такой ключ уже есть в пуле.")
	}
	key, err := b.keys.Add(ctx, credential)
	if err != nil {
		return b.replyError(msg.Chat.ID, err)
	}
	log.Printf("[info] admin added key id=%d", key.ID)
	return b.sendText(msg.Chat.ID, fmt.Sprintf("✅ Ключ #%d добавлен.", key.ID))
}

func (b *Bot) adminPurgeKeys(ctx context.Context, msg *tgbotapi.Message) error {
	n, err := b.keys.PurgeUnassigned(ctx)
	if err != nil {
		return b.replyError(msg.Chat.ID, err)
	}
	log.Printf("[info] admin purged %d keys", n)
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🗑 Удалено свободных ключей: %d", n))
}

func (b *Bot) adminRefill(ctx context.Context, msg *tgbotapi.Message) error {
	if b.feeder == nil {
		return b.sendText(msg.Chat.ID, "ℹ️ Источники ключей не настроены.")
	}
	added, err := b.feeder.Refill(ctx)
	if err != nil {
		return b.replyError(msg.Chat.ID, err)
	}
	return b.sendText(msg.Chat.ID, fmt.Sprintf("🔄 Добавлено ключей: %d", added))
}

func (b *Bot) adminVerify(ctx context.Context, msg *tgbotapi.Message) error {
	id, err := strconv.ParseInt(strings.TrimSpace(msg.CommandArguments()), 10, 64)
	if err != nil {
		return b.sendText(msg.Chat.ID, "⚠️ /verify user_id")
	}
	switch err := b.subs.VerifyLedger(ctx, id); {
	case err == nil:
		return b.sendText(msg.Chat.ID, fmt.Sprintf("✅ Баланс пользователя %d сходится с историей.", id))
	case errors.Is(err, model.ErrLedgerMismatch):
		log.Printf("[error] %v", err)
		return b.sendText(msg.Chat.ID, "❗ "+escape(err.Error()))
	case errors.Is(err, model.ErrUnknownUser):
		return b.sendText(msg.Chat.ID, fmt.Sprintf("❌ Пользователь %d не найден.", id))
	default:
		return b.replyError(msg.Chat.ID, err)
	}
}
