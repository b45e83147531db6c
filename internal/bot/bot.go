package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"keybot/internal/config"
	"keybot/internal/model"
	"keybot/internal/repository"
	"keybot/internal/service"
)

const (
	cbInstall   = "install"
	cbUpdateKey = "update_key"
	cbBalance   = "balance"
	cbReferrals = "referrals"
	cbTopUpInfo = "topup_info"
	cbAdminMenu = "admin_menu"
	cbAllUsers  = "all_users"
	cbBack      = "back"
	cbPlan      = "plan:"
)

const (
	menuLabelMain    = "🏠 Главное меню"
	menuLabelProfile = "👤 Личный кабинет"
	menuLabelHelp    = "❓ Помощь в подключении"
	menuLabelPayment = "💳 Оплата"
)

// maxMessageLen stays below Telegram's 4096 character limit.
const maxMessageLen = 4000

const helpText = "📥 Скачать V2ray:\n" +
	"https://apps.apple.com/ru/app/v2box-v2ray-client/id6446814690\n\n" +
	"1. Получи ключ через меню\n" +
	"2. Вставь в приложение\n" +
	"3. Готово!\n\n" +
	"Команды: /profile, /balance, /history, /key, /plans"

// sender is the part of the Telegram API the handlers use.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Refiller tops up the key pool on demand.
type Refiller interface {
	Refill(ctx context.Context) (int, error)
}

// Bot aggregates Telegram API with services.
type Bot struct {
	api      sender
	poller   *tgbotapi.BotAPI
	username string

	subs    *service.SubscriptionService
	reports *service.ReportService
	keys    *repository.KeyRepository
	feeder  Refiller
	config  *config.Config
}

func New(token string, subs *service.SubscriptionService, reports *service.ReportService, keys *repository.KeyRepository, feeder Refiller, cfg *config.Config) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	log.Printf("[info] bot authorized on account %s", api.Self.UserName)

	b := newBot(api, api.Self.UserName, subs, reports, keys, feeder, cfg)
	b.poller = api
	return b, nil
}

func newBot(api sender, username string, subs *service.SubscriptionService, reports *service.ReportService, keys *repository.KeyRepository, feeder Refiller, cfg *config.Config) *Bot {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Bot{
		api:      api,
		username: username,
		subs:     subs,
		reports:  reports,
		keys:     keys,
		feeder:   feeder,
		config:   cfg,
	}
}

// Start begins polling updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	if b.poller == nil {
		return errors.New("bot has no telegram connection")
	}
	if err := b.registerCommands(); err != nil {
		log.Printf("[warn] set commands: %v", err)
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 60
	updates := b.poller.GetUpdatesChan(updateConfig)

	log.Println("[info] start polling updates")

	go func() {
		<-ctx.Done()
		b.poller.StopReceivingUpdates()
	}()

	for update := range updates {
		switch {
		case update.CallbackQuery != nil:
			if err := b.handleCallback(ctx, update.CallbackQuery); err != nil {
				log.Printf("[error] handle callback: %v", err)
			}
		case update.Message != nil:
			if update.Message.Chat == nil || !update.Message.Chat.IsPrivate() {
				continue
			}
			if err := b.handleMessage(ctx, update.Message); err != nil {
				log.Printf("[error] handle message: %v", err)
			}
		}
	}

	return ctx.Err()
}

func (b *Bot) registerCommands() error {
	_, err := b.api.Request(tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "start", Description: "🔹 Главное меню"},
		tgbotapi.BotCommand{Command: "profile", Description: "👤 Личный кабинет"},
		tgbotapi.BotCommand{Command: "balance", Description: "💰 Баланс"},
		tgbotapi.BotCommand{Command: "history", Description: "📊 История операций"},
		tgbotapi.BotCommand{Command: "key", Description: "🔑 Мой ключ"},
		tgbotapi.BotCommand{Command: "plans", Description: "💳 Тарифы"},
		tgbotapi.BotCommand{Command: "help", Description: "❓ Помощь"},
	))
	return err
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.From == nil {
		return nil
	}

	if msg.IsCommand() {
		log.Printf("[info] command from %d: /%s %s", msg.From.ID, msg.Command(), msg.CommandArguments())
		return b.handleCommand(ctx, msg)
	}

	if handled, err := b.handleMenuAlias(ctx, msg); handled {
		return err
	}

	return b.sendText(msg.Chat.ID, "Я пока не понял сообщение. Воспользуйся меню или /help.")
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	switch msg.Command() {
	case "start":
		return b.handleStart(ctx, msg)
	case "help":
		return b.sendText(msg.Chat.ID, helpText)
	case "profile":
		return b.handleProfile(ctx, msg.Chat.ID, msg.From)
	case "balance":
		return b.handleBalance(ctx, msg.Chat.ID, msg.From)
	case "history":
		return b.handleHistory(ctx, msg.Chat.ID, msg.From)
	case "key":
		return b.handleInstall(ctx, msg.Chat.ID, msg.From)
	case "plans":
		return b.handlePlans(msg.Chat.ID)
	}

	if handled, err := b.handleAdminCommand(ctx, msg); handled {
		return err
	}
	return b.sendText(msg.Chat.ID, "Команда не поддерживается. Загляни в /help.")
}

func (b *Bot) handleStart(ctx context.Context, msg *tgbotapi.Message) error {
	ref := parseReferral(msg.CommandArguments(), msg.From.ID)
	created, err := b.subs.Register(ctx, msg.From.ID, displayName(msg.From), ref)
	if err != nil {
		return b.replyError(msg.Chat.ID, err)
	}

	name := strings.TrimSpace(msg.From.FirstName)
	if name == "" {
		name = "друг"
	}
	text := fmt.Sprintf("👋 Привет, %s! Добро пожаловать в бота.", escape(name))
	if created {
		text += fmt.Sprintf("\n🧪 Тебе доступен пробный период на %d дн.: нажми «💠 Установить V2».", b.subs.TrialDays())
	}
	if err := b.sendText(msg.Chat.ID, text); err != nil {
		return err
	}
	return b.sendWithReplyMarkup(msg.Chat.ID, menuLabelMain, userKeyboard(b.isAdmin(msg.From)))
}

func (b *Bot) handleProfile(ctx context.Context, chatID int64, from *tgbotapi.User) error {
	account, err := b.ensureAccount(ctx, from)
	if err != nil {
		return b.replyError(chatID, err)
	}
	return b.sendText(chatID, service.FormatProfile(account, b.subs.State(account)))
}

func (b *Bot) handleBalance(ctx context.Context, chatID int64, from *tgbotapi.User) error {
	account, err := b.ensureAccount(ctx, from)
	if err != nil {
		return b.replyError(chatID, err)
	}
	text := fmt.Sprintf("💰 Баланс: <b>%d₽</b>", account.Balance)
	return b.sendWithReplyMarkup(chatID, text, balanceKeyboard(b.subs.Plans()))
}

func (b *Bot) handleHistory(ctx context.Context, chatID int64, from *tgbotapi.User) error {
	if _, err := b.ensureAccount(ctx, from); err != nil {
		return b.replyError(chatID, err)
	}
	ops, err := b.subs.History(ctx, from.ID)
	if err != nil {
		return b.replyError(chatID, err)
	}
	return b.sendLong(chatID, service.FormatHistory(ops, b.config.Location))
}

func (b *Bot) handlePlans(chatID int64) error {
	return b.sendWithReplyMarkup(chatID, service.FormatPlans(b.subs.Plans()), planKeyboard(b.subs.Plans()))
}

// handleInstall shows the user's key, granting the trial or issuing a key when needed.
func (b *Bot) handleInstall(ctx context.Context, chatID int64, from *tgbotapi.User) error {
	account, err := b.ensureAccount(ctx, from)
	if err != nil {
		return b.replyError(chatID, err)
	}

	if b.subs.State(account) == service.StateActive {
		key, err := b.withRefill(ctx, func() (*model.Key, error) { return b.subs.IssueKey(ctx, from.ID) })
		if err != nil {
			return b.replyError(chatID, err)
		}
		return b.sendText(chatID, fmt.Sprintf("🔑 Твой ключ:\n<code>%s</code>", escape(key.Credential)))
	}

	key, err := b.withRefill(ctx, func() (*model.Key, error) { return b.subs.GrantTrial(ctx, from.ID) })
	if err != nil {
		return b.replyError(chatID, err)
	}
	return b.sendText(chatID, fmt.Sprintf("🧪 Пробный ключ (%d дн.):\n<code>%s</code>", b.subs.TrialDays(), escape(key.Credential)))
}

func (b *Bot) handleUpdateKey(ctx context.Context, chatID int64, from *tgbotapi.User) error {
	account, err := b.ensureAccount(ctx, from)
	if err != nil {
		return b.replyError(chatID, err)
	}
	if account.Credential() == "" {
		return b.sendText(chatID, "❌ У тебя нет ключа.")
	}
	if b.subs.State(account) != service.StateActive {
		return b.sendText(chatID, "⛔ Подписка истекла. Продли её в разделе «💳 Оплата».")
	}
	return b.sendText(chatID, fmt.Sprintf("🔁 Твой ключ:\n<code>%s</code>", escape(account.Credential())))
}

func (b *Bot) handleReferrals(ctx context.Context, chatID int64, from *tgbotapi.User) error {
	if _, err := b.ensureAccount(ctx, from); err != nil {
		return b.replyError(chatID, err)
	}
	count, err := b.subs.ReferralCount(ctx, from.ID)
	if err != nil {
		return b.replyError(chatID, err)
	}
	text := fmt.Sprintf("👥 Твоя ссылка:\n%s\n🔁 За друга — %d₽!\nПриглашено: %d",
		referralLink(b.username, from.ID), b.subs.ReferralBonus(), count)
	return b.sendText(chatID, text)
}

func (b *Bot) handlePurchase(ctx context.Context, chatID int64, from *tgbotapi.User, code string) error {
	if _, err := b.ensureAccount(ctx, from); err != nil {
		return b.replyError(chatID, err)
	}
	plan, ok := b.subs.Plan(code)
	if !ok {
		return b.replyError(chatID, model.ErrUnknownPlan)
	}
	until, err := b.subs.Purchase(ctx, from.ID, code)
	if err != nil {
		return b.replyError(chatID, err)
	}
	text := fmt.Sprintf("✅ Подписка до %s!\nСписано %d₽.\nКлюч: «♻️ Обновить ключ» или /key.", until.Format("2006-01-02"), plan.Price)
	return b.sendText(chatID, text)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb == nil || cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
		return nil
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		log.Printf("[warn] callback ack: %v", err)
	}

	chatID := cb.Message.Chat.ID
	data := cb.Data
	log.Printf("[info] callback %s user=%d", data, cb.From.ID)

	switch {
	case data == cbInstall:
		return b.handleInstall(ctx, chatID, cb.From)
	case data == cbUpdateKey:
		return b.handleUpdateKey(ctx, chatID, cb.From)
	case data == cbBalance:
		return b.handleBalance(ctx, chatID, cb.From)
	case data == cbReferrals:
		return b.handleReferrals(ctx, chatID, cb.From)
	case data == cbTopUpInfo:
		return b.sendText(chatID, topUpText(b.config.AdminUsername))
	case strings.HasPrefix(data, cbPlan):
		return b.handlePurchase(ctx, chatID, cb.From, strings.TrimPrefix(data, cbPlan))
	case data == cbAdminMenu:
		if !b.isAdmin(cb.From) {
			return nil
		}
		return b.sendWithReplyMarkup(chatID, "⚙️ Админ-панель", adminKeyboard())
	case data == cbAllUsers:
		if !b.isAdmin(cb.From) {
			return nil
		}
		return b.sendUsersReport(ctx, chatID)
	case data == cbBack:
		return b.sendWithReplyMarkup(chatID, "↩️ Назад", userKeyboard(b.isAdmin(cb.From)))
	default:
		return nil
	}
}

func (b *Bot) handleMenuAlias(ctx context.Context, msg *tgbotapi.Message) (bool, error) {
	switch strings.TrimSpace(msg.Text) {
	case menuLabelMain:
		return true, b.sendWithReplyMarkup(msg.Chat.ID, menuLabelMain, userKeyboard(b.isAdmin(msg.From)))
	case menuLabelProfile:
		return true, b.handleProfile(ctx, msg.Chat.ID, msg.From)
	case menuLabelHelp:
		return true, b.sendText(msg.Chat.ID, helpText)
	case menuLabelPayment:
		return true, b.handlePlans(msg.Chat.ID)
	default:
		return false, nil
	}
}

// withRefill retries once after refilling the pool when it turned out empty.
// The failed attempt left no side effects, so the retry is safe.
func (b *Bot) withRefill(ctx context.Context, take func() (*model.Key, error)) (*model.Key, error) {
	key, err := take()
	if !errors.Is(err, model.ErrKeyPoolEmpty) || b.feeder == nil {
		return key, err
	}
	log.Printf("[warn] key pool empty, refilling")
	added, refillErr := b.feeder.Refill(ctx)
	if refillErr != nil {
		log.Printf("[error] refill: %v", refillErr)
		return nil, err
	}
	if added == 0 {
		return nil, err
	}
	return take()
}

// ensureAccount registers the sender on first contact and returns the account.
func (b *Bot) ensureAccount(ctx context.Context, from *tgbotapi.User) (*model.Account, error) {
	if _, err := b.subs.Register(ctx, from.ID, displayName(from), nil); err != nil {
		return nil, err
	}
	return b.subs.Account(ctx, from.ID)
}

// SendAdminReport sends the daily summary to the admin chat, if one is configured.
func (b *Bot) SendAdminReport(ctx context.Context) error {
	if b.config.AdminChatID == 0 {
		log.Printf("[warn] admin report skipped: ADMIN_CHAT_ID is not set")
		return nil
	}
	text, err := b.reports.DailyReport(ctx)
	if err != nil {
		return err
	}
	return b.sendLong(b.config.AdminChatID, text)
}

func (b *Bot) replyError(chatID int64, err error) error {
	switch {
	case errors.Is(err, model.ErrUnknownUser):
		log.Printf("[error] chat %d: %v", chatID, err)
		return b.sendText(chatID, "⚠️ Профиль не найден. Нажми /start.")
	case model.IsBusinessRule(err):
		return b.sendText(chatID, businessText(err))
	default:
		log.Printf("[error] chat %d: %v", chatID, err)
		return b.sendText(chatID, "⚠️ Сервис временно недоступен, попробуй позже.")
	}
}

func businessText(err error) string {
	switch {
	case errors.Is(err, model.ErrKeyPoolEmpty):
		return "❌ Нет свободных ключей. Попробуй чуть позже."
	case errors.Is(err, model.ErrTrialAlreadyUsed):
		return "⚠️ Пробник уже использован. Оформи подписку."
	case errors.Is(err, model.ErrAlreadyActive):
		return "✅ Подписка уже активна."
	case errors.Is(err, model.ErrInsufficientBalance):
		return "❌ Недостаточно средств."
	case errors.Is(err, model.ErrNotActive):
		return "⛔ Подписка не активна. Выбери тариф в разделе «💳 Оплата»."
	case errors.Is(err, model.ErrUnknownPlan):
		return "❌ Такого тарифа нет."
	case errors.Is(err, model.ErrInvalidAmount):
		return "⚠️ Неверная сумма."
	default:
		return "⚠️ Операция не выполнена."
	}
}

func (b *Bot) isAdmin(from *tgbotapi.User) bool {
	if from == nil {
		return false
	}
	if b.config.AdminChatID != 0 && from.ID == b.config.AdminChatID {
		return true
	}
	return b.config.AdminUsername != "" && strings.EqualFold(from.UserName, b.config.AdminUsername)
}

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = mainMenuKeyboard()
	_, err := b.api.Send(msg)
	return err
}

// sendLong splits text on line boundaries to fit the message size limit.
func (b *Bot) sendLong(chatID int64, text string) error {
	for _, part := range splitMessage(text, maxMessageLen) {
		if err := b.sendText(chatID, part); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) sendWithReplyMarkup(chatID int64, text string, markup interface{}) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.ReplyMarkup = markup
	_, err := b.api.Send(msg)
	return err
}

func mainMenuKeyboard() tgbotapi.ReplyKeyboardMarkup {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(menuLabelMain)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(menuLabelProfile)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(menuLabelHelp)),
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButton(menuLabelPayment)),
	)
	kb.ResizeKeyboard = true
	return kb
}

func userKeyboard(isAdmin bool) tgbotapi.InlineKeyboardMarkup {
	rows := [][]tgbotapi.InlineKeyboardButton{
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💠 Установить V2", cbInstall),
			tgbotapi.NewInlineKeyboardButtonData("♻️ Обновить ключ", cbUpdateKey),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💰 Баланс", cbBalance),
			tgbotapi.NewInlineKeyboardButtonData("👥 Рефералы", cbReferrals),
		),
	}
	if isAdmin {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("⚙️ Админка", cbAdminMenu),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func adminKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("👤 Все пользователи", cbAllUsers)),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("⬅️ Назад", cbBack)),
	)
}

func planKeyboard(plans []model.Plan) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(plans))
	for _, p := range plans {
		label := fmt.Sprintf("🗓 %s — %d дн. — %d₽", p.Code, p.Days, p.Price)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, cbPlan+p.Code)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func balanceKeyboard(plans []model.Plan) tgbotapi.InlineKeyboardMarkup {
	kb := planKeyboard(plans)
	kb.InlineKeyboard = append(kb.InlineKeyboard, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("💳 Пополнить баланс", cbTopUpInfo),
	))
	return kb
}

func topUpText(admin string) string {
	if admin == "" {
		return "📨 Напиши администратору для пополнения."
	}
	return fmt.Sprintf("📨 Напиши админу @%s для пополнения", escape(admin))
}

// parseReferral reads the /start payload. Anything but a positive id other than self is ignored.
func parseReferral(args string, self int64) *int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil || id <= 0 || id == self {
		return nil
	}
	return &id
}

func referralLink(botName string, id int64) string {
	return fmt.Sprintf("https://t.me/%s?start=%d", botName, id)
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" && u.UserName != "" {
		name = "@" + u.UserName
	}
	return name
}

// splitMessage cuts text into chunks of at most limit runes, preferring line breaks.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var (
		parts   []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, strings.TrimRight(current.String(), "\n"))
			current.Reset()
			size = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if size+n > limit {
			flush()
		}
		for n > limit {
			runes := []rune(line)
			parts = append(parts, string(runes[:limit]))
			line = string(runes[limit:])
			n = len(runes) - limit
		}
		current.WriteString(line)
		size += n
	}
	flush()
	return parts
}

func escape(s string) string {
	return html.EscapeString(s)
}
