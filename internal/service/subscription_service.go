package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"keybot/internal/model"
	"keybot/internal/repository"
)

// State is derived from subscription_until and today's date. It is never stored.
type State int

const (
	StateNone State = iota
	StateActive
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return "none"
	}
}

// SweepResult summarizes a bulk expiry check.
type SweepResult struct {
	Total   int
	Active  int
	Expired int
	Never   int
}

// SubscriptionService owns every operation that spans accounts, the ledger and the key pool.
type SubscriptionService struct {
	db       *gorm.DB
	accounts *repository.AccountRepository
	ledger   *repository.LedgerRepository
	keys     *repository.KeyRepository

	plans         []model.Plan
	trialDays     int
	referralBonus int64
	historyLimit  int
	loc           *time.Location
	now           func() time.Time
}

// Option tunes a SubscriptionService.
type Option func(*SubscriptionService)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *SubscriptionService) { s.now = now }
}

// WithLocation sets the time zone that decides which calendar day "today" is.
func WithLocation(loc *time.Location) Option {
	return func(s *SubscriptionService) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithTrialDays(days int) Option {
	return func(s *SubscriptionService) {
		if days > 0 {
			s.trialDays = days
		}
	}
}

func WithReferralBonus(amount int64) Option {
	return func(s *SubscriptionService) { s.referralBonus = amount }
}

func WithHistoryLimit(limit int) Option {
	return func(s *SubscriptionService) { s.historyLimit = limit }
}

func NewSubscriptionService(db *gorm.DB, accounts *repository.AccountRepository, ledger *repository.LedgerRepository, keys *repository.KeyRepository, plans []model.Plan, opts ...Option) *SubscriptionService {
	s := &SubscriptionService{
		db:            db,
		accounts:      accounts,
		ledger:        ledger,
		keys:          keys,
		plans:         plans,
		trialDays:     3,
		referralBonus: 100,
		historyLimit:  20,
		loc:           time.Local,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Today returns the current calendar date as midnight UTC, the same form expiry dates are stored in.
func (s *SubscriptionService) Today() time.Time {
	return dateOf(s.now().In(s.loc))
}

// State derives the subscription state of an account for today.
func (s *SubscriptionService) State(account *model.Account) State {
	return stateOn(account, s.Today())
}

func stateOn(account *model.Account, today time.Time) State {
	if account == nil || account.SubscriptionUntil == nil {
		return StateNone
	}
	if dateOf(account.SubscriptionUntil.UTC()).Before(today) {
		return StateExpired
	}
	return StateActive
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Register creates the account on first contact. The referral bonus is credited only when the
// account is actually new, in the same transaction as the insert.
func (s *SubscriptionService) Register(ctx context.Context, id int64, displayName string, referralFrom *int64) (bool, error) {
	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = s.accounts.WithTx(tx).Create(ctx, id, displayName, referralFrom)
		if err != nil || !created {
			return err
		}
		if referralFrom == nil || *referralFrom == id {
			return nil
		}
		return s.creditReferral(ctx, s.ledger.WithTx(tx), *referralFrom, s.referralBonus)
	})
	if err != nil {
		return false, classify("register", err)
	}
	if created {
		log.Printf("[info] account created user=%d referral=%v", id, derefOrNil(referralFrom))
	}
	return created, nil
}

// CreditReferral pays the referral bonus. An unknown referrer is skipped without error.
func (s *SubscriptionService) CreditReferral(ctx context.Context, referrerID, amount int64) error {
	return s.creditReferral(ctx, s.ledger, referrerID, amount)
}

func (s *SubscriptionService) creditReferral(ctx context.Context, ledger *repository.LedgerRepository, referrerID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	_, err := ledger.Record(ctx, referrerID, amount, model.OperationReferral, "referral bonus")
	if errors.Is(err, model.ErrUnknownUser) {
		log.Printf("[warn] referral bonus skipped: referrer %d not found", referrerID)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("[info] referral bonus user=%d amount=%d", referrerID, amount)
	return nil
}

// CheckExpiry reports whether the subscription is active today. Nothing is written.
func (s *SubscriptionService) CheckExpiry(ctx context.Context, id int64) (bool, error) {
	account, err := s.accounts.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return s.State(account) == StateActive, nil
}

// SweepExpiry runs CheckExpiry over every account.
func (s *SubscriptionService) SweepExpiry(ctx context.Context) (SweepResult, error) {
	accounts, err := s.accounts.ListAll(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	today := s.Today()
	res := SweepResult{Total: len(accounts)}
	for i := range accounts {
		switch stateOn(&accounts[i], today) {
		case StateActive:
			res.Active++
		case StateExpired:
			res.Expired++
		default:
			res.Never++
		}
	}
	return res, nil
}

// GrantTrial hands out the one-time trial: a key plus TrialDays of subscription.
// All writes share one transaction, so a failure after the key is taken puts it back.
func (s *SubscriptionService) GrantTrial(ctx context.Context, id int64) (*model.Key, error) {
	today := s.Today()
	until := today.AddDate(0, 0, s.trialDays)

	var key *model.Key
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		accounts := s.accounts.WithTx(tx)
		account, err := accounts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if account.TrialUsed {
			return model.ErrTrialAlreadyUsed
		}
		if stateOn(account, today) == StateActive {
			return model.ErrAlreadyActive
		}
		if key, err = s.ensureKey(ctx, tx, account); err != nil {
			return err
		}
		if err := accounts.MarkTrialUsed(ctx, id); err != nil {
			return err
		}
		return accounts.SetExpiry(ctx, id, until)
	})
	if err != nil {
		return nil, classify("grant trial", err)
	}
	log.Printf("[info] trial granted user=%d key=%d until=%s", id, key.ID, until.Format("2006-01-02"))
	return key, nil
}

// IssueKey gives an active subscriber a key if they have none yet, and returns the assigned key.
func (s *SubscriptionService) IssueKey(ctx context.Context, id int64) (*model.Key, error) {
	today := s.Today()
	var key *model.Key
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.accounts.WithTx(tx).GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if stateOn(account, today) != StateActive {
			return model.ErrNotActive
		}
		key, err = s.ensureKey(ctx, tx, account)
		return err
	})
	if err != nil {
		return nil, classify("issue key", err)
	}
	return key, nil
}

// ensureKey returns the account's key, taking one from the pool if it has none.
func (s *SubscriptionService) ensureKey(ctx context.Context, tx *gorm.DB, account *model.Account) (*model.Key, error) {
	if account.Key != nil {
		return account.Key, nil
	}
	key, err := s.keys.WithTx(tx).TakeOne(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	if err := s.accounts.WithTx(tx).SetAssignedKey(ctx, account.ID, key.ID); err != nil {
		return nil, err
	}
	log.Printf("[info] key assigned user=%d key=%d", account.ID, key.ID)
	return key, nil
}

// Purchase debits the plan price and extends the subscription in one transaction.
// Remaining days of an active subscription are kept; otherwise the period starts today.
func (s *SubscriptionService) Purchase(ctx context.Context, id int64, planCode string) (time.Time, error) {
	plan, ok := s.Plan(planCode)
	if !ok {
		return time.Time{}, model.ErrUnknownPlan
	}
	today := s.Today()

	var newUntil time.Time
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		accounts := s.accounts.WithTx(tx)
		account, err := accounts.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		reason := fmt.Sprintf("plan %s (%d days)", plan.Code, plan.Days)
		if _, err := s.ledger.WithTx(tx).Debit(ctx, id, plan.Price, model.OperationPurchase, reason); err != nil {
			return err
		}
		base := today
		if stateOn(account, today) == StateActive {
			base = dateOf(account.SubscriptionUntil.UTC())
		}
		newUntil = base.AddDate(0, 0, plan.Days)
		return accounts.SetExpiry(ctx, id, newUntil)
	})
	if err != nil {
		return time.Time{}, classify("purchase", err)
	}
	log.Printf("[info] plan purchased user=%d plan=%s price=%d until=%s", id, plan.Code, plan.Price, newUntil.Format("2006-01-02"))
	return newUntil, nil
}

// AdminAdjust records a manual balance change. Negative corrections are allowed.
func (s *SubscriptionService) AdminAdjust(ctx context.Context, id, amount int64, reason string) (*model.Operation, error) {
	if amount == 0 {
		return nil, model.ErrInvalidAmount
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual adjustment"
	}
	op, err := s.ledger.Record(ctx, id, amount, model.OperationAdmin, reason)
	if err != nil {
		return nil, err
	}
	log.Printf("[info] admin adjust user=%d amount=%d reason=%q", id, amount, reason)
	return op, nil
}

// TopUp credits a manual payment.
func (s *SubscriptionService) TopUp(ctx context.Context, id, amount int64) (*model.Operation, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	return s.AdminAdjust(ctx, id, amount, "top-up (admin)")
}

func (s *SubscriptionService) Account(ctx context.Context, id int64) (*model.Account, error) {
	return s.accounts.Get(ctx, id)
}

func (s *SubscriptionService) Accounts(ctx context.Context) ([]model.Account, error) {
	return s.accounts.ListAll(ctx)
}

func (s *SubscriptionService) Rename(ctx context.Context, id int64, name string) error {
	return s.accounts.SetDisplayName(ctx, id, name)
}

func (s *SubscriptionService) Balance(ctx context.Context, id int64) (int64, error) {
	return s.ledger.BalanceOf(ctx, id)
}

// History returns the latest operations, newest first.
func (s *SubscriptionService) History(ctx context.Context, id int64) ([]model.Operation, error) {
	if _, err := s.accounts.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.HistoryOf(ctx, id, s.historyLimit)
}

func (s *SubscriptionService) ReferralCount(ctx context.Context, id int64) (int64, error) {
	return s.accounts.CountReferrals(ctx, id)
}

// VerifyLedger checks that the cached balance equals the history sum.
func (s *SubscriptionService) VerifyLedger(ctx context.Context, id int64) error {
	return s.ledger.Verify(ctx, id)
}

func (s *SubscriptionService) Plans() []model.Plan {
	return s.plans
}

func (s *SubscriptionService) Plan(code string) (model.Plan, bool) {
	for _, p := range s.plans {
		if p.Code == code {
			return p, true
		}
	}
	return model.Plan{}, false
}

func (s *SubscriptionService) TrialDays() int {
	return s.trialDays
}

func (s *SubscriptionService) ReferralBonus() int64 {
	return s.referralBonus
}

func derefOrNil(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
