package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"keybot/internal/model"
)

const (
	defaultPlans   = "1m:30:300,3m:90:800,12m:365:2500"
	defaultSources = "https://raw.githubusercontent.com/malekal/V2rayFree/main/README.md," +
		"https://v2rayshare.com/,https://freev2ray.org/,https://www.v2rayssr.com/"
)

// Config keeps runtime settings for the bot.
type Config struct {
	TelegramToken  string
	DatabaseDriver string
	DatabaseURL    string
	AdminUsername  string
	AdminChatID    int64
	Location       *time.Location

	Plans         []model.Plan
	TrialDays     int
	ReferralBonus int64
	HistoryLimit  int

	KeepAliveAddr    string
	DiscoverySources []string
	FetchTimeout     time.Duration
	ProbeTimeout     time.Duration
	RefillInterval   time.Duration
	RefillTarget     int
	SweepInterval    time.Duration
	ReportTime       string
}

// Load reads configuration from a .env file (if any) and environment variables with sane defaults.
func Load() (Config, error) {
	// A missing .env is fine, the process environment is used as is.
	_ = godotenv.Load()
	return FromLookup(os.Getenv)
}

// FromLookup builds the config from an arbitrary key lookup.
func FromLookup(getenv func(string) string) (Config, error) {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := Config{
		TelegramToken:    get("TELEGRAM_TOKEN"),
		DatabaseDriver:   strings.ToLower(get("DATABASE_DRIVER")),
		DatabaseURL:      get("DATABASE_URL"),
		AdminUsername:    strings.TrimPrefix(get("ADMIN_USERNAME"), "@"),
		KeepAliveAddr:    get("KEEPALIVE_ADDR"),
		DiscoverySources: splitList(get("DISCOVERY_SOURCES")),
		ReportTime:       get("REPORT_TIME"),
	}

	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = "sqlite"
	}
	if cfg.DatabaseURL == "" && cfg.DatabaseDriver == "sqlite" {
		cfg.DatabaseURL = "data/keybot.db"
	}
	if cfg.KeepAliveAddr == "" {
		cfg.KeepAliveAddr = ":8080"
	}
	if len(cfg.DiscoverySources) == 0 {
		cfg.DiscoverySources = splitList(defaultSources)
	}
	if cfg.ReportTime == "" {
		cfg.ReportTime = "09:00"
	}

	var err error
	if raw := get("ADMIN_CHAT_ID"); raw != "" {
		if cfg.AdminChatID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return cfg, fmt.Errorf("ADMIN_CHAT_ID: %w", err)
		}
	}

	cfg.Location = time.Local
	if tz := get("TZ_NAME"); tz != "" {
		if cfg.Location, err = time.LoadLocation(tz); err != nil {
			return cfg, fmt.Errorf("TZ_NAME: %w", err)
		}
	}

	plansRaw := get("PLANS")
	if plansRaw == "" {
		plansRaw = defaultPlans
	}
	if cfg.Plans, err = ParsePlans(plansRaw); err != nil {
		return cfg, fmt.Errorf("PLANS: %w", err)
	}

	cfg.TrialDays = parsePositiveInt(get("TRIAL_DAYS"), 3)
	cfg.ReferralBonus = int64(parsePositiveInt(get("REFERRAL_BONUS"), 100))
	cfg.HistoryLimit = parsePositiveInt(get("HISTORY_LIMIT"), 20)
	cfg.RefillTarget = parsePositiveInt(get("REFILL_TARGET"), 10)

	cfg.FetchTimeout = parseDuration(get("FETCH_TIMEOUT"), 5*time.Second)
	cfg.ProbeTimeout = parseDuration(get("PROBE_TIMEOUT"), 3*time.Second)
	cfg.RefillInterval = parseDuration(get("REFILL_INTERVAL"), 6*time.Hour)
	cfg.SweepInterval = parseDuration(get("SWEEP_INTERVAL"), time.Hour)

	if cfg.TelegramToken == "" {
		return cfg, fmt.Errorf("TELEGRAM_TOKEN is required")
	}

	return cfg, nil
}

// ParsePlans reads "code:days:price" entries separated by commas.
func ParsePlans(raw string) ([]model.Plan, error) {
	var plans []model.Plan
	seen := make(map[string]bool)
	for _, entry := range splitList(raw) {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid plan %q, expected code:days:price", entry)
		}
		code := strings.TrimSpace(parts[0])
		days, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("invalid days in plan %q", entry)
		}
		price, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil || price <= 0 {
			return nil, fmt.Errorf("invalid price in plan %q", entry)
		}
		if code == "" || seen[code] {
			return nil, fmt.Errorf("empty or duplicate plan code in %q", entry)
		}
		seen[code] = true
		plans = append(plans, model.Plan{Code: code, Days: days, Price: price})
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("no plans configured")
	}
	return plans, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePositiveInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

// parseDuration accepts Go durations ("90m") or a bare number of hours ("6").
func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if hours, err := strconv.Atoi(raw); err == nil {
		if hours <= 0 {
			return fallback
		}
		return time.Duration(hours) * time.Hour
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
