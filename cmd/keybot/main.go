package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"keybot/internal/bot"
	"keybot/internal/config"
	"keybot/internal/repository"
	"keybot/internal/server"
	"keybot/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := repository.NewDB(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer sqlDB.Close()

	accountRepo := repository.NewAccountRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	keyRepo := repository.NewKeyRepository(db)

	subs := service.NewSubscriptionService(db, accountRepo, ledgerRepo, keyRepo, cfg.Plans,
		service.WithLocation(cfg.Location),
		service.WithTrialDays(cfg.TrialDays),
		service.WithReferralBonus(cfg.ReferralBonus),
		service.WithHistoryLimit(cfg.HistoryLimit),
	)
	reports := service.NewReportService(subs, keyRepo)
	feeder := service.NewKeyFeeder(
		service.NewDiscoverer(cfg.DiscoverySources, cfg.FetchTimeout),
		service.NewProber(cfg.ProbeTimeout),
		keyRepo,
		cfg.RefillTarget,
	)

	telegramBot, err := bot.New(cfg.TelegramToken, subs, reports, keyRepo, feeder, &cfg)
	if err != nil {
		log.Fatalf("bot: %v", err)
	}

	scheduler := service.NewSchedulerService(cfg.Location, 0)
	if _, err := scheduler.ScheduleInterval("refill", cfg.RefillInterval, func(ctx context.Context) error {
		_, err := feeder.Refill(ctx)
		return err
	}); err != nil {
		log.Fatalf("schedule refill: %v", err)
	}
	if _, err := scheduler.ScheduleInterval("sweep", cfg.SweepInterval, func(ctx context.Context) error {
		res, err := subs.SweepExpiry(ctx)
		if err != nil {
			return err
		}
		log.Printf("[info] sweep: total=%d active=%d expired=%d never=%d", res.Total, res.Active, res.Expired, res.Never)
		return nil
	}); err != nil {
		log.Fatalf("schedule sweep: %v", err)
	}
	if _, err := scheduler.ScheduleDaily("admin report", cfg.ReportTime, telegramBot.SendAdminReport); err != nil {
		log.Fatalf("schedule report: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.KeepAliveAddr, sqlDB)
	})
	g.Go(func() error {
		return telegramBot.Start(gctx)
	})

	log.Println("Key bot started.")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("stopped with error: %v", err)
	}
	log.Println("Shutdown complete.")
}
