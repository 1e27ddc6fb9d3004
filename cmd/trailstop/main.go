package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"

	"github.com/tickvault/trailstop"
	"github.com/tickvault/trailstop/core"
	"github.com/tickvault/trailstop/exchange"
	"github.com/tickvault/trailstop/exchange/binance"
	"github.com/tickvault/trailstop/notification"
	"github.com/tickvault/trailstop/storage"
)

// Command line flags
var (
	markets       []string
	interval      string
	dbFile        string
	useSQL        bool
	refundExpired bool

	telegramToken string
	telegramUsers []int64

	baseReserve  uint64
	quoteReserve uint64
	feeBps       uint64

	demoOwner  string
	demoAmount uint64
	demoExpiry string
	demoTier   int8
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "trailstop",
		Short:   "Trailing-stop order engine driven by live market prices",
		Version: "1.0.0",
	}

	rootCmd.AddCommand(buildRunCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Track markets and fire trailing orders against the paper venue",
		RunE:  runEngine,
	}

	runCmd.Flags().StringSliceVarP(&markets, "market", "m", nil, "Market to track (e.g. BTCUSDT), repeatable")
	runCmd.Flags().StringVarP(&interval, "interval", "i", "1m", "Kline timeframe driving price updates")
	runCmd.Flags().StringVarP(&dbFile, "db", "d", "trailstop.db", "Order journal file")
	runCmd.Flags().BoolVar(&useSQL, "sql", false, "Use the SQLite journal instead of BuntDB")
	runCmd.Flags().BoolVar(&refundExpired, "refund-expired", false, "Refund expired orders instead of forfeiting")

	runCmd.Flags().StringVar(&telegramToken, "telegram-token", "", "Telegram bot token")
	runCmd.Flags().Int64SliceVar(&telegramUsers, "telegram-user", nil, "Authorized Telegram user ID, repeatable")

	runCmd.Flags().Uint64Var(&baseReserve, "base-reserve", 1_000_000_000, "Paper venue base reserve per market")
	runCmd.Flags().Uint64Var(&quoteReserve, "quote-reserve", 1_000_000_000, "Paper venue quote reserve per market")
	runCmd.Flags().Uint64Var(&feeBps, "fee-bps", 30, "Paper venue fee in basis points")

	runCmd.Flags().StringVar(&demoOwner, "demo-owner", "demo", "Owner of the demo order")
	runCmd.Flags().Uint64Var(&demoAmount, "demo-amount", 0, "Place a demo forward order of this size once tracking starts")
	runCmd.Flags().StringVar(&demoExpiry, "demo-expiry", "24h", "Demo order lifetime (e.g. 1h30m)")
	runCmd.Flags().Int8Var(&demoTier, "demo-tier", 0, "Demo order tier (0-4)")

	runCmd.MarkFlagRequired("market")

	return runCmd
}

func runEngine(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := trailstop.DefaultLog

	journal, err := buildStorage()
	if err != nil {
		return err
	}

	venueOptions := []exchange.PaperVenueOption{exchange.WithPaperFee(feeBps)}
	for _, market := range markets {
		venueOptions = append(venueOptions, exchange.WithPaperPool(market, baseReserve, quoteReserve))
	}
	venue := exchange.NewPaperVenue(log, venueOptions...)
	custody := exchange.NewPaperCustodian(map[string]uint64{demoOwner: demoAmount})

	bot, err := trailstop.NewBot(
		trailstop.Settings{
			Markets: markets,
			Telegram: notification.Settings{
				Token: telegramToken,
				Users: telegramUsers,
			},
		},
		venue,
		custody,
		trailstop.WithStorage(journal),
		trailstop.WithExpiredOrderRefund(refundExpired),
	)
	if err != nil {
		return err
	}

	bot.Start()
	defer bot.Stop()

	if demoAmount > 0 {
		go placeDemoOrder(ctx, bot, log)
	}

	feed := binance.NewPriceFeed(log, bot, interval, markets...)
	feed.Start(ctx)
	return nil
}

// buildStorage opens the configured order journal backend
func buildStorage() (core.Storage, error) {
	if useSQL {
		return storage.NewFromSQLite(dbFile, storage.DefaultConfig())
	}
	return storage.NewFromFile(dbFile)
}

// placeDemoOrder waits for the first market to initialize, then places a
// single forward trailing order against it
func placeDemoOrder(ctx context.Context, bot *trailstop.Trailstop, log core.Logger) {
	expiresIn, err := str2duration.ParseDuration(demoExpiry)
	if err != nil {
		log.WithError(err).Error("invalid demo expiry")
		return
	}

	market := markets[0]
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, ok := bot.TrailState(market); !ok {
			continue
		}

		order, err := bot.Place(ctx, market, core.DirectionForward, core.Tier(demoTier),
			demoOwner, demoAmount, expiresIn)
		if err != nil {
			log.WithError(err).Error("demo order placement failed")
			return
		}

		log.Infof("demo order placed: %s", order)
		return
	}
}
