// Command boxscanner repeatedly scans an equity-index options market
// for mispriced box spreads and either routes survivors to the live
// broker or simulates their execution.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pquerna/otp/totp"

	"trading-systemv1/config"
	"trading-systemv1/internal/api"
	"trading-systemv1/internal/auth"
	"trading-systemv1/internal/boxconfig"
	"trading-systemv1/internal/boxpricing"
	"trading-systemv1/internal/evaluator"
	"trading-systemv1/internal/expiry"
	"trading-systemv1/internal/instrumentstore"
	"trading-systemv1/internal/journal"
	"trading-systemv1/internal/live"
	"trading-systemv1/internal/logger"
	"trading-systemv1/internal/markethours"
	"trading-systemv1/internal/model"
	"trading-systemv1/internal/notification"
	"trading-systemv1/internal/paper"
	"trading-systemv1/internal/quotecache"
	"trading-systemv1/internal/quotefetcher"
	"trading-systemv1/internal/ratelimit"
	"trading-systemv1/internal/risk"
	"trading-systemv1/internal/scanmetrics"
	"trading-systemv1/internal/scanner"
	"trading-systemv1/internal/workerpool"
	"trading-systemv1/pkg/smartconnect"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[boxscanner] starting...")

	slogger := logger.Init("boxscanner", slog.LevelInfo)

	cfg := config.Load()

	boxCfg, err := boxconfig.Load(cfg.BoxConfigPath)
	if err != nil {
		log.Fatalf("[boxscanner] boxconfig load failed: %v", err)
	}

	underlying := boxCfg.GetString("strategy/underlying", "NIFTY")
	exchange := boxCfg.GetString("strategy/exchange", "NFO")
	quantity := int64(boxCfg.GetInt("strategy/quantity", 1))
	paperTrading := boxCfg.GetBool("strategy/paper_trading", true)
	scanIntervalSec := boxCfg.GetInt("strategy/scan_interval_seconds", 60)

	if _, err := totp.GenerateCode(cfg.AngelTOTPSecret, time.Now()); err != nil {
		log.Fatalf("[boxscanner] TOTP secret invalid: %v", err)
	}

	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: cfg.AngelAPIKey, Debug: false})
	authMgr := auth.NewManager(sc, boxCfg, cfg.AngelClientCode, cfg.AngelPassword, cfg.AngelTOTPSecret)

	limiter := ratelimit.New(60)
	limiter.Register("instruments", 1)
	limiter.Register("quote", 20)

	metrics := scanmetrics.NewMetrics()
	health := scanmetrics.NewHealthStatus()
	metricsSrv := scanmetrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	os.MkdirAll("data", 0o755)

	store, err := instrumentstore.New(&authedFetcher{sc: sc, auth: authMgr}, limiter, instrumentstore.Config{
		DBPath:     cfg.InstrumentDBPath,
		Underlying: underlying,
		TTL:        time.Duration(boxCfg.GetInt("instruments/ttl_minutes", 1440)) * time.Minute,
	})
	if err != nil {
		log.Fatalf("[boxscanner] instrument store init failed: %v", err)
	}
	defer store.Close()

	quotes := quotefetcher.New(&authedQuoteClient{sc: sc, auth: authMgr}, store, limiter, quotefetcher.Config{
		BatchMax: boxCfg.GetInt("quotes/batch_max", 250),
	})
	if redisAddr := boxCfg.GetString("quotes/warm_cache_redis_addr", ""); redisAddr != "" {
		warm, err := quotecache.New(quotecache.Config{
			Addr: redisAddr,
			TTL:  time.Duration(boxCfg.GetInt("quotes/warm_cache_ttl_seconds", 5)) * time.Second,
		})
		if err != nil {
			log.Printf("[boxscanner] warm quote cache disabled: %v", err)
		} else {
			quotes.SetWarmCache(warm)
			defer warm.Close()
		}
	}

	pool := workerpool.New(boxCfg.GetInt("pool/workers", 8))
	defer pool.Shutdown()

	evalCfg := evaluator.DefaultConfig()
	evalCfg.SpotBandPct = boxCfg.GetFloat("strategy/spot_band_pct", evalCfg.SpotBandPct)
	evalCfg.MinStrikeDiff = boxCfg.GetFloat("strategy/min_strike_diff", evalCfg.MinStrikeDiff)
	evalCfg.MaxStrikeDiff = boxCfg.GetFloat("strategy/max_strike_diff", evalCfg.MaxStrikeDiff)
	evalCfg.Quantity = quantity
	evalCfg.MinROI = boxCfg.GetFloat("strategy/min_roi", evalCfg.MinROI)
	evalCfg.MinProfit = boxCfg.GetFloat("strategy/min_profitability", evalCfg.MinProfit)
	evalCfg.MaxSlippage = boxCfg.GetFloat("strategy/max_slippage", evalCfg.MaxSlippage)
	evalCfg.Capital = boxCfg.GetFloat("strategy/capital", evalCfg.Capital)

	feeRates := boxpricing.DefaultFeeRates()
	feeRates.BrokeragePercent = boxCfg.GetFloat("fees/brokerage_percentage", feeRates.BrokeragePercent)
	feeRates.MaxBrokeragePerOrder = boxCfg.GetFloat("fees/max_brokerage_per_order", feeRates.MaxBrokeragePerOrder)
	feeRates.STTPercent = boxCfg.GetFloat("fees/stt_percentage", feeRates.STTPercent)
	feeRates.ExchangeChargesPercent = boxCfg.GetFloat("fees/exchange_charges_percentage", feeRates.ExchangeChargesPercent)
	feeRates.GSTPercent = boxCfg.GetFloat("fees/gst_percentage", feeRates.GSTPercent)
	feeRates.SEBIChargesPerCrore = boxCfg.GetFloat("fees/sebi_charges_per_crore", feeRates.SEBIChargesPerCrore)
	feeRates.StampDutyPercent = boxCfg.GetFloat("fees/stamp_duty_percentage", feeRates.StampDutyPercent)

	riskRates := risk.DefaultRates()
	riskRates.CapitalSafetyFactor = boxCfg.GetFloat("risk/capital_safety_factor", riskRates.CapitalSafetyFactor)
	riskRates.ExposureMarginPercent = boxCfg.GetFloat("risk/exposure_margin_percentage", riskRates.ExposureMarginPercent)
	riskRates.MarginBufferPercent = boxCfg.GetFloat("risk/margin_buffer_percentage", riskRates.MarginBufferPercent)
	riskRates.MaxLossPercent = boxCfg.GetFloat("risk/max_loss_percentage", riskRates.MaxLossPercent)
	riskRates.MinROIPercent = boxCfg.GetFloat("strategy/min_roi", riskRates.MinROIPercent)
	riskRates.WorstCaseSlippagePercent = boxCfg.GetFloat("strategy/worst_case_slippage_percent", riskRates.WorstCaseSlippagePercent)

	eval := evaluator.New(store, quotes, &indexSpot{store: store, quotes: quotes}, pool,
		feeRates, riskRates, evalCfg)

	expiryClassifier := expiry.New(store, markethours.IST)
	scanCfg := scanner.DefaultConfig()
	scanCfg.Underlying = underlying
	scanCfg.Exchange = exchange
	scanCfg.MaxExpiries = boxCfg.GetInt("expiry/max_count", scanCfg.MaxExpiries)
	scanCfg.ProcessInParallel = boxCfg.GetBool("expiry/process_in_parallel", scanCfg.ProcessInParallel)
	scanCfg.DelayBetweenExpiriesMs = boxCfg.GetInt("expiry/delay_between_expiries_ms", scanCfg.DelayBetweenExpiriesMs)

	scan := scanner.New(&expiryProvider{classifier: expiryClassifier, boxCfg: boxCfg}, eval, pool, scanCfg)

	var alerter notification.Notifier = notification.NewLogNotifier()
	if botToken, chatID := boxCfg.GetString("alerts/telegram_bot_token", ""), boxCfg.GetString("alerts/telegram_chat_id", ""); botToken != "" && chatID != "" {
		alerter = notification.NewTelegramNotifier(botToken, chatID)
	} else if url := boxCfg.GetString("alerts/webhook_url", ""); url != "" {
		alerter = notification.NewWebhookNotifier(url)
	}

	trades, err := journal.New(cfg.JournalPath)
	if err != nil {
		log.Fatalf("[boxscanner] journal init failed: %v", err)
	}
	defer trades.Close()

	apiAddr := boxCfg.GetString("api/addr", ":8081")
	apiSrv := &http.Server{Addr: apiAddr, Handler: api.NewRouter(trades, health)}
	go func() {
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[boxscanner] api server error: %v", err)
		}
	}()
	log.Printf("[boxscanner] status api listening on %s", apiAddr)

	candidateCh := make(chan *model.Candidate, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if paperTrading {
		exec := paper.NewExecutor(64, int64(boxCfg.GetInt("paper/slippage_bps", 5)), trades)
		go exec.Run(ctx, candidateCh)
		go drainResults(ctx, exec.Results(), metrics, "paper")
		log.Println("[boxscanner] execution mode: paper")
	} else {
		exec := live.NewExecutor(sc, trades, quantity, 64)
		go exec.Run(ctx, candidateCh)
		go drainLiveResults(ctx, exec.Results(), metrics, alerter)
		log.Println("[boxscanner] execution mode: live")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go runLoop(ctx, scan, candidateCh, metrics, health, slogger, alerter, time.Duration(scanIntervalSec)*time.Second)

	<-sigCh
	log.Println("[boxscanner] shutdown signal received, stopping...")
	scan.Stop()
	cancel()
	close(candidateCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	apiSrv.Shutdown(shutdownCtx)

	log.Println("[boxscanner] shutdown complete.")
}

func runLoop(ctx context.Context, scan *scanner.Scanner, candidateCh chan<- *model.Candidate, metrics *scanmetrics.Metrics, health *scanmetrics.HealthStatus, slogger *slog.Logger, alerter notification.Notifier, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runOnce(ctx, scan, candidateCh, metrics, health, slogger, alerter)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, scan, candidateCh, metrics, health, slogger, alerter)
		}
	}
}

func runOnce(ctx context.Context, scan *scanner.Scanner, candidateCh chan<- *model.Candidate, metrics *scanmetrics.Metrics, health *scanmetrics.HealthStatus, slogger *slog.Logger, alerter notification.Notifier) {
	if !markethours.IsMarketOpen(time.Now()) {
		slogger.Info("skipping cycle, market closed", slog.String("status", markethours.StatusString(time.Now())))
		return
	}

	start := time.Now()
	res, err := scan.RunCycle(ctx)
	metrics.CyclesTotal.Inc()
	metrics.CycleDur.Observe(time.Since(start).Seconds())
	health.RecordCycle(res.Count, err)
	if err != nil {
		slogger.Error("scan cycle failed", slog.Any("err", err))
		alerter.Send(ctx, notification.Alert{
			Level:   notification.AlertCritical,
			Title:   "scan cycle failed",
			Message: err.Error(),
		})
		return
	}
	metrics.CandidatesFound.Add(float64(res.Count))
	slogger.Info("cycle complete", slog.Int("candidates", res.Count), slog.Duration("took", time.Since(start).Round(time.Millisecond)))

	for _, c := range res.Candidates {
		select {
		case candidateCh <- c:
		case <-ctx.Done():
			return
		}
	}
}

func drainResults(ctx context.Context, ch <-chan paper.Result, metrics *scanmetrics.Metrics, mode string) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-ch:
			if !ok {
				return
			}
			metrics.OrdersPlaced.WithLabelValues(mode).Inc()
			log.Printf("[boxscanner] %s %s: %s", mode, res.OrderID, res.Message)
		}
	}
}

func drainLiveResults(ctx context.Context, ch <-chan live.Result, metrics *scanmetrics.Metrics, alerter notification.Notifier) {
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-ch:
			if !ok {
				return
			}
			if res.Status == "PLACED" {
				metrics.OrdersPlaced.WithLabelValues("live").Inc()
			} else {
				metrics.OrderErrors.Inc()
				alerter.Send(ctx, notification.Alert{
					Level:   notification.AlertCritical,
					Title:   "live order placement failed",
					Message: res.Message,
				})
			}
			log.Printf("[boxscanner] live %s: %s (%s)", res.CandidateID, res.Message, res.Status)
		}
	}
}

// expiryProvider adapts expiry.Classifier to scanner.ExpiryProvider,
// combining weekly and monthly expiries per boxconfig toggles.
type expiryProvider struct {
	classifier *expiry.Classifier
	boxCfg     *boxconfig.Config
}

func (p *expiryProvider) NextExpiries(ctx context.Context, underlying, exchange string, maxCount int) ([]time.Time, error) {
	return p.classifier.Filter(ctx, underlying, exchange,
		p.boxCfg.GetBool("expiry/include_weekly", true),
		p.boxCfg.GetBool("expiry/include_monthly", true),
		p.boxCfg.GetInt("expiry/min_days", 0),
		p.boxCfg.GetInt("expiry/max_days", 45),
		maxCount)
}

// indexSpot resolves the underlying's spot price by finding its index
// instrument among the cached NSE instruments and fetching that
// instrument's live last traded price.
type indexSpot struct {
	store  *instrumentstore.Store
	quotes *quotefetcher.Fetcher
}

func (s *indexSpot) Spot(ctx context.Context, underlying, exchange string) (float64, error) {
	insts, err := s.store.ByExchange(ctx, "NSE")
	if err != nil {
		return 0, err
	}
	for _, inst := range insts {
		if inst.Kind != model.KindIndex || inst.Name != underlying {
			continue
		}
		quoted, err := s.quotes.LTPs(ctx, []int64{inst.Token})
		if err != nil {
			return 0, err
		}
		if last, ok := quoted[inst.Token]; ok && last > 0 {
			return last, nil
		}
	}
	return 0, errNoIndexQuote
}

var errNoIndexQuote = errors.New("indexSpot: no live quote for underlying's index")

// authedFetcher and authedQuoteClient make sure a valid bearer token
// is set on sc (auth.Manager renews or logs in as needed) before every
// broker call.
type authedFetcher struct {
	sc   *smartconnect.SmartConnect
	auth *auth.Manager
}

func (f *authedFetcher) Instruments(ctx context.Context) ([]byte, error) {
	if _, err := f.auth.Token(ctx); err != nil {
		return nil, err
	}
	return f.sc.Instruments(ctx)
}

type authedQuoteClient struct {
	sc   *smartconnect.SmartConnect
	auth *auth.Manager
}

func (c *authedQuoteClient) Quote(ctx context.Context, mode string, exchangeTokens map[string][]string) (map[string]any, error) {
	if _, err := c.auth.Token(ctx); err != nil {
		return nil, err
	}
	return c.sc.Quote(ctx, mode, exchangeTokens)
}
