package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"spot-rebalance/internal/alert"
	"spot-rebalance/internal/book"
	"spot-rebalance/internal/config"
	"spot-rebalance/internal/exchange/mexc"
	"spot-rebalance/internal/logger"
	"spot-rebalance/internal/safety"
	"spot-rebalance/internal/server"
	"spot-rebalance/internal/store"
	"spot-rebalance/internal/strategy"
	"spot-rebalance/internal/stream"
	"spot-rebalance/internal/task"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}); err != nil {
		fatal(err.Error())
	}
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	alerts := buildAlertManager(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				log.WithError(err).Warn("alert manager close failed")
			}
		}()
	}

	st, err := store.Open(cfg.Store.Dir)
	if err != nil {
		fatal(err.Error())
	}
	defer st.Close()

	client, err := mexc.NewClient(cfg.Exchange, cfg.Symbol)
	if err != nil {
		fatal(err.Error())
	}
	client.SetRecorder(rawRecorder{store: st})
	if err := client.SyncTime(ctx); err != nil {
		log.WithError(err).Warn("clock sync failed, proceeding with local time")
	}

	session := mexc.NewSessionManager(client,
		time.Duration(cfg.Exchange.SessionValiditySec)*time.Second,
		cfg.Exchange.SessionCloseOnExit,
		func(err error) {
			alerts.Important("session_expired", map[string]string{"err": err.Error()})
		})

	cacheTTL := time.Duration(cfg.Store.CacheTTLSec) * time.Second
	var reconciler *book.Reconciler
	if cfg.Stream.DepthEnabled {
		reconciler = book.NewReconciler(cfg.Symbol, func(ctx context.Context) (mexc.DepthSnapshot, error) {
			return client.Depth(ctx, cfg.Symbol, 100)
		}, cfg.Stream.GapResetLimit)
	}
	collector := task.NewCollector(st, client, cfg.Symbol, cacheTTL, reconciler)

	breaker := safety.NewBreaker(cfg.Safety.Enabled, cfg.Safety.MaxOrderFailures,
		time.Duration(cfg.Safety.CooldownSec)*time.Second)
	breaker.SetAlerter(alerts)

	evaluator := strategy.NewEvaluator(cfg.Strategy.ShortWindow, cfg.Strategy.LongWindow, cfg.Strategy.MinMarginPct.Decimal)
	ledger := strategy.NewLedger(st, cfg.Symbol)
	runner := task.NewRunner(task.RunnerOptions{
		Store:     st,
		Exchange:  client,
		Ledger:    ledger,
		Evaluator: evaluator,
		Symbol:    cfg.Symbol,
		LeaseTTL:  time.Duration(cfg.Store.LeaseTTLSec) * time.Second,
		CacheTTL:  cacheTTL,
		Rebalance: task.RebalanceParams{
			TargetRatio:  cfg.Rebalance.TargetRatio.Decimal,
			ThresholdPct: cfg.Rebalance.ThresholdPct.Decimal,
			MinNotional:  cfg.Rebalance.MinNotional.Decimal,
		},
		Strategy: task.StrategyParams{OrderQty: cfg.Strategy.OrderQty.Decimal},
		Breaker:  breaker,
		Alerts:   alerts,
	})

	statusSink := task.StatusSink(st)
	onStatus := func(s stream.Status) {
		statusSink(s)
		if s.State == stream.StateDegraded {
			fields := map[string]string{"stream": s.Name}
			if s.LastError != "" {
				fields["err"] = s.LastError
			}
			alerts.Important("stream_degraded", fields)
		}
	}

	maxWait := time.Duration(cfg.Exchange.ReconnectMaxWaitSec) * time.Second
	public := stream.NewSupervisor(stream.Options{
		Name:     "public",
		Channels: cfg.Stream.PublicChannels,
		Dial:     func() stream.Conn { return mexc.NewWSClient(cfg.Exchange) },
		MaxWait:  maxWait,
		OnStatus: onStatus,
		Handlers: []stream.Handler{collector.Handle},
	})
	private := stream.NewSupervisor(stream.Options{
		Name:     "private",
		Channels: cfg.Stream.PrivateChannels,
		Dial:     func() stream.Conn { return mexc.NewWSClient(cfg.Exchange) },
		Session:  session,
		MaxWait:  maxWait,
		OnStatus: onStatus,
		Handlers: []stream.Handler{collector.Handle},
	})

	scheduler := task.NewScheduler(runner,
		time.Duration(cfg.Rebalance.IntervalSec)*time.Second,
		time.Duration(cfg.Strategy.IntervalSec)*time.Second)

	srv := server.New(cfg.Server.TriggerSecret, runner, streamHealth{public, private})

	var wg sync.WaitGroup
	run := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
			log.WithField("worker", name).Info("worker stopped")
		}()
	}
	run("public-stream", func() { public.Run(ctx) })
	run("private-stream", func() { private.Run(ctx) })
	run("session", func() { session.Run(ctx) })
	run("scheduler", func() { scheduler.Run(ctx) })
	run("store-gc", func() { st.RunGC(ctx, time.Duration(cfg.Store.GCIntervalMin)*time.Minute) })
	run("server", func() {
		if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
			log.WithError(err).Error("http server failed")
			stop()
		}
	})

	log.WithFields(logrus.Fields{"symbol": cfg.Symbol, "addr": cfg.Server.Addr}).Info("rebalancer started")
	<-ctx.Done()
	log.Info("shutting down")
	alerts.Important("service_stopping", nil)
	wg.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		log.WithError(err).Warn("session close failed")
	}
}

type rawRecorder struct {
	store *store.Store
}

func (r rawRecorder) RecordRaw(endpoint string, payload []byte) {
	record := struct {
		Endpoint string    `json:"endpoint"`
		Bytes    int       `json:"bytes"`
		Body     string    `json:"body"`
		At       time.Time `json:"at"`
	}{Endpoint: endpoint, Bytes: len(payload), Body: string(payload), At: time.Now().UTC()}
	if err := r.store.SetPermanent(store.KeyRaw(endpoint), record); err != nil {
		logrus.WithError(err).WithField("endpoint", endpoint).Warn("raw mirror write failed")
	}
}

type streamHealth struct {
	public  *stream.Supervisor
	private *stream.Supervisor
}

func (h streamHealth) Healthy() bool {
	return h.public.Status().State != stream.StateDegraded &&
		h.private.Status().State != stream.StateDegraded
}

func buildAlertManager(cfg config.Config) *alert.Manager {
	tg := cfg.Alerts.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(tg.Enabled, tg.BotToken, tg.ChatID, tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second)
	return alert.NewManager(cfg.Symbol, notifier)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
