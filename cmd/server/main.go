package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stock_hold/internal/audit"
	"stock_hold/internal/checkout"
	"stock_hold/internal/clock"
	"stock_hold/internal/config"
	"stock_hold/internal/fraud"
	"stock_hold/internal/logging"
	"stock_hold/internal/metrics"
	"stock_hold/internal/queue"
	"stock_hold/internal/reservation"
	"stock_hold/internal/router"
	"stock_hold/internal/store"
	"stock_hold/internal/sweeper"
	"stock_hold/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	rd "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New("info", false)
		l.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.OtelEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup")
	}

	// 1. 连接数据库，自动建表
	db, err := store.Open(cfg.DBDriver, cfg.DBDSN, logging.Component(logger, "gorm"))
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("db open")
	}
	st := store.New(db)
	if err := st.Migrate(); err != nil {
		logger.Fatal().Err(err).Msg("db migrate")
	}

	// 2. 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 3. Redis 可用时审计事件走 Stream → Kafka，否则只写日志
	var sink audit.Sink = audit.LogSink{Log: logging.Component(logger, "audit")}
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, rate limit and audit stream disabled")
		_ = rdb.Close()
		rdb = nil
	} else {
		sink = queue.NewStreamSink(rdb, cfg.AuditStream)
	}
	cancel()

	// 4. 业务组件
	clk := clock.Real{}
	ledger := reservation.NewLedger(st, clk, cfg.LeaseDuration, logging.Component(logger, "ledger"), m, sink)
	gate, err := fraud.NewRuleGate(cfg.Fraud, clk, logging.Component(logger, "fraud"), m, sink)
	if err != nil {
		logger.Fatal().Err(err).Msg("fraud rules")
	}
	pipeline := checkout.NewPipeline(st, clk, gate, fraud.NewStoreHistory(st, clk), sink, logging.Component(logger, "checkout"), m)
	sw := sweeper.New(st, clk, cfg.SweepInterval, logging.Component(logger, "sweeper"), m, sink)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Store:    st,
		Ledger:   ledger,
		Pipeline: pipeline,
		Redis:    rdb,
		Gatherer: reg,
		Config:   cfg,
		Log:      logging.Component(logger, "http"),
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	// 5. 生命周期：HTTP、清理任务、审计 relay 与归档消费者，任一退出都触发整体关闭
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	if err := sw.Start(gctx); err != nil {
		logger.Fatal().Err(err).Msg("sweeper start")
	}
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return sw.Shutdown(shCtx)
	})

	if rdb != nil {
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		relay := queue.NewRelay(rdb, producer, cfg.AuditStream, cfg.AuditGroup, cfg.AuditConsumer, logging.Component(logger, "relay"))
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, st, logging.Component(logger, "archiver"))

		g.Go(func() error {
			relay.Run(gctx)
			return producer.Close()
		})
		g.Go(func() error {
			consumer.Run(gctx)
			return consumer.Close()
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("service stopped with error")
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdownTracing(shCtx); err != nil {
		logger.Warn().Err(err).Msg("tracing shutdown")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info().Msg("bye")
}
