package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/sessionbroker/broker/internal/common/config"
	"github.com/sessionbroker/broker/internal/common/logger"
	"github.com/sessionbroker/broker/internal/db"
	"github.com/sessionbroker/broker/internal/httpapi"
	"github.com/sessionbroker/broker/internal/session/admission"
	"github.com/sessionbroker/broker/internal/session/dispatch"
	"github.com/sessionbroker/broker/internal/session/ingest"
	"github.com/sessionbroker/broker/internal/session/manager"
	"github.com/sessionbroker/broker/internal/session/notify"
	"github.com/sessionbroker/broker/internal/session/queue"
	"github.com/sessionbroker/broker/internal/session/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting sessionbroker service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the relational store.
	sqlDB, err := db.Open(cfg.Store)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer sqlDB.Close()

	st, err := store.New(sqlDB)
	if err != nil {
		log.Fatal("failed to initialize store schema", zap.Error(err))
	}
	defer st.Close()
	log.Info("store ready", zap.String("driver", cfg.Store.Driver))

	// 4. Construct the send-task queue.
	var (
		q        queue.Queue
		natsConn *nats.Conn
	)
	switch cfg.Queue.Driver {
	case "nats":
		nq, err := queue.NewNATS(queue.NATSConfig{
			URL:           cfg.Queue.URL,
			Subject:       cfg.Queue.Subject,
			ClientID:      "sessionbroker",
			MaxReconnects: -1,
		}, log)
		if err != nil {
			log.Fatal("failed to connect queue to NATS", zap.Error(err))
		}
		q = nq
		natsConn = nq.Conn()
		log.Info("queue backed by NATS JetStream", zap.String("subject", cfg.Queue.Subject))
	default:
		q = queue.NewMemory()
		log.Info("queue backed by in-memory FIFO")
	}
	defer q.Close()

	// 5. Construct the domain components.
	mgr := manager.New(st, cfg.Session.ReapInterval(), log)
	disp := dispatch.New(st, q, mgr, time.Duration(cfg.Session.PendingGraceSeconds)*time.Second, cfg.Dispatch.ReconcileInterval(), log)
	ig := ingest.New(st, mgr, cfg.Ingest.SessionGap(), cfg.Ingest.SendMatchWindow(), log)
	adm := admission.New(st, admission.Config{
		DefaultMaxInactiveBot:   cfg.Session.DefaultMaxInactiveMinutesBot,
		DefaultMaxInactiveHuman: cfg.Session.DefaultMaxInactiveMinutesHuman,
		SendURLTemplates:        cfg.Dispatch.SendURLTemplates,
	}, log)

	var notifier notify.Notifier
	if natsConn != nil {
		notifier = notify.NewNATSNotifier(natsConn)
	} else {
		notifier = notify.NewLogNotifier(log)
	}
	outbox := notify.New(st, notifier, cfg.Notify.Subject, cfg.Notify.DispatchInterval(), log)

	mgr.Start(ctx)
	disp.Start(ctx)
	outbox.Start(ctx)
	log.Info("background loops started")

	// 6. HTTP server.
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(st, adm, mgr, disp, ig, log, httpapi.RouterConfig{})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 7. Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down sessionbroker service")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	outbox.Stop()
	disp.Stop()
	mgr.Stop()

	log.Info("sessionbroker service stopped")
}
