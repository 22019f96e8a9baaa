package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/waboard/waboard/config"
	"github.com/waboard/waboard/internal/app"
	"github.com/waboard/waboard/internal/followup"
	"github.com/waboard/waboard/internal/gateway"
	"github.com/waboard/waboard/internal/notify"
	"github.com/waboard/waboard/internal/reconciler"
	"github.com/waboard/waboard/internal/store"
	"github.com/waboard/waboard/internal/webserver"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("c", "waboard.yml", "configuration file path")
	initDB := flag.Bool("initdb", false, "drop and recreate all tables, then exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.Default()
	}

	application := app.NewApplication(cfg)
	if err := application.Init(); err != nil {
		zap.S().Fatalf("application init failed: %v", err)
	}
	defer application.Release()

	if *initDB {
		application.DropAll()
		if err := application.MigrateDB(); err != nil {
			zap.S().Fatalf("initdb failed: %v", err)
		}
		zap.L().Info("database initialized")
		return
	}

	db := application.DB()
	ids := application.IDs()
	bus := application.Bus()

	conversations := store.NewConversationRepository(db, ids)
	messages := store.NewMessageRepository(db)
	agents := store.NewAgentRepository(db)
	policies := store.NewPolicyRepository(db, ids)
	instances := store.NewInstanceRepository(db, ids)

	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)
	meta := gateway.NewMetaClient(cfg.Meta.GraphBaseURL, cfg.Meta.Timeout)

	rec := reconciler.New(instances, cfg.Followup.TransientReasonCodes, bus)
	ing := reconciler.NewIngestor(instances, conversations, policies, ids)
	dispatcher := followup.NewDispatcher(conversations, messages, agents, policies, instances, gw, bus)

	// Event fan-out to the workflow/notification collaborators is optional.
	if cfg.Notify.URL != "" {
		publisher, err := notify.NewPublisher(cfg.Notify.URL, cfg.Notify.Exchange)
		if err != nil {
			zap.L().Warn("notify: broker unavailable, fan-out disabled", zap.Error(err))
		} else {
			defer publisher.Close()
			_ = bus.SubscribeAsync(followup.TopicDispatched, publisher.Forward(followup.TopicDispatched), false)
			_ = bus.SubscribeAsync(reconciler.TopicInstanceStatus, publisher.Forward(reconciler.TopicInstanceStatus), false)
		}
	}

	if err := application.StartJobs(dispatcher, instances); err != nil {
		zap.S().Fatalf("scheduler start failed: %v", err)
	}

	server := webserver.New(cfg.Web, rec, ing, dispatcher, gw, meta, instances, policies)
	go func() {
		if err := server.Start(); err != nil {
			zap.L().Warn("webserver stopped", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zap.L().Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
}
