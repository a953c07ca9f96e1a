package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/engagement-tracker/internal/app"
	"github.com/ignite/engagement-tracker/internal/config"
	"github.com/ignite/engagement-tracker/internal/service/analytics"
	"github.com/ignite/engagement-tracker/internal/service/events"
	unsubsvc "github.com/ignite/engagement-tracker/internal/service/unsubscribe"
	"github.com/ignite/engagement-tracker/internal/tracking"
	tokens "github.com/ignite/engagement-tracker/internal/unsubscribe"
)

func main() {
	cfg, err := config.LoadFromEnv(app.ConfigPath())
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	app.ConfigureLogger(cfg.Log)

	ctx := context.Background()
	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer stores.Close()

	eventRepo := stores.EventRepository(cfg.Tracking, cfg.Redis)
	eventSvc := events.NewService(eventRepo)
	analyticsSvc := analytics.NewService(stores.Analytics)

	var refresher tracking.Refresher = analyticsSvc
	if cfg.Tracking.RefreshMode == "queue" {
		if cfg.Queue.RefreshQueueURL == "" {
			log.Fatal("refresh_mode=queue requires SQS_REFRESH_QUEUE_URL")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.AWSRegion))
		if err != nil {
			log.Fatalf("aws config: %v", err)
		}
		refresher = tracking.NewPublisher(sqs.NewFromConfig(awsCfg), cfg.Queue.RefreshQueueURL)
		log.Printf("Analytics refresh queued to %s", cfg.Queue.RefreshQueueURL)
	} else {
		log.Println("Analytics refresh runs inline")
	}

	var (
		unsub *unsubsvc.Service
		links *tracking.LinkBuilder
	)
	if cfg.Unsubscribe.Secret != "" {
		codec := tokens.NewCodec(cfg.Unsubscribe.Secret, cfg.Unsubscribe.Validity())
		unsub = unsubsvc.NewService(stores.Unsubscribe, codec, stores.Campaigns, eventSvc, refresher)
		links = tracking.NewLinkBuilder(cfg.Tracking.BaseURL, codec)
	} else {
		log.Println("Warning: UNSUBSCRIBE_SECRET not set - unsubscribe links disabled")
	}

	handler := tracking.NewHandler(tracking.Config{
		BackendTimeout: cfg.Tracking.BackendTimeout(),
		IPHashSalt:     cfg.Tracking.IPHashSalt,
		FallbackURL:    cfg.Tracking.ClickFallbackURL(),
		APIKey:         cfg.Server.APIKey,
	}, tracking.Deps{
		Events:      eventSvc,
		Detector:    app.Detector(cfg.Forward),
		Refresher:   refresher,
		Unsubscribe: unsub,
		Analytics:   analyticsSvc,
		Links:       links,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("tracking service listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down tracking service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
