package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/engagement-tracker/internal/app"
	"github.com/ignite/engagement-tracker/internal/config"
	"github.com/ignite/engagement-tracker/internal/export"
	"github.com/ignite/engagement-tracker/internal/service/analytics"
	"github.com/ignite/engagement-tracker/internal/tracking"
)

func main() {
	log.Println("Starting engagement worker...")

	cfg, err := config.LoadFromEnv(app.ConfigPath())
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	app.ConfigureLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stores, err := app.OpenStores(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer stores.Close()

	analyticsSvc := analytics.NewService(stores.Analytics)

	// Refresh queue consumer
	var consumer *tracking.Consumer
	if cfg.Queue.RefreshQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Queue.AWSRegion))
		if err != nil {
			log.Fatalf("aws config: %v", err)
		}
		consumer = tracking.NewConsumer(sqs.NewFromConfig(awsCfg), cfg.Queue.RefreshQueueURL, analyticsSvc, int32(cfg.Queue.WaitSeconds))
		consumer.Start(ctx)
		log.Printf("Refresh consumer started (queue %s)", cfg.Queue.RefreshQueueURL)
	} else {
		log.Println("SQS_REFRESH_QUEUE_URL not set - refresh consumer disabled")
	}

	// Reconciliation sweep
	var reconciler *analytics.Reconciler
	if cfg.Reconcile.Enabled {
		lock := stores.Lock("analytics-reconcile", 2*cfg.Reconcile.Interval())
		reconciler = analytics.NewReconciler(analyticsSvc, stores.Events, lock, analytics.ReconcilerConfig{
			Interval:    cfg.Reconcile.Interval(),
			Lookback:    cfg.Reconcile.Lookback(),
			Concurrency: cfg.Reconcile.Concurrency,
			LockTTL:     2 * cfg.Reconcile.Interval(),
		})
		reconciler.Start(ctx)
		log.Printf("Analytics reconciler started (every %s, lookback %s)", cfg.Reconcile.Interval(), cfg.Reconcile.Lookback())
	}

	// Periodic S3 snapshot
	if cfg.Export.S3Bucket != "" {
		exporter, err := export.NewS3Exporter(ctx, cfg.Export.S3Bucket, cfg.Export.S3Prefix, cfg.Export.AWSRegion, stores.Rows)
		if err != nil {
			log.Fatalf("export: %v", err)
		}
		go runExports(ctx, exporter, time.Hour)
		log.Printf("Analytics export enabled (s3://%s/%s, hourly)", cfg.Export.S3Bucket, cfg.Export.S3Prefix)
	}

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	if consumer != nil {
		consumer.Stop()
	}
	if reconciler != nil {
		reconciler.Stop()
	}
	cancel()

	time.Sleep(2 * time.Second)
	log.Println("Worker stopped")
}

func runExports(ctx context.Context, exporter *export.Exporter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := exporter.Export(ctx); err != nil {
				log.Printf("[Export] snapshot failed: %v", err)
			}
		}
	}
}
