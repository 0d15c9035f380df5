package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"imagebatch/internal/executor"
	"imagebatch/internal/fetcher"
	"imagebatch/internal/ingest"
	"imagebatch/internal/models"
	"imagebatch/internal/notify"
	"imagebatch/internal/outputs"
	"imagebatch/internal/pipeline"
	"imagebatch/internal/server"
	"imagebatch/internal/storage"
	"imagebatch/internal/transform"
)

const shutdownTimeout = 30 * time.Second

func main() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init job store: %v", err)
	}
	defer closeStore()

	out, closeOutputs, err := newOutputs(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init output storage: %v", err)
	}
	defer closeOutputs()

	exec := executor.New(
		fetcher.NewFetcher(cfg.FetchTimeout),
		transform.NewCompressor(cfg.JPEGQuality),
		out,
		executor.Config{
			FetchRetries:        cfg.FetchRetries,
			RetryBaseDelay:      cfg.RetryBaseDelay,
			MinReductionPercent: cfg.MinReductionPercent,
		},
	)

	opts := []pipeline.Option{pipeline.WithNotifier(notify.NewWebhook(cfg.WebhookTimeout))}
	if cfg.KafkaBroker != "" {
		// Kafka producer
		producer := notify.NewKafkaPublisher(cfg.KafkaBroker, cfg.KafkaTopic)
		defer producer.Close()
		opts = append(opts, pipeline.WithPublisher(producer))
	}

	p := pipeline.New(store, out, exec, pipeline.Config{
		TempDir:        cfg.TempDir,
		Concurrency:    cfg.Concurrency,
		RequestTimeout: cfg.RequestTimeout,
	}, opts...)

	srv := server.NewServer(cfg, p, ingest.NewValidator(cfg.AllowedDomains))

	go func() {
		log.Printf("listening on %s (job store %s, output backend %s)", cfg.ServerAddr, cfg.JobStore, cfg.OutputBackend)
		if err := srv.Start(); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Printf("pipeline shutdown: %v", err)
	}
}

func newStore(ctx context.Context, cfg *models.Config) (storage.Store, func(), error) {
	switch cfg.JobStore {
	case "postgres":
		db, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case "mongo":
		db, err := storage.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		return db, func() {
			if err := db.Close(context.Background()); err != nil {
				log.Printf("mongo disconnect: %v", err)
			}
		}, nil
	default:
		return storage.NewMemory(), func() {}, nil
	}
}

func newOutputs(ctx context.Context, cfg *models.Config) (outputs.Storage, func(), error) {
	switch cfg.OutputBackend {
	case "minio":
		m, err := outputs.NewMinio(ctx, outputs.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			Location:  cfg.MinioLocation,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		return m, func() {}, nil
	case "gcs":
		g, err := outputs.NewGCS(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, nil, err
		}
		return g, func() {
			if err := g.Close(); err != nil {
				log.Printf("gcs close: %v", err)
			}
		}, nil
	case "supabase":
		return outputs.NewSupabase(cfg.SupabaseURL, cfg.SupabaseKey, cfg.SupabaseBucket), func() {}, nil
	case "local":
		l, err := outputs.NewLocal(cfg.OutputDir)
		if err != nil {
			return nil, nil, err
		}
		return l, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown output backend %q", cfg.OutputBackend)
	}
}
