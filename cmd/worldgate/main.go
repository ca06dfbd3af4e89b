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

	"github.com/redis/go-redis/v9"

	"github.com/worldgate/worldgate/internal/api"
	"github.com/worldgate/worldgate/internal/async"
	"github.com/worldgate/worldgate/internal/auth"
	"github.com/worldgate/worldgate/internal/buildinfo"
	"github.com/worldgate/worldgate/internal/cache"
	"github.com/worldgate/worldgate/internal/config"
	"github.com/worldgate/worldgate/internal/dispatch"
	"github.com/worldgate/worldgate/internal/durable"
	"github.com/worldgate/worldgate/internal/ephemeral"
	"github.com/worldgate/worldgate/internal/lock"
	"github.com/worldgate/worldgate/internal/stream"
	"github.com/worldgate/worldgate/internal/worker"
)

func main() {
	// 1. Load and validate environment config
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	// 2. Store clients
	ephOpts, err := redis.ParseURL(envCfg.EphemeralStoreURL)
	if err != nil {
		fatalf("ephemeral store: %v", err)
	}
	ephClient := redis.NewClient(ephOpts)
	defer ephClient.Close()
	streamClient, err := redisClient(envCfg.StreamStoreURL)
	if err != nil {
		fatalf("stream store: %v", err)
	}
	defer streamClient.Close()
	cacheClient, err := redisClient(envCfg.CacheStoreURL)
	if err != nil {
		fatalf("cache store: %v", err)
	}
	defer cacheClient.Close()

	db, err := durable.OpenDB(envCfg.DatabasePath)
	if err != nil {
		fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := durable.Migrate(db); err != nil {
		fatalf("migrate database: %v", err)
	}

	// 3. Wire services
	runner := async.NewRunner(envCfg.AsyncQueueSize)
	runner.Start()
	defer runner.Stop()

	hybridCache, err := cache.New(cache.Config{
		Client:     cacheClient,
		Runner:     runner,
		Capacity:   envCfg.CacheCapacity,
		DefaultTTL: envCfg.CacheTTL,
	})
	if err != nil {
		fatalf("cache: %v", err)
	}
	defer hybridCache.Close()

	streams := stream.New(stream.Config{
		Client:      streamClient,
		Runner:      runner,
		StreamTTL:   envCfg.StreamTTL,
		AffinityTTL: envCfg.AffinityTTL,
	})
	repo := durable.NewRepo(durable.Config{
		DB:      db,
		Cache:   hybridCache,
		Streams: streams,
		Runner:  runner,
	})
	eph := ephemeral.New(ephemeral.Config{
		Client:             ephClient,
		DB:                 ephOpts.DB,
		EphemeralOnlyTypes: envCfg.EphemeralOnlyTypes,
		SnapshotTTL:        envCfg.SnapshotTTL,
	})

	authn := auth.New(auth.Config{
		SenderPublicKey:     envCfg.SenderPublicKey,
		RecipientPrivateKey: envCfg.RecipientPrivateKey,
		Sequences:           hybridCache,
		SequenceTTL:         envCfg.SequenceTTL,
	})
	disp := dispatch.New(dispatch.Config{
		Environment:    envCfg.Environment,
		EphemeralTypes: envCfg.EphemeralTypes,
		Ephemeral:      eph,
		Durable:        repo,
		Streams:        streams,
		Runner:         runner,
	})

	// 4. Background workers
	persistence := worker.NewPersistenceWorker(worker.Config{
		Ephemeral: eph,
		Durable:   repo,
		Locker:    lock.New(ephClient),
		Interval:  envCfg.WorkerInterval,
		BatchSize: envCfg.WorkerBatchSize,
		LockTTL:   envCfg.WorkerLockTTL,
	})
	persistence.Start()
	defer persistence.Stop()

	purger, err := worker.NewTombstonePurger(repo, envCfg.TombstonePurgeSchedule, envCfg.TombstoneAge)
	if err != nil {
		fatalf("tombstone purger: %v", err)
	}
	purger.Start()
	defer purger.Stop()

	// 5. Create and start API server
	srv := api.NewServerWithAddress(
		envCfg.ListenAddress,
		envCfg.GatewayPort,
		authn,
		disp,
		int64(envCfg.APIMaxBodyBytes),
	)

	go func() {
		log.Printf("worldgate %s (%s) serving %s on %s:%d",
			buildinfo.Version, buildinfo.GitCommit, envCfg.Environment,
			envCfg.ListenAddress, envCfg.GatewayPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server error: %v", err)
		}
	}()

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func redisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}
