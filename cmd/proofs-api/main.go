package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ethproofs/proofs-backend/internal/apikey"
	"github.com/ethproofs/proofs-backend/internal/blobstore"
	"github.com/ethproofs/proofs-backend/internal/cache"
	"github.com/ethproofs/proofs-backend/internal/chaindata"
	"github.com/ethproofs/proofs-backend/internal/explorer/postgres"
	"github.com/ethproofs/proofs-backend/internal/export"
	"github.com/ethproofs/proofs-backend/internal/proofapi"
	"github.com/ethproofs/proofs-backend/internal/revalidate"
	"github.com/ethproofs/proofs-backend/internal/submission"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8080", "HTTP listen address")

		postgresDSN  = flag.String("postgres-dsn", "", "Postgres DSN (required)")
		ensureSchema = flag.Bool("ensure-schema", false, "create tables on startup (dev only)")

		ethRPCURL = flag.String("eth-rpc-url", "", "Ethereum JSON-RPC URL for block data (required)")

		blobDriver = flag.String("blob-driver", blobstore.DriverS3, "blob store driver for legacy proof binaries (s3|memory)")
		blobBucket = flag.String("blob-bucket", "", "S3 bucket holding legacy proof binaries")
		blobPrefix = flag.String("blob-prefix", "", "key prefix inside the blob store")

		revalidateDriver  = flag.String("revalidate-driver", revalidate.DriverStdio, "invalidation signal driver (kafka|stdio)")
		revalidateBrokers = flag.String("revalidate-brokers", "", "kafka brokers for invalidation signals (comma-separated)")
		revalidateTopic   = flag.String("revalidate-topic", revalidate.DefaultTopic, "topic for invalidation signals")
		revalidateGroup   = flag.String("revalidate-group", "", "consumer group for invalidation signals; empty disables the listener")

		cacheTTL        = flag.Duration("cache-ttl", 10*time.Second, "TTL for cached read endpoints")
		cacheMaxEntries = flag.Int("cache-max-entries", 1024, "maximum cached read responses")

		recentBlocksLimit = flag.Int("recent-blocks-limit", 100, "blocks returned by the listing endpoint")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 30*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 60*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *postgresDSN == "" || *ethRPCURL == "" {
		fmt.Fprintln(os.Stderr, "error: --postgres-dsn and --eth-rpc-url are required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if blobstoreDriverIsS3(*blobDriver) && strings.TrimSpace(*blobBucket) == "" {
		fmt.Fprintln(os.Stderr, "error: --blob-bucket is required with --blob-driver=s3")
		os.Exit(2)
	}
	if *revalidateDriver == revalidate.DriverKafka && strings.TrimSpace(*revalidateBrokers) == "" {
		fmt.Fprintln(os.Stderr, "error: --revalidate-brokers is required with --revalidate-driver=kafka")
		os.Exit(2)
	}
	if *cacheTTL <= 0 || *cacheMaxEntries <= 0 {
		fmt.Fprintln(os.Stderr, "error: cache settings must be > 0")
		os.Exit(2)
	}
	if *recentBlocksLimit <= 0 {
		fmt.Fprintln(os.Stderr, "error: --recent-blocks-limit must be > 0")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, *postgresDSN)
	if err != nil {
		log.Error("init pgx pool", "err", err)
		os.Exit(2)
	}
	defer pool.Close()

	store, err := postgres.New(pool)
	if err != nil {
		log.Error("init store", "err", err)
		os.Exit(2)
	}
	if *ensureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			log.Error("ensure schema", "err", err)
			os.Exit(2)
		}
	}

	chain, err := chaindata.Dial(ctx, *ethRPCURL)
	if err != nil {
		log.Error("dial eth rpc", "err", err)
		os.Exit(2)
	}
	defer chain.Close()

	blobCfg := blobstore.Config{
		Driver: *blobDriver,
		Prefix: *blobPrefix,
		Bucket: strings.TrimSpace(*blobBucket),
	}
	if blobstoreDriverIsS3(*blobDriver) {
		awsCfg, awsErr := awsconfig.LoadDefaultConfig(ctx)
		if awsErr != nil {
			log.Error("load aws config", "err", awsErr)
			os.Exit(2)
		}
		blobCfg.S3Client = s3.NewFromConfig(awsCfg)
	}
	blobs, err := blobstore.New(blobCfg)
	if err != nil {
		log.Error("init blob store", "err", err)
		os.Exit(2)
	}

	regions := cache.New(*cacheTTL, *cacheMaxEntries, nil)

	broadcaster, err := revalidate.NewBroadcaster(revalidate.BroadcasterConfig{
		Driver:  *revalidateDriver,
		Topic:   *revalidateTopic,
		Brokers: revalidate.SplitCommaList(*revalidateBrokers),
	})
	if err != nil {
		log.Error("init revalidate broadcaster", "err", err)
		os.Exit(2)
	}
	defer func() { _ = broadcaster.Close() }()

	if strings.TrimSpace(*revalidateGroup) != "" {
		listener, listenErr := revalidate.NewListener(ctx, revalidate.ListenerConfig{
			Driver:  *revalidateDriver,
			Topic:   *revalidateTopic,
			Brokers: revalidate.SplitCommaList(*revalidateBrokers),
			Group:   strings.TrimSpace(*revalidateGroup),
		})
		if listenErr != nil {
			log.Error("init revalidate listener", "err", listenErr)
			os.Exit(2)
		}
		defer func() { _ = listener.Close() }()
		go applySignals(ctx, listener, regions, log)
	}

	inv := &broadcastInvalidator{regions: regions, broadcast: broadcaster, log: log}

	pipeline, err := submission.New(submission.Config{
		Store:       store,
		Chain:       chain,
		Invalidator: inv,
		Log:         log,
	})
	if err != nil {
		log.Error("init submission pipeline", "err", err)
		os.Exit(2)
	}

	exporter, err := export.New(store, blobs, log)
	if err != nil {
		log.Error("init exporter", "err", err)
		os.Exit(2)
	}

	auth, err := apikey.NewAuthenticator(store)
	if err != nil {
		log.Error("init authenticator", "err", err)
		os.Exit(2)
	}

	handler, err := proofapi.NewHandler(proofapi.Config{
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		RecentBlocksLimit:       *recentBlocksLimit,
	}, auth, pipeline, exporter, store, regions)
	if err != nil {
		log.Error("init api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("proofs-api listening", "addr", *listenAddr, "blobDriver", *blobDriver, "revalidateDriver", *revalidateDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// broadcastInvalidator drops the local cache region and tells sibling
// replicas to do the same. Broadcast failures are logged, not fatal: the
// local invalidation already happened and remote caches expire by TTL.
type broadcastInvalidator struct {
	regions   *cache.Regions
	broadcast revalidate.Broadcaster
	log       *slog.Logger
}

func (i *broadcastInvalidator) Invalidate(ctx context.Context, region string) {
	i.regions.Invalidate(region)
	if err := i.broadcast.Invalidate(ctx, region); err != nil {
		i.log.Warn("broadcast invalidation", "region", region, "err", err)
	}
}

func applySignals(ctx context.Context, listener revalidate.Listener, regions *cache.Regions, log *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-listener.Signals():
			if !ok {
				return
			}
			regions.Invalidate(sig.Region)
			log.Info("applied invalidation signal", "region", sig.Region, "at", sig.At)
		case err, ok := <-listener.Errors():
			if !ok {
				return
			}
			log.Warn("revalidate listener", "err", err)
		}
	}
}

func blobstoreDriverIsS3(driver string) bool {
	return strings.TrimSpace(strings.ToLower(driver)) == blobstore.DriverS3 || strings.TrimSpace(driver) == ""
}
