// dedupd-server is the storage server: it owns the dedup index, the
// container store, and the recipe files, and serves upload and restore
// sessions over the framed protocol.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"dedupd/internal/config"
	"dedupd/internal/container"
	"dedupd/internal/dedup"
	"dedupd/internal/keyoracle"
	"dedupd/internal/kvstore"
	"dedupd/internal/observability"
	"dedupd/internal/ratelimit"
	"dedupd/internal/readcache"
	"dedupd/internal/sealstore"
	"dedupd/internal/session"
	"dedupd/internal/transport"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("c", "", "path to JSON config")
	mode := flag.Int("m", 4, "index variant: 0=out-enclave 1=in-enclave 2=extreme-bin 3=sparse 4=freq")
	stateDir := flag.String("state", "./data/state", "directory for sealed index state and keys")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "metrics/health server address")
	useQUIC := flag.Bool("quic", false, "listen over QUIC instead of TCP")
	multiTenant := flag.Bool("multi-tenant", false, "degrade queue depth and read cache for many concurrent tenants")
	ingestMBps := flag.Float64("ingest-limit", 0, "upload ingest cap in MiB/s (0 = unlimited)")
	flag.Parse()

	logger := observability.NewLogger("dedupd-server", version, os.Stdout)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if shutdown, err := observability.InitTracing(ctx, "dedupd-server"); err == nil {
		defer shutdown(context.Background())
	} else {
		logger.Error(err, "tracing init failed; continuing without traces")
	}

	if err := os.MkdirAll(*stateDir, 0o700); err != nil {
		logger.Fatal(err, "failed to create state directory")
	}

	// Enclave keys: restore from sealed state, or generate fresh on a
	// cold boot.
	dataKey, queryKey, sealedStats, sealed, err := sealstore.Load(*stateDir, cfg.Crypto.LocalSecret)
	if err != nil {
		logger.Fatal(err, "sealed keystore unreadable")
	}
	if !sealed {
		if _, err := rand.Read(dataKey[:]); err != nil {
			logger.Fatal(err, "key generation failed")
		}
		if _, err := rand.Read(queryKey[:]); err != nil {
			logger.Fatal(err, "key generation failed")
		}
		logger.Info("cold boot: generated fresh enclave keys")
	} else {
		logger.Info(fmt.Sprintf("restored sealed state: %d chunks seen, dedup ratio %.3f",
			sealedStats.ChunksSeen, sealedStats.DedupRatio()))
	}

	store, err := container.NewStore(cfg.Storage.ContainerRootPath)
	if err != nil {
		logger.Fatal(err, "container store unavailable")
	}

	cacheSize := cfg.Restore.ReadCacheSize
	if *multiTenant {
		cacheSize = readcache.MultiTenantCapacity
	}
	cache, err := readcache.New(cacheSize, store)
	if err != nil {
		logger.Fatal(err, "read cache init failed")
	}
	cache.OnHit = metrics.ReadCacheHitsTotal.Inc
	cache.OnMiss = metrics.ReadCacheMissesTotal.Inc

	kv, err := kvstore.OpenBolt(filepath.Join(*stateDir, cfg.Storage.Fp2ChunkDBName))
	if err != nil {
		logger.Fatal(err, "fingerprint store unavailable")
	}
	defer kv.Close()

	tier, err := dedup.BuildTier(dedup.Variant(*mode), kv, queryKey)
	if err != nil {
		logger.Fatal(err, "bad index variant")
	}
	if err := tier.Load(*stateDir); err != nil {
		logger.Fatal(err, "index state unreadable")
	}
	if ft, ok := tier.(*dedup.FreqTier); ok {
		ft.Outer().OnOp = func(op string) {
			metrics.OuterIndexOpsTotal.WithLabelValues(op).Inc()
		}
	}

	freqSketch := dedup.NewSketch()
	heap := dedup.NewHeap(cfg.TopK())
	if _, err := sealstore.LoadFreqState(*stateDir, freqSketch, heap); err != nil {
		logger.Fatal(err, "frequency state unreadable")
	}
	metrics.TopKResidents.Set(float64(heap.Len()))

	sessLog, err := session.OpenLog(filepath.Join(*stateDir, "sessions.db"))
	if err != nil {
		logger.Fatal(err, "session log unavailable")
	}
	defer sessLog.Close()

	var oracle keyoracle.Oracle
	if cfg.KeyOracle != nil {
		addr := fmt.Sprintf("%s:%d", cfg.KeyOracle.KeyServerIP, cfg.KeyOracle.KeyServerPort)
		remote := keyoracle.NewRemoteOracle(addr, cfg.Transport.ClientID)
		defer remote.Close()
		oracle = remote
		logger.Info("key oracle configured at " + addr)
	}

	var limiter *ratelimit.TokenBucket
	if *ingestMBps > 0 {
		bytesPerSec := *ingestMBps * (1 << 20)
		limiter = ratelimit.NewTokenBucket(bytesPerSec, int(bytesPerSec))
	}

	mgr := session.NewManager(session.ManagerConfig{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		DataKey:     dataKey,
		QueryKey:    queryKey,
		Sketch:      freqSketch,
		Heap:        heap,
		Tier:        tier,
		Store:       store,
		Cache:       cache,
		Oracle:      oracle,
		SessionLog:  sessLog,
		Limiter:     limiter,
		MultiTenant: *multiTenant,
	})

	listenAddr := fmt.Sprintf(":%d", cfg.Transport.StorageServerPort)
	var listener transport.Listener
	if *useQUIC {
		listener, err = transport.ListenQUIC(listenAddr)
	} else {
		listener, err = transport.ListenTCP(listenAddr)
	}
	if err != nil {
		logger.Fatal(err, "listener bind failed")
	}
	defer listener.Close()

	health.RegisterCheck("listener", observability.ListenerCheck(listener.Addr().String()))
	health.RegisterCheck("keystore", observability.KeystoreCheck(sealed))
	health.RegisterCheck("containers", observability.DirectoryCheck(cfg.Storage.ContainerRootPath))
	health.RegisterCheck("index", observability.IndexStoreCheck(func() error {
		_, err := kv.Get([]byte("\x00healthcheck"))
		if err == kvstore.ErrNotFound {
			return nil
		}
		return err
	}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", health.Handler())
	go func() {
		if err := http.ListenAndServe(*observAddr, mux); err != nil {
			logger.Error(err, "observability server stopped")
		}
	}()

	logger.Info(fmt.Sprintf("dedupd-server listening on %s (variant %d)", listener.Addr(), *mode))

	go func() {
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error(err, "accept failed")
				continue
			}
			go func() {
				spanCtx, span := observability.SessionSpan(ctx, conn.RemoteAddr().String())
				defer span.End()
				_ = mgr.Handle(spanCtx, conn)
				metrics.TopKResidents.Set(float64(heap.Len()))
			}()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down; sealing index state")
	cancel()
	listener.Close()

	if err := tier.Persist(*stateDir); err != nil {
		logger.Error(err, "index seal failed")
	}
	if err := sealstore.SaveFreqState(*stateDir, freqSketch, heap); err != nil {
		logger.Error(err, "frequency state seal failed")
	}
	total := mgr.Stats()
	total.ChunksSeen += sealedStats.ChunksSeen
	total.ChunksUnique += sealedStats.ChunksUnique
	total.BytesStored += sealedStats.BytesStored
	if err := sealstore.Seal(*stateDir, cfg.Crypto.LocalSecret, dataKey, queryKey, total); err != nil {
		logger.Error(err, "keystore seal failed")
	}
	logger.Info("shutdown complete")
}
