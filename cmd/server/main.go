package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/pbsync/discovery"
	"github.com/ryandielhenn/pbsync/internal/telemetry"
	"github.com/ryandielhenn/pbsync/pkg/liveness"
	"github.com/ryandielhenn/pbsync/pkg/node"
	"github.com/ryandielhenn/pbsync/pkg/paramoracle"
	"github.com/ryandielhenn/pbsync/pkg/store"
	"github.com/ryandielhenn/pbsync/pkg/topology"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	id := flag.String("id", envOr("SELF_ID", "node1"), "node id")
	httpAddr := flag.String("http", envOr("HTTP_ADDR", ":8080"), "HTTP listen address")
	syncAddr := flag.String("sync", envOr("SYNC_ADDR", ":"+node.DefaultSyncPort), "reconciliation TCP listen address")
	advertise := flag.String("advertise", envOr("SELF_ADDR", ""), "advertised reconciliation address (defaults to -sync)")
	etcdEndpoints := flag.String("etcd", envOr("ETCD_ENDPOINTS", "http://etcd:2379"), "comma-separated etcd endpoints")
	cacheDir := flag.String("cache-dir", envOr("CACHE_DIR", ""), "parameter-oracle disk cache dir (default: user cache dir)")
	maxItems := flag.Int("max-items", 1<<20, "multiset entry cap (0 = unbounded)")
	syncEvery := flag.Duration("sync-interval", 0, "reconcile against ring partners on this interval (0 = manual only)")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.With(zap.String("node", *id))

	telemetry.SetBuildInfo(version, gitSHA)

	dir := *cacheDir
	if dir == "" {
		if base, err := os.UserCacheDir(); err == nil {
			dir = filepath.Join(base, "pbsync")
		}
	}
	cache := paramoracle.NewCache(paramoracle.DefaultCacheCapacity, dir)
	oracle := paramoracle.NewOracle(cache, log)

	st := store.NewStore(*maxItems)
	ring := topology.New(128, nil)
	detector := liveness.NewDetector(0, 0)

	if *advertise == "" {
		*advertise = *syncAddr
	}
	n := node.New(node.Config{
		ID:       *id,
		SyncAddr: *advertise,
		Logger:   log,
	}, st, ring, detector, oracle)

	// etcd: bootstrap peers, register self, watch for changes
	log.Info("connecting to etcd", zap.String("endpoints", *etcdEndpoints))
	cli, err := discovery.NewClient(strings.Split(*etcdEndpoints, ","))
	if err != nil {
		log.Fatal("etcd client", zap.Error(err))
	}
	defer cli.Close()

	peers, err := discovery.GetPeers(context.TODO(), cli)
	if err != nil {
		log.Fatal("bootstrap peers", zap.Error(err))
	}
	for peerID, addr := range peers {
		hp := node.NormalizeHostPort(addr, node.DefaultSyncPort)
		log.Info("bootstrap peer", zap.String("peer", peerID), zap.String("addr", hp))
		n.AddPeer(peerID, hp)
		detector.Observe(peerID, time.Now())
	}

	leaseID, stopKeepalive, err := discovery.RegisterNode(cli, *id, *advertise, 10)
	if err != nil {
		log.Fatal("register", zap.Error(err))
	}
	defer func() {
		stopKeepalive()
		_, _ = cli.Revoke(context.TODO(), leaseID)
	}()

	stopWatch := discovery.WatchPeers(cli, func(peers map[string]string) {
		n.ClearPeers()
		now := time.Now()
		for peerID, addr := range peers {
			hp := node.NormalizeHostPort(addr, node.DefaultSyncPort)
			n.AddPeer(peerID, hp)
			detector.Observe(peerID, now)
		}
		log.Info("peer view updated", zap.Int("peers", len(peers)))
	})
	defer stopWatch()

	// reconciliation TCP listener
	lis, err := net.Listen("tcp", *syncAddr)
	if err != nil {
		log.Fatal("sync listen", zap.Error(err))
	}
	go func() {
		if err := n.ServeSync(lis); err != nil {
			log.Error("sync server", zap.Error(err))
		}
	}()
	log.Info("reconciliation listener up", zap.String("addr", lis.Addr().String()))

	// optional periodic sync against ring partners
	if *syncEvery > 0 {
		go func() {
			ticker := time.NewTicker(*syncEvery)
			defer ticker.Stop()
			for range ticker.C {
				for _, peerID := range ring.Partners(*id, 2) {
					if !detector.Alive(peerID, time.Now()) {
						continue
					}
					addr, ok := ring.Addr(peerID)
					if !ok {
						continue
					}
					ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
					if _, err := n.ReconcileWith(ctx, peerID, addr); err != nil {
						log.Warn("periodic sync failed", zap.String("peer", peerID), zap.Error(err))
					}
					cancel()
					hits, misses := cache.Stats()
					telemetry.SetParamCacheStats(hits, misses)
				}
			}
		}()
	}

	// HTTP control surface
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.Handle("/keys/", telemetry.Instrument("keys", http.HandlerFunc(n.Keys)))
	mux.Handle("/reconcile/", telemetry.Instrument("reconcile", http.HandlerFunc(n.Reconcile)))

	srv := &http.Server{Addr: *httpAddr, Handler: mux}
	go func() {
		log.Info("http listening", zap.String("addr", *httpAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = lis.Close()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
