// Command shard runs a single shard process (C4-C6): the in-memory indexed
// store, the shard engine owning one bucket range, and the dispatcher
// serving the shard endpoint table. Configuration is environment-driven,
// grounded on torua's cmd/node/main.go getenv/mustGetenv pattern.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/pyshard/internal/dispatch"
	"github.com/dreamware/pyshard/internal/logging"
	"github.com/dreamware/pyshard/internal/metricsx"
	"github.com/dreamware/pyshard/internal/shardcore"
	"github.com/dreamware/pyshard/internal/shardservice"
	"github.com/dreamware/pyshard/internal/store"
)

func main() {
	listen := getenv("SHARD_LISTEN", ":9001")
	adminAddr := getenv("SHARD_ADMIN_LISTEN", ":9101")
	snapshotPath := os.Getenv("SHARD_SNAPSHOT_PATH")
	bufferSize := getenvInt("SHARD_BUFFER_SIZE", 1024)
	maxSize := getenvInt("SHARD_MAX_SIZE", 64<<20)
	authEnabled := os.Getenv("SHARD_AUTH_TOKEN") != ""
	authToken := os.Getenv("SHARD_AUTH_TOKEN")
	jsonLogs := os.Getenv("SHARD_LOG_JSON") == "1"

	logging.Init(logging.Config{Level: logging.InfoLevel, JSONOutput: jsonLogs})
	log := logging.With("shard")

	st := store.New(snapshotPath)
	if err := st.Open(); err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	engine := shardcore.New(st, 0.0, 1.0, maxSize, shardcore.DefaultBinsNum)
	svc := shardservice.New(engine, authEnabled, bufferSize)

	metrics := metricsx.NewRegistry("pyshard_shard")

	tokens := map[string]string(nil)
	if authEnabled {
		tokens = map[string]string{authToken: dispatch.MasterGroup}
	}

	srv := dispatch.NewServer(listen, dispatch.Options{
		BufferSize:  bufferSize,
		AuthEnabled: authEnabled,
		Tokens:      tokens,
		Metrics:     metrics,
	})
	srv.SetLockedFunc(svc.Locked)
	svc.Register(srv)

	admin := metricsx.NewAdminServer(adminAddr, metrics)
	go func() {
		log.Info().Str("addr", adminAddr).Msg("admin listening")
		if err := admin.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go reportShardStat(ctx, engine, svc, metrics)
	go func() {
		log.Info().Str("addr", listen).Msg("shard listening")
		if err := srv.ListenAndServe(ctx); err != nil {
			log.Fatal().Err(err).Msg("dispatch server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("admin shutdown")
	}
	log.Info().Msg("shard stopped")
}

// reportShardStat polls the engine's stat snapshot and pushes it into the
// size/max-size/locked/bucket gauges until ctx is cancelled.
func reportShardStat(ctx context.Context, engine *shardcore.Engine, svc *shardservice.Service, metrics *metricsx.Registry) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		stat := engine.Stat()
		metrics.SetShardStat(metricsx.ShardStat{
			Locked:       svc.Locked(),
			Size:         stat.Size,
			MaxSize:      stat.MaxSize,
			Distribution: stat.Distribution,
		})

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
