// Command bootstrap runs the bootstrap process (C8): it loads the cluster
// configuration, programs every shard's range under a global lock, and then
// serves topology queries (get_map, get_shard, create_index, drop_index,
// stat) to clients. Configuration is environment-driven, grounded on
// torua's cmd/coordinator/main.go getenv pattern.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/pyshard/internal/bootstrap"
	"github.com/dreamware/pyshard/internal/config"
	"github.com/dreamware/pyshard/internal/dispatch"
	"github.com/dreamware/pyshard/internal/logging"
	"github.com/dreamware/pyshard/internal/metricsx"
)

func main() {
	configPath := mustGetenv("BOOTSTRAP_CONFIG")
	adminAddr := getenv("BOOTSTRAP_ADMIN_LISTEN", ":9100")
	bufferSize := getenvInt("BOOTSTRAP_BUFFER_SIZE", 1024)
	masterToken := os.Getenv("BOOTSTRAP_MASTER_TOKEN")
	jsonLogs := os.Getenv("BOOTSTRAP_LOG_JSON") == "1"

	logging.Init(logging.Config{Level: logging.InfoLevel, JSONOutput: jsonLogs})
	log := logging.With("bootstrap")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load cluster config")
	}

	svc, err := bootstrap.Run(cfg, bufferSize, masterToken)
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap sequence")
	}
	defer svc.Close()

	metrics := metricsx.NewRegistry("pyshard_bootstrap")

	srv := dispatch.NewServer(cfg.Bootstrap.String(), dispatch.Options{
		BufferSize: bufferSize,
		Metrics:    metrics,
	})
	svc.Register(srv)

	admin := metricsx.NewAdminServer(adminAddr, metrics)
	go func() {
		log.Info().Str("addr", adminAddr).Msg("admin listening")
		if err := admin.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		log.Info().Str("addr", cfg.Bootstrap.String()).Msg("bootstrap listening")
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
	log.Info().Msg("bootstrap stopped")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustGetenv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		logging.With("bootstrap").Fatal().Msgf("missing env %s", key)
	}
	return v
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
