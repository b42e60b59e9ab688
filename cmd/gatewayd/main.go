// Command gatewayd is the gateway's process entrypoint: it loads
// configuration, wires the Store/Vault/Trust/AllowList/Audit collaborators
// into a Gateway, starts the housekeeping worker, and serves the
// illustrative HTTP/WebSocket surface in internal/server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/sshgateway/internal/audit"
	"github.com/websoft9/sshgateway/internal/config"
	"github.com/websoft9/sshgateway/internal/cryptoutil"
	"github.com/websoft9/sshgateway/internal/execsvc"
	"github.com/websoft9/sshgateway/internal/gateway"
	"github.com/websoft9/sshgateway/internal/server"
	"github.com/websoft9/sshgateway/internal/sftpsvc"
	"github.com/websoft9/sshgateway/internal/store"
	"github.com/websoft9/sshgateway/internal/trust"
	"github.com/websoft9/sshgateway/internal/vault"
	"github.com/websoft9/sshgateway/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg)
	log.Info().Str("version", cfg.Version).Str("env", cfg.Env).Msg("starting ssh gateway")

	// A PocketBase-backed deployment constructs store.PocketBase{App: app}
	// against an already-running pocketbase.New() app instead; the in-memory
	// store here keeps this entrypoint runnable standalone for local dev.
	st := store.NewMemory()

	argonParams := cryptoutil.Argon2Params{
		Name:        "argon2id",
		MemoryKB:    cfg.ArgonMemoryMB * 1024,
		Time:        cfg.ArgonTime,
		Parallelism: cfg.ArgonThreads,
		KeyLen:      cryptoutil.KeyLen,
	}
	v := vault.New(st, cfg.VaultIdleTTL, argonParams)
	tr := trust.New(st)
	allow := gateway.NewAllowList(cfg.AllowedHosts)
	al := audit.New(st)

	gw := gateway.New(st, v, tr, allow, al, cfg.ShellCols, cfg.ShellRows)
	execs := execsvc.New()
	sftp := sftpsvc.New()

	w := worker.New(cfg.RedisAddr, v, log.Logger)
	if err := w.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start housekeeping worker")
	}

	srv := server.New(cfg, st, gw, execs, sftp)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Info().Str("addr", addr).Msg("http server listening")
		if err := srv.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}
	w.Shutdown()

	log.Info().Msg("gateway exited")
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Env == "development" && cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
