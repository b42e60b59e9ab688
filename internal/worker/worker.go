// Package worker runs the gateway's periodic housekeeping tasks on an
// embedded Asynq server: sweeping idle vault tokens and logging audit
// partition rollovers. Neither task is required for correctness — the
// vault and audit log already perform their own lazy checks on the hot
// path — this exists only to bound long-idle resource growth.
package worker

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/websoft9/sshgateway/internal/vault"
)

const (
	TaskVaultSweepIdle      = "vault:sweep-idle"
	TaskAuditRotateReminder = "audit:rotate-reminder"
)

// SweepIdlePayload carries no state: the sweep always acts on the whole
// process-wide token table.
type SweepIdlePayload struct{}

// RotateReminderPayload names the audit JSONL partition that just rolled
// over (the previous day's key), for log correlation only. The payload
// registered with the scheduler is fixed at Start, so handleRotateReminder
// recomputes the partition when the task runs.
type RotateReminderPayload struct {
	PreviousPartition string `json:"previousPartition"`
}

// Worker owns the Asynq server, the shared client for enqueuing tasks, and
// the scheduler that periodically enqueues the housekeeping tasks.
type Worker struct {
	server    *asynq.Server
	client    *asynq.Client
	scheduler *asynq.Scheduler
	vault     *vault.Vault
	log       zerolog.Logger
}

// New constructs a Worker against redisAddr (falling back to REDIS_ADDR,
// then localhost:6379), wired to sweep v's idle tokens.
func New(redisAddr string, v *vault.Vault, log zerolog.Logger) *Worker {
	if redisAddr == "" {
		redisAddr = redisAddrFromEnv()
	}
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues: map[string]int{
			"default": 1,
		},
	})

	return &Worker{
		server:    srv,
		client:    asynq.NewClient(opt),
		scheduler: asynq.NewScheduler(opt, nil),
		vault:     v,
		log:       log.With().Str("component", "worker").Logger(),
	}
}

// Start registers task handlers, schedules the periodic enqueues, and
// begins processing in background goroutines. Call once per process.
func (w *Worker) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskVaultSweepIdle, w.handleSweepIdle)
	mux.HandleFunc(TaskAuditRotateReminder, w.handleRotateReminder)

	if _, err := w.scheduler.Register("@every 5m", asynq.NewTask(TaskVaultSweepIdle, nil)); err != nil {
		return err
	}
	if _, err := w.scheduler.Register("@every 24h", asynq.NewTask(TaskAuditRotateReminder, rotateReminderPayload())); err != nil {
		return err
	}

	go func() {
		if err := w.server.Run(mux); err != nil {
			w.log.Error().Err(err).Msg("asynq server stopped")
		}
	}()
	go func() {
		if err := w.scheduler.Run(); err != nil {
			w.log.Error().Err(err).Msg("asynq scheduler stopped")
		}
	}()
	return nil
}

// Client returns the shared Asynq client for enqueuing tasks out-of-band.
func (w *Worker) Client() *asynq.Client {
	return w.client
}

// Shutdown stops the server and scheduler and closes the client connection.
func (w *Worker) Shutdown() {
	w.scheduler.Shutdown()
	w.server.Shutdown()
	_ = w.client.Close()
}

func (w *Worker) handleSweepIdle(_ context.Context, _ *asynq.Task) error {
	n := w.vault.SweepIdle()
	if n > 0 {
		w.log.Info().Int("removed", n).Msg("swept idle vault tokens")
	}
	return nil
}

func (w *Worker) handleRotateReminder(_ context.Context, t *asynq.Task) error {
	var p RotateReminderPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		w.log.Error().Err(err).Msg("rotate-reminder: unmarshal payload")
		return err
	}
	p.PreviousPartition = time.Now().AddDate(0, 0, -1).UTC().Format("2006-01-02")
	w.log.Info().Str("previousPartition", p.PreviousPartition).Msg("audit log partition rolled over")
	return nil
}

func rotateReminderPayload() []byte {
	prev := time.Now().AddDate(0, 0, -1).UTC().Format("2006-01-02")
	b, _ := json.Marshal(RotateReminderPayload{PreviousPartition: prev})
	return b
}

func redisAddrFromEnv() string {
	return os.Getenv("REDIS_ADDR")
}
