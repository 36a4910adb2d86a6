package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brokerly/supportd/types"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// TaskTypeAuditDeliver is the asynq task type for queued audit delivery.
const TaskTypeAuditDeliver = "audit:deliver"

// TaskClient enqueues audit entries for durable delivery through Redis. With
// a queue in front, a temporarily broken audit store means retries instead of
// dropped entries.
type TaskClient struct {
	client *asynq.Client
}

// NewTaskClient creates a task client against the given Redis instance.
func NewTaskClient(redisAddr, redisPassword string, redisDB int) *TaskClient {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
	return &TaskClient{client: client}
}

// Close closes the task client.
func (c *TaskClient) Close() error {
	return c.client.Close()
}

// EnqueueAuditLog enqueues one audit entry for delivery.
func (c *TaskClient) EnqueueAuditLog(entry *types.AuditLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	task := asynq.NewTask(TaskTypeAuditDeliver, data)
	info, err := c.client.Enqueue(task, asynq.MaxRetry(10), asynq.Queue("critical"))
	if err != nil {
		return fmt.Errorf("enqueuing audit entry: %w", err)
	}

	log.Debug().
		Str("task_id", info.ID).
		Str("action", entry.Action).
		Msg("Audit entry enqueued")

	return nil
}

// Worker consumes queued audit entries and writes them to the store.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker creates the audit delivery worker.
func NewWorker(redisAddr, redisPassword string, redisDB, concurrency int, store *Store) *Worker {
	server := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisAddr,
			Password: redisPassword,
			DB:       redisDB,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error().
					Err(err).
					Str("task_type", task.Type()).
					Msg("Audit delivery task failed")
			}),
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeAuditDeliver, func(ctx context.Context, task *asynq.Task) error {
		var entry types.AuditLog
		if err := json.Unmarshal(task.Payload(), &entry); err != nil {
			return fmt.Errorf("unmarshaling audit entry: %w", err)
		}
		return store.CreateAuditLog(ctx, &entry)
	})

	return &Worker{server: server, mux: mux}
}

// Run starts the worker and blocks until shutdown.
func (w *Worker) Run() error {
	log.Info().Msg("Starting audit delivery worker")
	return w.server.Run(w.mux)
}

// Start launches the worker without blocking.
func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

// Shutdown gracefully shuts down the worker.
func (w *Worker) Shutdown() {
	log.Info().Msg("Shutting down audit delivery worker")
	w.server.Shutdown()
}
