// Package queuex is the asynq-backed secondary queue that fallback records
// are parked on until the replayer drains them.
package queuex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"time"

	"github.com/hibiken/asynq"

	"match-event-delivery/shared/config"
	"match-event-delivery/shared/faultx"
)

const (
	TaskReplay = "fallback.replay"

	dependency = "asynq"
	retention  = 24 * time.Hour
)

type Queue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	maxRetry  int
}

func RedisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
}

func New(cfg config.Config) (*Queue, error) {
	if cfg.AsynqRedisAddr == "" {
		return nil, errors.New("ASYNQ_REDIS_ADDR is required")
	}
	opt := RedisOpt(cfg)
	return &Queue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		queue:     cfg.AsynqQueue,
		maxRetry:  cfg.ReplayMaxAttempts,
	}, nil
}

func (q *Queue) Name() string { return q.queue }

// Enqueue parks message as a replay task. The task id is derived from the
// message bytes, so enqueueing the same record twice is a no-op.
func (q *Queue) Enqueue(ctx context.Context, message []byte) (string, error) {
	if q == nil || q.client == nil {
		return "", faultx.New(faultx.KindUnavailable, dependency, errors.New("queue not initialized"))
	}
	task, id := NewTask(message)
	_, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.queue),
		asynq.TaskID(id),
		asynq.MaxRetry(q.maxRetry),
		asynq.Retention(retention),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) && !errors.Is(err, asynq.ErrDuplicateTask) {
		return "", Classify(ctx, err)
	}
	return id, nil
}

// Depth is the number of tasks waiting in the queue.
func (q *Queue) Depth() (int, error) {
	info, err := q.inspector.GetQueueInfo(q.queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size, nil
}

func (q *Queue) Close() error {
	if q == nil {
		return nil
	}
	var errs []error
	if q.client != nil {
		errs = append(errs, q.client.Close())
	}
	if q.inspector != nil {
		errs = append(errs, q.inspector.Close())
	}
	return errors.Join(errs...)
}

func NewTask(message []byte) (*asynq.Task, string) {
	sum := sha256.Sum256(message)
	return asynq.NewTask(TaskReplay, message), "fb-" + hex.EncodeToString(sum[:16])
}

func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return faultx.New(faultx.KindCanceled, dependency, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faultx.New(faultx.KindTimeout, dependency, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return faultx.New(faultx.KindTimeout, dependency, err)
		}
		return faultx.New(faultx.KindConnection, dependency, err)
	}
	return faultx.New(faultx.KindUnavailable, dependency, err)
}
