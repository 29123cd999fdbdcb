package scheduler

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"agency_portal_backend/internal/bids/service"
	"agency_portal_backend/platform/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// bidRunTimeout bounds a single run on the worker. Each generation call is
// bounded separately by the pipeline's generation timeout.
const bidRunTimeout = 2 * time.Hour

// Client enqueues bid runs for the worker process.
type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(cfg config.SchedulerConfig) (*Client, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return newClient(opt, cfg.GetAsynqQueueName()), nil
}

func newClient(opt asynq.RedisConnOpt, queue string) *Client {
	if queue == "" {
		queue = "default"
	}
	return &Client{
		client: asynq.NewClient(opt),
		queue:  queue,
	}
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// Dispatch enqueues a begun run. Runs are never retried: a failed run has
// already written its terminal state and the user starts a new one.
func (c *Client) Dispatch(ctx context.Context, job service.Job) (*service.RunHandle, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("scheduler client not configured")
	}

	task, err := NewBidRunTask(job)
	if err != nil {
		return nil, err
	}

	_, err = c.client.EnqueueContext(ctx, task,
		asynq.Queue(c.queue),
		asynq.TaskID(job.RunID.String()),
		asynq.MaxRetry(0),
		asynq.Timeout(bidRunTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return service.NewDetachedHandle(job.RunID), nil
}

var _ service.Dispatcher = (*Client)(nil)

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	var tlsConfig *tls.Config
	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if tlsInsecure {
			clone.InsecureSkipVerify = true
		}
		tlsConfig = clone
	} else if tlsInsecure {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig,
	}, nil
}
