package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sahilchouksey/go-exam-grader/model"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
)

const redisPublishQueue = 256

type queuedEvent struct {
	jobID string
	event ProgressEvent
}

// RedisNotifier publishes progress on a Redis channel per job so that any
// API instance can stream a job's events. A single sender goroutine keeps
// Publish non-blocking.
type RedisNotifier struct {
	client *redis.Client
	queue  chan queuedEvent
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	log    *logger.Logger
}

func NewRedisNotifier(client *redis.Client, log *logger.Logger) *RedisNotifier {
	n := &RedisNotifier{
		client: client,
		queue:  make(chan queuedEvent, redisPublishQueue),
		done:   make(chan struct{}),
		log:    logger.OrNop(log).Named("redis_notifier"),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func progressChannel(jobID string) string {
	return fmt.Sprintf(model.RedisChannelJobProgress, jobID)
}

func (n *RedisNotifier) Publish(jobID string, event ProgressEvent) {
	q := queuedEvent{jobID: jobID, event: event}
	select {
	case n.queue <- q:
		return
	default:
	}
	select {
	case <-n.queue:
		n.log.Warn("progress queue full, dropped oldest event")
	default:
	}
	select {
	case n.queue <- q:
	default:
	}
}

func (n *RedisNotifier) run() {
	defer n.wg.Done()
	for {
		select {
		case q := <-n.queue:
			n.send(q)
		case <-n.done:
			return
		}
	}
}

func (n *RedisNotifier) send(q queuedEvent) {
	data, err := json.Marshal(q.event)
	if err != nil {
		n.log.Error("failed to marshal progress event", "job_id", q.jobID, "error", err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.client.Publish(ctx, progressChannel(q.jobID), data).Err(); err != nil {
		n.log.Warn("failed to publish progress event", "job_id", q.jobID, "error", err.Error())
	}
}

// Subscribe opens a Redis subscription for jobID and decodes its messages.
func (n *RedisNotifier) Subscribe(jobID string) (<-chan ProgressEvent, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := n.client.Subscribe(ctx, progressChannel(jobID))
	sub := &subscriber{ch: make(chan ProgressEvent, subscriberBuffer)}

	go func() {
		defer sub.close()
		messages := pubsub.Channel()
		for {
			select {
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					n.log.Warn("bad progress payload", "job_id", jobID, "error", err.Error())
					continue
				}
				sub.send(ev)
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
		})
	}
}

// Close stops the sender. Queued events that were not sent are dropped.
func (n *RedisNotifier) Close() {
	n.once.Do(func() { close(n.done) })
	n.wg.Wait()
}
