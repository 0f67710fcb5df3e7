package workqueue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRedisChannel is the pub/sub channel spawned tasks are announced on.
const DefaultRedisChannel = "ekaya-dataseries:tasks"

// Notifier wakes idle workers once a spawned task has been committed. Notifications are
// hints only: workers also poll, so a lost notification delays a task by at most one
// poll interval.
type Notifier interface {
	Notify(ctx context.Context)
	Wakeups() <-chan struct{}
}

// LocalNotifier wakes workers of this process.
type LocalNotifier struct {
	ch chan struct{}
}

// NewLocalNotifier creates a LocalNotifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{ch: make(chan struct{}, 1)}
}

// Notify never blocks. Pending wake ups coalesce.
func (n *LocalNotifier) Notify(context.Context) {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *LocalNotifier) Wakeups() <-chan struct{} {
	return n.ch
}

// RedisNotifier additionally announces tasks to the workers of every other process
// subscribed to the same channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	local   *LocalNotifier
	logger  *zap.Logger
}

// NewRedisNotifier creates a RedisNotifier publishing on DefaultRedisChannel.
func NewRedisNotifier(client *redis.Client, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{
		client:  client,
		channel: DefaultRedisChannel,
		local:   NewLocalNotifier(),
		logger:  logger.Named("workqueue-notifier"),
	}
}

// Notify wakes a local worker and publishes the wake up. Publish failures are logged; the
// other processes will pick the task up on their next poll.
func (n *RedisNotifier) Notify(ctx context.Context) {
	n.local.Notify(ctx)
	if err := n.client.Publish(ctx, n.channel, "task").Err(); err != nil {
		n.logger.Warn("Failed to publish task notification", zap.Error(err))
	}
}

func (n *RedisNotifier) Wakeups() <-chan struct{} {
	return n.local.Wakeups()
}

// Run forwards wake ups published by any process to the local workers until ctx is done.
func (n *RedisNotifier) Run(ctx context.Context) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}
	n.logger.Info("Subscribed to task notifications", zap.String("channel", n.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-messages:
			if !ok {
				return nil
			}
			n.local.Notify(ctx)
		}
	}
}
