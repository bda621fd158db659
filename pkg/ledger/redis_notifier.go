package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tiermeter/pkg/async"
	"github.com/platinummonkey/tiermeter/pkg/storage"
)

const subscribeTimeout = 5 * time.Second

// RedisNotifier publishes balance events over Redis pub/sub so subscribers on
// every instance see changes made by any instance.
type RedisNotifier struct {
	client *redis.Client
	prefix string
	log    *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisNotifier creates a notifier publishing on <prefix>:balance:<accountID>
func NewRedisNotifier(client *redis.Client, prefix string, log *logrus.Entry) *RedisNotifier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if prefix == "" {
		prefix = "tiermeter"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisNotifier{
		client: client,
		prefix: prefix,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (n *RedisNotifier) channel(accountID string) string {
	return fmt.Sprintf("%s:balance:%s", n.prefix, accountID)
}

// Publish sends event to the account's channel
func (n *RedisNotifier) Publish(ctx context.Context, event BalanceEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode balance event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel(event.AccountID), payload).Err(); err != nil {
		return storage.Unavailable("redis", "publish balance event", err)
	}
	return nil
}

// Subscribe listens on the account's channel until cancel or Close is called
func (n *RedisNotifier) Subscribe(accountID string, fn func(BalanceEvent)) (func(), error) {
	if n.ctx.Err() != nil {
		return nil, errNotifierClosed
	}

	pubsub := n.client.Subscribe(n.ctx, n.channel(accountID))
	confirmCtx, confirmCancel := context.WithTimeout(n.ctx, subscribeTimeout)
	defer confirmCancel()
	if _, err := pubsub.Receive(confirmCtx); err != nil {
		pubsub.Close()
		return nil, storage.Unavailable("redis", "subscribe balance events", err)
	}

	ctx, cancel := context.WithCancel(n.ctx)
	log := n.log.WithField("account_id", accountID)
	async.SafeGo(ctx, log, 0, "balance subscription", func(ctx context.Context) error {
		defer func() {
			if err := pubsub.Close(); err != nil {
				log.WithError(err).Debug("failed to close balance subscription")
			}
		}()
		return n.consume(ctx, pubsub.Channel(), fn, log)
	})

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (n *RedisNotifier) consume(ctx context.Context, messages <-chan *redis.Message, fn func(BalanceEvent), log *logrus.Entry) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event BalanceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.WithError(err).Warn("dropping malformed balance event")
				continue
			}
			n.deliver(fn, event, log)
		}
	}
}

func (n *RedisNotifier) deliver(fn func(BalanceEvent), event BalanceEvent, log *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"mutation_id": event.MutationID,
				"stack":       string(debug.Stack()),
			}).Errorf("panic in balance subscriber: %v", r)
		}
	}()
	fn(event)
}

// Close stops every subscription. The Redis client is owned by the caller.
func (n *RedisNotifier) Close() error {
	n.cancel()
	return nil
}
