package ledger

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

var errNotifierClosed = errors.New("notifier closed")

// LocalNotifier delivers events synchronously to subscribers in the same process
type LocalNotifier struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]func(BalanceEvent)
	nextID uint64
	closed bool
	log    *logrus.Entry
}

// NewLocalNotifier creates an in-process notifier
func NewLocalNotifier(log *logrus.Entry) *LocalNotifier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LocalNotifier{
		subs: make(map[string]map[uint64]func(BalanceEvent)),
		log:  log,
	}
}

// Publish calls every subscriber of the event's account. A panicking
// subscriber is logged and does not affect the others.
func (n *LocalNotifier) Publish(_ context.Context, event BalanceEvent) error {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return errNotifierClosed
	}
	fns := make([]func(BalanceEvent), 0, len(n.subs[event.AccountID]))
	for _, fn := range n.subs[event.AccountID] {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		n.deliver(fn, event)
	}
	return nil
}

func (n *LocalNotifier) deliver(fn func(BalanceEvent), event BalanceEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.log.WithFields(logrus.Fields{
				"account_id":  event.AccountID,
				"mutation_id": event.MutationID,
				"stack":       string(debug.Stack()),
			}).Errorf("panic in balance subscriber: %v", r)
		}
	}()
	fn(event)
}

// Subscribe registers fn for accountID
func (n *LocalNotifier) Subscribe(accountID string, fn func(BalanceEvent)) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errNotifierClosed
	}

	n.nextID++
	id := n.nextID
	if n.subs[accountID] == nil {
		n.subs[accountID] = make(map[uint64]func(BalanceEvent))
	}
	n.subs[accountID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[accountID], id)
			if len(n.subs[accountID]) == 0 {
				delete(n.subs, accountID)
			}
		})
	}, nil
}

// Subscribers returns the number of live subscriptions for accountID
func (n *LocalNotifier) Subscribers(accountID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[accountID])
}

// Close drops all subscriptions
func (n *LocalNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.subs = make(map[string]map[uint64]func(BalanceEvent))
	return nil
}
