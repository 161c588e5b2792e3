package wallet

import (
	"sync"
	"time"

	"walletcore.org/internal/money"
	"walletcore.org/internal/obs"
)

// Event names emitted after successful commits.
const (
	EventCreated     = "wallet.created"
	EventDeposited   = "wallet.deposited"
	EventWithdrawn   = "wallet.withdrawn"
	EventConsumed    = "wallet.consumed"
	EventTransferred = "wallet.transferred"
	EventRefunded    = "wallet.refunded"
	EventDeactivated = "wallet.deactivated"
)

// Event is one post-commit notification. Delivery is best-effort; the engine
// never blocks or rolls back on notifier failure.
type Event struct {
	Name                  string      `json:"name"`
	WalletID              string      `json:"wallet_id"`
	OwnerID               string      `json:"owner_id"`
	TransactionID         string      `json:"transaction_id,omitempty"`
	Amount                money.Money `json:"amount"`
	BalanceBefore         money.Money `json:"balance_before"`
	BalanceAfter          money.Money `json:"balance_after"`
	CounterpartyWalletID  string      `json:"counterparty_wallet_id,omitempty"`
	OriginalTransactionID string      `json:"original_transaction_id,omitempty"`
	TransferGroup         string      `json:"transfer_group,omitempty"`
	OccurredAt            time.Time   `json:"occurred_at"`
}

// Notifier receives post-commit events.
type Notifier interface {
	Publish(Event)
}

// AsyncNotifier decouples event delivery from the commit path: Publish is a
// non-blocking enqueue onto a bounded channel drained by a single worker.
// Events are dropped (and counted) when the queue is full.
type AsyncNotifier struct {
	sink Notifier
	ch   chan Event

	closeOnce sync.Once
	done      chan struct{}
}

var _ Notifier = (*AsyncNotifier)(nil)

// NewAsyncNotifier starts the delivery worker. A buffer of 0 falls back to a
// sensible default.
func NewAsyncNotifier(sink Notifier, buffer int) *AsyncNotifier {
	if buffer <= 0 {
		buffer = 256
	}
	n := &AsyncNotifier{
		sink: sink,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *AsyncNotifier) run() {
	defer close(n.done)
	for evt := range n.ch {
		n.sink.Publish(evt)
	}
}

// Publish enqueues the event without ever blocking the caller.
func (n *AsyncNotifier) Publish(evt Event) {
	select {
	case n.ch <- evt:
	default:
		obs.IncNotifierDropped()
		obs.LogEvent(map[string]any{
			"ts":     time.Now().UTC().Format(time.RFC3339Nano),
			"level":  "warn",
			"msg":    "notifier queue full, event dropped",
			"event":  evt.Name,
			"wallet": evt.WalletID,
		})
	}
}

// Close drains pending events and stops the worker.
func (n *AsyncNotifier) Close() {
	n.closeOnce.Do(func() {
		close(n.ch)
		<-n.done
	})
}
