package mailbox

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Iron-Ham/milestone/internal/event"
	"github.com/Iron-Ham/milestone/internal/logging"
)

// DefaultInboxSize is the inbox capacity used when none is configured.
const DefaultInboxSize = 64

// ErrRouterClosed is returned by Send after Close.
var ErrRouterClosed = errors.New("mailbox: router closed")

// ErrUnknownRecipient is returned when a message targets an unregistered participant.
var ErrUnknownRecipient = errors.New("mailbox: unknown recipient")

// Observer sees every accepted message in send order, before delivery.
type Observer func(Message)

// Router is the routing context shared by all participants. It delivers each
// message at most once to every subscribed inbox. There is no ack or retry:
// when an inbox is full the message is dropped for that recipient and the
// drop is logged and published.
type Router struct {
	mu        sync.RWMutex
	sendMu    sync.Mutex
	inboxes   map[string]chan Message
	observers []Observer
	closed    bool

	inboxSize int
	store     *Store
	bus       *event.Bus
	logger    *logging.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithStore journals every accepted message to store.
func WithStore(store *Store) Option {
	return func(r *Router) {
		r.store = store
	}
}

// WithBus attaches an event bus. When set, a MessageSentEvent is published
// for every accepted message and a MessageDroppedEvent for every drop.
func WithBus(bus *event.Bus) Option {
	return func(r *Router) {
		r.bus = bus
	}
}

// WithLogger sets the router logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithInboxSize sets the capacity of each participant inbox.
func WithInboxSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.inboxSize = n
		}
	}
}

// NewRouter creates a Router.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		inboxes:   make(map[string]chan Message),
		inboxSize: DefaultInboxSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger)
	return r
}

// Register creates the inbox for participant. Registering twice returns the
// same channel.
func (r *Router) Register(participant string) (<-chan Message, error) {
	if participant == "" || participant == BroadcastRecipient {
		return nil, fmt.Errorf("mailbox: invalid participant name %q", participant)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRouterClosed
	}
	if ch, ok := r.inboxes[participant]; ok {
		return ch, nil
	}
	ch := make(chan Message, r.inboxSize)
	r.inboxes[participant] = ch
	return ch, nil
}

// Participants returns the registered participant names, sorted.
func (r *Router) Participants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.inboxes))
	for name := range r.inboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Observe registers fn to see every accepted message. Observers run on the
// sender's goroutine, in send order, before any inbox delivery.
func (r *Router) Observe(fn Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Send validates, journals, observes and delivers msg. Broadcasts go to every
// registered participant except the sender. A journal failure is logged and
// does not block delivery.
func (r *Router) Send(msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	// Serialize sends so observers and inboxes see one global order.
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return ErrRouterClosed
	}
	if !msg.IsBroadcast() {
		if _, ok := r.inboxes[msg.To]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownRecipient, msg.To)
		}
	}

	log := r.logger.WithTask(msg.TaskID).With("message_id", msg.ID, "type", string(msg.Type))

	if r.store != nil {
		if err := r.store.Append(msg); err != nil {
			log.Warn("failed to journal message", "error", err)
		}
	}

	for _, fn := range r.observers {
		fn(msg)
	}
	if r.bus != nil {
		r.bus.Publish(event.NewMessageSentEvent(msg.ID, string(msg.Type), msg.TaskID, msg.From, msg.To))
	}

	if msg.IsBroadcast() {
		for name, ch := range r.inboxes {
			if name == msg.From {
				continue
			}
			r.deliver(log, name, ch, msg)
		}
		return nil
	}
	r.deliver(log, msg.To, r.inboxes[msg.To], msg)
	return nil
}

func (r *Router) deliver(log *logging.Logger, to string, ch chan Message, msg Message) {
	select {
	case ch <- msg:
		log.Debug("message delivered", "to", to)
	default:
		log.Warn("inbox full, message dropped", "to", to)
		if r.bus != nil {
			r.bus.Publish(event.NewMessageDroppedEvent(msg.ID, string(msg.Type), msg.TaskID, to))
		}
	}
}

// Close closes every inbox. Participants drain what is buffered and then see
// a closed channel.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for _, ch := range r.inboxes {
		close(ch)
	}
}
