// Package transport is the boundary between the orchestrator and the routers
// under test. Implementations exist for an in-process simulated mesh, a
// remote simulated mesh over gRPC and real AMQP 1.0 routers.
package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredit is returned by Send when the link has no credit left.
	ErrNoCredit = errors.New("no credit")
	// ErrClosed is returned by operations on a closed connection or link.
	ErrClosed = errors.New("closed")
	// ErrUnsupportedAddress is returned by Connect for an address scheme the
	// network does not serve.
	ErrUnsupportedAddress = errors.New("unsupported address")
)

// ManagementAddress is the well-known target of control-plane requests.
const ManagementAddress = "$management"

// Outcome is the terminal disposition of a delivery.
type Outcome int

const (
	Accepted Outcome = iota + 1
	Released
	Modified
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Released:
		return "released"
	case Modified:
		return "modified"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Terminal reports whether o is a known terminal outcome.
func (o Outcome) Terminal() bool { return o >= Accepted && o <= Rejected }

// Negative reports whether the delivery was handed back without being
// consumed. Released and Modified are treated alike.
func (o Outcome) Negative() bool { return o == Released || o == Modified }

// Message is the subset of an AMQP message the orchestrator uses.
type Message struct {
	MessageID     string
	CorrelationID string
	To            string
	ReplyTo       string
	Properties    map[string]any
	Body          any
}

// SenderOptions configures an outgoing link.
type SenderOptions struct {
	Name string
}

// ReceiverOptions configures an incoming link. With Dynamic set the source
// address is ignored and the router assigns one.
type ReceiverOptions struct {
	Name    string
	Credit  int
	Dynamic bool
}

// Link is the common surface of senders and receivers.
type Link interface {
	Name() string
	Connection() Connection
}

// Sender is an outgoing link.
type Sender interface {
	Link
	Target() string
	// Send transfers msg unsettled under the caller assigned tag. The
	// outcome is reported later through Handler.OnOutcome.
	Send(msg *Message, tag string) error
	// Credit is the number of messages the peer currently allows.
	Credit() int
}

// Receiver is an incoming link. Data received on it is accepted and credit
// is replenished automatically.
type Receiver interface {
	Link
	// Address is the source address; for dynamic receivers it is empty
	// until the link has opened.
	Address() string
	// Flow grants n additional credits.
	Flow(n int)
}

// Connection is one client connection to a router.
type Connection interface {
	Address() string
	OpenSender(target string, opts SenderOptions) (Sender, error)
	OpenReceiver(source string, opts ReceiverOptions) (Receiver, error)
	// Close is idempotent.
	Close() error
}

// Handler receives transport events. Every callback runs on the caller's
// event loop, never concurrently with another callback.
type Handler interface {
	OnLinkOpened(l Link)
	OnMessage(r Receiver, msg *Message)
	OnOutcome(s Sender, tag string, o Outcome)
	OnLinkError(l Link, err error)
}

// Network opens connections to routers. Connect must not block on the
// network: the connection becomes usable immediately and link events follow
// through the handler.
type Network interface {
	Connect(addr string, h Handler) (Connection, error)
}

// Poster hands a function to an event loop. Transports that do blocking I/O
// on their own goroutines use it to deliver callbacks.
type Poster interface {
	Post(f func())
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(f func())

// Post calls p(f).
func (p PosterFunc) Post(f func()) { p(f) }

// Inline is a Poster that runs f immediately on the calling goroutine.
var Inline Poster = PosterFunc(func(f func()) { f() })
