package session

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/capability"
)

type State int

const (
	StateDisconnected State = iota
	StatePairing
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StatePairing:
		return "pairing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// accepts reports whether commands can be queued in this state.
func (s State) accepts() bool {
	return s == StatePairing || s == StateConnecting || s == StateConnected
}

type StateChange struct {
	SessionId string
	DeviceId  string
	From      State
	To        State
	Err       error
}

// PairingLevel decides whether protocols prompting the user for pairing are
// used when the device can be controlled otherwise.
type PairingLevel int

const (
	// PairingOn uses the preferred protocol, pairing if it asks to.
	PairingOn PairingLevel = iota
	// PairingOff avoids protocols that still need pairing whenever another
	// one is available, some capabilities may then be unavailable.
	PairingOff
)

func (l PairingLevel) String() string {
	switch l {
	case PairingOn:
		return "on"
	case PairingOff:
		return "off"
	default:
		return "unknown"
	}
}

// ParsePairingLevel parses "on" or "off".
func ParsePairingLevel(s string) (PairingLevel, error) {
	switch s {
	case "on":
		return PairingOn, nil
	case "off":
		return PairingOff, nil
	default:
		return PairingOn, fmt.Errorf("invalid pairing level %q: %w", s, castkit.ErrInvalidArgument)
	}
}

type Options struct {
	// CommandTimeout is the default deadline of a command.
	CommandTimeout time.Duration
	// ConnectTimeout bounds a single transport dial.
	ConnectTimeout time.Duration
	// PairingTimeout bounds the whole pairing exchange.
	PairingTimeout time.Duration
	// RetryBackOff returns the policy for automatic connect attempts.
	RetryBackOff func() backoff.BackOff
	PairingLevel PairingLevel
}

const (
	defaultCommandTimeout = 10 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultPairingTimeout = 60 * time.Second
	maxConnectRetries     = 3
)

// DefaultRetryBackOff retries three times waiting 1s, 3s and 9s.
func DefaultRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 3
	b.RandomizationFactor = 0
	b.MaxInterval = 9 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithMaxRetries(b, maxConnectRetries)
}

func (o Options) withDefaults() Options {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = defaultCommandTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.PairingTimeout <= 0 {
		o.PairingTimeout = defaultPairingTimeout
	}
	if o.RetryBackOff == nil {
		o.RetryBackOff = DefaultRetryBackOff
	}

	return o
}

// ChallengeFunc receives the pairing challenge or the reason pairing could not begin.
type ChallengeFunc func(capability.Challenge, error)
