package capability

import (
	"context"

	castkit "github.com/devgianlu/go-castkit"
)

// Class orders protocols by preference, higher is preferred.
type Class int

const (
	// ClassGeneric are standard multicast protocols any receiver may speak.
	ClassGeneric Class = iota
	// ClassVendor are vendor control APIs, usually richer and more reliable.
	ClassVendor
)

func (c Class) String() string {
	switch c {
	case ClassGeneric:
		return "generic"
	case ClassVendor:
		return "vendor"
	default:
		return "unknown"
	}
}

type Descriptor struct {
	ID              castkit.ProtocolId
	Class           Class
	Priority        int
	Capabilities    []string
	RequiresPairing bool
}

// Protocol is the control side of a protocol family.
type Protocol interface {
	Descriptor() Descriptor

	// Dial opens a control transport towards the service. The token is the
	// pairing token obtained earlier, empty if none.
	Dial(ctx context.Context, svc castkit.ServiceDescription, token string) (castkit.Transport, error)
}

type ChallengeType int

const (
	// ChallengePIN asks the user to enter the code shown on the device.
	ChallengePIN ChallengeType = iota
	// ChallengeNumericComparison asks the user to confirm both sides show Code.
	ChallengeNumericComparison
	// ChallengePrompt asks the user to accept the request on the device.
	ChallengePrompt
)

func (t ChallengeType) String() string {
	switch t {
	case ChallengePIN:
		return "pin"
	case ChallengeNumericComparison:
		return "numeric_comparison"
	case ChallengePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

type Challenge struct {
	Type ChallengeType `json:"type"`
	// Code is set for numeric comparison challenges.
	Code string `json:"code,omitempty"`
}

// PairingExchange is an ongoing pairing attempt with a device.
type PairingExchange interface {
	Challenge() Challenge

	// Submit sends the user response, empty for prompt challenges, and returns
	// the pairing token on success.
	Submit(ctx context.Context, code string) (string, error)

	Close() error
}

// Pairer is implemented by protocols that require pairing.
type Pairer interface {
	BeginPairing(ctx context.Context, svc castkit.ServiceDescription) (PairingExchange, error)
}
