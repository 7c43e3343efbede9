package vendorapi

import (
	"context"
	"encoding/json"
)

// Device is a receiver as reported by the vendor SDK.
type Device struct {
	// Id is the vendor identifier, stable across restarts of the device.
	Id    string
	Name  string
	Model string
	Host  string
	Port  int

	Attributes map[string]string
}

// SDK is the published surface of a closed vendor library. Implementations
// wrap the native SDK, their errors may wrap the castkit sentinel errors.
type SDK interface {
	// Discover returns the devices currently known to the vendor library.
	Discover(ctx context.Context) ([]Device, error)

	// Open opens a control channel, token is empty for unpaired devices.
	Open(ctx context.Context, dev Device, token string) (Channel, error)

	// Pair starts a numeric comparison handshake. nonce is generated by the
	// controller and mixed into the displayed code.
	Pair(ctx context.Context, dev Device, nonce []byte) (Handshake, error)
}

// Channel is an open vendor control channel.
type Channel interface {
	Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error)
	Done() <-chan struct{}
	Close() error
}

// Handshake is an ongoing vendor pairing.
type Handshake interface {
	// Secret is the key agreed with the device during the handshake.
	Secret() []byte
	DeviceNonce() []byte

	// Confirm tells the device whether the user accepted the code and returns
	// the pairing token if so.
	Confirm(ctx context.Context, accepted bool) (string, error)

	Close() error
}
