package go_castkit

import "errors"

var (
	ErrProviderUnavailable    = errors.New("discovery provider unavailable")
	ErrDeviceUnreachable      = errors.New("device unreachable")
	ErrPairingRejected        = errors.New("pairing rejected")
	ErrPairingTimeout         = errors.New("pairing timed out")
	ErrPairingRequired        = errors.New("pairing required")
	ErrCapabilityNotSupported = errors.New("capability not supported")
	ErrCommandTimeout         = errors.New("command timed out")
	ErrCommandAborted         = errors.New("command aborted")
	ErrNotConnected           = errors.New("not connected")
	ErrTransportLost          = errors.New("transport lost")
	ErrUnknownDevice          = errors.New("unknown device")
	ErrInvalidArgument        = errors.New("invalid argument")
)
