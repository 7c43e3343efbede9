package go_castkit

import (
	"context"
	"fmt"
	"strconv"
)

// Transport is an open control channel towards a device for a single protocol.
type Transport interface {
	// Execute runs a capability on the device. Errors wrapping ErrTransportLost
	// are fatal for the owning session. Implementations must return soon after
	// ctx is done, the session waits a short grace period for a cancelled
	// command before running the next one.
	Execute(ctx context.Context, capability string, args Arguments) (any, error)

	// Done is closed when the underlying connection is gone.
	Done() <-chan struct{}

	Close() error
}

// Arguments are the capability-specific parameters of a command.
type Arguments map[string]any

func (a Arguments) String(key string) (string, error) {
	switch v := a[key].(type) {
	case string:
		return v, nil
	case nil:
		return "", fmt.Errorf("missing %s argument: %w", key, ErrInvalidArgument)
	default:
		return fmt.Sprint(v), nil
	}
}

func (a Arguments) Int(key string) (int, error) {
	switch v := a[key].(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case float64:
		// json numbers
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s argument: %w", key, ErrInvalidArgument)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("missing %s argument: %w", key, ErrInvalidArgument)
	default:
		return 0, fmt.Errorf("invalid %s argument type %T: %w", key, v, ErrInvalidArgument)
	}
}

func (a Arguments) Float(key string) (float64, error) {
	switch v := a[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case nil:
		return 0, fmt.Errorf("missing %s argument: %w", key, ErrInvalidArgument)
	default:
		return 0, fmt.Errorf("invalid %s argument type %T: %w", key, v, ErrInvalidArgument)
	}
}

func (a Arguments) Bool(key string) (bool, error) {
	switch v := a[key].(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("invalid %s argument: %w", key, ErrInvalidArgument)
		}
		return b, nil
	case nil:
		return false, fmt.Errorf("missing %s argument: %w", key, ErrInvalidArgument)
	default:
		return false, fmt.Errorf("invalid %s argument type %T: %w", key, v, ErrInvalidArgument)
	}
}

// StringOr returns the string argument or def if missing.
func (a Arguments) StringOr(key, def string) string {
	if _, ok := a[key]; !ok {
		return def
	}

	v, err := a.String(key)
	if err != nil {
		return def
	}
	return v
}
