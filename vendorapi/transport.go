package vendorapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	castkit "github.com/devgianlu/go-castkit"
	"golang.org/x/exp/slices"
)

var validKeys = []string{
	castkit.KeyUp, castkit.KeyDown, castkit.KeyLeft, castkit.KeyRight,
	castkit.KeyOk, castkit.KeyBack, castkit.KeyHome,
}

type transport struct {
	log     castkit.Logger
	ch      Channel
	methods map[string]string

	closeOnce sync.Once
	closeErr  error
}

func (t *transport) Done() <-chan struct{} {
	return t.ch.Done()
}

func (t *transport) Close() error {
	t.closeOnce.Do(func() { t.closeErr = t.ch.Close() })
	return t.closeErr
}

func (t *transport) lost() bool {
	select {
	case <-t.ch.Done():
		return true
	default:
		return false
	}
}

func (t *transport) Execute(ctx context.Context, name string, args castkit.Arguments) (any, error) {
	if t.lost() {
		return nil, fmt.Errorf("vendor channel closed: %w", castkit.ErrTransportLost)
	}

	params, err := buildParams(name, args)
	if err != nil {
		return nil, err
	}

	method := name
	if m, ok := t.methods[name]; ok {
		method = m
	}

	t.log.Tracef("vendor call %s", method)
	res, err := t.ch.Call(ctx, method, params)
	if err != nil {
		switch {
		case t.lost():
			return nil, fmt.Errorf("%w: %v", castkit.ErrTransportLost, err)
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			return nil, err
		default:
			return nil, fmt.Errorf("failed calling %s: %w", method, err)
		}
	}

	return decodeResult(name, res)
}

// buildParams validates the arguments of the well known capabilities, other
// capabilities pass their arguments through.
func buildParams(name string, args castkit.Arguments) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for k, v := range args {
		params[k] = v
	}

	switch name {
	case castkit.CapabilityMediaPlay:
		url, err := args.String(castkit.ArgUrl)
		if err != nil {
			return nil, err
		}
		params[castkit.ArgUrl] = url
	case castkit.CapabilityMediaSeek:
		pos, err := args.Int(castkit.ArgPosition)
		if err != nil {
			return nil, err
		} else if pos < 0 {
			return nil, fmt.Errorf("negative seek position: %w", castkit.ErrInvalidArgument)
		}
		params[castkit.ArgPosition] = pos
	case castkit.CapabilityVolumeSet:
		level, err := args.Int(castkit.ArgLevel)
		if err != nil {
			return nil, err
		}
		params[castkit.ArgLevel] = castkit.ClampVolume(level)
	case castkit.CapabilityMuteSet:
		mute, err := args.Bool(castkit.ArgMute)
		if err != nil {
			return nil, err
		}
		params[castkit.ArgMute] = mute
	case castkit.CapabilityAppLaunch, castkit.CapabilityAppClose:
		if _, err := args.String(castkit.ArgAppId); err != nil {
			return nil, err
		}
	case castkit.CapabilityKeySend:
		key, err := args.String(castkit.ArgKey)
		if err != nil {
			return nil, err
		} else if !slices.Contains(validKeys, key) {
			return nil, fmt.Errorf("unknown key %s: %w", key, castkit.ErrInvalidArgument)
		}
	case castkit.CapabilityTextSend:
		if _, err := args.String(castkit.ArgText); err != nil {
			return nil, err
		}
	case castkit.CapabilityToastShow:
		if _, err := args.String(castkit.ArgMessage); err != nil {
			return nil, err
		}
	}

	return params, nil
}

func decodeResult(name string, res json.RawMessage) (any, error) {
	switch name {
	case castkit.CapabilityVolumeGet:
		v, err := decodeAs[castkit.VolumeLevel](name, res)
		v.Level = castkit.ClampVolume(v.Level)
		return v, err
	case castkit.CapabilityMediaPosition:
		return decodeAs[castkit.MediaPosition](name, res)
	case castkit.CapabilityMuteGet:
		v, err := decodeAs[struct {
			Mute bool `json:"mute"`
		}](name, res)
		return v.Mute, err
	case castkit.CapabilityAppList:
		v, err := decodeAs[struct {
			Apps []castkit.AppInfo `json:"apps"`
		}](name, res)
		return v.Apps, err
	}

	if len(res) == 0 || string(res) == "null" {
		return nil, nil
	}
	return decodeAs[any](name, res)
}

func decodeAs[T any](name string, res json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(res, &v); err != nil {
		return v, fmt.Errorf("invalid %s result: %w", name, err)
	}
	return v, nil
}
