package upnp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	castkit "github.com/devgianlu/go-castkit"
)

const volumeStep = 1

type transport struct {
	log      castkit.Logger
	soap     *soapClient
	client   *http.Client
	location string

	avTransport      *service
	renderingControl *service

	done chan struct{}
	once sync.Once
}

var instanceArg = Arg{Name: "InstanceID", Value: "0"}

func (t *transport) call(ctx context.Context, svc *service, name, action string, args ...Arg) (map[string]string, error) {
	if svc == nil {
		return nil, fmt.Errorf("device has no %s service: %w", name, castkit.ErrCapabilityNotSupported)
	}

	return t.soap.Call(ctx, svc.controlURL, svc.serviceType, action, append([]Arg{instanceArg}, args...))
}

func (t *transport) av(ctx context.Context, action string, args ...Arg) (map[string]string, error) {
	return t.call(ctx, t.avTransport, AVTransport, action, args...)
}

func (t *transport) rc(ctx context.Context, action string, args ...Arg) (map[string]string, error) {
	return t.call(ctx, t.renderingControl, RenderingControl, action, args...)
}

func (t *transport) Execute(ctx context.Context, name string, args castkit.Arguments) (any, error) {
	select {
	case <-t.done:
		return nil, castkit.ErrTransportLost
	default:
	}

	switch name {
	case castkit.CapabilityMediaPlay:
		mediaUrl, err := args.String(castkit.ArgUrl)
		if err != nil {
			return nil, err
		}

		meta := didlMetadata(mediaUrl, args.StringOr(castkit.ArgMimeType, ""), args.StringOr(castkit.ArgTitle, "Media"))
		if _, err := t.av(ctx, "SetAVTransportURI", Arg{"CurrentURI", mediaUrl}, Arg{"CurrentURIMetaData", meta}); err != nil {
			return nil, err
		}

		_, err = t.av(ctx, "Play", Arg{"Speed", "1"})
		return nil, err
	case castkit.CapabilityMediaResume:
		_, err := t.av(ctx, "Play", Arg{"Speed", "1"})
		return nil, err
	case castkit.CapabilityMediaPause:
		_, err := t.av(ctx, "Pause")
		return nil, err
	case castkit.CapabilityMediaStop:
		_, err := t.av(ctx, "Stop")
		return nil, err
	case castkit.CapabilityMediaSeek:
		pos, err := args.Int(castkit.ArgPosition)
		if err != nil {
			return nil, err
		}

		target := formatDuration(time.Duration(pos) * time.Millisecond)
		_, err = t.av(ctx, "Seek", Arg{"Unit", "REL_TIME"}, Arg{"Target", target})
		return nil, err
	case castkit.CapabilityMediaPosition:
		out, err := t.av(ctx, "GetPositionInfo")
		if err != nil {
			return nil, err
		}

		pos, err := parseDuration(out["RelTime"])
		if err != nil {
			return nil, err
		}
		dur, err := parseDuration(out["TrackDuration"])
		if err != nil {
			return nil, err
		}

		return castkit.MediaPosition{Position: pos.Milliseconds(), Duration: dur.Milliseconds()}, nil
	case castkit.CapabilityVolumeGet:
		level, err := t.getVolume(ctx)
		if err != nil {
			return nil, err
		}

		muted, err := t.getMute(ctx)
		if err != nil {
			return nil, err
		}

		return castkit.VolumeLevel{Level: level, Muted: muted}, nil
	case castkit.CapabilityVolumeSet:
		level, err := args.Int(castkit.ArgLevel)
		if err != nil {
			return nil, err
		}

		return nil, t.setVolume(ctx, level)
	case castkit.CapabilityVolumeUp, castkit.CapabilityVolumeDown:
		level, err := t.getVolume(ctx)
		if err != nil {
			return nil, err
		}

		if name == castkit.CapabilityVolumeUp {
			level += volumeStep
		} else {
			level -= volumeStep
		}

		return nil, t.setVolume(ctx, level)
	case castkit.CapabilityMuteGet:
		return t.getMute(ctx)
	case castkit.CapabilityMuteSet:
		mute, err := args.Bool(castkit.ArgMute)
		if err != nil {
			return nil, err
		}

		_, err = t.rc(ctx, "SetMute", Arg{"Channel", "Master"}, Arg{"DesiredMute", boolArg(mute)})
		return nil, err
	default:
		return nil, fmt.Errorf("upnp cannot execute %s: %w", name, castkit.ErrCapabilityNotSupported)
	}
}

func boolArg(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func (t *transport) getVolume(ctx context.Context) (int, error) {
	out, err := t.rc(ctx, "GetVolume", Arg{"Channel", "Master"})
	if err != nil {
		return 0, err
	}

	level, err := strconv.Atoi(out["CurrentVolume"])
	if err != nil {
		return 0, fmt.Errorf("invalid volume %q: %w", out["CurrentVolume"], err)
	}

	return castkit.ClampVolume(level), nil
}

func (t *transport) setVolume(ctx context.Context, level int) error {
	level = castkit.ClampVolume(level)
	_, err := t.rc(ctx, "SetVolume", Arg{"Channel", "Master"}, Arg{"DesiredVolume", strconv.Itoa(level)})
	return err
}

func (t *transport) getMute(ctx context.Context) (bool, error) {
	out, err := t.rc(ctx, "GetMute", Arg{"Channel", "Master"})
	if err != nil {
		return false, err
	}

	v := out["CurrentMute"]
	return v == "1" || v == "true", nil
}

// ping checks the renderer answers, through its description document if
// known or a transport state query otherwise.
func (t *transport) ping(ctx context.Context) error {
	if len(t.location) > 0 {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.location, nil)
		if err != nil {
			return fmt.Errorf("failed creating reachability request: %w", err)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("description server answered %d", resp.StatusCode)
		}
		return nil
	}

	var err error
	if t.avTransport != nil {
		_, err = t.av(ctx, "GetTransportInfo")
	} else {
		_, err = t.rc(ctx, "GetVolume", Arg{"Channel", "Master"})
	}

	// a fault still proves the renderer is there
	var fault *Fault
	if errors.As(err, &fault) {
		return nil
	}
	return err
}

// watch closes the transport once the renderer missed maxMissed
// consecutive reachability checks.
func (t *transport) watch(interval time.Duration, maxMissed int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		err := t.ping(ctx)
		cancel()

		if err == nil {
			missed = 0
			continue
		}

		missed++
		t.log.WithError(err).Debugf("renderer missed reachability check %d/%d", missed, maxMissed)
		if missed >= maxMissed {
			t.log.Warnf("renderer stopped answering")
			_ = t.Close()
			return
		}
	}
}

func (t *transport) Done() <-chan struct{} {
	return t.done
}

func (t *transport) Close() error {
	t.once.Do(func() {
		close(t.done)
		t.log.Debugf("upnp transport closed")
	})
	return nil
}
