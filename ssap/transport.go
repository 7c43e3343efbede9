package ssap

import (
	"context"
	"fmt"
	"strings"
	"sync"

	castkit "github.com/devgianlu/go-castkit"
	"nhooyr.io/websocket"
)

type transport struct {
	p    *Protocol
	conn *conn

	pointerLock sync.Mutex
	pointer     *websocket.Conn
}

func newTransport(p *Protocol, c *conn) *transport {
	return &transport{p: p, conn: c}
}

var buttonNames = map[string]string{
	castkit.KeyUp:    "UP",
	castkit.KeyDown:  "DOWN",
	castkit.KeyLeft:  "LEFT",
	castkit.KeyRight: "RIGHT",
	castkit.KeyOk:    "ENTER",
	castkit.KeyBack:  "BACK",
	castkit.KeyHome:  "HOME",
}

func (t *transport) Execute(ctx context.Context, name string, args castkit.Arguments) (any, error) {
	select {
	case <-t.conn.Done():
		return nil, castkit.ErrTransportLost
	default:
	}

	switch name {
	case castkit.CapabilityMediaPlay:
		mediaUrl, err := args.String(castkit.ArgUrl)
		if err != nil {
			return nil, err
		}

		return nil, t.conn.request(ctx, "ssap://media.viewer/open", map[string]any{
			"target":   mediaUrl,
			"mimeType": args.StringOr(castkit.ArgMimeType, ""),
			"title":    args.StringOr(castkit.ArgTitle, ""),
		}, nil)
	case castkit.CapabilityMediaPause:
		return nil, t.conn.request(ctx, "ssap://media.controls/pause", nil, nil)
	case castkit.CapabilityMediaResume:
		return nil, t.conn.request(ctx, "ssap://media.controls/play", nil, nil)
	case castkit.CapabilityMediaStop:
		return nil, t.conn.request(ctx, "ssap://media.controls/stop", nil, nil)
	case castkit.CapabilityMediaSeek:
		pos, err := args.Int(castkit.ArgPosition)
		if err != nil {
			return nil, err
		}

		return nil, t.conn.request(ctx, "ssap://media.controls/seek", map[string]any{"position": pos}, nil)
	case castkit.CapabilityVolumeGet:
		var resp volumePayload
		if err := t.conn.request(ctx, "ssap://audio/getVolume", nil, &resp); err != nil {
			return nil, err
		}

		return castkit.VolumeLevel{Level: castkit.ClampVolume(resp.Volume), Muted: resp.Muted}, nil
	case castkit.CapabilityVolumeSet:
		level, err := args.Int(castkit.ArgLevel)
		if err != nil {
			return nil, err
		}

		return nil, t.conn.request(ctx, "ssap://audio/setVolume", map[string]any{"volume": castkit.ClampVolume(level)}, nil)
	case castkit.CapabilityVolumeUp:
		return nil, t.conn.request(ctx, "ssap://audio/volumeUp", nil, nil)
	case castkit.CapabilityVolumeDown:
		return nil, t.conn.request(ctx, "ssap://audio/volumeDown", nil, nil)
	case castkit.CapabilityMuteGet:
		var resp volumePayload
		if err := t.conn.request(ctx, "ssap://audio/getVolume", nil, &resp); err != nil {
			return nil, err
		}

		return resp.Muted, nil
	case castkit.CapabilityMuteSet:
		mute, err := args.Bool(castkit.ArgMute)
		if err != nil {
			return nil, err
		}

		return nil, t.conn.request(ctx, "ssap://audio/setMute", map[string]any{"mute": mute}, nil)
	case castkit.CapabilityAppLaunch:
		id, err := args.String(castkit.ArgAppId)
		if err != nil {
			return nil, err
		}

		payload := map[string]any{"id": id}
		if params, ok := args[castkit.ArgParams]; ok {
			payload["params"] = params
		}

		return nil, t.conn.request(ctx, "ssap://system.launcher/launch", payload, nil)
	case castkit.CapabilityAppClose:
		id, err := args.String(castkit.ArgAppId)
		if err != nil {
			return nil, err
		}

		return nil, t.conn.request(ctx, "ssap://system.launcher/close", map[string]any{"id": id}, nil)
	case castkit.CapabilityAppList:
		var resp launchPointsPayload
		if err := t.conn.request(ctx, "ssap://com.webos.applicationManager/listLaunchPoints", nil, &resp); err != nil {
			return nil, err
		}

		apps := make([]castkit.AppInfo, 0, len(resp.LaunchPoints))
		for _, lp := range resp.LaunchPoints {
			apps = append(apps, castkit.AppInfo{Id: lp.Id, Name: lp.Title})
		}
		return apps, nil
	case castkit.CapabilityTextSend:
		text, err := args.String(castkit.ArgText)
		if err != nil {
			return nil, err
		}

		return nil, t.conn.request(ctx, "ssap://com.webos.service.ime/insertText", map[string]any{"text": text, "replace": 0}, nil)
	case castkit.CapabilityToastShow:
		msg, err := args.String(castkit.ArgMessage)
		if err != nil {
			return nil, err
		}

		return nil, t.conn.request(ctx, "ssap://system.notifications/createToast", map[string]any{"message": msg}, nil)
	case castkit.CapabilityPowerOff:
		return nil, t.conn.request(ctx, "ssap://system/turnOff", nil, nil)
	case castkit.CapabilityKeySend:
		key, err := args.String(castkit.ArgKey)
		if err != nil {
			return nil, err
		}

		button, ok := buttonNames[strings.ToLower(key)]
		if !ok {
			return nil, fmt.Errorf("unknown key %q: %w", key, castkit.ErrInvalidArgument)
		}

		return nil, t.sendButton(ctx, button)
	default:
		return nil, fmt.Errorf("ssap cannot execute %s: %w", name, castkit.ErrCapabilityNotSupported)
	}
}

// sendButton writes a button press on the pointer input socket, opened on
// first use.
func (t *transport) sendButton(ctx context.Context, button string) error {
	t.pointerLock.Lock()
	defer t.pointerLock.Unlock()

	if t.pointer == nil {
		var resp pointerSocketPayload
		if err := t.conn.request(ctx, "ssap://com.webos.service.networkinput/getPointerInputSocket", nil, &resp); err != nil {
			return err
		} else if len(resp.SocketPath) == 0 {
			return fmt.Errorf("empty pointer socket path")
		}

		ws, _, err := websocket.Dial(ctx, resp.SocketPath, &websocket.DialOptions{HTTPClient: t.p.client})
		if err != nil {
			return fmt.Errorf("failed opening pointer socket: %w", err)
		}

		t.pointer = ws
	}

	if err := t.pointer.Write(ctx, websocket.MessageText, []byte(fmt.Sprintf("type:button\nname:%s\n\n", button))); err != nil {
		_ = t.pointer.Close(websocket.StatusInternalError, "")
		t.pointer = nil
		return fmt.Errorf("failed sending button: %w", err)
	}

	return nil
}

func (t *transport) Done() <-chan struct{} {
	return t.conn.Done()
}

func (t *transport) Close() error {
	t.pointerLock.Lock()
	if t.pointer != nil {
		_ = t.pointer.Close(websocket.StatusNormalClosure, "")
		t.pointer = nil
	}
	t.pointerLock.Unlock()

	t.conn.Close()
	return nil
}
