package ssap

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/capability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	validKey = "client-key-1"
	validPin = "1234"
)

type fakeTV struct {
	srv *httptest.Server

	lock     sync.Mutex
	requests []Message
	buttons  []string
	volume   int
}

func newFakeTV(t *testing.T) *fakeTV {
	tv := &fakeTV{volume: 12}

	mux := http.NewServeMux()
	mux.HandleFunc("/", tv.handleControl)
	mux.HandleFunc("/pointer", tv.handlePointer)

	tv.srv = httptest.NewServer(mux)
	t.Cleanup(tv.srv.Close)
	return tv
}

func (tv *fakeTV) service() castkit.ServiceDescription {
	addr := tv.srv.Listener.Addr().(*net.TCPAddr)
	return castkit.NewServiceDescription(ProtocolId, castkit.TransportAddress{Host: "127.0.0.1", Port: addr.Port}, "tv-1", nil)
}

func (tv *fakeTV) recorded() []Message {
	tv.lock.Lock()
	defer tv.lock.Unlock()
	return append([]Message(nil), tv.requests...)
}

func reply(ctx context.Context, ws *websocket.Conn, typ, id string, payload any) {
	raw, _ := json.Marshal(payload)
	_ = wsjson.Write(ctx, ws, Message{Type: typ, Id: id, Payload: raw})
}

func (tv *fakeTV) handleControl(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "") }()

	ctx := r.Context()
	var registerId string

	for {
		var msg Message
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			return
		}

		tv.lock.Lock()
		tv.requests = append(tv.requests, msg)
		tv.lock.Unlock()

		switch msg.Type {
		case typeRegister:
			var payload registerPayload
			_ = json.Unmarshal(msg.Payload, &payload)

			registerId = msg.Id
			if payload.ClientKey == validKey {
				reply(ctx, ws, typeRegistered, msg.Id, registeredPayload{ClientKey: validKey})
			} else {
				reply(ctx, ws, typeResponse, msg.Id, map[string]any{"pairingType": "PIN", "returnValue": true})
			}
		case typeRequest:
			switch msg.Uri {
			case "ssap://pairing/setPin":
				var payload map[string]string
				_ = json.Unmarshal(msg.Payload, &payload)

				reply(ctx, ws, typeResponse, msg.Id, map[string]any{"returnValue": true})
				if payload["pin"] == validPin {
					reply(ctx, ws, typeRegistered, registerId, registeredPayload{ClientKey: validKey})
				} else {
					_ = wsjson.Write(ctx, ws, Message{Type: typeError, Id: registerId, Error: "403 User denied access"})
				}
			case "ssap://audio/getVolume":
				tv.lock.Lock()
				v := tv.volume
				tv.lock.Unlock()
				reply(ctx, ws, typeResponse, msg.Id, map[string]any{"returnValue": true, "volume": v, "muted": false})
			case "ssap://audio/setVolume":
				var payload volumePayload
				_ = json.Unmarshal(msg.Payload, &payload)
				tv.lock.Lock()
				tv.volume = payload.Volume
				tv.lock.Unlock()
				reply(ctx, ws, typeResponse, msg.Id, map[string]any{"returnValue": true})
			case "ssap://com.webos.applicationManager/listLaunchPoints":
				reply(ctx, ws, typeResponse, msg.Id, map[string]any{"returnValue": true, "launchPoints": []map[string]string{
					{"id": "netflix", "title": "Netflix"}, {"id": "youtube.leanback.v4", "title": "YouTube"},
				}})
			case "ssap://com.webos.service.networkinput/getPointerInputSocket":
				reply(ctx, ws, typeResponse, msg.Id, map[string]any{"returnValue": true, "socketPath": "ws://" + r.Host + "/pointer"})
			case "ssap://system/turnOff":
				reply(ctx, ws, typeResponse, msg.Id, map[string]any{"returnValue": false, "errorText": "not allowed"})
			case "ssap://system/drop":
				return
			default:
				reply(ctx, ws, typeResponse, msg.Id, map[string]any{"returnValue": true})
			}
		}
	}
}

func (tv *fakeTV) handlePointer(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = ws.Close(websocket.StatusNormalClosure, "") }()

	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			return
		}

		tv.lock.Lock()
		tv.buttons = append(tv.buttons, string(data))
		tv.lock.Unlock()
	}
}

func newTestProtocol() *Protocol {
	return NewProtocol(nil, Options{Plain: true})
}

func TestDescriptor(t *testing.T) {
	desc := newTestProtocol().Descriptor()
	assert.Equal(t, capability.ClassVendor, desc.Class)
	assert.True(t, desc.RequiresPairing)
	assert.Contains(t, desc.Capabilities, castkit.CapabilityKeySend)
}

func TestDialRequiresToken(t *testing.T) {
	tv := newFakeTV(t)

	_, err := newTestProtocol().Dial(context.Background(), tv.service(), "")
	assert.ErrorIs(t, err, castkit.ErrPairingRequired)

	_, err = newTestProtocol().Dial(context.Background(), tv.service(), "stale-key")
	assert.ErrorIs(t, err, castkit.ErrPairingRequired)
}

func TestPinPairing(t *testing.T) {
	tv := newFakeTV(t)
	p := newTestProtocol()

	ex, err := p.BeginPairing(context.Background(), tv.service())
	require.NoError(t, err)
	defer func() { _ = ex.Close() }()

	assert.Equal(t, capability.ChallengePIN, ex.Challenge().Type)

	token, err := ex.Submit(context.Background(), validPin)
	require.NoError(t, err)
	assert.Equal(t, validKey, token)

	// first message is the register without a key asking for a PIN
	msgs := tv.recorded()
	require.NotEmpty(t, msgs)

	var payload registerPayload
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, "PIN", payload.PairingType)
	assert.Empty(t, payload.ClientKey)
	assert.Equal(t, 1, payload.Manifest.ManifestVersion)
}

func TestWrongPin(t *testing.T) {
	tv := newFakeTV(t)

	ex, err := newTestProtocol().BeginPairing(context.Background(), tv.service())
	require.NoError(t, err)
	defer func() { _ = ex.Close() }()

	_, err = ex.Submit(context.Background(), "0000")
	assert.ErrorIs(t, err, castkit.ErrPairingRejected)
}

func dialTV(t *testing.T) (*fakeTV, castkit.Transport) {
	tv := newFakeTV(t)

	tr, err := newTestProtocol().Dial(context.Background(), tv.service(), validKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	return tv, tr
}

func TestCommands(t *testing.T) {
	tv, tr := dialTV(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := tr.Execute(ctx, castkit.CapabilityVolumeGet, nil)
	require.NoError(t, err)
	assert.Equal(t, castkit.VolumeLevel{Level: 12}, v)

	_, err = tr.Execute(ctx, castkit.CapabilityVolumeSet, castkit.Arguments{castkit.ArgLevel: 30})
	require.NoError(t, err)

	v, err = tr.Execute(ctx, castkit.CapabilityVolumeGet, nil)
	require.NoError(t, err)
	assert.Equal(t, castkit.VolumeLevel{Level: 30}, v)

	apps, err := tr.Execute(ctx, castkit.CapabilityAppList, nil)
	require.NoError(t, err)
	assert.Equal(t, []castkit.AppInfo{{Id: "netflix", Name: "Netflix"}, {Id: "youtube.leanback.v4", Name: "YouTube"}}, apps)

	_, err = tr.Execute(ctx, castkit.CapabilityAppLaunch, castkit.Arguments{castkit.ArgAppId: "netflix", castkit.ArgParams: map[string]any{"contentId": "42"}})
	require.NoError(t, err)

	_, err = tr.Execute(ctx, castkit.CapabilityToastShow, castkit.Arguments{castkit.ArgMessage: "hello"})
	require.NoError(t, err)

	_, err = tr.Execute(ctx, castkit.CapabilityPowerOff, nil)
	assert.ErrorContains(t, err, "not allowed")

	_, err = tr.Execute(ctx, castkit.CapabilityToastShow, nil)
	assert.ErrorIs(t, err, castkit.ErrInvalidArgument)

	var uris []string
	for _, msg := range tv.recorded() {
		uris = append(uris, msg.Uri)
	}
	assert.Contains(t, uris, "ssap://system.launcher/launch")
	assert.Contains(t, uris, "ssap://system.notifications/createToast")
}

func TestKeySend(t *testing.T) {
	tv, tr := dialTV(t)
	ctx := context.Background()

	for _, key := range []string{castkit.KeyUp, castkit.KeyOk} {
		_, err := tr.Execute(ctx, castkit.CapabilityKeySend, castkit.Arguments{castkit.ArgKey: key})
		require.NoError(t, err)
	}

	_, err := tr.Execute(ctx, castkit.CapabilityKeySend, castkit.Arguments{castkit.ArgKey: "jump"})
	assert.ErrorIs(t, err, castkit.ErrInvalidArgument)

	require.Eventually(t, func() bool {
		tv.lock.Lock()
		defer tv.lock.Unlock()
		return len(tv.buttons) == 2
	}, time.Second, 5*time.Millisecond)

	tv.lock.Lock()
	assert.Equal(t, "type:button\nname:UP\n\n", tv.buttons[0])
	assert.Equal(t, "type:button\nname:ENTER\n\n", tv.buttons[1])
	tv.lock.Unlock()

	// the pointer socket is opened only once
	var pointerRequests int
	for _, msg := range tv.recorded() {
		if strings.HasSuffix(msg.Uri, "getPointerInputSocket") {
			pointerRequests++
		}
	}
	assert.Equal(t, 1, pointerRequests)
}

func TestConnectionLost(t *testing.T) {
	_, tr := dialTV(t)

	tt := tr.(*transport)
	err := tt.conn.request(context.Background(), "ssap://system/drop", nil, nil)
	assert.ErrorIs(t, err, castkit.ErrTransportLost)

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport not done")
	}

	_, err = tr.Execute(context.Background(), castkit.CapabilityVolumeUp, nil)
	assert.ErrorIs(t, err, castkit.ErrTransportLost)
}

func TestUnreachable(t *testing.T) {
	svc := castkit.NewServiceDescription(ProtocolId, castkit.TransportAddress{Host: "127.0.0.1", Port: 1}, "", nil)

	_, err := newTestProtocol().Dial(context.Background(), svc, validKey)
	assert.ErrorIs(t, err, castkit.ErrDeviceUnreachable)
}

func TestUrl(t *testing.T) {
	svc := castkit.NewServiceDescription(ProtocolId, castkit.TransportAddress{Host: "10.0.0.5", Port: DefaultPort}, "", nil)

	assert.Equal(t, "wss://10.0.0.5:"+strconv.Itoa(DefaultPort)+"/", NewProtocol(nil, Options{}).url(svc))
	assert.Equal(t, "ws://10.0.0.5:"+strconv.Itoa(DefaultPort)+"/", newTestProtocol().url(svc))
}
