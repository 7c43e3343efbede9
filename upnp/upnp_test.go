package upnp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/ssdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type renderer struct {
	lock    sync.Mutex
	actions []string
	bodies  map[string]string
	volume  int
	muted   bool
}

func (r *renderer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method == http.MethodHead {
		return
	}

	body, _ := io.ReadAll(req.Body)
	action := strings.Trim(req.Header.Get("SOAPACTION"), `"`)
	action = action[strings.IndexByte(action, '#')+1:]

	r.lock.Lock()
	defer r.lock.Unlock()

	r.actions = append(r.actions, action)
	r.bodies[action] = string(body)

	var out string
	switch action {
	case "GetVolume":
		out = fmt.Sprintf("<CurrentVolume>%d</CurrentVolume>", r.volume)
	case "SetVolume":
		_, _ = fmt.Sscanf(string(body)[strings.Index(string(body), "<DesiredVolume>"):], "<DesiredVolume>%d", &r.volume)
	case "GetMute":
		if r.muted {
			out = "<CurrentMute>1</CurrentMute>"
		} else {
			out = "<CurrentMute>0</CurrentMute>"
		}
	case "SetMute":
		r.muted = strings.Contains(string(body), "<DesiredMute>1</DesiredMute>")
	case "GetPositionInfo":
		out = "<Track>1</Track><TrackDuration>0:03:30</TrackDuration><RelTime>0:01:05.500</RelTime>"
	case "Seek":
		if strings.Contains(string(body), "<Target>9:59:59</Target>") {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail><UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>711</errorCode><errorDescription>Illegal seek target</errorDescription></UPnPError></detail></s:Fault></s:Body></s:Envelope>`))
			return
		}
	}

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	_, _ = fmt.Fprintf(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><u:%sResponse xmlns:u="urn:schemas-upnp-org:service:AVTransport:1">%s</u:%sResponse></s:Body></s:Envelope>`, action, out, action)
}

func (r *renderer) actionList() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.actions...)
}

func dialRenderer(t *testing.T) (castkit.Transport, *renderer) {
	r := &renderer{bodies: map[string]string{}, volume: 20}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	svc := castkit.NewServiceDescription(ProtocolId, castkit.TransportAddress{Host: "127.0.0.1", Port: 1}, "abc", map[string]string{
		ssdp.MetaLocation:                   srv.URL + "/desc.xml",
		ssdp.ControlURLKey(AVTransport):      srv.URL + "/avt",
		ssdp.ServiceTypeKey(AVTransport):     "urn:schemas-upnp-org:service:AVTransport:1",
		ssdp.ControlURLKey(RenderingControl): srv.URL + "/rc",
	})

	tr, err := NewProtocol(nil, Options{}).Dial(context.Background(), svc, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	return tr, r
}

func TestPlayMedia(t *testing.T) {
	tr, r := dialRenderer(t)

	_, err := tr.Execute(context.Background(), castkit.CapabilityMediaPlay, castkit.Arguments{
		castkit.ArgUrl:      "http://10.0.0.2/movie.mp4?a=1&b=2",
		castkit.ArgMimeType: "video/mp4",
		castkit.ArgTitle:    "Movie",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"SetAVTransportURI", "Play"}, r.actionList())

	body := r.bodies["SetAVTransportURI"]
	assert.Contains(t, body, "<InstanceID>0</InstanceID>")
	assert.Contains(t, body, "<CurrentURI>http://10.0.0.2/movie.mp4?a=1&amp;b=2</CurrentURI>")
	assert.Contains(t, body, "http-get:*:video/mp4:*")

	// the body must be well formed for the device to parse it
	assert.NoError(t, xml.Unmarshal([]byte(body), new(struct{})))
}

func TestVolume(t *testing.T) {
	tr, _ := dialRenderer(t)
	ctx := context.Background()

	_, err := tr.Execute(ctx, castkit.CapabilityVolumeSet, castkit.Arguments{castkit.ArgLevel: 150})
	require.NoError(t, err)

	v, err := tr.Execute(ctx, castkit.CapabilityVolumeGet, nil)
	require.NoError(t, err)
	assert.Equal(t, castkit.VolumeLevel{Level: 100, Muted: false}, v)

	_, err = tr.Execute(ctx, castkit.CapabilityVolumeDown, nil)
	require.NoError(t, err)

	_, err = tr.Execute(ctx, castkit.CapabilityMuteSet, castkit.Arguments{castkit.ArgMute: true})
	require.NoError(t, err)

	v, err = tr.Execute(ctx, castkit.CapabilityVolumeGet, nil)
	require.NoError(t, err)
	assert.Equal(t, castkit.VolumeLevel{Level: 99, Muted: true}, v)

	_, err = tr.Execute(ctx, castkit.CapabilityVolumeSet, castkit.Arguments{})
	assert.ErrorIs(t, err, castkit.ErrInvalidArgument)
}

func TestPosition(t *testing.T) {
	tr, _ := dialRenderer(t)

	v, err := tr.Execute(context.Background(), castkit.CapabilityMediaPosition, nil)
	require.NoError(t, err)
	assert.Equal(t, castkit.MediaPosition{Position: 65500, Duration: 210000}, v)
}

func TestSeekFault(t *testing.T) {
	tr, _ := dialRenderer(t)

	_, err := tr.Execute(context.Background(), castkit.CapabilityMediaSeek, castkit.Arguments{castkit.ArgPosition: 90000})
	require.NoError(t, err)

	_, err = tr.Execute(context.Background(), castkit.CapabilityMediaSeek, castkit.Arguments{castkit.ArgPosition: (9*3600 + 59*60 + 59) * 1000})
	var fault *Fault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "711", fault.Code)
	assert.Equal(t, "Illegal seek target", fault.Description)
	assert.False(t, errors.Is(err, castkit.ErrTransportLost))
}

func TestUnsupportedCapability(t *testing.T) {
	tr, _ := dialRenderer(t)

	_, err := tr.Execute(context.Background(), castkit.CapabilityToastShow, castkit.Arguments{castkit.ArgMessage: "hi"})
	assert.ErrorIs(t, err, castkit.ErrCapabilityNotSupported)
}

func TestDeviceGoneIsTransportLost(t *testing.T) {
	r := &renderer{bodies: map[string]string{}}
	srv := httptest.NewServer(r)

	svc := castkit.NewServiceDescription(ProtocolId, castkit.TransportAddress{Host: "127.0.0.1", Port: 1}, "", map[string]string{
		ssdp.ControlURLKey(AVTransport): srv.URL + "/avt",
	})

	tr, err := NewProtocol(nil, Options{}).Dial(context.Background(), svc, "")
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	srv.Close()

	_, err = tr.Execute(context.Background(), castkit.CapabilityMediaPause, nil)
	assert.ErrorIs(t, err, castkit.ErrTransportLost)

	// no rendering control service
	_, err = tr.Execute(context.Background(), castkit.CapabilityVolumeGet, nil)
	assert.ErrorIs(t, err, castkit.ErrCapabilityNotSupported)
}

func TestDialWithoutServices(t *testing.T) {
	svc := castkit.NewServiceDescription(ProtocolId, castkit.TransportAddress{Host: "127.0.0.1", Port: 1}, "", nil)

	_, err := NewProtocol(nil, Options{}).Dial(context.Background(), svc, "")
	assert.ErrorIs(t, err, castkit.ErrCapabilityNotSupported)
}

func TestClosedTransport(t *testing.T) {
	tr, _ := dialRenderer(t)
	require.NoError(t, tr.Close())

	select {
	case <-tr.Done():
	default:
		t.Fatal("done not closed")
	}

	_, err := tr.Execute(context.Background(), castkit.CapabilityMediaStop, nil)
	assert.ErrorIs(t, err, castkit.ErrTransportLost)
}

func TestDurations(t *testing.T) {
	assert.Equal(t, "1:02:03", formatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "0:00:00", formatDuration(-time.Second))

	d, err := parseDuration("10:00:01.25")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Hour+time.Second+250*time.Millisecond, d)

	d, err = parseDuration("NOT_IMPLEMENTED")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = parseDuration("bogus")
	assert.Error(t, err)
}

func TestUnreachableRendererClosesTransport(t *testing.T) {
	r := &renderer{bodies: map[string]string{}}
	srv := httptest.NewServer(r)
	defer srv.Close()

	svc := castkit.NewServiceDescription(ProtocolId, castkit.TransportAddress{Host: "127.0.0.1", Port: 1}, "", map[string]string{
		ssdp.ControlURLKey(AVTransport): srv.URL + "/avt",
	})

	tr, err := NewProtocol(nil, Options{ReachabilityInterval: 10 * time.Millisecond, MaxMissed: 2}).Dial(context.Background(), svc, "")
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	// answering renderers keep the transport open
	time.Sleep(50 * time.Millisecond)
	select {
	case <-tr.Done():
		t.Fatal("transport closed while the renderer answers")
	default:
	}
	assert.Contains(t, r.actionList(), "GetTransportInfo")

	srv.CloseClientConnections()
	srv.Close()

	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport not closed after the renderer went away")
	}

	_, err = tr.Execute(context.Background(), castkit.CapabilityMediaStop, nil)
	assert.ErrorIs(t, err, castkit.ErrTransportLost)
}

func TestUnreachableRendererFailsDial(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	location := srv.URL + "/desc.xml"
	srv.Close()

	svc := castkit.NewServiceDescription(ProtocolId, castkit.TransportAddress{Host: "127.0.0.1", Port: 1}, "", map[string]string{
		ssdp.MetaLocation:               location,
		ssdp.ControlURLKey(AVTransport): location,
	})

	_, err := NewProtocol(nil, Options{}).Dial(context.Background(), svc, "")
	assert.ErrorIs(t, err, castkit.ErrDeviceUnreachable)
}
