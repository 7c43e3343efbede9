package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/rs/cors"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const timeout = 10 * time.Second

type ApiServer struct {
	log         castkit.Logger
	allowOrigin string
	certFile    string
	keyFile     string

	close    atomic.Bool
	listener net.Listener

	requests chan ApiRequest

	clients     []*websocket.Conn
	clientsLock sync.RWMutex
}

var ErrBadRequest = errors.New("bad request")

type ApiRequestType string

const (
	ApiRequestTypeStatus       ApiRequestType = "status"
	ApiRequestTypeDevices      ApiRequestType = "devices"
	ApiRequestTypeDevice       ApiRequestType = "device"
	ApiRequestTypeCapabilities ApiRequestType = "capabilities"
	ApiRequestTypeConnect      ApiRequestType = "connect"
	ApiRequestTypeDisconnect   ApiRequestType = "disconnect"
	ApiRequestTypeReset        ApiRequestType = "reset"
	ApiRequestTypePair         ApiRequestType = "pair"
	ApiRequestTypePairCode     ApiRequestType = "pair_code"
	ApiRequestTypeForget       ApiRequestType = "forget"
	ApiRequestTypeInvoke       ApiRequestType = "invoke"
)

type ApiEventType string

const (
	ApiEventTypeDeviceAdded   ApiEventType = "device_added"
	ApiEventTypeDeviceUpdated ApiEventType = "device_updated"
	ApiEventTypeDeviceRemoved ApiEventType = "device_removed"
	ApiEventTypeSessionState  ApiEventType = "session_state"
)

type ApiRequest struct {
	Type     ApiRequestType
	DeviceId string
	Data     any

	resp chan apiResponse
}

func (r *ApiRequest) Reply(data any, err error) {
	r.resp <- apiResponse{data, err}
}

type ApiRequestDataConnect struct {
	Protocol string `json:"protocol"`
}

type ApiRequestDataPairCode struct {
	Code string `json:"code"`
}

type ApiRequestDataInvoke struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
}

type apiResponse struct {
	data any
	err  error
}

type ApiResponseStatus struct {
	ControllerId   string            `json:"controller_id"`
	ControllerName string            `json:"controller_name"`
	Version        string            `json:"version"`
	Providers      map[string]string `json:"providers"`
}

type ApiResponseService struct {
	Protocol string            `json:"protocol"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	UUID     string            `json:"uuid,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

type ApiResponseDevice struct {
	Id        string               `json:"id"`
	Name      string               `json:"name"`
	FirstSeen time.Time            `json:"first_seen"`
	LastSeen  time.Time            `json:"last_seen"`
	Services  []ApiResponseService `json:"services"`
	Session   string               `json:"session"`
}

type ApiResponseChallenge struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
}

type ApiResponseInvoke struct {
	Value any `json:"value"`
}

type ApiEvent struct {
	Type ApiEventType `json:"type"`
	Data any          `json:"data"`
}

type ApiEventDataSessionState struct {
	DeviceId string `json:"device_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Error    string `json:"error,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
}

func NewApiServer(log castkit.Logger, address string, port int, allowOrigin string, certFile string, keyFile string) (_ *ApiServer, err error) {
	s := &ApiServer{log: log, allowOrigin: allowOrigin, certFile: certFile, keyFile: keyFile}
	s.requests = make(chan ApiRequest)

	s.listener, err = net.Listen("tcp", fmt.Sprintf("%s:%d", address, port))
	if err != nil {
		return nil, fmt.Errorf("failed starting api listener: %w", err)
	}

	log.Infof("api server listening on %s", s.listener.Addr())

	go s.serve()
	return s, nil
}

func NewStubApiServer(log castkit.Logger) (*ApiServer, error) {
	s := &ApiServer{log: log}
	s.requests = make(chan ApiRequest)
	return s, nil
}

// Port returns the port the server listens on, 0 for the stub server.
func (s *ApiServer) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, castkit.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, castkit.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, castkit.ErrPairingRejected):
		return http.StatusForbidden
	case errors.Is(err, castkit.ErrNotConnected), errors.Is(err, castkit.ErrPairingRequired), errors.Is(err, castkit.ErrCommandAborted):
		return http.StatusConflict
	case errors.Is(err, castkit.ErrCapabilityNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, castkit.ErrDeviceUnreachable), errors.Is(err, castkit.ErrTransportLost):
		return http.StatusBadGateway
	case errors.Is(err, castkit.ErrCommandTimeout), errors.Is(err, castkit.ErrPairingTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *ApiServer) handleRequest(req ApiRequest, w http.ResponseWriter) {
	req.resp = make(chan apiResponse, 1)
	s.requests <- req
	resp := <-req.resp

	w.Header().Set("Content-Type", "application/json")

	if resp.err != nil {
		status := statusFor(resp.err)
		if status == http.StatusInternalServerError {
			s.log.WithError(resp.err).Errorf("failed handling request %s", req.Type)
		}

		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(apiError{Error: resp.err.Error()})
		return
	}

	if resp.data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	_ = json.NewEncoder(w).Encode(resp.data)
}

func decodeBody[T any](r *http.Request) (T, error) {
	var data T
	if r.ContentLength == 0 {
		return data, nil
	}

	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		return data, fmt.Errorf("invalid body: %w", ErrBadRequest)
	}
	return data, nil
}

func (s *ApiServer) deviceHandler(typ ApiRequestType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.handleRequest(ApiRequest{Type: typ, DeviceId: r.PathValue("id")}, w)
	}
}

func (s *ApiServer) handler() http.Handler {
	m := http.NewServeMux()
	m.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		s.handleRequest(ApiRequest{Type: ApiRequestTypeStatus}, w)
	})
	m.HandleFunc("GET /devices", func(w http.ResponseWriter, r *http.Request) {
		s.handleRequest(ApiRequest{Type: ApiRequestTypeDevices}, w)
	})
	m.HandleFunc("GET /devices/{id}", s.deviceHandler(ApiRequestTypeDevice))
	m.HandleFunc("GET /devices/{id}/capabilities", s.deviceHandler(ApiRequestTypeCapabilities))
	m.HandleFunc("POST /devices/{id}/disconnect", s.deviceHandler(ApiRequestTypeDisconnect))
	m.HandleFunc("POST /devices/{id}/reset", s.deviceHandler(ApiRequestTypeReset))
	m.HandleFunc("POST /devices/{id}/pair", s.deviceHandler(ApiRequestTypePair))
	m.HandleFunc("POST /devices/{id}/forget", s.deviceHandler(ApiRequestTypeForget))
	m.HandleFunc("POST /devices/{id}/connect", func(w http.ResponseWriter, r *http.Request) {
		data, err := decodeBody[ApiRequestDataConnect](r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeConnect, DeviceId: r.PathValue("id"), Data: data}, w)
	})
	m.HandleFunc("POST /devices/{id}/pair/code", func(w http.ResponseWriter, r *http.Request) {
		data, err := decodeBody[ApiRequestDataPairCode](r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypePairCode, DeviceId: r.PathValue("id"), Data: data}, w)
	})
	m.HandleFunc("POST /devices/{id}/invoke", func(w http.ResponseWriter, r *http.Request) {
		data, err := decodeBody[ApiRequestDataInvoke](r)
		if err != nil || len(data.Capability) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.handleRequest(ApiRequest{Type: ApiRequestTypeInvoke, DeviceId: r.PathValue("id"), Data: data}, w)
	})
	m.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		opts := &websocket.AcceptOptions{}
		if len(s.allowOrigin) > 0 {
			allow := s.allowOrigin
			allow = strings.TrimPrefix(allow, "http://")
			allow = strings.TrimPrefix(allow, "https://")
			allow = strings.TrimSuffix(allow, "/")
			opts.OriginPatterns = []string{allow}
		}

		c, err := websocket.Accept(w, r, opts)
		if err != nil {
			s.log.WithError(err).Errorf("failed accepting websocket connection")
			return
		}

		// add the client to the list
		s.clientsLock.Lock()
		s.clients = append(s.clients, c)
		s.clientsLock.Unlock()

		s.log.Debugf("new websocket client")

		for {
			_, _, err := c.Read(context.Background())
			if s.close.Load() {
				return
			} else if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					s.log.WithError(err).Debugf("websocket connection errored")
				}

				s.removeClient(c)
				return
			}
		}
	})

	c := cors.New(cors.Options{
		AllowedOrigins:      []string{s.allowOrigin},
		AllowedMethods:      []string{http.MethodGet, http.MethodPost},
		AllowPrivateNetwork: true,
		AllowCredentials:    true,
	})

	return c.Handler(m)
}

func (s *ApiServer) removeClient(c *websocket.Conn) {
	s.clientsLock.Lock()
	defer s.clientsLock.Unlock()

	for i, cc := range s.clients {
		if cc == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
}

func (s *ApiServer) serve() {
	var err error
	if len(s.certFile) > 0 && len(s.keyFile) > 0 {
		err = http.ServeTLS(s.listener, s.handler(), s.certFile, s.keyFile)
	} else {
		err = http.Serve(s.listener, s.handler())
	}

	if s.close.Load() {
		return
	} else if err != nil {
		s.log.WithError(err).Errorf("failed serving api")
	}
}

func (s *ApiServer) Emit(ev *ApiEvent) {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	s.log.Tracef("emitting websocket event: %s", ev.Type)

	for _, client := range s.clients {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err := wsjson.Write(ctx, client, ev)
		cancel()
		if err != nil {
			// purposely do not propagate this to the caller
			s.log.WithError(err).Errorf("failed communicating with websocket client")
		}
	}
}

func (s *ApiServer) Receive() <-chan ApiRequest {
	return s.requests
}

func (s *ApiServer) Close() {
	if s.close.Swap(true) {
		return
	}

	// close all websocket clients
	s.clientsLock.RLock()
	for _, client := range s.clients {
		_ = client.Close(websocket.StatusGoingAway, "")
	}
	s.clientsLock.RUnlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
}
