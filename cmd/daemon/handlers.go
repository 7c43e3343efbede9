package main

import (
	"context"
	"fmt"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/capability"
	"github.com/devgianlu/go-castkit/discovery"
	"github.com/devgianlu/go-castkit/session"
)

func (app *App) newApiResponseDevice(dev castkit.DiscoveredDevice) ApiResponseDevice {
	resp := ApiResponseDevice{
		Id:        dev.DeviceId,
		Name:      dev.FriendlyName,
		FirstSeen: dev.FirstSeenAt,
		LastSeen:  dev.LastSeenAt,
		Services:  make([]ApiResponseService, 0, len(dev.Services)),
	}

	for _, pid := range dev.ProtocolIds() {
		svc := dev.Services[pid]
		resp.Services = append(resp.Services, ApiResponseService{
			Protocol: string(pid),
			Host:     svc.Address().Host,
			Port:     svc.Address().Port,
			UUID:     svc.ServiceUUID(),
			Meta:     svc.Metadata(),
		})
	}

	state, _ := app.ctrl.SessionState(dev.DeviceId)
	resp.Session = state.String()
	return resp
}

func (app *App) handleApiRequest(ctx context.Context, req ApiRequest) (any, error) {
	switch req.Type {
	case ApiRequestTypeStatus:
		resp := ApiResponseStatus{
			ControllerId:   app.state.ControllerId,
			ControllerName: app.cfg.ControllerName,
			Version:        castkit.VersionNumberString(),
			Providers:      map[string]string{},
		}

		for pid, state := range app.ctrl.ProviderStates() {
			resp.Providers[string(pid)] = state.String()
		}

		return resp, nil
	case ApiRequestTypeDevices:
		devices := app.ctrl.Devices()
		resp := make([]ApiResponseDevice, 0, len(devices))
		for _, dev := range devices {
			resp = append(resp, app.newApiResponseDevice(dev))
		}

		return resp, nil
	case ApiRequestTypeDevice:
		dev, ok := app.ctrl.Device(req.DeviceId)
		if !ok {
			return nil, fmt.Errorf("device %s: %w", req.DeviceId, castkit.ErrUnknownDevice)
		}

		return app.newApiResponseDevice(dev), nil
	case ApiRequestTypeCapabilities:
		return app.ctrl.Capabilities(req.DeviceId)
	case ApiRequestTypeConnect:
		data, _ := req.Data.(ApiRequestDataConnect)
		return nil, app.ctrl.Connect(req.DeviceId, castkit.ProtocolId(data.Protocol))
	case ApiRequestTypeDisconnect:
		return nil, app.ctrl.Disconnect(req.DeviceId)
	case ApiRequestTypeReset:
		return nil, app.ctrl.Reset(req.DeviceId)
	case ApiRequestTypeForget:
		return nil, app.ctrl.Forget(req.DeviceId)
	case ApiRequestTypePair:
		type result struct {
			challenge capability.Challenge
			err       error
		}

		resCh := make(chan result, 1)
		app.ctrl.BeginPairing(req.DeviceId, func(c capability.Challenge, err error) {
			resCh <- result{c, err}
		})

		select {
		case res := <-resCh:
			if res.err != nil {
				return nil, res.err
			}

			return ApiResponseChallenge{Type: res.challenge.Type.String(), Code: res.challenge.Code}, nil
		case <-time.After(app.cfg.Session.PairingTimeout):
			return nil, castkit.ErrPairingTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case ApiRequestTypePairCode:
		data, _ := req.Data.(ApiRequestDataPairCode)

		errCh := make(chan error, 1)
		app.ctrl.SubmitPairingCode(req.DeviceId, data.Code, func(err error) { errCh <- err })

		select {
		case err := <-errCh:
			return nil, err
		case <-time.After(app.cfg.Session.PairingTimeout):
			return nil, castkit.ErrPairingTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case ApiRequestTypeInvoke:
		data, _ := req.Data.(ApiRequestDataInvoke)

		ctx, cancel := context.WithTimeout(ctx, app.cfg.Session.CommandTimeout)
		defer cancel()

		value, err := app.ctrl.Do(ctx, req.DeviceId, data.Capability, castkit.Arguments(data.Args))
		if err != nil {
			return nil, err
		}

		return ApiResponseInvoke{Value: value}, nil
	default:
		return nil, fmt.Errorf("unknown request type %s: %w", req.Type, ErrBadRequest)
	}
}

func (app *App) handleDeviceEvent(ev discovery.Event) {
	var typ ApiEventType
	switch ev.Type {
	case discovery.EventAdded:
		typ = ApiEventTypeDeviceAdded
	case discovery.EventUpdated:
		typ = ApiEventTypeDeviceUpdated
	case discovery.EventRemoved:
		typ = ApiEventTypeDeviceRemoved
	default:
		return
	}

	app.server.Emit(&ApiEvent{Type: typ, Data: app.newApiResponseDevice(ev.Device)})
	app.store.Schedule()
}

func (app *App) handleSessionState(change session.StateChange) {
	data := ApiEventDataSessionState{
		DeviceId: change.DeviceId,
		From:     change.From.String(),
		To:       change.To.String(),
	}
	if change.Err != nil {
		data.Error = change.Err.Error()
	}

	app.server.Emit(&ApiEvent{Type: ApiEventTypeSessionState, Data: data})
}
