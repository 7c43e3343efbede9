package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/devgianlu/go-castkit/beacon"
	"github.com/devgianlu/go-castkit/capability"
	"github.com/devgianlu/go-castkit/controller"
	"github.com/devgianlu/go-castkit/discovery"
	"github.com/devgianlu/go-castkit/session"
	"github.com/devgianlu/go-castkit/ssap"
	"github.com/devgianlu/go-castkit/ssdp"
	"github.com/devgianlu/go-castkit/upnp"
	"github.com/devgianlu/go-castkit/zeroconf"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const castProtocolId castkit.ProtocolId = "cast"

const (
	castServiceType = "_googlecast._tcp"
	apiServiceType  = "_castkit._tcp"
)

type App struct {
	cfg *Config
	log castkit.Logger

	state *castkit.AppState
	store *stateStore
	ctrl  *controller.Controller

	server    *ApiServer
	registrar zeroconf.ServiceRegistrar
	unsubs    []func()
}

func NewApp(cfg *Config, state *castkit.AppState) (app *App, err error) {
	app = &App{cfg: cfg, state: state}
	app.log = NewLogrusAdapter(logrus.StandardLogger(), "daemon")
	app.store = newStateStore(app.log, state)

	if len(state.ControllerId) == 0 {
		state.ControllerId = uuid.NewString()
		app.store.Flush()
	}

	ifaces, err := selectInterfaces(cfg.Discovery.Interfaces)
	if err != nil {
		return nil, err
	}

	providers, err := app.providers(ifaces)
	if err != nil {
		return nil, err
	}

	pairingLevel, err := session.ParsePairingLevel(cfg.Session.PairingLevel)
	if err != nil {
		return nil, err
	}

	filters := make([]capability.Filter, 0, len(cfg.Discovery.CapabilityFilters))
	for _, f := range cfg.Discovery.CapabilityFilters {
		filters = append(filters, f)
	}

	app.ctrl, err = controller.New(NewLogrusAdapter(logrus.StandardLogger(), "controller"), controller.Options{
		Providers:         providers,
		CapabilityFilters: filters,
		Protocols: []capability.Protocol{
			upnp.NewProtocol(NewLogrusAdapter(logrus.StandardLogger(), "upnp"), upnp.Options{ReachabilityInterval: cfg.Upnp.ReachabilityInterval}),
			ssap.NewProtocol(NewLogrusAdapter(logrus.StandardLogger(), "ssap"), ssap.Options{AppId: "com.github.devgianlu.go-castkit." + state.ControllerId}),
		},
		Discovery: discovery.Options{
			TTL:         cfg.Discovery.TTL,
			MaxRestarts: cfg.Discovery.MaxRestarts,
		},
		Session: session.Options{
			CommandTimeout: cfg.Session.CommandTimeout,
			ConnectTimeout: cfg.Session.ConnectTimeout,
			PairingTimeout: cfg.Session.PairingTimeout,
			PairingLevel:   pairingLevel,
		},
		Tokens: app.store,
	})
	if err != nil {
		return nil, fmt.Errorf("failed creating controller: %w", err)
	}

	app.store.SetCacheSource(app.ctrl.ExportCache)
	return app, nil
}

func (app *App) providers(ifaces []net.Interface) ([]discovery.Provider, error) {
	newLog := func(name string) castkit.Logger {
		return NewLogrusAdapter(logrus.StandardLogger(), name)
	}

	upnpProvider, err := upnp.NewProvider(newLog("upnp"), ssdp.Options{Interfaces: ifaces})
	if err != nil {
		return nil, fmt.Errorf("failed creating upnp provider: %w", err)
	}

	ssapProvider, err := ssap.NewProvider(newLog("ssap"), ssdp.Options{Interfaces: ifaces, Port: app.cfg.Ssdp.SsapPort})
	if err != nil {
		return nil, fmt.Errorf("failed creating ssap provider: %w", err)
	}

	castProvider, err := zeroconf.NewProvider(newLog("zeroconf"), zeroconf.Options{
		ProtocolId: castProtocolId,
		Service:    castServiceType,
		Browser:    zeroconf.NewBuiltinBrowser(ifaces),
	})
	if err != nil {
		return nil, fmt.Errorf("failed creating zeroconf provider: %w", err)
	}

	broadcast := net.ParseIP(app.cfg.Beacon.Address)
	if broadcast == nil {
		return nil, fmt.Errorf("invalid beacon address: %s", app.cfg.Beacon.Address)
	}

	beaconProvider := beacon.NewProvider(newLog("beacon"), beacon.Options{
		Broadcast: &net.UDPAddr{IP: broadcast, Port: app.cfg.Beacon.Port},
		Alias:     app.cfg.ControllerName,
	})

	return []discovery.Provider{upnpProvider, ssapProvider, castProvider, beaconProvider}, nil
}

func selectInterfaces(names []string) ([]net.Interface, error) {
	if len(names) == 0 {
		return nil, nil
	}

	ifaces := make([]net.Interface, 0, len(names))
	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, fmt.Errorf("failed finding interface %s: %w", name, err)
		}

		ifaces = append(ifaces, *iface)
	}

	return ifaces, nil
}

func (app *App) Run(ctx context.Context) error {
	if cache := app.store.DeviceCache(); len(cache) > 0 {
		if err := app.ctrl.ImportCache(cache); err != nil {
			app.log.WithError(err).Warnf("ignoring stored device cache")
		}
	}

	var protocols []castkit.ProtocolId
	for _, p := range app.cfg.Discovery.Protocols {
		protocols = append(protocols, castkit.ProtocolId(p))
	}

	if err := app.ctrl.Start(protocols...); err != nil {
		return fmt.Errorf("failed starting discovery: %w", err)
	}

	app.unsubs = append(app.unsubs,
		app.ctrl.OnDeviceChanged(app.handleDeviceEvent),
		app.ctrl.OnSessionState(app.handleSessionState),
	)

	if app.cfg.Server.Advertise && app.server.Port() > 0 {
		if err := app.advertise(); err != nil {
			app.log.WithError(err).Warnf("failed advertising api server")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-app.server.Receive():
			go func() {
				data, err := app.handleApiRequest(ctx, req)
				req.Reply(data, err)
			}()
		}
	}
}

func (app *App) advertise() (err error) {
	app.registrar, err = zeroconf.NewRegistrar(app.cfg.Server.ZeroconfBackend)
	if err != nil {
		return err
	}

	txt := []string{
		"id=" + app.state.ControllerId,
		"version=" + castkit.VersionNumberString(),
		"port=" + strconv.Itoa(app.server.Port()),
	}

	if err := app.registrar.Register(app.cfg.ControllerName, apiServiceType, "local.", app.server.Port(), txt); err != nil {
		app.registrar.Shutdown()
		app.registrar = nil
		return fmt.Errorf("failed registering %s: %w", apiServiceType, err)
	}

	app.log.Infof("advertising api server as %s", app.cfg.ControllerName)
	return nil
}

func (app *App) Close() {
	for _, unsub := range app.unsubs {
		unsub()
	}

	if app.registrar != nil {
		app.registrar.Shutdown()
	}

	app.server.Close()

	// the cache is exported before sessions and discovery stop
	app.store.Flush()
	app.ctrl.Close()
}

func main() {
	var cfg Config
	if err := loadConfig(os.Args[1:], &cfg); errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	} else if err != nil {
		logrus.WithError(err).Fatal("failed loading configuration")
	}

	// parse and set log level
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatalf("invalid log level: %s", cfg.LogLevel)
	} else {
		logrus.SetLevel(logLevel)
	}

	logrus.Infof("running %s", castkit.SystemInfoString())

	lock, err := lockStateDir(cfg.StateDir)
	if err != nil {
		logrus.WithError(err).Fatal("failed acquiring state directory")
	}
	defer func() { _ = lock.Unlock() }()

	var state castkit.AppState
	if err := state.Read(cfg.StateDir); err != nil {
		logrus.WithError(err).Fatal("failed reading app state")
	}

	app, err := NewApp(&cfg, &state)
	if err != nil {
		logrus.WithError(err).Fatal("failed creating app")
	}

	// create api server if needed
	if cfg.Server.Enabled {
		app.server, err = NewApiServer(NewLogrusAdapter(logrus.StandardLogger(), "api"), cfg.Server.Address, cfg.Server.Port, cfg.Server.AllowOrigin, cfg.Server.CertFile, cfg.Server.KeyFile)
		if err != nil {
			logrus.WithError(err).Fatal("failed creating api server")
		}
	} else {
		app.server, _ = NewStubApiServer(app.log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		app.Close()
		logrus.WithError(err).Fatal("failed running app")
	}

	logrus.Infof("shutting down")
	app.Close()
}
