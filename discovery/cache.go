package discovery

import (
	"fmt"
	"time"

	castkit "github.com/devgianlu/go-castkit"
	"github.com/fxamacker/cbor/v2"
)

const cacheVersion = 1

// Hint is a previously known device. Hints are not authoritative, they only
// let a device keep its identity and name when it is found again.
type Hint struct {
	DeviceId     string
	FriendlyName string
	FirstSeenAt  time.Time
	Services     []castkit.ServiceDescription
}

type cacheEnvelope struct {
	Version int           `cbor:"v"`
	Devices []cacheDevice `cbor:"devices"`
}

type cacheDevice struct {
	Id        string         `cbor:"id"`
	Name      string         `cbor:"name,omitempty"`
	FirstSeen time.Time      `cbor:"first_seen"`
	Services  []cacheService `cbor:"services"`
}

type cacheService struct {
	Protocol string            `cbor:"protocol"`
	Host     string            `cbor:"host"`
	Port     int               `cbor:"port"`
	UUID     string            `cbor:"uuid,omitempty"`
	Meta     map[string]string `cbor:"meta,omitempty"`
}

var cacheEncMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func EncodeCache(devs []castkit.DiscoveredDevice) ([]byte, error) {
	env := cacheEnvelope{Version: cacheVersion, Devices: make([]cacheDevice, 0, len(devs))}
	for _, dev := range devs {
		cd := cacheDevice{Id: dev.DeviceId, Name: dev.FriendlyName, FirstSeen: dev.FirstSeenAt}
		for _, pid := range dev.ProtocolIds() {
			svc := dev.Services[pid]
			cd.Services = append(cd.Services, cacheService{
				Protocol: string(pid),
				Host:     svc.Address().Host,
				Port:     svc.Address().Port,
				UUID:     svc.ServiceUUID(),
				Meta:     svc.Metadata(),
			})
		}

		env.Devices = append(env.Devices, cd)
	}

	data, err := cacheEncMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed marshalling device cache: %w", err)
	}

	return data, nil
}

func DecodeCache(data []byte) ([]Hint, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var env cacheEnvelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed unmarshalling device cache: %w", err)
	} else if env.Version != cacheVersion {
		return nil, fmt.Errorf("unsupported device cache version: %d", env.Version)
	}

	hints := make([]Hint, 0, len(env.Devices))
	for _, cd := range env.Devices {
		hint := Hint{DeviceId: cd.Id, FriendlyName: cd.Name, FirstSeenAt: cd.FirstSeen}
		for _, cs := range cd.Services {
			hint.Services = append(hint.Services, castkit.NewServiceDescription(
				castkit.ProtocolId(cs.Protocol),
				castkit.TransportAddress{Host: cs.Host, Port: cs.Port},
				cs.UUID,
				cs.Meta,
			))
		}

		hints = append(hints, hint)
	}

	return hints, nil
}

// matchHint returns the index of the hint matching the service by UUID or by
// transport address and protocol, -1 if none does.
func matchHint(hints []Hint, svc castkit.ServiceDescription) int {
	for i, hint := range hints {
		for _, hs := range hint.Services {
			if len(svc.ServiceUUID()) > 0 && hs.ServiceUUID() == svc.ServiceUUID() {
				return i
			} else if hs.Key() == svc.Key() && !differentUUID(hs, svc) {
				return i
			}
		}
	}

	return -1
}

func differentUUID(a, b castkit.ServiceDescription) bool {
	return len(a.ServiceUUID()) > 0 && len(b.ServiceUUID()) > 0 && a.ServiceUUID() != b.ServiceUUID()
}

func hintAddresses(hints []Hint, pid castkit.ProtocolId) []castkit.TransportAddress {
	var addrs []castkit.TransportAddress
	for _, hint := range hints {
		for _, hs := range hint.Services {
			if hs.ProtocolId() == pid {
				addrs = append(addrs, hs.Address())
			}
		}
	}

	return addrs
}
