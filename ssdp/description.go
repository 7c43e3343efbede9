package ssdp

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	castkit "github.com/devgianlu/go-castkit"
)

const maxDescriptionSize = 256 * 1024

// DeviceDescription is the UPnP device description served at LOCATION.
type DeviceDescription struct {
	XMLName xml.Name `xml:"root"`
	URLBase string   `xml:"URLBase"`
	Device  struct {
		DeviceType       string               `xml:"deviceType"`
		FriendlyName     string               `xml:"friendlyName"`
		Manufacturer     string               `xml:"manufacturer"`
		ModelName        string               `xml:"modelName"`
		ModelNumber      string               `xml:"modelNumber"`
		ModelDescription string               `xml:"modelDescription"`
		UDN              string               `xml:"UDN"`
		Services         []ServiceDescription `xml:"serviceList>service"`
	} `xml:"device"`

	location *url.URL
}

type ServiceDescription struct {
	ServiceType string `xml:"serviceType"`
	ServiceId   string `xml:"serviceId"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
	SCPDURL     string `xml:"SCPDURL"`
}

// Name returns the short service name, e.g. AVTransport for
// urn:schemas-upnp-org:service:AVTransport:1.
func (s ServiceDescription) Name() string {
	parts := strings.Split(s.ServiceType, ":")
	if len(parts) < 2 {
		return s.ServiceType
	}
	return parts[len(parts)-2]
}

// ResolveURL resolves a URL of the description against URLBase or LOCATION.
func (d *DeviceDescription) ResolveURL(ref string) string {
	base := d.location
	if len(d.URLBase) > 0 {
		if u, err := url.Parse(d.URLBase); err == nil {
			base = u
		}
	}

	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || base == nil {
		return ref
	}
	return base.ResolveReference(r).String()
}

// FetchDescription downloads and parses the description at location.
func FetchDescription(ctx context.Context, client *http.Client, location string) (*DeviceDescription, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid location %q: %w", location, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("failed creating description request: %w", err)
	}

	req.Header.Set("User-Agent", castkit.UserAgent())

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed requesting description: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("description request returned %d", resp.StatusCode)
	}

	var desc DeviceDescription
	if err := xml.NewDecoder(io.LimitReader(resp.Body, maxDescriptionSize)).Decode(&desc); err != nil {
		return nil, fmt.Errorf("failed decoding description: %w", err)
	}

	desc.location = loc
	return &desc, nil
}
