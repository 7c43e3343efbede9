package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	castkit "github.com/devgianlu/go-castkit"
)

const maxResponseSize = 64 * 1024

// Arg is a single SOAP action argument, order is significant.
type Arg struct {
	Name  string
	Value string
}

// Fault is the UPnP error returned by a device for a failed action.
type Fault struct {
	Code        string
	Description string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("upnp error %s: %s", f.Code, f.Description)
}

type soapClient struct {
	log    castkit.Logger
	client *http.Client
}

func buildEnvelope(serviceType, action string, args []Arg) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>`)
	_, _ = fmt.Fprintf(&b, `<u:%s xmlns:u="%s">`, action, serviceType)
	for _, arg := range args {
		_, _ = fmt.Fprintf(&b, "<%s>", arg.Name)
		_ = xml.EscapeText(&b, []byte(arg.Value))
		_, _ = fmt.Fprintf(&b, "</%s>", arg.Name)
	}
	_, _ = fmt.Fprintf(&b, "</u:%s>", action)
	b.WriteString(`</s:Body></s:Envelope>`)
	return b.Bytes()
}

// Call invokes an action and returns the output arguments.
func (c *soapClient) Call(ctx context.Context, controlURL, serviceType, action string, args []Arg) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewReader(buildEnvelope(serviceType, action, args)))
	if err != nil {
		return nil, fmt.Errorf("failed creating %s request: %w", action, err)
	}

	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, serviceType, action))
	req.Header.Set("User-Agent", castkit.UserAgent())

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return nil, fmt.Errorf("%w: %v", castkit.ErrTransportLost, err)
		}
		return nil, fmt.Errorf("failed calling %s: %w", action, err)
	}

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed reading %s response: %w", action, err)
	}

	c.log.Tracef("upnp %s returned %d", action, resp.StatusCode)

	out, fault, err := parseEnvelope(body)
	if err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%s returned status %d", action, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed parsing %s response: %w", action, err)
	} else if fault != nil {
		return nil, fault
	} else if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", action, resp.StatusCode)
	}

	return out, nil
}

// parseEnvelope extracts the output arguments of the first element in the
// body, or the fault if the device returned one.
func parseEnvelope(data []byte) (map[string]string, *Fault, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var sawBody, inBody bool
	var depth int
	var current string
	var isFault bool
	out := map[string]string{}

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, nil, err
		}

		switch tok := tok.(type) {
		case xml.StartElement:
			if !inBody {
				if tok.Name.Local == "Body" {
					inBody, sawBody = true, true
				}
				continue
			}

			depth++
			if depth == 1 && tok.Name.Local == "Fault" {
				isFault = true
			}
			current = tok.Name.Local
		case xml.EndElement:
			if !inBody {
				continue
			} else if depth == 0 {
				inBody = false
				continue
			}

			depth--
			current = ""
		case xml.CharData:
			if len(current) == 0 || depth < 2 {
				continue
			}

			out[current] += string(tok)
		}
	}

	if !sawBody {
		return nil, nil, fmt.Errorf("missing soap body")
	}

	if isFault {
		return nil, &Fault{
			Code:        strings.TrimSpace(out["errorCode"]),
			Description: strings.TrimSpace(out["errorDescription"]),
		}, nil
	}

	return out, nil, nil
}
