package upnp

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// didlMetadata builds the DIDL-Lite item sent along with SetAVTransportURI.
func didlMetadata(mediaUrl, mimeType, title string) string {
	class := "object.item.videoItem"
	switch {
	case strings.HasPrefix(mimeType, "audio/"):
		class = "object.item.audioItem.musicTrack"
	case strings.HasPrefix(mimeType, "image/"):
		class = "object.item.imageItem"
	}

	if len(mimeType) == 0 {
		mimeType = "*"
	}

	var b bytes.Buffer
	b.WriteString(`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">`)
	b.WriteString(`<item id="1000" parentID="0" restricted="0"><dc:title>`)
	_ = xml.EscapeText(&b, []byte(title))
	b.WriteString(`</dc:title><upnp:class>`)
	b.WriteString(class)
	_, _ = fmt.Fprintf(&b, `</upnp:class><res protocolInfo="http-get:*:%s:*">`, mimeType)
	_ = xml.EscapeText(&b, []byte(mediaUrl))
	b.WriteString(`</res></item></DIDL-Lite>`)
	return b.String()
}

// formatDuration formats as H:MM:SS, the UPnP time format.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	secs := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

// parseDuration parses H+:MM:SS[.F+] values, NOT_IMPLEMENTED parses as zero.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 || s == "NOT_IMPLEMENTED" {
		return 0, nil
	}

	var frac time.Duration
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		var f float64
		if _, err := fmt.Sscanf("0"+s[idx:], "%g", &f); err == nil {
			frac = time.Duration(f * float64(time.Second))
		}
		s = s[:idx]
	}

	var h, m, sec int64
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &h, &m, &sec); err != nil {
		return 0, fmt.Errorf("invalid upnp duration %q: %w", s, err)
	}

	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second + frac, nil
}
