package source

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"crowdgate/internal/model"
)

var ErrInvalidLocator = errors.New("invalid camera source")

// ValidateStreamURL accepts http(s) and rtsp(s) URLs that name a host.
func ValidateStreamURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty stream url", ErrInvalidLocator)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "rtsp", "rtsps":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocator, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidLocator, raw)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return fmt.Errorf("%w: bad port %q", ErrInvalidLocator, p)
		}
	}
	return nil
}

// ValidateLocator checks that locator makes sense for kind. A webcam is a
// device index; cctv and mobile sources are stream URLs.
func ValidateLocator(kind model.SourceKind, locator string) error {
	switch kind {
	case model.SourceWebcam:
		idx, err := strconv.Atoi(strings.TrimSpace(locator))
		if err != nil || idx < 0 {
			// The dashboard lets operators paste a URL into the webcam field.
			if ValidateStreamURL(locator) == nil {
				return nil
			}
			return fmt.Errorf("%w: webcam index %q", ErrInvalidLocator, locator)
		}
		return nil
	case model.SourceCCTV, model.SourceMobile:
		return ValidateStreamURL(locator)
	}
	return fmt.Errorf("%w: unknown camera type %q", ErrInvalidLocator, kind)
}

// IsStreamURL reports whether locator is something Probe can reach.
func IsStreamURL(locator string) bool {
	return ValidateStreamURL(locator) == nil
}
