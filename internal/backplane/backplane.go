// Package backplane picks the bus driver for a configured bus URL.
package backplane

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Tyrowin/gochat-relay/internal/bus"
	"github.com/Tyrowin/gochat-relay/internal/bus/membus"
	"github.com/Tyrowin/gochat-relay/internal/bus/natsbus"
	"github.com/Tyrowin/gochat-relay/internal/bus/redisbus"
)

// ErrUnsupportedScheme is returned for bus URLs no driver understands.
var ErrUnsupportedScheme = errors.New("unsupported bus url scheme")

// NewDialer returns the dialer for rawURL. Supported schemes are nats, tls,
// redis, rediss and memory; memory://<name> resolves to the shared in-process
// broker of that name. name identifies this process to the backplane.
func NewDialer(rawURL, name string) (bus.Dialer, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse bus url: %w", err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "nats", "tls":
		return natsbus.NewDialer(rawURL, name), nil
	case "redis", "rediss":
		d, err := redisbus.NewDialer(rawURL, name)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "memory":
		return membus.Shared(parsed.Host).Named(name), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, parsed.Scheme)
	}
}
