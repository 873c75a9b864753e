package dispatch

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	// embedded zoneinfo so that Europe/Oslo resolves in minimal containers
	_ "time/tzdata"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/payload"
)

// Settings is everything Connect needs to open a queue on one connection
type Settings struct {
	Connection string
	API        APIConfig

	// PublicURL is this host's externally reachable address. BaseURI, when
	// set on the connection, takes precedence.
	PublicURL    string
	BaseURI      string
	CallbackPath string

	Mode       string
	SigningKey string
	TokenTTL   time.Duration
	Timezone   string
	Hooks      []payload.Hook
}

// Connect builds the API client and queue for s
func Connect(s Settings, logger *slog.Logger, opts ...QueueOption) (*Queue, error) {
	api, err := NewAPIClient(s.API, logger)
	if err != nil {
		return nil, err
	}
	return ConnectWith(s, api, logger, opts...)
}

// ConnectWith builds a queue for s on top of an existing Submitter
func ConnectWith(s Settings, api Submitter, logger *slog.Logger, opts ...QueueOption) (*Queue, error) {
	callbackURL, err := CallbackURL(s.BaseURI, s.PublicURL, s.CallbackPath)
	if err != nil {
		return nil, err
	}

	tz := s.Timezone
	if tz == "" {
		tz = domain.DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q: %v", domain.ErrConfiguration, tz, err)
	}

	return NewQueue(QueueConfig{
		Connection:  s.Connection,
		CallbackURL: callbackURL,
		Mode:        s.Mode,
		SigningKey:  s.SigningKey,
		TokenTTL:    s.TokenTTL,
		Location:    loc,
		Hooks:       s.Hooks,
	}, api, logger, opts...)
}

// CallbackURL joins the callback path onto the connection's base URI, or onto
// the host's public URL when the connection has none.
func CallbackURL(baseURI, publicURL, path string) (string, error) {
	if path == "" {
		path = domain.CallbackPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	base := strings.TrimSpace(baseURI)
	if base == "" {
		base = strings.TrimSpace(publicURL)
	}
	if base == "" {
		return "", fmt.Errorf("%w: neither base_uri nor server public_url is set", domain.ErrConfiguration)
	}
	return strings.TrimRight(base, "/") + path, nil
}
