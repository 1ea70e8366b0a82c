package caldav

import (
	"net/http"

	"github.com/rs/zerolog"
)

// BasicAuthTransport adds Basic Auth credentials to every outgoing
// request before delegating to the underlying transport.
type BasicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
	Logger    zerolog.Logger
}

func NewBasicAuthTransport(username, password string, transport http.RoundTripper, logger zerolog.Logger) *BasicAuthTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &BasicAuthTransport{
		Username:  username,
		Password:  password,
		Transport: transport,
		Logger:    logger,
	}
}

func (t *BasicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.Logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("outgoing request")

	clone := req.Clone(req.Context())
	clone.SetBasicAuth(t.Username, t.Password)

	resp, err := t.Transport.RoundTrip(clone)
	if err != nil {
		t.Logger.Debug().Err(err).Str("url", req.URL.String()).Msg("request failed")
		return nil, err
	}

	t.Logger.Debug().
		Int("status", resp.StatusCode).
		Str("url", req.URL.String()).
		Msg("response received")
	return resp, nil
}
