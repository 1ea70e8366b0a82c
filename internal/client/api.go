package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"calsyncd/internal/api"
)

var (
	// ErrConflict means the server refused a write because the row moved
	// underneath us.
	ErrConflict = errors.New("client: concurrent modification")

	// ErrUnavailable means the application server could not be reached.
	ErrUnavailable = errors.New("client: server unavailable")

	// ErrNotFound means the addressed record does not exist server-side.
	ErrNotFound = errors.New("client: record not found")
)

// API consumes the server's REST surface.
type API struct {
	base   string
	token  string
	http   *http.Client
	logger zerolog.Logger
}

func NewAPI(base, token string, logger zerolog.Logger) *API {
	return &API{
		base:   base,
		token:  token,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (a *API) ListEvents(ctx context.Context, calendarID string) ([]api.EventRecord, error) {
	var out []api.EventRecord
	err := a.call(ctx, http.MethodGet, "/calendars/"+calendarID+"/events", nil, &out)
	return out, err
}

func (a *API) GetEvent(ctx context.Context, serverKey int64) (*api.EventRecord, error) {
	var out api.EventRecord
	if err := a.call(ctx, http.MethodGet, "/events/"+strconv.FormatInt(serverKey, 10), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) CreateEvent(ctx context.Context, calendarID string, in api.EventInput) (*api.EventRecord, error) {
	var out api.EventRecord
	if err := a.call(ctx, http.MethodPost, "/calendars/"+calendarID+"/events", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) UpdateEvent(ctx context.Context, serverKey int64, in api.EventInput) (*api.EventRecord, error) {
	var out api.EventRecord
	if err := a.call(ctx, http.MethodPut, "/events/"+strconv.FormatInt(serverKey, 10), in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteEvent cancels server-side. The response is the cancellation
// revision, or nil when the server dropped the row outright.
func (a *API) DeleteEvent(ctx context.Context, serverKey int64) (*api.EventRecord, error) {
	var out api.EventRecord
	err := a.call(ctx, http.MethodDelete, "/events/"+strconv.FormatInt(serverKey, 10), nil, &out)
	if errors.Is(err, errNoContent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

var errNoContent = errors.New("no content")

func (a *API) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return errNoContent
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s %s", ErrConflict, method, path)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
