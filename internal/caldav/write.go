package caldav

import (
	"context"
	"fmt"
	"net/http"
)

// PutObject writes a calendar object. A non-empty etag makes the write
// conditional on the remote copy still carrying that version; an empty
// etag asserts the object must not exist yet. Returns the new etag when
// the server reports one.
func (c *Client) PutObject(ctx context.Context, href, etag string, data []byte) (string, error) {
	resp, err := c.doConditional(ctx, http.MethodPut, href, etag, data)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		return "", fmt.Errorf("%w: PUT %s", ErrPreconditionFailed, href)
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusMultiStatus:
		return resp.Header.Get("ETag"), nil
	default:
		return "", fmt.Errorf("PUT %s: unexpected status %d", href, resp.StatusCode)
	}
}

// DeleteObject removes a calendar object, conditionally when etag is
// set. Deleting an already absent object reports ErrNotFound so the
// caller can decide whether that counts as success.
func (c *Client) DeleteObject(ctx context.Context, href, etag string) error {
	resp, err := c.doConditional(ctx, http.MethodDelete, href, etag, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: DELETE %s", ErrPreconditionFailed, href)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, href)
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusMultiStatus:
		return nil
	default:
		return fmt.Errorf("DELETE %s: unexpected status %d", href, resp.StatusCode)
	}
}

func (c *Client) doConditional(ctx context.Context, method, href, etag string, data []byte) (*http.Response, error) {
	contentType := ""
	if data != nil {
		contentType = "text/calendar; charset=utf-8"
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(href), bodyReader(data))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	} else if method == http.MethodPut {
		req.Header.Set("If-None-Match", "*")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return resp, nil
}
