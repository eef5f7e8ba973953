package requests

// requests is a library for making JSON requests to HTTP APIs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Maximum number of bytes of an error response body that are included in the error message
const maxErrorBody = 512

// Do sends body with the given content type, and decodes the JSON response into a T.
// If client is nil, http.DefaultClient is used.
func Do[T any](ctx context.Context, client *http.Client, method, url, contentType string, body io.Reader) (*T, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%v. %v", resp.Status, string(bytes.TrimSpace(msg)))
	}
	var responseObj T
	if err := json.NewDecoder(resp.Body).Decode(&responseObj); err != nil {
		return nil, fmt.Errorf("%v. %w", resp.Status, err)
	}
	return &responseObj, nil
}

// RequestJSON sends body encoded as JSON, and decodes the JSON response into a T
func RequestJSON[T any](ctx context.Context, client *http.Client, method, url string, body any) (*T, error) {
	var reader io.Reader
	if body != nil {
		bodyB, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(bodyB)
	}
	return Do[T](ctx, client, method, url, "application/json", reader)
}
