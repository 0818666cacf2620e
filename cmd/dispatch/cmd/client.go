package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-dispatch/internal/core"
)

// apiClient talks to the REST API of 'dispatch serve' for operations that
// only the process running a workflow can perform.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(server string) *apiClient {
	server = strings.TrimRight(server, "/")
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "http://" + server
	}
	return &apiClient{
		base: server + "/api/v1",
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// post sends body as JSON and decodes the response into out when non-nil.
// Error responses come back as domain errors carrying the server's code.
func (c *apiClient) post(ctx context.Context, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" {
		body.Error = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return &core.DomainError{Category: core.ErrCatNotFound, Code: body.Code, Message: body.Error}
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return &core.DomainError{Category: core.ErrCatValidation, Code: body.Code, Message: body.Error}
	case http.StatusConflict:
		return &core.DomainError{Category: core.ErrCatState, Code: body.Code, Message: body.Error}
	}
	return fmt.Errorf("server error (%d): %s", resp.StatusCode, body.Error)
}
