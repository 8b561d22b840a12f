// Package api defines the HTTP wire format shared by the coordinator server
// and its clients. See doc.go for complete package documentation.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dreamware/fedcoord/internal/tensor"
)

// Endpoint paths served by the coordinator.
const (
	PathUpdateModel  = "/update-model"
	PathGlobalModel  = "/global-model"
	PathModelWeights = "/global-model/weights.bin"
	PathStatus       = "/status"
	PathHealth       = "/health"
)

// UpdateRequest is the body of POST /update-model.
// Weights carries a single client set; Clients carries several. A request
// uses one or the other.
type UpdateRequest struct {
	Weights       []tensor.Wire   `json:"weights,omitempty"`
	Clients       [][]tensor.Wire `json:"clients,omitempty"`
	Mode          string          `json:"mode,omitempty"`
	SampleCounts  []float64       `json:"sample_counts,omitempty"`
	IncludeGlobal bool            `json:"include_global,omitempty"`
}

// UpdateResponse acknowledges an applied update.
type UpdateResponse struct {
	Message  string `json:"message"`
	Mode     string `json:"mode,omitempty"`
	Revision string `json:"revision"`
	Version  int64  `json:"version"`
}

// ModelResponse is the body of GET /global-model. WeightData is the packed
// weight blob, base64 in JSON; WeightSpecs locates each tensor in it.
type ModelResponse struct {
	UpdatedAt     time.Time       `json:"updatedAt"`
	Revision      string          `json:"revision"`
	ModelTopology json.RawMessage `json:"modelTopology"`
	WeightSpecs   tensor.Manifest `json:"weightSpecs"`
	WeightData    []byte          `json:"weightData"`
	Version       int64           `json:"version"`
}

// Tensors unpacks the weight blob.
func (m *ModelResponse) Tensors() ([]tensor.NamedTensor, error) {
	return tensor.Unpack(m.WeightSpecs, m.WeightData)
}

// ErrorResponse is returned with every non-2xx status. Set and Index are
// present when the failure concerns one client set or tensor.
type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Set     *int   `json:"set,omitempty"`
	Index   *int   `json:"index,omitempty"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	UpdatedAt       time.Time `json:"updated_at"`
	LastUpdate      time.Time `json:"last_update"`
	Revision        string    `json:"revision"`
	Version         int64     `json:"version"`
	UpdatesApplied  int64     `json:"updates_applied"`
	UpdatesRejected int64     `json:"updates_rejected"`
	Dirty           bool      `json:"dirty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusError is returned by PostJSON and GetJSON for non-2xx responses.
type StatusError struct {
	URL        string
	Body       ErrorResponse // Zero when the body was not an ErrorResponse
	StatusCode int
}

func (e *StatusError) Error() string {
	switch {
	case e.Body.Error != "":
		return fmt.Sprintf("http %s: %d: %s: %s", e.URL, e.StatusCode, e.Body.Message, e.Body.Error)
	case e.Body.Message != "":
		return fmt.Sprintf("http %s: %d: %s", e.URL, e.StatusCode, e.Body.Message)
	}
	return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// PostJSON sends body as JSON and decodes the response into out, if out is
// not nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

// GetBytes fetches url and returns the raw response body.
func GetBytes(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(url, resp); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

func do(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(req.URL.String(), resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkStatus(url string, resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	serr := &StatusError{URL: url, StatusCode: resp.StatusCode}
	// Best effort: non-JSON error bodies leave Body zero.
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&serr.Body)
	return serr
}
