package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fedcoord/internal/model"
	"github.com/dreamware/fedcoord/internal/tensor"
)

// TestUpdateRequestJSON checks the field names clients send.
func TestUpdateRequestJSON(t *testing.T) {
	w := tensor.Encode(must.M1(tensor.New(tensor.Float32, []int{2}, []float64{1, 2})))

	data := must.M1(json.Marshal(UpdateRequest{Weights: []tensor.Wire{w}}))
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, "weights")
	assert.NotContains(t, m, "clients")
	assert.NotContains(t, m, "mode")

	data = must.M1(json.Marshal(UpdateRequest{
		Clients:       [][]tensor.Wire{{w}, {w}},
		Mode:          "weighted_average",
		SampleCounts:  []float64{1, 2},
		IncludeGlobal: true,
	}))
	m = nil
	require.NoError(t, json.Unmarshal(data, &m))
	for _, key := range []string{"clients", "mode", "sample_counts", "include_global"} {
		assert.Contains(t, m, key)
	}
}

// TestModelResponseJSON verifies the weight blob travels as base64 and the
// specs keep their names.
func TestModelResponseJSON(t *testing.T) {
	st := model.Default().Instantiate(1)
	manifest, blob := tensor.Pack(model.Default().Named(st.Params))
	resp := ModelResponse{
		ModelTopology: must.M1(json.Marshal(st.Topology)),
		WeightSpecs:   manifest,
		WeightData:    blob,
		Version:       3,
		Revision:      "r",
	}

	data := must.M1(json.Marshal(resp))
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.IsType(t, "", m["weightData"])
	specs := m["weightSpecs"].([]any)
	require.Len(t, specs, 4)
	assert.Equal(t, "dense_1/kernel", specs[0].(map[string]any)["name"])
	assert.Equal(t, "float32", specs[0].(map[string]any)["dtype"])

	var decoded ModelResponse
	require.NoError(t, json.Unmarshal(data, &decoded))
	named, err := decoded.Tensors()
	require.NoError(t, err)
	for i, nt := range named {
		assert.True(t, st.Params[i].Equal(nt.Tensor), nt.Name)
	}
}

// TestPostJSON tests PostJSON against a range of server behaviours.
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		requestBody    any
		responseBody   any
		expectError    bool
		contextTimeout bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "successful POST without response body",
			serverResponse: http.StatusNoContent,
			requestBody:    map[string]string{"test": "data"},
		},
		{
			name:           "server error response",
			serverResponse: http.StatusInternalServerError,
			serverBody:     `{"message":"Failed to persist model","error":"disk full"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:           "unmarshalable request body",
			serverResponse: http.StatusOK,
			requestBody:    make(chan int),
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					_, _ = w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Millisecond)
				defer cancel()
			}

			err := PostJSON(ctx, server.URL, tt.requestBody, tt.responseBody)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.responseBody != nil {
				assert.Equal(t, "ok", (*tt.responseBody.(*map[string]string))["status"])
			}
		})
	}
}

// TestStatusError verifies error bodies are decoded into the returned error.
func TestStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"Invalid weights","error":"shape mismatch","set":0,"index":2}`))
	}))
	defer server.Close()

	err := GetJSON(context.Background(), server.URL, &map[string]any{})
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusBadRequest, serr.StatusCode)
	assert.Equal(t, "Invalid weights", serr.Body.Message)
	require.NotNil(t, serr.Body.Index)
	assert.Equal(t, 2, *serr.Body.Index)
	assert.Contains(t, err.Error(), "shape mismatch")
}

// TestGetJSONFailures covers transport and decoding failures.
func TestGetJSONFailures(t *testing.T) {
	ctx := context.Background()
	var out map[string]any

	assert.Error(t, GetJSON(ctx, "://invalid-url", &out))
	assert.Error(t, GetJSON(ctx, "http://localhost:99999", &out))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{invalid json}`))
	}))
	defer server.Close()
	assert.Error(t, GetJSON(ctx, server.URL, &out))

	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("plain text"))
	}))
	defer notFound.Close()
	err := GetJSON(ctx, notFound.URL, &out)
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, ErrorResponse{}, serr.Body)
}

// TestClient drives every client call against a fake coordinator.
func TestClient(t *testing.T) {
	st := model.Default().Instantiate(2)
	manifest, blob := tensor.Pack(model.Default().Named(st.Params))

	var pushed UpdateRequest
	mux := http.NewServeMux()
	mux.HandleFunc(PathGlobalModel, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ModelResponse{WeightSpecs: manifest, WeightData: blob, Version: 5, Revision: "abc"})
	})
	mux.HandleFunc(PathModelWeights, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(blob)
	})
	mux.HandleFunc(PathUpdateModel, func(w http.ResponseWriter, r *http.Request) {
		body := must.M1(io.ReadAll(r.Body))
		assert.NoError(t, json.Unmarshal(body, &pushed))
		_ = json.NewEncoder(w).Encode(UpdateResponse{Message: "Model updated successfully", Version: 6})
	})
	mux.HandleFunc(PathStatus, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(StatusResponse{Version: 6, UpdatesApplied: 1})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := NewClient(server.URL + "/")
	assert.Equal(t, server.URL, c.BaseURL())
	ctx := context.Background()

	m, err := c.FetchModel(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.Version)
	assert.Equal(t, blob, m.WeightData)

	raw, err := c.FetchWeights(ctx)
	require.NoError(t, err)
	assert.Equal(t, blob, raw)

	ack, err := c.PushWeights(ctx, st.Params)
	require.NoError(t, err)
	assert.Equal(t, int64(6), ack.Version)
	require.Len(t, pushed.Weights, 4)
	for i, w := range pushed.Weights {
		got := must.M1(tensor.Decode(w))
		assert.True(t, st.Params[i].Equal(got))
	}

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.UpdatesApplied)
}
