package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fedcoord/internal/api"
	"github.com/dreamware/fedcoord/internal/coordinator"
	"github.com/dreamware/fedcoord/internal/model"
	"github.com/dreamware/fedcoord/internal/storage"
	"github.com/dreamware/fedcoord/internal/tensor"
)

func newTestServer(t *testing.T, p storage.Persister, opts Options) http.Handler {
	t.Helper()
	store := storage.NewModelStore(model.Default(), p, storage.Options{Seed: 42})
	return New(coordinator.NewService(store), opts).Handler()
}

// filledWires encodes a default-signature set with every element set to v.
func filledWires(t *testing.T, v float64) []tensor.Wire {
	t.Helper()
	var out []tensor.Wire
	for _, spec := range model.Default().Signature() {
		data := make([]float64, must.M1(tensor.NumElements(spec.Shape)))
		for i := range data {
			data[i] = v
		}
		out = append(out, tensor.Encode(must.M1(tensor.New(spec.DType, spec.Shape, data))))
	}
	return out
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// modelValues returns the first element of every tensor of the served model.
func modelValues(t *testing.T, h http.Handler) []float64 {
	t.Helper()
	rec := do(t, h, http.MethodGet, api.PathGlobalModel, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[api.ModelResponse](t, rec)
	named := must.M1(m.Tensors())
	var out []float64
	for _, nt := range named {
		out = append(out, nt.Tensor.At(0))
	}
	return out
}

// TestHandleGlobalModelFresh verifies a fetch before any update returns the
// initial model in the documented shape.
func TestHandleGlobalModelFresh(t *testing.T) {
	h := newTestServer(t, storage.NewMemoryPersister(), Options{})
	rec := do(t, h, http.MethodGet, api.PathGlobalModel, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	for _, key := range []string{"modelTopology", "weightSpecs", "weightData", "version", "revision"} {
		assert.Contains(t, raw, key)
	}
	topo := raw["modelTopology"].(map[string]any)
	assert.Equal(t, "Sequential", topo["class_name"])

	m := decode[api.ModelResponse](t, rec)
	assert.Equal(t, int64(0), m.Version)
	assert.Equal(t, model.Default().Names(), specNames(m.WeightSpecs))
}

func specNames(m tensor.Manifest) []string {
	var out []string
	for _, s := range m {
		out = append(out, s.Name)
	}
	return out
}

// TestHandleUpdateModel covers the request shapes and the status code of
// each outcome.
func TestHandleUpdateModel(t *testing.T) {
	wrongShape := filledWires(t, 1)
	wrongShape[0].Shape = []int{10, 1}

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantValue  float64 // Element of the global model after the request
		wantIndex  *int
		wantMsg    string
	}{
		{
			name:       "single set overwrites",
			body:       api.UpdateRequest{Weights: filledWires(t, 0.5)},
			wantStatus: http.StatusOK,
			wantValue:  0.5,
		},
		{
			name:       "clients are averaged",
			body:       api.UpdateRequest{Clients: [][]tensor.Wire{filledWires(t, 1), filledWires(t, 2)}},
			wantStatus: http.StatusOK,
			wantValue:  1.5,
		},
		{
			name: "weighted average",
			body: api.UpdateRequest{
				Clients:      [][]tensor.Wire{filledWires(t, 1), filledWires(t, 2)},
				Mode:         "weighted_average",
				SampleCounts: []float64{1, 3},
			},
			wantStatus: http.StatusOK,
			wantValue:  1.75,
		},
		{
			name:       "malformed json",
			body:       `{"weights": [`,
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Invalid request body",
		},
		{
			name:       "empty body object",
			body:       `{}`,
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Invalid weights",
		},
		{
			name:       "shape mismatch",
			body:       api.UpdateRequest{Weights: wrongShape},
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Invalid weights",
			wantIndex:  new(int),
		},
		{
			name:       "wrong tensor count",
			body:       api.UpdateRequest{Weights: filledWires(t, 1)[:2]},
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Invalid weights",
		},
		{
			name:       "unknown dtype",
			body:       `{"weights":[{"shape":[1],"dtype":"complex64","data":[1]}]}`,
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Invalid weights",
			wantIndex:  new(int),
		},
		{
			name:       "unknown mode",
			body:       api.UpdateRequest{Weights: filledWires(t, 1), Mode: "median"},
			wantStatus: http.StatusInternalServerError,
			wantMsg:    "Invalid weights",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, storage.NewMemoryPersister(), Options{})
			before := modelValues(t, h)

			rec := do(t, h, http.MethodPost, api.PathUpdateModel, tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantStatus != http.StatusOK {
				resp := decode[api.ErrorResponse](t, rec)
				assert.Equal(t, tt.wantMsg, resp.Message)
				assert.NotEmpty(t, resp.Error)
				if tt.wantIndex != nil {
					require.NotNil(t, resp.Index)
					assert.Equal(t, *tt.wantIndex, *resp.Index)
				}
				assert.Equal(t, before, modelValues(t, h), "rejected update must not change the model")
				return
			}

			resp := decode[api.UpdateResponse](t, rec)
			assert.Equal(t, "Model updated successfully", resp.Message)
			assert.Equal(t, int64(1), resp.Version)
			assert.NotEmpty(t, resp.Revision)
			for _, v := range modelValues(t, h) {
				assert.InDelta(t, tt.wantValue, v, 1e-7)
			}
		})
	}
}

// TestHandleUpdateModelBodyLimit verifies oversized bodies are refused.
func TestHandleUpdateModelBodyLimit(t *testing.T) {
	h := newTestServer(t, storage.NewMemoryPersister(), Options{MaxBodyBytes: 64})
	rec := do(t, h, http.MethodPost, api.PathUpdateModel, api.UpdateRequest{Weights: filledWires(t, 1)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// TestHandleUpdateModelPersistFailure verifies a failed save is a server
// error although the update is live.
func TestHandleUpdateModelPersistFailure(t *testing.T) {
	p := storage.NewMemoryPersister()
	h := newTestServer(t, p, Options{})
	_ = modelValues(t, h)

	p.SetSaveError(errors.New("disk full"))
	rec := do(t, h, http.MethodPost, api.PathUpdateModel, api.UpdateRequest{Weights: filledWires(t, 2)})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decode[api.ErrorResponse](t, rec).Error, "disk full")

	status := decode[api.StatusResponse](t, do(t, h, http.MethodGet, api.PathStatus, nil))
	assert.True(t, status.Dirty)
	assert.Equal(t, int64(1), status.Version)
}

// TestHandleGlobalModelCorrupt verifies an unreadable record is reported
// as not found.
func TestHandleGlobalModelCorrupt(t *testing.T) {
	def := model.Default()
	rec := storage.NewRecord(def, def.Instantiate(1))
	rec.Manifest = rec.Manifest[:1]
	p := storage.NewMemoryPersister()
	p.Put(rec)
	h := newTestServer(t, p, Options{})

	resp := do(t, h, http.MethodGet, api.PathGlobalModel, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "Global model not found", decode[api.ErrorResponse](t, resp).Message)

	resp = do(t, h, http.MethodPost, api.PathUpdateModel, api.UpdateRequest{Weights: filledWires(t, 1)})
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

// failingPersister fails every load with an I/O error.
type failingPersister struct{}

func (failingPersister) Load(context.Context) (*storage.Record, error) {
	return nil, errors.Join(storage.ErrPersistence, errors.New("permission denied"))
}

func (failingPersister) Save(context.Context, *storage.Record) error { return nil }

func TestHandleGlobalModelIOFailure(t *testing.T) {
	h := newTestServer(t, failingPersister{}, Options{})
	resp := do(t, h, http.MethodGet, api.PathGlobalModel, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

// TestHandleModelWeights verifies the raw blob matches the JSON response.
func TestHandleModelWeights(t *testing.T) {
	h := newTestServer(t, storage.NewMemoryPersister(), Options{})
	m := decode[api.ModelResponse](t, do(t, h, http.MethodGet, api.PathGlobalModel, nil))

	rec := do(t, h, http.MethodGet, api.PathModelWeights, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "0", rec.Header().Get("X-Model-Version"))
	assert.Equal(t, m.WeightData, rec.Body.Bytes())
}

// TestCORS verifies permissive CORS headers and preflight handling.
func TestCORS(t *testing.T) {
	h := newTestServer(t, storage.NewMemoryPersister(), Options{})

	req := httptest.NewRequest(http.MethodOptions, api.PathUpdateModel, nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.True(t, strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST"))

	rec = do(t, h, http.MethodGet, api.PathHealth, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestServer(t, storage.NewMemoryPersister(), Options{})
	tests := []struct {
		method, path string
	}{
		{http.MethodGet, api.PathUpdateModel},
		{http.MethodPost, api.PathGlobalModel},
		{http.MethodDelete, api.PathModelWeights},
		{http.MethodPut, api.PathStatus},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, tt.method, tt.path, nil).Code)
		})
	}
}

// TestHandleStatus verifies the counters follow applied and rejected updates.
func TestHandleStatus(t *testing.T) {
	h := newTestServer(t, storage.NewMemoryPersister(), Options{})
	do(t, h, http.MethodPost, api.PathUpdateModel, api.UpdateRequest{Weights: filledWires(t, 1)})
	do(t, h, http.MethodPost, api.PathUpdateModel, api.UpdateRequest{Weights: filledWires(t, 1)[:1]})

	status := decode[api.StatusResponse](t, do(t, h, http.MethodGet, api.PathStatus, nil))
	assert.Equal(t, int64(1), status.Version)
	assert.Equal(t, int64(1), status.UpdatesApplied)
	assert.Equal(t, int64(1), status.UpdatesRejected)
	assert.False(t, status.LastUpdate.IsZero())
	assert.False(t, status.Dirty)
}
