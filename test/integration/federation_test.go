// Package integration exercises the coordinator end to end over HTTP with
// on-disk persistence.
package integration

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/fedcoord/internal/api"
	"github.com/dreamware/fedcoord/internal/coordinator"
	"github.com/dreamware/fedcoord/internal/model"
	"github.com/dreamware/fedcoord/internal/server"
	"github.com/dreamware/fedcoord/internal/storage"
	"github.com/dreamware/fedcoord/internal/tensor"
)

// TestSystem is a coordinator serving from a model directory.
type TestSystem struct {
	t      *testing.T
	dir    string
	opts   storage.Options
	srv    *httptest.Server
	Client *api.Client
}

// NewTestSystem starts a coordinator on a fresh model directory.
func NewTestSystem(t *testing.T, opts storage.Options) *TestSystem {
	ts := &TestSystem{t: t, dir: t.TempDir(), opts: opts}
	ts.Start()
	t.Cleanup(ts.Stop)
	return ts
}

// Start launches the coordinator. Every start reads the model directory
// anew, like a process restart.
func (ts *TestSystem) Start() {
	store := storage.NewModelStore(model.Default(), storage.NewDiskPersister(ts.dir), ts.opts)
	ts.srv = httptest.NewServer(server.New(coordinator.NewService(store), server.Options{}).Handler())
	ts.Client = api.NewClient(ts.srv.URL)
}

// Stop shuts the coordinator down.
func (ts *TestSystem) Stop() {
	if ts.srv != nil {
		ts.srv.Close()
		ts.srv = nil
	}
}

// Restart stops and starts the coordinator on the same directory.
func (ts *TestSystem) Restart() {
	ts.Stop()
	ts.Start()
}

// Fetch returns the served parameters and version.
func (ts *TestSystem) Fetch(ctx context.Context) (model.ParameterSet, *api.ModelResponse) {
	ts.t.Helper()
	m, err := ts.Client.FetchModel(ctx)
	require.NoError(ts.t, err)
	named, err := m.Tensors()
	require.NoError(ts.t, err)
	ps := make(model.ParameterSet, len(named))
	for i, nt := range named {
		ps[i] = nt.Tensor
	}
	return ps, m
}

func uniform(t *testing.T, v float64) model.ParameterSet {
	t.Helper()
	var ps model.ParameterSet
	for _, spec := range model.Default().Signature() {
		data := make([]float64, must.M1(tensor.NumElements(spec.Shape)))
		for i := range data {
			data[i] = v
		}
		ps = append(ps, must.M1(tensor.New(spec.DType, spec.Shape, data)))
	}
	return ps
}

// TestOverwriteThenFetch: a fresh coordinator applies one set and serves it
// back exactly.
func TestOverwriteThenFetch(t *testing.T) {
	ts := NewTestSystem(t, storage.Options{Seed: 42})
	ctx := context.Background()

	initial, m := ts.Fetch(ctx)
	assert.Equal(t, int64(0), m.Version)
	assert.True(t, model.Default().Instantiate(42).Params.Equal(initial))

	w1 := model.Default().Instantiate(1).Params
	_, err := ts.Client.PushWeights(ctx, w1)
	require.NoError(t, err)

	got, m := ts.Fetch(ctx)
	assert.Equal(t, int64(1), m.Version)
	assert.True(t, w1.Equal(got))
}

// TestAverageTwoClients: two peer sets produce their elementwise mean, and
// including the global model adds it as a third peer.
func TestAverageTwoClients(t *testing.T) {
	ts := NewTestSystem(t, storage.Options{Seed: 42})
	ctx := context.Background()
	w1 := model.Default().Instantiate(1).Params
	w2 := model.Default().Instantiate(2).Params

	_, err := ts.Client.PushUpdate(ctx, api.UpdateRequest{Clients: [][]tensor.Wire{api.EncodeSet(w1), api.EncodeSet(w2)}})
	require.NoError(t, err)
	mean, _ := ts.Fetch(ctx)
	for i := range mean {
		for j := 0; j < mean[i].Len(); j++ {
			assert.InDelta(t, (w1[i].At(j)+w2[i].At(j))/2, mean[i].At(j), 1e-6)
		}
	}

	_, err = ts.Client.PushUpdate(ctx, api.UpdateRequest{
		Clients:       [][]tensor.Wire{api.EncodeSet(uniform(t, 0)), api.EncodeSet(uniform(t, 0))},
		Mode:          "average",
		IncludeGlobal: true,
	})
	require.NoError(t, err)
	third, m := ts.Fetch(ctx)
	assert.Equal(t, int64(2), m.Version)
	for i := range third {
		for j := 0; j < third[i].Len(); j++ {
			assert.InDelta(t, mean[i].At(j)/3, third[i].At(j), 1e-6)
		}
	}
}

// TestRestartKeepsModel: the last acknowledged update survives a restart.
func TestRestartKeepsModel(t *testing.T) {
	ts := NewTestSystem(t, storage.Options{Seed: 42})
	ctx := context.Background()
	w := uniform(t, 0.125)

	ack, err := ts.Client.PushWeights(ctx, w)
	require.NoError(t, err)

	ts.Restart()
	got, m := ts.Fetch(ctx)
	assert.True(t, w.Equal(got))
	assert.Equal(t, ack.Version, m.Version)
	assert.Equal(t, ack.Revision, m.Revision)

	// The seed only matters for a directory with no model.
	ts.opts.Seed = 7
	ts.Restart()
	got, _ = ts.Fetch(ctx)
	assert.True(t, w.Equal(got))
}

// TestRejectedUpdateIsAtomic: a set with one bad tensor changes nothing,
// on disk or in memory.
func TestRejectedUpdateIsAtomic(t *testing.T) {
	ts := NewTestSystem(t, storage.Options{Seed: 42})
	ctx := context.Background()
	before, _ := ts.Fetch(ctx)

	bad := api.EncodeSet(uniform(t, 1))
	bad[3].Shape = []int{1, 1}
	_, err := ts.Client.PushUpdate(ctx, api.UpdateRequest{Weights: bad})
	var serr *api.StatusError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, serr.StatusCode)
	assert.Equal(t, "Invalid weights", serr.Body.Message)
	require.NotNil(t, serr.Body.Index)
	assert.Equal(t, 3, *serr.Body.Index)

	after, m := ts.Fetch(ctx)
	assert.True(t, before.Equal(after))
	assert.Equal(t, int64(0), m.Version)

	ts.Restart()
	after, _ = ts.Fetch(ctx)
	assert.True(t, before.Equal(after))
}

// TestCorruptModelDirectory: a damaged weights file makes the model
// unavailable, unless recovery is enabled.
func TestCorruptModelDirectory(t *testing.T) {
	ts := NewTestSystem(t, storage.Options{Seed: 42})
	ctx := context.Background()
	_, err := ts.Client.PushWeights(ctx, uniform(t, 2))
	require.NoError(t, err)
	ts.Stop()

	files := must.M1(filepath.Glob(filepath.Join(ts.dir, "weights.*.bin")))
	require.Len(t, files, 1)
	require.NoError(t, os.WriteFile(files[0], []byte("short"), 0o644))

	ts.Start()
	_, err = ts.Client.FetchModel(ctx)
	var serr *api.StatusError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
	assert.Equal(t, "Global model not found", serr.Body.Message)

	ts.opts.RecoverCorrupt = true
	ts.Restart()
	got, m := ts.Fetch(ctx)
	assert.Equal(t, int64(0), m.Version)
	assert.True(t, model.Default().Instantiate(42).Params.Equal(got))
}

// TestConcurrentClients: parallel updates are all applied and every fetch
// sees a whole set.
func TestConcurrentClients(t *testing.T) {
	ts := NewTestSystem(t, storage.Options{Seed: 42})
	ctx := context.Background()
	const clients = 6
	const rounds = 5

	var wg sync.WaitGroup
	for c := 0; c < clients; c++ {
		wg.Add(2)
		go func(c int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				_, err := ts.Client.PushWeights(ctx, uniform(t, float64(c+1)))
				assert.NoError(t, err)
			}
		}(c)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				m, err := ts.Client.FetchModel(ctx)
				if !assert.NoError(t, err) {
					return
				}
				if m.Version == 0 {
					continue
				}
				named := must.M1(m.Tensors())
				first := named[0].Tensor.At(0)
				for _, nt := range named {
					for _, v := range nt.Tensor.Data() {
						assert.Equal(t, first, v)
					}
				}
			}
		}()
	}
	wg.Wait()

	status, err := ts.Client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(clients*rounds), status.Version)
	assert.Equal(t, int64(clients*rounds), status.UpdatesApplied)
	assert.False(t, status.Dirty)

	ts.Restart()
	_, m := ts.Fetch(ctx)
	assert.Equal(t, int64(clients*rounds), m.Version)
}
