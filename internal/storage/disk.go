package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/dreamware/fedcoord/internal/model"
	"github.com/dreamware/fedcoord/internal/tensor"
)

const (
	// ManifestFileName is the descriptor file inside the model directory.
	ManifestFileName = "model.json"

	weightsPrefix = "weights."
	weightsSuffix = ".bin"
	tempPattern   = ".tmp-*"
	recordFormat  = "layers-model"
	generatedBy   = "fedcoord"
)

// diskManifest is the JSON layout of model.json.
type diskManifest struct {
	Format          string         `json:"format"`
	GeneratedBy     string         `json:"generatedBy"`
	ModelTopology   model.Topology `json:"modelTopology"`
	WeightsManifest []weightsGroup `json:"weightsManifest"`
	Metadata        diskMetadata   `json:"metadata"`
}

type weightsGroup struct {
	Paths   []string        `json:"paths"`
	Weights tensor.Manifest `json:"weights"`
}

type diskMetadata struct {
	UpdatedAt time.Time `json:"updatedAt"`
	Revision  string    `json:"revision"`
	Version   int64     `json:"version"`
}

// DiskPersister stores the record as model.json plus one weights file in a
// directory.
//
// A save writes weights.<revision>.bin first and then atomically replaces
// model.json, which is the commit point: a crash at any step leaves the
// previous model.json pointing at its own, still present, weights file.
// Stale weights files are removed after the commit point.
//
// Operations are serialized. Each runs on its own goroutine so that a caller
// whose context expires gets ErrPersistence back without waiting. An
// operation whose context has expired by the time it holds the lock is
// skipped, so an abandoned save never overwrites a later one.
type DiskPersister struct {
	dir string
	mu  sync.Mutex // Serializes file operations
}

// NewDiskPersister creates a persister rooted at dir. The directory is
// created on the first save.
func NewDiskPersister(dir string) *DiskPersister {
	return &DiskPersister{dir: dir}
}

// Dir returns the model directory.
func (p *DiskPersister) Dir() string { return p.dir }

func (p *DiskPersister) String() string { return fmt.Sprintf("DiskPersister(%s)", p.dir) }

// run executes fn under the persister lock, returning early if ctx ends.
func (p *DiskPersister) run(ctx context.Context, op string, fn func() error) error {
	expired := func() error {
		return fmt.Errorf("%w: %s %s: %w", ErrPersistence, op, p.dir, ctx.Err())
	}
	done := make(chan error, 1)
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if ctx.Err() != nil {
			done <- expired()
			return
		}
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return expired()
	}
}

func persistErr(err error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrPersistence, errors.Wrapf(err, format, args...))
}

// Load reads model.json and the weights file it references.
func (p *DiskPersister) Load(ctx context.Context) (*Record, error) {
	var rec *Record
	err := p.run(ctx, "load", func() error {
		var err error
		rec, err = p.load()
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *DiskPersister) load() (*Record, error) {
	manifestPath := filepath.Join(p.dir, ManifestFileName)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRecord
		}
		return nil, persistErr(err, "%s: failed to read model metadata file %s", p, manifestPath)
	}

	var dm diskManifest
	if err := json.Unmarshal(raw, &dm); err != nil {
		return nil, wrapCorrupt(errors.Wrapf(err, "failed to decode %s", manifestPath))
	}
	if len(dm.WeightsManifest) != 1 || len(dm.WeightsManifest[0].Paths) != 1 {
		return nil, wrapCorrupt(errors.Errorf("%s must reference exactly one weights file", manifestPath))
	}
	group := dm.WeightsManifest[0]
	weightsName := group.Paths[0]
	if !isWeightsFileName(weightsName) {
		return nil, wrapCorrupt(errors.Errorf("%s references invalid weights file %q", manifestPath, weightsName))
	}

	weightsPath := filepath.Join(p.dir, weightsName)
	blob, err := os.ReadFile(weightsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapCorrupt(errors.Wrapf(err, "weights file %s is missing", weightsPath))
		}
		return nil, persistErr(err, "%s: failed to read weights file %s", p, weightsPath)
	}
	if err := group.Weights.Validate(len(blob)); err != nil {
		return nil, wrapCorrupt(errors.WithMessagef(err, "weights file %s", weightsPath))
	}

	klog.V(1).Infof("%s: loaded model version %d (%s)", p, dm.Metadata.Version, humanize.Bytes(uint64(len(blob))))
	return &Record{
		Topology:  dm.ModelTopology,
		Manifest:  group.Weights,
		Blob:      blob,
		Version:   dm.Metadata.Version,
		Revision:  dm.Metadata.Revision,
		UpdatedAt: dm.Metadata.UpdatedAt,
	}, nil
}

// Save writes rec as the new persisted model.
func (p *DiskPersister) Save(ctx context.Context, rec *Record) error {
	// The caller may reuse rec once we return early on a timeout.
	rec = rec.Clone()
	return p.run(ctx, "save", func() error { return p.save(rec) })
}

func (p *DiskPersister) save(rec *Record) error {
	if err := rec.Manifest.Validate(len(rec.Blob)); err != nil {
		return fmt.Errorf("%w: refusing to write: %w", ErrPersistence, err)
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return persistErr(err, "%s: failed to create model directory", p)
	}

	weightsName := weightsFileName(rec.Revision)
	if err := writeFileAtomic(filepath.Join(p.dir, weightsName), rec.Blob); err != nil {
		return persistErr(err, "%s: failed to write weights file %s", p, weightsName)
	}

	dm := diskManifest{
		Format:        recordFormat,
		GeneratedBy:   generatedBy,
		ModelTopology: rec.Topology,
		WeightsManifest: []weightsGroup{{
			Paths:   []string{weightsName},
			Weights: rec.Manifest,
		}},
		Metadata: diskMetadata{Version: rec.Version, Revision: rec.Revision, UpdatedAt: rec.UpdatedAt},
	}
	raw, err := json.MarshalIndent(&dm, "", "\t")
	if err != nil {
		return persistErr(err, "%s: failed to encode model metadata", p)
	}
	if err := writeFileAtomic(filepath.Join(p.dir, ManifestFileName), raw); err != nil {
		return persistErr(err, "%s: failed to write model metadata file %s", p, ManifestFileName)
	}

	p.removeStale(weightsName)
	klog.V(1).Infof("%s: persisted model version %d (%s)", p, rec.Version, humanize.Bytes(uint64(len(rec.Blob))))
	return nil
}

// removeStale deletes weights and temp files other than keep. Failures are
// logged only: the committed model.json never references them.
func (p *DiskPersister) removeStale(keep string) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		klog.Warningf("%s: failed to list model directory: %v", p, err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		stale := name != keep && isWeightsFileName(name)
		temp := strings.Contains(name, tempPattern[:len(tempPattern)-1])
		if !stale && !temp {
			continue
		}
		if err := os.Remove(filepath.Join(p.dir, name)); err != nil {
			klog.Warningf("%s: failed to remove stale file %s: %v", p, name, err)
		}
	}
}

// weightsFileName names the weights file for a revision. Revisions that are
// not UUIDs get a fresh one so the name is always safe.
func weightsFileName(revision string) string {
	id, err := uuid.Parse(revision)
	if err != nil {
		id = uuid.New()
	}
	return weightsPrefix + id.String() + weightsSuffix
}

func isWeightsFileName(name string) bool {
	if filepath.Base(name) != name || !strings.HasPrefix(name, weightsPrefix) || !strings.HasSuffix(name, weightsSuffix) {
		return false
	}
	_, err := uuid.Parse(strings.TrimSuffix(strings.TrimPrefix(name, weightsPrefix), weightsSuffix))
	return err == nil
}

// writeFileAtomic writes data to a temp file in the same directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+tempPattern)
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
