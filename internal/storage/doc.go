// Package storage owns the coordinator's single global model and its
// durable representation.
//
// # Overview
//
// ModelStore holds the one canonical model.State for the process. It is
// created uninitialized and becomes Ready on first access, either restored
// from a Persister or freshly instantiated from the model definition. All
// mutation goes through Commit.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│            Sync Service             │
//	│        (internal/coordinator)       │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│             ModelStore              │
//	│  Load / Current / Commit / Flush    │
//	└─────────────────────────────────────┘
//	                 │
//	         ┌───────┴────────┐
//	         ▼                ▼
//	┌────────────────┐  ┌────────────────┐
//	│ DiskPersister  │  │MemoryPersister │
//	│ model.json +   │  │ (tests, memory │
//	│ weights.*.bin  │  │  mode)         │
//	└────────────────┘  └────────────────┘
//
// # Persisted Layout
//
// DiskPersister writes two files to the model directory:
//
//	model.json              topology descriptor, weights manifest, version
//	weights.<revision>.bin  all weight bytes, back-to-back in manifest order
//
// model.json is replaced atomically (temp file + rename) after the weights
// file is fully written, so the pair on disk is always consistent. The
// manifest's offsets must partition the weights file exactly; anything else
// is reported as ErrCorruptPersistedState on load.
//
// # Concurrency and Thread Safety
//
// Locking Strategy:
//   - Reads use a shared lock and receive a copy of the state
//   - Commits are serialized and hold no read-blocking lock during I/O
//   - Every persister call is bounded by Options.PersistTimeout
//
// # Error Handling
//
// ErrNoRecord: nothing persisted yet
//   - Returned by Persister.Load only
//   - ModelStore reacts by instantiating a fresh model
//
// ErrCorruptPersistedState: record fails decoding or validation
//   - Manifest/blob mismatch, topology mismatch, signature mismatch
//   - Fatal to Load unless Options.RecoverCorrupt is set
//
// ErrPersistence: I/O failure or timeout
//   - Commit still replaces the in-memory state
//   - The state stays dirty until a later Flush or Commit succeeds
package storage
