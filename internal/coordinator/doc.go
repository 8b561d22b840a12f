// Package coordinator implements the weight synchronization service of the
// federated model coordinator: it accepts parameter updates from training
// clients, folds them into the single global model and serves that model
// back.
//
// # Overview
//
// The Service sits between the transport (internal/server) and the model
// store (internal/storage). It owns no state of its own beyond monitoring
// counters; the global model lives in storage.ModelStore.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│      HTTP handlers (server)         │
//	└─────────────────────────────────────┘
//	        │ Update            │ fetch
//	        ▼                   ▼
//	┌─────────────────────────────────────┐
//	│             Service                 │
//	│  - mode resolution                  │
//	│  - signature validation             │
//	│  - aggregation (internal/aggregate) │
//	│  - packing (internal/tensor)        │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│        storage.ModelStore           │
//	└─────────────────────────────────────┘
//
// # Update Modes
//
//	overwrite         exactly one set replaces the global parameters
//	average           FedAvg over the sets, optionally with the current
//	                  global parameters as one more peer (IncludeGlobal)
//	weighted_average  FedAvg weighted by SampleCounts, one per set
//
// An empty mode is inferred from the number of sets: one set overwrites,
// several are averaged.
//
// Every set is validated against the model signature before anything is
// aggregated, and aggregation runs inside ModelStore.Update so that an
// IncludeGlobal average always sees the state it replaces.
//
// # Failure Scenarios
//
// Validation (KindValidation, errors.Is ErrValidation):
//   - Wrong tensor count, dtype or shape; unknown mode; bad sample counts
//   - Nothing changes, nothing is persisted
//
// Persistence (KindPersistence):
//   - The update is live in memory and acknowledged, but not durable
//   - The next fetch retries persisting it
//
// Unavailable (KindUnavailable, errors.Is ErrModelUnavailable):
//   - The persisted record is corrupt or cannot be read
//   - Every operation fails until the store loads successfully
//
// # Usage Example
//
//	store := storage.NewModelStore(model.Default(), storage.NewDiskPersister(dir), storage.Options{Seed: 42})
//	svc := coordinator.NewService(store)
//
//	ack, err := svc.ApplyUpdate(ctx, coordinator.Update{Sets: []model.ParameterSet{a, b}})
//	snap, err := svc.FetchGlobalModel(ctx)
package coordinator
