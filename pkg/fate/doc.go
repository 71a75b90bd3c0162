// Package fate assembles the fault-tolerant executor.
//
// # Architecture
//
//	┌──────────────────────── Executor ─────────────────────────┐
//	│                                                             │
//	│   finder.Finder ──(rendezvous chan)──▶ worker.Pool          │
//	│        │                                  │    ▲            │
//	│        │ Runnable scan          TryReserve│    │Resize      │
//	│        ▼                                  ▼    │            │
//	│   storage.Store ◀──────────────── supervisor.Supervisor     │
//	│        ▲                                                    │
//	│        │ ListReservations / ClearReservation                │
//	│   reservation.Manager ──▶ reservation.Liveness              │
//	│                                                             │
//	└─────────────────────────────────────────────────────────────┘
//
// An operation is a chain of Steps. Seeding attaches the first step and
// the declared operation kind to a NEW transaction and moves it to
// SUBMITTED; from there the finder/pool machinery drives Step.Ready and
// Step.Call, persisting each successor with a durable push before it
// runs. Failures flip the transaction to FAILED_IN_PROGRESS, and the next
// worker to reserve it unwinds the stack through Step.Undo.
//
// Steps are persisted as tagged, versioned payloads; the Registry maps
// tags back to factories so a restarted process can rehydrate a stack it
// did not build. Operation packages register their step variants at
// startup:
//
//	registry := fate.NewRegistry()
//	registry.Register("create-table.populate", decodePopulateStep)
//
//	ex, err := fate.New(fate.Config{Store: store, Registry: registry})
//	ex.Start()
//	defer ex.Shutdown(ctx)
//
//	id, _ := ex.Create(ctx, types.InstanceUser)
//	err = ex.Seed(ctx, id, fate.SeedRequest{
//	    Op:   types.OpCreateTable,
//	    Step: newPopulateStep(tableName),
//	    Key:  types.Key{Kind: types.OpCreateTable, Payload: tableName},
//	})
//
// The admin surface (list, cancel, wait, delete, fetch-return,
// fetch-exception) is exposed both as methods on Executor for in-process
// embedding and as a JSON HTTP API via AdminHandler, which also mounts
// the Prometheus metrics and health endpoints.
package fate
