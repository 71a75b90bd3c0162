// Package storage implements the transaction store: durable,
// crash-safe storage of every Tx record, with compare-and-swap semantics
// keyed by transaction id.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────┐
//	│                         storage.Store                        │
//	│  Create · List · Runnable · Reserve · TryReserve · Read       │
//	│  FindByKey · ListReservations · ClearReservation              │
//	│  WaitForStatusChange · Close                                  │
//	└───────────────┬───────────────────────────────┬──────────────┘
//	                │                               │
//	     ┌──────────▼──────────┐          ┌─────────▼──────────┐
//	     │      BoltStore       │          │      RaftStore       │
//	     │  go.etcd.io/bbolt     │          │  hashicorp/raft       │
//	     │  single-process file  │          │  replicated FSM       │
//	     │  USER instance type   │          │  META instance type   │
//	     └──────────────────────┘          └─────────────────────┘
//	                ▲                               ▲
//	                └───────────────┬───────────────┘
//	                          storage.Router
//	                   dispatches by id.Instance
//
// # Core components
//
//   - BoltStore persists each transaction id in two buckets, a header
//     (status, key, info, reservation) and a stack, plus a third bucket
//     indexing business keys to ids. Header and stack are separate so that a
//     push or pop is durable independent of any header mutation in the
//     same logical operation, without forcing every status change to also
//     rewrite the (potentially large) stack blob.
//   - RaftStore keeps the equivalent state in an in-memory txFSM,
//     replicated by hashicorp/raft: every mutation is a tagged txCommand
//     applied through raft.Apply, and Read/List/Runnable read directly off
//     the FSM's map without going through the log (a deliberately
//     stale-tolerant read path).
//   - Router fans Runnable out across both backends and otherwise picks one
//     backend per call based on the id's instance-type tag.
//
// # CRUD operations
//
// Create allocates an id and a NEW transaction with an empty stack. List
// enumerates transactions, optionally filtered by the business-key kind.
// Reserve/TryReserve install a reservation; Handle exposes the mutations
// available only while that reservation is held (GetStatus/SetStatus,
// Top/Push/Pop, GetInfo/SetInfo, SetKey, Delete, Unreserve).
// ListReservations/ClearReservation exist solely for the dead-reservation
// sweep in pkg/reservation; nothing else should call ClearReservation, since
// it bypasses the normal reservation-ownership check by design.
//
// # Usage
//
//	store, err := storage.NewBoltStore(dataDir)
//	id, err := store.Create(ctx, types.InstanceUser)
//	h, ok, err := store.TryReserve(ctx, id, ownerID)
//	if ok {
//	    defer h.Unreserve(ctx, 0)
//	    _ = h.SetStatus(ctx, types.StatusSubmitted)
//	    _ = h.Push(ctx, types.StackEntry{Tag: "create-table", Version: 1})
//	}
//
// # Design patterns
//
//   - Upsert via CAS: BoltStore mutations always read-modify-write inside a
//     single bbolt transaction, so a concurrent writer either sees the
//     pre- or post-image, never a partial update.
//   - Reservation-gated mutation: every Handle method checks the header's
//     current Reservation.OwnerID against the handle's own ownerID before
//     writing; a stale handle (reservation reassigned or cleared under it)
//     fails with types.ErrNotReserved instead of silently clobbering
//     another owner's progress.
//   - Cursor iteration: List, Runnable, and ListReservations all walk the
//     headers bucket with a bbolt cursor rather than loading the whole
//     bucket into memory at once.
//
// # Performance characteristics
//
// BoltStore: reads are lock-free snapshot reads (bbolt's MVCC); writes
// serialize behind a single file lock, so reservation acquisition and
// stack pushes on unrelated transactions still contend on the same
// b-tree page cache. For the expected few-thousand-transaction
// working set this is well within bbolt's comfortable range; a
// high-fan-out deployment with tens of thousands of concurrently live
// transactions should shard across multiple BoltStore files by id prefix
// before it becomes a bottleneck.
//
// RaftStore: every write pays one quorum round-trip (tuned to ~500ms
// heartbeat/election timeouts, set in NewRaftStore); reads are local and do not
// wait on the log, so a follower can observe a slightly stale Reservation
// or Status immediately after a write committed on the leader.
//
// # Troubleshooting
//
// Symptom: TryReserve always returns ok=false for a transaction nothing
// appears to be processing.
// Cause: a prior owner crashed while holding the reservation and the
// dead-reservation sweep (pkg/reservation) has not yet run or cannot reach
// the liveness registry.
// Check: ListReservations for the id's OwnerID and cross-reference against
// the liveness registry directly.
//
// Symptom: RaftStore writes return "not the leader" on every node.
// Cause: the cluster has not completed an election, usually because
// BootstrapCluster was never called or every node's DataDir was wiped
// independently, losing quorum.
// Check: raft.State() on each node; a cluster stuck with no leader after
// several election timeouts needs its log/stable stores inspected.
package storage
