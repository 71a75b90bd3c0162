package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/meatballspaghetti/fate/pkg/types"
)

var (
	bucketHeaders = []byte("tx_headers")
	bucketStacks  = []byte("tx_stacks")
	bucketKeys    = []byte("tx_keys")
)

// runnableStatuses is the set of statuses Runnable offers to workers.
var runnableStatuses = map[types.Status]bool{
	types.StatusSubmitted:        true,
	types.StatusInProgress:       true,
	types.StatusFailedInProgress: true,
}

// boltHeader is the durable envelope for everything about a transaction
// except its step stack, which lives in a separate bucket so that pushes
// and pops are independently durable.
type boltHeader struct {
	ID          types.ID          `json:"id"`
	Status      types.Status      `json:"status"`
	Key         types.Key         `json:"key"`
	Info        types.Info        `json:"info"`
	Reservation types.Reservation `json:"reservation"`
	NotBefore   time.Time         `json:"not_before,omitempty"`
}

// BoltStore implements Store using an embedded go.etcd.io/bbolt database.
// It is the backend used for USER-instance transactions: a single manager
// process owns the file, so no cross-node consensus is required.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB-backed transaction
// store under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fate.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketHeaders, bucketStacks, bucketKeys} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) readHeader(tx *bolt.Tx, id types.ID) (boltHeader, bool, error) {
	b := tx.Bucket(bucketHeaders)
	data := b.Get([]byte(id.String()))
	if data == nil {
		return boltHeader{}, false, nil
	}
	var h boltHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return boltHeader{}, false, fmt.Errorf("unmarshal header %s: %w", id, err)
	}
	return h, true, nil
}

func (s *BoltStore) putHeader(tx *bolt.Tx, h boltHeader) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketHeaders).Put([]byte(h.ID.String()), data)
}

func (s *BoltStore) readStack(tx *bolt.Tx, id types.ID) ([]types.StackEntry, error) {
	data := tx.Bucket(bucketStacks).Get([]byte(id.String()))
	if data == nil {
		return nil, nil
	}
	var stack []types.StackEntry
	if err := json.Unmarshal(data, &stack); err != nil {
		return nil, fmt.Errorf("unmarshal stack %s: %w", id, err)
	}
	return stack, nil
}

func (s *BoltStore) putStack(tx *bolt.Tx, id types.ID, stack []types.StackEntry) error {
	data, err := json.Marshal(stack)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketStacks).Put([]byte(id.String()), data)
}

// Create allocates a random id and persists a new NEW transaction with an
// empty stack.
func (s *BoltStore) Create(ctx context.Context, instance types.InstanceType) (types.ID, error) {
	id := types.ID{Instance: instance, UUID: uuid.NewString()}
	h := boltHeader{
		ID:     id,
		Status: types.StatusNew,
		Info:   types.Info{CreatedAt: time.Now()},
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := s.putHeader(tx, h); err != nil {
			return err
		}
		return s.putStack(tx, id, nil)
	})
	if err != nil {
		return types.ID{}, fmt.Errorf("create transaction: %w", err)
	}
	return id, nil
}

// List returns every transaction, optionally filtered by key kind.
func (s *BoltStore) List(ctx context.Context, keyKind types.OperationKind) ([]ListItem, error) {
	var items []ListItem
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHeaders).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var h boltHeader
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("unmarshal header %s: %w", k, err)
			}
			if keyKind != "" && h.Key.Kind != keyKind {
				continue
			}
			items = append(items, ListItem{ID: h.ID, Key: h.Key})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return items, nil
}

// Runnable rescans the store for runnable transactions until stop is
// closed or sink asks it to stop early, pausing briefly between passes so
// it does not spin the database lock.
func (s *BoltStore) Runnable(ctx context.Context, stop <-chan struct{}, sink Sink) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var candidates []types.ID
		err := s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(bucketHeaders).Cursor()
			now := time.Now()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var h boltHeader
				if err := json.Unmarshal(v, &h); err != nil {
					return fmt.Errorf("unmarshal header %s: %w", k, err)
				}
				if !runnableStatuses[h.Status] {
					continue
				}
				if h.Reservation.Held() {
					continue
				}
				if h.NotBefore.After(now) {
					continue
				}
				candidates = append(candidates, h.ID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan runnable: %w", err)
		}

		for _, id := range candidates {
			if !sink(id) {
				return nil
			}
		}

		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reserve blocks until id's reservation is free, then installs ownerID.
func (s *BoltStore) Reserve(ctx context.Context, id types.ID, ownerID string) (Handle, error) {
	for {
		h, ok, err := s.TryReserve(ctx, id, ownerID)
		if err != nil {
			return nil, err
		}
		if ok {
			return h, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// TryReserve attempts a non-blocking reservation acquisition.
func (s *BoltStore) TryReserve(ctx context.Context, id types.ID, ownerID string) (Handle, bool, error) {
	var acquired bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		h, ok, err := s.readHeader(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrUnknownTransaction
		}
		if h.Reservation.Held() {
			return nil
		}
		h.Reservation = types.Reservation{OwnerID: ownerID, AcquiredAt: time.Now()}
		acquired = true
		return s.putHeader(tx, h)
	})
	if err != nil {
		return nil, false, fmt.Errorf("try-reserve %s: %w", id, err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &boltHandle{store: s, id: id, ownerID: ownerID}, true, nil
}

// Read returns a read-only snapshot view of the transaction.
func (s *BoltStore) Read(ctx context.Context, id types.ID) (types.ReadView, error) {
	var view types.ReadView
	err := s.db.View(func(tx *bolt.Tx) error {
		h, ok, err := s.readHeader(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			view = types.ReadView{ID: id, Status: types.StatusUnknown}
			return nil
		}
		stack, err := s.readStack(tx, id)
		if err != nil {
			return err
		}
		view = types.ReadView{ID: id, Status: h.Status}
		if len(stack) > 0 {
			top := stack[len(stack)-1]
			view.Top = &top
		}
		return nil
	})
	if err != nil {
		return types.ReadView{}, fmt.Errorf("read %s: %w", id, err)
	}
	return view, nil
}

// FindByKey looks up a transaction by its business-level dedup key.
func (s *BoltStore) FindByKey(ctx context.Context, key types.Key) (types.ID, bool, error) {
	var (
		id    types.ID
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKeys).Get(keyIndexKey(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &id)
	})
	if err != nil {
		return types.ID{}, false, fmt.Errorf("find by key: %w", err)
	}
	return id, found, nil
}

func keyIndexKey(key types.Key) []byte {
	return []byte(string(key.Kind) + "|" + key.Payload)
}

// ListReservations returns every currently-held reservation.
func (s *BoltStore) ListReservations(ctx context.Context) ([]ReservationInfo, error) {
	var out []ReservationInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHeaders).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var h boltHeader
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("unmarshal header %s: %w", k, err)
			}
			if h.Reservation.Held() {
				out = append(out, ReservationInfo{
					ID:         h.ID,
					OwnerID:    h.Reservation.OwnerID,
					AcquiredAt: h.Reservation.AcquiredAt,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return out, nil
}

// ClearReservation administratively clears id's reservation without
// requiring the caller to hold it.
func (s *BoltStore) ClearReservation(ctx context.Context, id types.ID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		h, ok, err := s.readHeader(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		h.Reservation = types.Reservation{}
		return s.putHeader(tx, h)
	})
	if err != nil {
		return fmt.Errorf("clear reservation %s: %w", id, err)
	}
	return nil
}

// WaitForStatusChange blocks until id's status is in targets or deadline
// elapses.
func (s *BoltStore) WaitForStatusChange(ctx context.Context, id types.ID, targets []types.Status, deadline time.Time) (types.Status, error) {
	target := make(map[types.Status]bool, len(targets))
	for _, t := range targets {
		target[t] = true
	}

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		view, err := s.Read(ctx, id)
		if err != nil {
			return types.StatusUnknown, err
		}
		if target[view.Status] {
			return view.Status, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return view.Status, nil
		}
		select {
		case <-ctx.Done():
			return view.Status, ctx.Err()
		case <-ticker.C:
		}
	}
}

// boltHandle is the mutating view available while a reservation is held.
type boltHandle struct {
	store   *BoltStore
	id      types.ID
	ownerID string
}

func (h *boltHandle) ID() types.ID { return h.id }

func (h *boltHandle) withHeader(fn func(*boltHeader) error) error {
	return h.store.db.Update(func(tx *bolt.Tx) error {
		hdr, ok, err := h.store.readHeader(tx, h.id)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrUnknownTransaction
		}
		if hdr.Reservation.OwnerID != h.ownerID {
			return types.ErrNotReserved
		}
		if err := fn(&hdr); err != nil {
			return err
		}
		return h.store.putHeader(tx, hdr)
	})
}

func (h *boltHandle) GetStatus(ctx context.Context) (types.Status, error) {
	var status types.Status
	err := h.store.db.View(func(tx *bolt.Tx) error {
		hdr, ok, err := h.store.readHeader(tx, h.id)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrUnknownTransaction
		}
		status = hdr.Status
		return nil
	})
	return status, err
}

func (h *boltHandle) SetStatus(ctx context.Context, next types.Status) error {
	err := h.withHeader(func(hdr *boltHeader) error {
		if !types.CanTransition(hdr.Status, next) {
			return types.ErrInvalidTransition
		}
		hdr.Status = next
		return nil
	})
	if err != nil {
		return err
	}
	h.store.notify(h.id, next)
	return nil
}

func (h *boltHandle) Top(ctx context.Context) (types.StackEntry, bool, error) {
	var (
		top   types.StackEntry
		found bool
	)
	err := h.store.db.View(func(tx *bolt.Tx) error {
		stack, err := h.store.readStack(tx, h.id)
		if err != nil {
			return err
		}
		if len(stack) > 0 {
			top = stack[len(stack)-1]
			found = true
		}
		return nil
	})
	return top, found, err
}

func (h *boltHandle) Depth(ctx context.Context) (int, error) {
	var n int
	err := h.store.db.View(func(tx *bolt.Tx) error {
		stack, err := h.store.readStack(tx, h.id)
		if err != nil {
			return err
		}
		n = len(stack)
		return nil
	})
	return n, err
}

func (h *boltHandle) Push(ctx context.Context, entry types.StackEntry) error {
	return h.store.db.Update(func(tx *bolt.Tx) error {
		hdr, ok, err := h.store.readHeader(tx, h.id)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrUnknownTransaction
		}
		if hdr.Reservation.OwnerID != h.ownerID {
			return types.ErrNotReserved
		}
		stack, err := h.store.readStack(tx, h.id)
		if err != nil {
			return err
		}
		stack = append(stack, entry)
		return h.store.putStack(tx, h.id, stack)
	})
}

func (h *boltHandle) Pop(ctx context.Context) error {
	return h.store.db.Update(func(tx *bolt.Tx) error {
		hdr, ok, err := h.store.readHeader(tx, h.id)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrUnknownTransaction
		}
		if hdr.Reservation.OwnerID != h.ownerID {
			return types.ErrNotReserved
		}
		stack, err := h.store.readStack(tx, h.id)
		if err != nil {
			return err
		}
		if len(stack) == 0 {
			return nil
		}
		stack = stack[:len(stack)-1]
		return h.store.putStack(tx, h.id, stack)
	})
}

func (h *boltHandle) GetInfo(ctx context.Context) (types.Info, error) {
	var info types.Info
	err := h.store.db.View(func(tx *bolt.Tx) error {
		hdr, ok, err := h.store.readHeader(tx, h.id)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrUnknownTransaction
		}
		info = hdr.Info
		return nil
	})
	return info, err
}

func (h *boltHandle) SetInfo(ctx context.Context, info types.Info) error {
	return h.withHeader(func(hdr *boltHeader) error {
		hdr.Info = info
		return nil
	})
}

func (h *boltHandle) SetKey(ctx context.Context, key types.Key) error {
	return h.store.db.Update(func(tx *bolt.Tx) error {
		hdr, ok, err := h.store.readHeader(tx, h.id)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrUnknownTransaction
		}
		if hdr.Reservation.OwnerID != h.ownerID {
			return types.ErrNotReserved
		}
		hdr.Key = key
		if err := h.store.putHeader(tx, hdr); err != nil {
			return err
		}
		data, err := json.Marshal(hdr.ID)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketKeys).Put(keyIndexKey(key), data)
	})
}

func (h *boltHandle) Delete(ctx context.Context) error {
	return h.store.db.Update(func(tx *bolt.Tx) error {
		hdr, ok, err := h.store.readHeader(tx, h.id)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if hdr.Reservation.OwnerID != h.ownerID {
			return types.ErrNotReserved
		}
		if !hdr.Key.IsZero() {
			_ = tx.Bucket(bucketKeys).Delete(keyIndexKey(hdr.Key))
		}
		if err := tx.Bucket(bucketStacks).Delete([]byte(h.id.String())); err != nil {
			return err
		}
		return tx.Bucket(bucketHeaders).Delete([]byte(h.id.String()))
	})
}

func (h *boltHandle) Unreserve(ctx context.Context, deferFor time.Duration) error {
	return h.store.db.Update(func(tx *bolt.Tx) error {
		hdr, ok, err := h.store.readHeader(tx, h.id)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if hdr.Reservation.OwnerID != h.ownerID {
			return types.ErrNotReserved
		}
		hdr.Reservation = types.Reservation{}
		if deferFor > 0 {
			hdr.NotBefore = time.Now().Add(deferFor)
		}
		return h.store.putHeader(tx, hdr)
	})
}

// notify wakes any WaitForStatusChange pollers; BoltStore currently polls
// on an interval (see WaitForStatusChange), as RaftStore does, so notify is
// a no-op hook and the seam a change-notification backend would hook into.
func (s *BoltStore) notify(id types.ID, status types.Status) {}
