package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/meatballspaghetti/fate/pkg/types"
)

// RaftStore implements Store on top of hashicorp/raft, for META-instance
// transactions whose record must survive a manager failover independent of
// which node is currently leader. Unlike BoltStore, RaftStore's committed
// state lives in memory in the FSM and is snapshotted/restored by raft
// itself; every write goes through raft.Apply so it is replicated before
// the call returns.
type RaftStore struct {
	nodeID   string
	raft     *raft.Raft
	fsm      *txFSM
}

// RaftConfig configures a single-node-bootstrap RaftStore. Joining an
// existing cluster is the surrounding manager's concern; the store only
// needs a local quorum of one to be useful in tests and single-manager
// deployments.
type RaftConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewRaftStore bootstraps a single-node Raft cluster backed by BoltDB log
// and stable stores, and an in-memory FSM.
func NewRaftStore(cfg RaftConfig) (*RaftStore, error) {
	fsm := newTxFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	// Tuned down from hashicorp/raft's WAN-oriented defaults for a
	// same-datacenter deployment: faster heartbeats mean faster detection
	// of a dead leader, which matters because META transactions block on
	// Apply reaching a leader.
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raftCfg.LocalID, Address: transport.LocalAddr()},
		},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil && err != raft.ErrCantBootstrap {
		return nil, fmt.Errorf("bootstrap cluster: %w", err)
	}

	return &RaftStore{nodeID: cfg.NodeID, raft: r, fsm: fsm}, nil
}

// IsLeader reports whether this node is currently the raft leader. Write
// operations only succeed on the leader; callers on a follower should
// retry against whichever node currently holds leadership.
func (s *RaftStore) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

func (s *RaftStore) apply(cmd txCommand, timeout time.Duration) (interface{}, error) {
	if !s.IsLeader() {
		return nil, fmt.Errorf("raft store: not the leader")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	future := s.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("raft apply: %w", err)
	}
	resp := future.Response()
	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *RaftStore) Create(ctx context.Context, instance types.InstanceType) (types.ID, error) {
	id := types.ID{Instance: instance, UUID: uuid.NewString()}
	h := boltHeader{ID: id, Status: types.StatusNew, Info: types.Info{CreatedAt: time.Now()}}
	data, err := json.Marshal(h)
	if err != nil {
		return types.ID{}, err
	}
	if _, err := s.apply(txCommand{Op: opCreate, ID: id.String(), Data: data}, 5*time.Second); err != nil {
		return types.ID{}, fmt.Errorf("create transaction: %w", err)
	}
	return id, nil
}

func (s *RaftStore) List(ctx context.Context, keyKind types.OperationKind) ([]ListItem, error) {
	return s.fsm.list(keyKind), nil
}

func (s *RaftStore) Runnable(ctx context.Context, stop <-chan struct{}, sink Sink) error {
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

		for _, id := range s.fsm.runnableIDs() {
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

func (s *RaftStore) Reserve(ctx context.Context, id types.ID, ownerID string) (Handle, error) {
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

func (s *RaftStore) TryReserve(ctx context.Context, id types.ID, ownerID string) (Handle, bool, error) {
	data, err := json.Marshal(reserveCmd{OwnerID: ownerID})
	if err != nil {
		return nil, false, err
	}
	resp, err := s.apply(txCommand{Op: opTryReserve, ID: id.String(), Data: data}, 5*time.Second)
	if err != nil {
		return nil, false, err
	}
	acquired, _ := resp.(bool)
	if !acquired {
		return nil, false, nil
	}
	return &raftHandle{store: s, id: id, ownerID: ownerID}, true, nil
}

func (s *RaftStore) Read(ctx context.Context, id types.ID) (types.ReadView, error) {
	return s.fsm.read(id), nil
}

func (s *RaftStore) FindByKey(ctx context.Context, key types.Key) (types.ID, bool, error) {
	id, ok := s.fsm.findByKey(key)
	return id, ok, nil
}

func (s *RaftStore) ListReservations(ctx context.Context) ([]ReservationInfo, error) {
	return s.fsm.listReservations(), nil
}

func (s *RaftStore) ClearReservation(ctx context.Context, id types.ID) error {
	_, err := s.apply(txCommand{Op: opClearReservation, ID: id.String()}, 5*time.Second)
	return err
}

func (s *RaftStore) WaitForStatusChange(ctx context.Context, id types.ID, targets []types.Status, deadline time.Time) (types.Status, error) {
	target := make(map[types.Status]bool, len(targets))
	for _, t := range targets {
		target[t] = true
	}
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		view := s.fsm.read(id)
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

func (s *RaftStore) Close() error {
	return s.raft.Shutdown().Error()
}

// raftHandle mutates a reserved transaction by applying raft commands.
type raftHandle struct {
	store   *RaftStore
	id      types.ID
	ownerID string
}

func (h *raftHandle) ID() types.ID { return h.id }

func (h *raftHandle) apply(op string, payload interface{}) (interface{}, error) {
	var data []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return h.store.apply(txCommand{Op: op, ID: h.id.String(), OwnerID: h.ownerID, Data: data}, 5*time.Second)
}

func (h *raftHandle) GetStatus(ctx context.Context) (types.Status, error) {
	return h.store.fsm.read(h.id).Status, nil
}

func (h *raftHandle) SetStatus(ctx context.Context, next types.Status) error {
	_, err := h.apply(opSetStatus, setStatusCmd{Status: next})
	return err
}

func (h *raftHandle) Top(ctx context.Context) (types.StackEntry, bool, error) {
	top, ok := h.store.fsm.top(h.id)
	return top, ok, nil
}

func (h *raftHandle) Depth(ctx context.Context) (int, error) {
	return h.store.fsm.depth(h.id), nil
}

func (h *raftHandle) Push(ctx context.Context, entry types.StackEntry) error {
	_, err := h.apply(opPush, entry)
	return err
}

func (h *raftHandle) Pop(ctx context.Context) error {
	_, err := h.apply(opPop, nil)
	return err
}

func (h *raftHandle) GetInfo(ctx context.Context) (types.Info, error) {
	return h.store.fsm.info(h.id), nil
}

func (h *raftHandle) SetInfo(ctx context.Context, info types.Info) error {
	_, err := h.apply(opSetInfo, info)
	return err
}

func (h *raftHandle) SetKey(ctx context.Context, key types.Key) error {
	_, err := h.apply(opSetKey, key)
	return err
}

func (h *raftHandle) Delete(ctx context.Context) error {
	_, err := h.apply(opDelete, nil)
	return err
}

func (h *raftHandle) Unreserve(ctx context.Context, deferFor time.Duration) error {
	_, err := h.apply(opUnreserve, unreserveCmd{DeferFor: deferFor})
	return err
}

// --- FSM ---

const (
	opCreate           = "create"
	opTryReserve       = "try_reserve"
	opClearReservation = "clear_reservation"
	opSetStatus        = "set_status"
	opPush             = "push"
	opPop              = "pop"
	opSetInfo          = "set_info"
	opSetKey           = "set_key"
	opDelete           = "delete"
	opUnreserve        = "unreserve"
)

// txCommand is the tagged envelope applied through the raft log.
type txCommand struct {
	Op      string          `json:"op"`
	ID      string          `json:"id"`
	OwnerID string          `json:"owner_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type reserveCmd struct {
	OwnerID string `json:"owner_id"`
}

type setStatusCmd struct {
	Status types.Status `json:"status"`
}

type unreserveCmd struct {
	DeferFor time.Duration `json:"defer_for"`
}

// txFSM is the in-memory state machine applied to by raft. It holds
// complete Tx records (header plus stack), snapshotted and restored as one
// JSON blob.
type txFSM struct {
	mu      sync.RWMutex
	records map[string]*boltHeader
	stacks  map[string][]types.StackEntry
	keys    map[string]types.ID
}

func newTxFSM() *txFSM {
	return &txFSM{
		records: make(map[string]*boltHeader),
		stacks:  make(map[string][]types.StackEntry),
		keys:    make(map[string]types.ID),
	}
}

func (f *txFSM) Apply(log *raft.Log) interface{} {
	var cmd txCommand
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCreate:
		var h boltHeader
		if err := json.Unmarshal(cmd.Data, &h); err != nil {
			return err
		}
		f.records[cmd.ID] = &h
		f.stacks[cmd.ID] = nil
		return nil

	case opTryReserve:
		var r reserveCmd
		if err := json.Unmarshal(cmd.Data, &r); err != nil {
			return err
		}
		h, ok := f.records[cmd.ID]
		if !ok {
			return types.ErrUnknownTransaction
		}
		if h.Reservation.Held() {
			return false
		}
		h.Reservation = types.Reservation{OwnerID: r.OwnerID, AcquiredAt: time.Now()}
		return true

	case opClearReservation:
		if h, ok := f.records[cmd.ID]; ok {
			h.Reservation = types.Reservation{}
		}
		return nil

	case opSetStatus:
		h, ok := f.records[cmd.ID]
		if !ok {
			return types.ErrUnknownTransaction
		}
		if h.Reservation.OwnerID != cmd.OwnerID {
			return types.ErrNotReserved
		}
		var s setStatusCmd
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return err
		}
		if !types.CanTransition(h.Status, s.Status) {
			return types.ErrInvalidTransition
		}
		h.Status = s.Status
		return nil

	case opPush:
		h, ok := f.records[cmd.ID]
		if !ok {
			return types.ErrUnknownTransaction
		}
		if h.Reservation.OwnerID != cmd.OwnerID {
			return types.ErrNotReserved
		}
		var entry types.StackEntry
		if err := json.Unmarshal(cmd.Data, &entry); err != nil {
			return err
		}
		f.stacks[cmd.ID] = append(f.stacks[cmd.ID], entry)
		return nil

	case opPop:
		h, ok := f.records[cmd.ID]
		if !ok {
			return types.ErrUnknownTransaction
		}
		if h.Reservation.OwnerID != cmd.OwnerID {
			return types.ErrNotReserved
		}
		stack := f.stacks[cmd.ID]
		if len(stack) > 0 {
			f.stacks[cmd.ID] = stack[:len(stack)-1]
		}
		return nil

	case opSetInfo:
		h, ok := f.records[cmd.ID]
		if !ok {
			return types.ErrUnknownTransaction
		}
		if h.Reservation.OwnerID != cmd.OwnerID {
			return types.ErrNotReserved
		}
		var info types.Info
		if err := json.Unmarshal(cmd.Data, &info); err != nil {
			return err
		}
		h.Info = info
		return nil

	case opSetKey:
		h, ok := f.records[cmd.ID]
		if !ok {
			return types.ErrUnknownTransaction
		}
		if h.Reservation.OwnerID != cmd.OwnerID {
			return types.ErrNotReserved
		}
		var key types.Key
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		h.Key = key
		f.keys[string(key.Kind)+"|"+key.Payload] = h.ID
		return nil

	case opDelete:
		h, ok := f.records[cmd.ID]
		if !ok {
			return nil
		}
		if h.Reservation.OwnerID != cmd.OwnerID {
			return types.ErrNotReserved
		}
		if !h.Key.IsZero() {
			delete(f.keys, string(h.Key.Kind)+"|"+h.Key.Payload)
		}
		delete(f.records, cmd.ID)
		delete(f.stacks, cmd.ID)
		return nil

	case opUnreserve:
		h, ok := f.records[cmd.ID]
		if !ok {
			return nil
		}
		if h.Reservation.OwnerID != cmd.OwnerID {
			return types.ErrNotReserved
		}
		var u unreserveCmd
		if err := json.Unmarshal(cmd.Data, &u); err != nil {
			return err
		}
		h.Reservation = types.Reservation{}
		if u.DeferFor > 0 {
			h.NotBefore = time.Now().Add(u.DeferFor)
		}
		return nil

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

func (f *txFSM) list(keyKind types.OperationKind) []ListItem {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var items []ListItem
	for _, h := range f.records {
		if keyKind != "" && h.Key.Kind != keyKind {
			continue
		}
		items = append(items, ListItem{ID: h.ID, Key: h.Key})
	}
	return items
}

func (f *txFSM) runnableIDs() []types.ID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var ids []types.ID
	now := time.Now()
	for _, h := range f.records {
		if !runnableStatuses[h.Status] {
			continue
		}
		if h.Reservation.Held() {
			continue
		}
		if h.NotBefore.After(now) {
			continue
		}
		ids = append(ids, h.ID)
	}
	return ids
}

func (f *txFSM) read(id types.ID) types.ReadView {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.records[id.String()]
	if !ok {
		return types.ReadView{ID: id, Status: types.StatusUnknown}
	}
	view := types.ReadView{ID: id, Status: h.Status}
	if stack := f.stacks[id.String()]; len(stack) > 0 {
		top := stack[len(stack)-1]
		view.Top = &top
	}
	return view
}

func (f *txFSM) top(id types.ID) (types.StackEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stack := f.stacks[id.String()]
	if len(stack) == 0 {
		return types.StackEntry{}, false
	}
	return stack[len(stack)-1], true
}

func (f *txFSM) depth(id types.ID) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.stacks[id.String()])
}

func (f *txFSM) info(id types.ID) types.Info {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h, ok := f.records[id.String()]
	if !ok {
		return types.Info{}
	}
	return h.Info
}

func (f *txFSM) findByKey(key types.Key) (types.ID, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	id, ok := f.keys[string(key.Kind)+"|"+key.Payload]
	return id, ok
}

func (f *txFSM) listReservations() []ReservationInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []ReservationInfo
	for _, h := range f.records {
		if h.Reservation.Held() {
			out = append(out, ReservationInfo{ID: h.ID, OwnerID: h.Reservation.OwnerID, AcquiredAt: h.Reservation.AcquiredAt})
		}
	}
	return out
}

// txSnapshot is the JSON-encodable point-in-time copy persisted by raft
// snapshotting.
type txSnapshot struct {
	Records map[string]*boltHeader         `json:"records"`
	Stacks  map[string][]types.StackEntry  `json:"stacks"`
	Keys    map[string]types.ID            `json:"keys"`
}

func (f *txFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	records := make(map[string]*boltHeader, len(f.records))
	for k, v := range f.records {
		cp := *v
		records[k] = &cp
	}
	stacks := make(map[string][]types.StackEntry, len(f.stacks))
	for k, v := range f.stacks {
		stacks[k] = append([]types.StackEntry(nil), v...)
	}
	keys := make(map[string]types.ID, len(f.keys))
	for k, v := range f.keys {
		keys[k] = v
	}

	return &txSnapshot{Records: records, Stacks: stacks, Keys: keys}, nil
}

func (f *txFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap txSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.records = snap.Records
	f.stacks = snap.Stacks
	f.keys = snap.Keys
	if f.records == nil {
		f.records = make(map[string]*boltHeader)
	}
	if f.stacks == nil {
		f.stacks = make(map[string][]types.StackEntry)
	}
	if f.keys == nil {
		f.keys = make(map[string]types.ID)
	}
	return nil
}

func (s *txSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *txSnapshot) Release() {}
