package fate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meatballspaghetti/fate/pkg/metrics"
	"github.com/meatballspaghetti/fate/pkg/types"
)

// cancelAttempts and cancelBackoff bound how long Cancel fights a worker
// for the reservation before giving up.
const (
	cancelAttempts = 5
	cancelBackoff  = 500 * time.Millisecond
)

// Cancel aborts a transaction that has not started executing. It succeeds
// only while status is NEW or SUBMITTED, atomically moving the record to
// FAILED_IN_PROGRESS under reservation so the next worker to pick it up
// runs the undo path. IN_PROGRESS transactions cannot be cancelled; the
// caller must wait for completion instead.
func (e *Executor) Cancel(ctx context.Context, id types.ID) (bool, error) {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		h, ok, err := e.store.TryReserve(ctx, id, e.ownerID)
		if err != nil {
			return false, err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(cancelBackoff):
			}
			continue
		}

		cancelled, err := e.cancelReserved(ctx, h)
		if unresErr := h.Unreserve(ctx, 0); unresErr != nil && err == nil {
			err = unresErr
		}
		return cancelled, err
	}
	return false, fmt.Errorf("fate: could not reserve %s for cancellation after %d attempts", id, cancelAttempts)
}

func (e *Executor) cancelReserved(ctx context.Context, h interface {
	GetStatus(context.Context) (types.Status, error)
	SetStatus(context.Context, types.Status) error
	GetInfo(context.Context) (types.Info, error)
	SetInfo(context.Context, types.Info) error
}) (bool, error) {
	status, err := h.GetStatus(ctx)
	if err != nil {
		return false, err
	}

	switch status {
	case types.StatusNew, types.StatusSubmitted:
	default:
		return false, nil
	}

	info, err := h.GetInfo(ctx)
	if err != nil {
		return false, err
	}
	info.Exception = "cancelled by user"
	if err := h.SetInfo(ctx, info); err != nil {
		return false, err
	}

	// A NEW transaction has to pass through SUBMITTED to reach
	// FAILED_IN_PROGRESS; both hops happen under the same reservation.
	if status == types.StatusNew {
		if err := h.SetStatus(ctx, types.StatusSubmitted); err != nil {
			return false, err
		}
	}
	if err := h.SetStatus(ctx, types.StatusFailedInProgress); err != nil {
		return false, err
	}
	metrics.TransactionsCancelled.Inc()
	return true, nil
}

// Status returns the transaction's current status without reserving it.
func (e *Executor) Status(ctx context.Context, id types.ID) (types.Status, error) {
	view, err := e.store.Read(ctx, id)
	if err != nil {
		return types.StatusUnknown, err
	}
	return view.Status, nil
}

// List enumerates transactions, optionally filtered by business-key kind.
func (e *Executor) List(ctx context.Context, keyKind types.OperationKind) ([]TxSummary, error) {
	items, err := e.store.List(ctx, keyKind)
	if err != nil {
		return nil, err
	}
	out := make([]TxSummary, 0, len(items))
	for _, item := range items {
		view, err := e.store.Read(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		s := TxSummary{ID: item.ID.String(), Status: view.Status, KeyKind: item.Key.Kind}
		if view.Top != nil {
			s.TopStep = view.Top.Tag
		}
		out = append(out, s)
	}
	return out, nil
}

// TxSummary is one row of the admin list output.
type TxSummary struct {
	ID      string              `json:"id"`
	Status  types.Status        `json:"status"`
	KeyKind types.OperationKind `json:"key_kind,omitempty"`
	TopStep string              `json:"top_step,omitempty"`
}

// readInfo loads a transaction's info record under a short-lived
// reservation; info is only reachable through a handle, and terminal
// transactions are never contended, so the blocking acquire is cheap.
func (e *Executor) readInfo(ctx context.Context, id types.ID) (types.Info, error) {
	h, err := e.store.Reserve(ctx, id, e.ownerID)
	if err != nil {
		return types.Info{}, err
	}
	defer func() { _ = h.Unreserve(ctx, 0) }()
	return h.GetInfo(ctx)
}

// GetReturn fetches the human-readable return value recorded by the final
// step of a SUCCESSFUL transaction.
func (e *Executor) GetReturn(ctx context.Context, id types.ID) (string, error) {
	info, err := e.readInfo(ctx, id)
	if err != nil {
		return "", err
	}
	return info.ReturnValue, nil
}

// GetException fetches the exception detail recorded when the transaction
// failed, empty if it never did.
func (e *Executor) GetException(ctx context.Context, id types.ID) (string, error) {
	info, err := e.readInfo(ctx, id)
	if err != nil {
		return "", err
	}
	return info.Exception, nil
}

// Delete removes a terminal transaction's record. Non-terminal
// transactions are refused: the worker pool still owns their lifecycle.
func (e *Executor) Delete(ctx context.Context, id types.ID) error {
	h, err := e.store.Reserve(ctx, id, e.ownerID)
	if err != nil {
		return err
	}
	status, err := h.GetStatus(ctx)
	if err != nil {
		_ = h.Unreserve(ctx, 0)
		return err
	}
	if !types.IsTerminal(status) {
		_ = h.Unreserve(ctx, 0)
		return fmt.Errorf("fate: cannot delete %s in non-terminal status %s", id, status)
	}
	// Delete drops the record, reservation included; no Unreserve needed.
	return h.Delete(ctx)
}

// AdminHandler returns the JSON admin HTTP surface plus the metrics and
// health endpoints, ready to mount on any listener.
func (e *Executor) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.HandleFunc("/v1/transactions", e.handleList)
	mux.HandleFunc("/v1/transactions/", e.handleTransaction)
	return mux
}

func (e *Executor) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keyKind := types.OperationKind(r.URL.Query().Get("key_kind"))
	items, err := e.List(r.Context(), keyKind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, items)
}

// handleTransaction dispatches /v1/transactions/{id}[/{action}].
func (e *Executor) handleTransaction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	idPart, action, _ := strings.Cut(rest, "/")

	id, err := ParseID(idPart)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		status, err := e.Status(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"id": id.String(), "status": status})
	case action == "" && r.Method == http.MethodDelete:
		if err := e.Delete(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case action == "cancel" && r.Method == http.MethodPost:
		ok, err := e.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"cancelled": ok})
	case action == "wait" && r.Method == http.MethodGet:
		timeout := 30 * time.Second
		if raw := r.URL.Query().Get("timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			timeout = d
		}
		results := e.WaitForCompletion(r.Context(), []types.ID{id}, timeout)
		writeJSON(w, results)
	case action == "return" && r.Method == http.MethodGet:
		rv, err := e.GetReturn(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"return_value": rv})
	case action == "exception" && r.Method == http.MethodGet:
		exc, err := e.GetException(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"exception": exc})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// ParseID parses the "INSTANCE:uuid" wire form of a transaction id.
func ParseID(s string) (types.ID, error) {
	instance, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return types.ID{}, fmt.Errorf("fate: malformed transaction id %q", s)
	}
	switch types.InstanceType(instance) {
	case types.InstanceUser, types.InstanceMeta:
	default:
		return types.ID{}, fmt.Errorf("fate: unknown instance type in id %q", s)
	}
	return types.ID{Instance: types.InstanceType(instance), UUID: rest}, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, types.ErrUnknownTransaction) {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}
