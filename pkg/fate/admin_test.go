package fate_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meatballspaghetti/fate/internal/testenv"
	"github.com/meatballspaghetti/fate/pkg/fate"
	"github.com/meatballspaghetti/fate/pkg/types"
)

func TestAdminSurface(t *testing.T) {
	ex, _ := newIdleExecutor(t)
	ctx := context.Background()

	server := httptest.NewServer(ex.AdminHandler())
	defer server.Close()

	id, err := ex.Create(ctx, types.InstanceUser)
	require.NoError(t, err)
	require.NoError(t, ex.Seed(ctx, id, fate.SeedRequest{
		Op:   types.OpCreateTable,
		Step: testenv.NewStep("A"),
		Key:  types.Key{Kind: types.OpCreateTable, Payload: "ns.orders"},
	}))

	t.Run("list", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/v1/transactions")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var items []fate.TxSummary
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&items))
		require.Len(t, items, 1)
		assert.Equal(t, id.String(), items[0].ID)
		assert.Equal(t, types.StatusSubmitted, items[0].Status)
	})

	t.Run("status", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/v1/transactions/" + id.String())
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			ID     string       `json:"id"`
			Status types.Status `json:"status"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, id.String(), out.ID)
		assert.Equal(t, types.StatusSubmitted, out.Status)
	})

	t.Run("status of unknown id", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/v1/transactions/USER:no-such-tx")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Status types.Status `json:"status"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Equal(t, types.StatusUnknown, out.Status)
	})

	t.Run("malformed id", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/v1/transactions/garbage")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("cancel", func(t *testing.T) {
		resp, err := http.Post(server.URL+"/v1/transactions/"+id.String()+"/cancel", "", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Cancelled bool `json:"cancelled"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.True(t, out.Cancelled)
	})

	t.Run("exception", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/v1/transactions/" + id.String() + "/exception")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out struct {
			Exception string `json:"exception"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		assert.Contains(t, out.Exception, "cancelled by user")
	})

	t.Run("delete refuses non-terminal", func(t *testing.T) {
		// The cancelled transaction is FAILED_IN_PROGRESS (no worker is
		// running to finish the undo path), which is not terminal.
		req, err := http.NewRequest(http.MethodDelete, server.URL+"/v1/transactions/"+id.String(), nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(server.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestAdminDeleteTerminal(t *testing.T) {
	ex, _ := newIdleExecutor(t)
	ctx := context.Background()

	// Hand-build a FAILED transaction so Delete has something terminal.
	id, err := ex.Create(ctx, types.InstanceUser)
	require.NoError(t, err)
	h, ok, err := ex.Store().TryReserve(ctx, id, "builder")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.SetStatus(ctx, types.StatusSubmitted))
	require.NoError(t, h.SetStatus(ctx, types.StatusFailedInProgress))
	require.NoError(t, h.SetStatus(ctx, types.StatusFailed))
	require.NoError(t, h.Unreserve(ctx, 0))

	server := httptest.NewServer(ex.AdminHandler())
	defer server.Close()

	req, err := http.NewRequest(http.MethodDelete, server.URL+"/v1/transactions/"+id.String(), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	status, err := ex.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnknown, status)
}
