package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

func TestRecordOutputInline(t *testing.T) {
	store := NewMemoryBlobStore()
	payload := json.RawMessage(`{"status":"ok"}`)

	out, err := RecordOutput(context.Background(), store, types.NewExecutionID(), types.NewNodeID(), NodeCompleted, payload, 1024)
	require.NoError(t, err)

	assert.False(t, out.IsExternal())
	assert.Equal(t, payload, out.Inline)
	assert.Equal(t, int64(len(payload)), out.Bytes)
	assert.Zero(t, store.Len())

	got, err := out.Payload(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRecordOutputSpillsLargePayload(t *testing.T) {
	store := NewMemoryBlobStore()
	payload := json.RawMessage(`"` + string(bytes.Repeat([]byte("x"), 200)) + `"`)

	out, err := RecordOutput(context.Background(), store, types.NewExecutionID(), types.NewNodeID(), NodeCompleted, payload, 64)
	require.NoError(t, err)

	assert.True(t, out.IsExternal())
	assert.Empty(t, out.Inline)
	assert.Equal(t, int64(len(payload)), out.Bytes)
	assert.Equal(t, 1, store.Len())

	got, err := out.Payload(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRecordOutputWithoutStoreStaysInline(t *testing.T) {
	payload := json.RawMessage(`"` + string(bytes.Repeat([]byte("y"), 200)) + `"`)
	out, err := RecordOutput(context.Background(), nil, types.NewExecutionID(), types.NewNodeID(), NodeCompleted, payload, 64)
	require.NoError(t, err)
	assert.False(t, out.IsExternal())
}

func TestPayloadMissingBlob(t *testing.T) {
	store := NewMemoryBlobStore()
	out := &NodeOutput{NodeID: types.NewNodeID(), ExternalRef: "mem://gone"}
	_, err := out.Payload(context.Background(), store)
	assert.Error(t, err)
}

func TestCancelTokenIdempotent(t *testing.T) {
	tok := NewCancelToken()
	require.NoError(t, tok.CheckCancelled())

	tok.Cancel("first")
	tok.Cancel("second")

	assert.True(t, tok.IsCancelled())
	assert.Equal(t, "first", tok.Reason())

	select {
	case <-tok.Done():
	default:
		t.Fatal("done channel not closed")
	}
}
