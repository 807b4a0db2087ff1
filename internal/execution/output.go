package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/vanyastaff/nebula-sub013/internal/types"
)

// BlobStore holds node payloads that exceed the inline threshold. Only an
// opaque handle stays in memory.
type BlobStore interface {
	// Put stores the payload and returns an opaque handle.
	Put(ctx context.Context, executionID types.ExecutionID, nodeID types.NodeID, payload []byte) (string, error)

	// Get resolves a handle back to its payload.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// NodeOutput is the recorded result of a node. The payload is either held
// inline or spilled to a BlobStore, decided by the execution budget's inline
// threshold at record time.
type NodeOutput struct {
	// NodeID identifies the producing node.
	NodeID types.NodeID `json:"node_id"`

	// State is the node's settled state when the output was recorded.
	State NodeState `json:"state"`

	// Bytes is the serialized payload size regardless of placement.
	Bytes int64 `json:"bytes"`

	// Inline holds the payload when it fits under the threshold.
	Inline json.RawMessage `json:"inline,omitempty"`

	// ExternalRef is the blob handle when the payload was spilled.
	ExternalRef string `json:"external_ref,omitempty"`
}

// IsExternal reports whether the payload lives in a BlobStore.
func (o *NodeOutput) IsExternal() bool { return o.ExternalRef != "" }

// Payload returns the output payload, fetching from the store when external.
func (o *NodeOutput) Payload(ctx context.Context, store BlobStore) (json.RawMessage, error) {
	if !o.IsExternal() {
		return o.Inline, nil
	}
	if store == nil {
		return nil, types.NewError(types.KindPermanent, types.STORAGE_READ_FAILED,
			"node output is external but no blob store is configured").
			With("node_id", o.NodeID.String())
	}
	data, err := store.Get(ctx, o.ExternalRef)
	if err != nil {
		return nil, types.WrapError(types.KindTransient, types.STORAGE_READ_FAILED,
			"failed to fetch external node output", err).
			With("node_id", o.NodeID.String()).
			With("ref", o.ExternalRef)
	}
	return data, nil
}

// RecordOutput builds a NodeOutput from a payload, spilling to the store
// when the payload exceeds the inline limit.
func RecordOutput(ctx context.Context, store BlobStore, execID types.ExecutionID, nodeID types.NodeID, state NodeState, payload json.RawMessage, inlineLimit int64) (*NodeOutput, error) {
	out := &NodeOutput{
		NodeID: nodeID,
		State:  state,
		Bytes:  int64(len(payload)),
	}
	if out.Bytes <= inlineLimit || store == nil {
		out.Inline = payload
		return out, nil
	}
	ref, err := store.Put(ctx, execID, nodeID, payload)
	if err != nil {
		return nil, types.WrapError(types.KindTransient, types.STORAGE_WRITE_FAILED,
			"failed to spill node output", err).
			With("node_id", nodeID.String()).
			With("bytes", out.Bytes)
	}
	out.ExternalRef = ref
	return out, nil
}

// MemoryBlobStore is an in-process BlobStore keyed by random handles. It
// backs tests and single-process deployments.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ BlobStore = (*MemoryBlobStore)(nil)

// NewMemoryBlobStore returns an empty in-memory store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Put implements BlobStore.
func (s *MemoryBlobStore) Put(_ context.Context, execID types.ExecutionID, nodeID types.NodeID, payload []byte) (string, error) {
	ref := fmt.Sprintf("mem://%s/%s/%s", execID, nodeID, uuid.NewString())
	cp := make([]byte, len(payload))
	copy(cp, payload)

	s.mu.Lock()
	s.blobs[ref] = cp
	s.mu.Unlock()
	return ref, nil
}

// Get implements BlobStore.
func (s *MemoryBlobStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, types.NewError(types.KindPermanent, types.STORAGE_READ_FAILED,
			"blob not found").With("ref", ref)
	}
	return data, nil
}

// Len returns the number of stored blobs.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
