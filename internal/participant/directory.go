package participant

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/tpcd/api"
)

// Directory routes calls to co-located Resources directly and everything
// else to a remote Client. Local calls make a single attempt but follow the
// same vote contract as remote ones.
type Directory struct {
	mu     sync.RWMutex
	local  map[string]Resource
	remote Client
}

// NewDirectory returns a Directory forwarding unknown ids to remote, which
// may be nil.
func NewDirectory(remote Client) *Directory {
	return &Directory{local: make(map[string]Resource), remote: remote}
}

// AddLocal registers an in-process participant.
func (d *Directory) AddLocal(id string, r Resource) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.local[id] = r
}

func (d *Directory) lookup(id string) (Resource, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.local[id]
	return r, ok
}

// Known reports whether id is local or known to the remote client.
func (d *Directory) Known(id string) bool {
	if _, ok := d.lookup(id); ok {
		return true
	}
	if k, ok := d.remote.(interface{ Known(string) bool }); ok {
		return k.Known(id)
	}
	return d.remote != nil
}

// Prepare implements Client.
func (d *Directory) Prepare(ctx context.Context, participantID string, txn api.TxnID) (Vote, error) {
	if r, ok := d.lookup(participantID); ok {
		resp, err := r.Prepare(ctx, txn)
		return voteFromPrepare(participantID, resp, err)
	}
	if d.remote == nil {
		return Vote{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return d.remote.Prepare(ctx, participantID, txn)
}

// Commit implements Client.
func (d *Directory) Commit(ctx context.Context, participantID string, txn api.TxnID, commitTS uint64) error {
	if r, ok := d.lookup(participantID); ok {
		_, err := r.Commit(ctx, txn, commitTS)
		return ackFromCommit(err)
	}
	if d.remote == nil {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return d.remote.Commit(ctx, participantID, txn, commitTS)
}

// Abort implements Client.
func (d *Directory) Abort(ctx context.Context, participantID string, txn api.TxnID) error {
	if r, ok := d.lookup(participantID); ok {
		_, err := r.Abort(ctx, txn)
		return ackFromAbort(err)
	}
	if d.remote == nil {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	return d.remote.Abort(ctx, participantID, txn)
}
