package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chatcore-dev/chatcore/internal/session"
	"github.com/chatcore-dev/chatcore/pkg/types"
)

const snapshotDir = "sessions"

// Snapshots persists session snapshots keyed by session id.
type Snapshots struct {
	store *Store
}

// NewSnapshots wraps a store with the snapshot layout.
func NewSnapshots(store *Store) *Snapshots {
	return &Snapshots{store: store}
}

// Save writes a snapshot, stamping UpdatedAt.
func (s *Snapshots) Save(ctx context.Context, snap *types.Snapshot) error {
	snap.UpdatedAt = time.Now().UnixMilli()
	return s.store.Put(ctx, []string{snapshotDir, snap.SessionID}, snap)
}

// Load reads the snapshot for a session id, ErrNotFound when none was
// ever saved.
func (s *Snapshots) Load(ctx context.Context, sessionID string) (*types.Snapshot, error) {
	var snap types.Snapshot
	if err := s.store.Get(ctx, []string{snapshotDir, sessionID}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Delete removes a session's snapshot.
func (s *Snapshots) Delete(ctx context.Context, sessionID string) error {
	return s.store.Delete(ctx, []string{snapshotDir, sessionID})
}

// List returns the ids of all persisted sessions.
func (s *Snapshots) List(ctx context.Context) ([]string, error) {
	return s.store.List(ctx, []string{snapshotDir})
}

// Each iterates persisted snapshots, skipping records that no longer
// decode.
func (s *Snapshots) Each(ctx context.Context, fn func(snap *types.Snapshot) error) error {
	return s.store.Scan(ctx, []string{snapshotDir}, func(key string, data json.RawMessage) error {
		var snap types.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil
		}
		return fn(&snap)
	})
}

// SaveCallback adapts the snapshot layer to the session store's
// injected save hook.
func (s *Snapshots) SaveCallback() session.SaveCallback {
	return func(ctx context.Context, snap *types.Snapshot) error {
		return s.Save(ctx, snap)
	}
}

// LoadCallback adapts the snapshot layer to the session store's
// injected load hook.
func (s *Snapshots) LoadCallback() session.LoadCallback {
	return func(ctx context.Context, sessionID string) (*types.Snapshot, error) {
		return s.Load(ctx, sessionID)
	}
}
