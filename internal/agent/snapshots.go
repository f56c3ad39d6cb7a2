package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skywang16/orbitx/internal/errdef"
	"github.com/skywang16/orbitx/internal/providers"
	"github.com/skywang16/orbitx/internal/storage"
)

// fullSnapshotInterval is how often a Full snapshot rebases the chain;
// iterations in between append Incrementals.
const fullSnapshotInterval = 5

// snapshotter persists and rebuilds agent message contexts.
type snapshotter struct {
	repo *storage.ContextSnapshotRepo
}

// save records the context at an iteration boundary. Full snapshots carry
// the whole message list; incrementals carry only the suffix added since the
// previous snapshot.
func (s *snapshotter) save(ctx context.Context, taskID string, iteration uint32, messages []providers.Message, sinceLast int, forceFull bool) error {
	kind := storage.SnapshotIncremental
	payload := messages
	// The first snapshot always rebases so a chain exists to rebuild from;
	// compaction also forces a rebase since it rewrote the whole context.
	if forceFull || iteration <= 1 || iteration%fullSnapshotInterval == 0 {
		kind = storage.SnapshotFull
	} else if sinceLast > 0 && sinceLast <= len(messages) {
		payload = messages[len(messages)-sinceLast:]
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return errdef.Wrap(err, errdef.KindSerialization, "encode context snapshot")
	}
	_, err = s.repo.Save(ctx, &storage.ContextSnapshot{
		TaskID:       taskID,
		Iteration:    iteration,
		Kind:         kind,
		MessagesJSON: string(raw),
		CreatedAt:    time.Now().UTC(),
	})
	return err
}

// rebuild reconstructs a task's message context from the latest Full
// snapshot plus all later Incrementals.
func (s *snapshotter) rebuild(ctx context.Context, taskID string) ([]providers.Message, error) {
	chain, err := s.repo.FindChain(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, nil
	}

	var messages []providers.Message
	for _, snap := range chain {
		var part []providers.Message
		if err := json.Unmarshal([]byte(snap.MessagesJSON), &part); err != nil {
			return nil, errdef.Wrap(err, errdef.KindSerialization, "decode snapshot %d", snap.ID)
		}
		if snap.Kind == storage.SnapshotFull {
			messages = part
		} else {
			messages = append(messages, part...)
		}
	}
	return messages, nil
}
