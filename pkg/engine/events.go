package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/linlogge/degov/pkg/kv"
	"github.com/linlogge/degov/pkg/workflow"
)

// eventLog appends to and reads the per-instance audit trail. Entries are
// keyed (instance, timestamp, seq); seq comes from a per-instance counter
// bumped in the same transaction, so the log is totally ordered by commit
// order and strictly monotonic.
type eventLog struct {
	ks *kv.Keyspace
}

// append writes one event inside tx, assigning its timestamp and sequence.
func (e *eventLog) append(ctx context.Context, tx kv.Tx, now int64, event *workflow.EventLog) error {
	seqKey := e.ks.EventSeqKey(event.InstanceID)
	raw, err := tx.Get(ctx, seqKey)
	if err != nil {
		return fmt.Errorf("failed to read event sequence: %w", err)
	}
	var seq int64
	if len(raw) == 8 {
		seq = int64(binary.BigEndian.Uint64(raw))
	}
	seq++

	var enc [8]byte
	binary.BigEndian.PutUint64(enc[:], uint64(seq))
	tx.Set(seqKey, enc[:])

	event.Timestamp = now
	event.Seq = seq
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	tx.Set(e.ks.EventKey(event.InstanceID, now, seq), value)
	return nil
}

// list returns an instance's events in log order.
func (e *eventLog) list(ctx context.Context, tx kv.Tx, instanceID workflow.InstanceID, limit int) ([]workflow.EventLog, error) {
	begin, end := e.ks.EventPrefix(instanceID)
	entries, err := tx.GetRange(ctx, begin, end, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan events: %w", err)
	}
	events := make([]workflow.EventLog, 0, len(entries))
	for i := range entries {
		var event workflow.EventLog
		if err := json.Unmarshal(entries[i].Value, &event); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		events = append(events, event)
	}
	return events, nil
}
