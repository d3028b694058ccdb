package sink

import (
	"encoding/json"
	"fmt"

	"github.com/benschg/rasperature/internal/domain"
	"github.com/benschg/rasperature/internal/ports"
)

// encodeEnvelopes marshals the envelope of every entry. Entries that cannot
// be encoded are reported in failed as permanent and left out of sent.
func encodeEnvelopes(batch []*domain.QueueEntry) (sent []*domain.QueueEntry, payloads [][]byte, failed map[domain.EntryID]error) {
	sent = make([]*domain.QueueEntry, 0, len(batch))
	payloads = make([][]byte, 0, len(batch))
	failed = make(map[domain.EntryID]error)
	for _, e := range batch {
		b, err := json.Marshal(e.Envelope())
		if err != nil {
			failed[e.ID] = ports.Permanent(fmt.Errorf("marshal envelope: %w", err))
			continue
		}
		sent = append(sent, e)
		payloads = append(payloads, b)
	}
	return sent, payloads, failed
}

// withEncodeFailures folds encode failures into the outcome of publishing
// sent. A whole-batch err applies to every sent entry.
func withEncodeFailures(sent []*domain.QueueEntry, failed map[domain.EntryID]error, err error) error {
	if len(failed) == 0 {
		return err
	}
	if be, ok := err.(*ports.BatchError); ok {
		for id, e := range be.Failed {
			failed[id] = e
		}
	} else if err != nil {
		for _, e := range sent {
			failed[e.ID] = err
		}
	}
	return ports.NewBatchError(failed)
}
