package optimizer

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/triplink/tripcast/internal/event"
	"github.com/triplink/tripcast/internal/metrics"
)

// Batch coalesces pending same-class frames once they exceed the class
// threshold. The first Size frames become one batch envelope; the rest
// come back as overflow for individual queueing. Below the threshold,
// or for classes without a batch limit, nothing is coalesced.
func (o *Optimizer) Batch(class string, frames []json.RawMessage) (*event.Batch, []json.RawMessage) {
	limit, ok := o.policy.Batch[class]
	if !ok || len(frames) <= limit.Size {
		return nil, nil
	}

	batch := &event.Batch{
		Envelope:  event.NewEnvelope(event.BatchType(class), o.clock.Now()),
		BatchID:   batchID(),
		BatchSize: limit.Size,
		Messages:  frames[:limit.Size],
	}
	overflow := frames[limit.Size:]

	metrics.BatchesTotal.WithLabelValues(class).Inc()
	metrics.BatchOverflowTotal.Add(float64(len(overflow)))
	return batch, overflow
}

func batchID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
