package target

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tumurzakov/myrepetl/pkg/model"
)

// tableBatch is the accumulator for one target table (spec §3 "Batch
// accumulator"): an ordered list of pending row events, keyed by primary
// key for coalescing, plus the timestamp of its oldest entry.
type tableBatch struct {
	rule  *model.MappingRule
	clock clock.Clock

	order  []interface{}       // primary key values, insertion order
	byKey  map[interface{}]int // primary key value -> index into order
	rows   map[interface{}]model.Row
	oldest time.Time
}

func newTableBatch(rule *model.MappingRule, c clock.Clock) *tableBatch {
	return &tableBatch{
		rule:  rule,
		clock: c,
		byKey: make(map[interface{}]int),
		rows:  make(map[interface{}]model.Row),
	}
}

// add appends or coalesces a transformed row keyed by pkValue. INSERT,
// UPDATE, and INIT events share the same coalescing rule: last write for a
// given primary key wins within the batch (spec §3, §4.3).
func (b *tableBatch) add(pkValue interface{}, row model.Row) {
	if b.len() == 0 {
		b.oldest = b.clock.Now()
	}
	if _, exists := b.byKey[pkValue]; !exists {
		b.byKey[pkValue] = len(b.order)
		b.order = append(b.order, pkValue)
	}
	b.rows[pkValue] = row
}

func (b *tableBatch) len() int { return len(b.order) }

func (b *tableBatch) age() time.Duration {
	if b.len() == 0 {
		return 0
	}
	return b.clock.Now().Sub(b.oldest)
}

// rowsInOrder returns the accumulated rows in first-write order, for a
// deterministic multi-row VALUES list.
func (b *tableBatch) rowsInOrder() []model.Row {
	out := make([]model.Row, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, b.rows[key])
	}
	return out
}

func (b *tableBatch) reset() {
	b.order = nil
	b.byKey = make(map[interface{}]int)
	b.rows = make(map[interface{}]model.Row)
}
