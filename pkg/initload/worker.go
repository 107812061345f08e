// Package initload implements the Init-Load Worker (spec §4.4): one per
// mapping rule with a non-empty init_query, performing a one-shot bulk
// backfill of an empty target table by streaming the source query through
// sqlx and publishing each row as an INIT row event onto the bus.
//
// Grounded on cdc/sinkv2/eventsink/txn/mysql/mysql.go's connection setup
// and on the Target Worker's own batch/backpressure vocabulary, reusing
// jmoiron/sqlx's streaming sqlx.Rows/StructScan-free column map for the
// source cursor instead of a full ORM model.
package initload

import (
	"context"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/pkg/bus"
	"github.com/tumurzakov/myrepetl/pkg/model"
	"github.com/tumurzakov/myrepetl/pkg/mysqlconn"
	"github.com/tumurzakov/myrepetl/pkg/sqlbuilder"
)

const (
	// pauseOnDropIncrease is how long an Init-Load Worker waits, after
	// observing the bus's drop counter increase, before checking again
	// (spec §4.4 "pause until drops stabilise").
	pauseOnDropIncrease = 500 * time.Millisecond
	pollInterval        = 50 * time.Millisecond
)

// Worker runs one mapping rule's bulk backfill.
type Worker struct {
	sourceConnName string
	rule           *model.MappingRule
	pool           *mysqlconn.Pool
	bus            *bus.Bus
}

// New creates an Init-Load Worker for rule, reading from sourceConnName.
func New(sourceConnName string, rule *model.MappingRule, pool *mysqlconn.Pool, b *bus.Bus) *Worker {
	return &Worker{sourceConnName: sourceConnName, rule: rule, pool: pool, bus: b}
}

// Run performs the one-shot backfill and returns. It is a no-op if the
// target table already has at least one row (spec §4.4 step 1).
func (w *Worker) Run(ctx context.Context) error {
	targetDB, err := w.pool.GetNamed(ctx, w.rule.Target.Target)
	if err != nil {
		return err
	}

	var exists int
	checkQuery := sqlbuilder.TableNonEmpty(w.rule.Target.TargetTable)
	err = targetDB.GetContext(ctx, &exists, checkQuery)
	if err == nil {
		log.Info("init-load skipped, target table is not empty",
			zap.String("table", w.rule.Target.TargetTable))
		return nil
	}
	// sql.ErrNoRows means the table is empty; any other error is surfaced.
	if !isNoRows(err) {
		return err
	}

	sourceDB, err := w.pool.GetNamed(ctx, w.sourceConnName)
	if err != nil {
		return err
	}

	rows, err := sourceDB.QueryxContext(ctx, w.rule.InitQuery)
	if err != nil {
		return err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		values, err := rows.SliceScan()
		if err != nil {
			log.Error("init-load failed scanning row", zap.String("table", w.rule.Target.TargetTable), zap.Error(err))
			continue
		}
		columns, err := rows.Columns()
		if err != nil {
			return err
		}

		row := make(model.Row, len(columns))
		for i, c := range columns {
			row[c] = values[i]
		}

		_, display := model.NewEventID()
		ev := &model.RowEvent{
			EventID:    display,
			Kind:       model.EventInit,
			SourceName: w.sourceConnName,
			Table:      w.rule.EffectiveSourceTable(),
			Values:     row,
		}
		droppedBefore := w.bus.Stats().Dropped
		w.bus.Publish(model.NewDataMessage(w.rule.Target.Target, w.rule.Key, ev))
		count++

		w.waitForBusToDrain(droppedBefore)
	}

	log.Info("init-load complete", zap.String("table", w.rule.Target.TargetTable), zap.Int("rows", count))
	return rows.Err()
}

// waitForBusToDrain applies the backpressure policy from spec §4.4: if the
// bus's drop counter has increased since our last publish, pause until it
// stabilises (stops increasing) rather than continuing to hammer a
// saturated bus.
func (w *Worker) waitForBusToDrain(before int64) {
	for {
		time.Sleep(pollInterval)
		after := w.bus.Stats().Dropped
		if after == before {
			return
		}
		before = after
		time.Sleep(pauseOnDropIncrease)
	}
}

func isNoRows(err error) bool {
	return err != nil && err.Error() == "sql: no rows in result set"
}
