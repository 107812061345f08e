package target

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tumurzakov/myrepetl/pkg/bus"
	"github.com/tumurzakov/myrepetl/pkg/model"
	"github.com/tumurzakov/myrepetl/pkg/mysqlconn"
	"github.com/tumurzakov/myrepetl/pkg/transform"
)

// fakeRules resolves a single known MappingRule.
type fakeRules struct {
	key  model.MappingKey
	rule *model.MappingRule
}

func (f *fakeRules) Rule(key model.MappingKey) (*model.MappingRule, bool) {
	if key == f.key {
		return f.rule, true
	}
	return nil, false
}

func usersRule() (*model.MappingRule, model.MappingKey) {
	key := model.MappingKey{Source: "src1", SourceTable: "users"}
	rule := &model.MappingRule{
		Key:        key,
		Target:     model.TargetRef{Target: "dst1", TargetTable: "users"},
		PrimaryKey: "id",
		ColumnMapping: model.NewColumnMapping().
			Add("id", model.ColumnSpec{Kind: model.ColumnCopy, SourceColumn: "id"}).
			Add("name", model.ColumnSpec{Kind: model.ColumnCopy, SourceColumn: "name"}),
	}
	return rule, key
}

func newTestWorker(t *testing.T, rule *model.MappingRule, key model.MappingKey, cfg Config, c clock.Clock) (*Worker, *bus.Bus, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	pool := mysqlconn.New()
	pool.RegisterOpen(cfg.Name, sqlx.NewDb(db, "sqlmock"))

	b := bus.New(16)
	w := New(cfg, b, pool, &fakeRules{key: key, rule: rule}, transform.NewRegistry())
	w.WithClock(c)
	return w, b, mock
}

func insertMsg(key model.MappingKey, id int, name string) *model.Message {
	ev := &model.RowEvent{Kind: model.EventInsert, Values: model.Row{"id": id, "name": name}}
	return model.NewDataMessage("dst1", key, ev)
}

func TestWorker_CoalescesSamePrimaryKeyWithinBatch(t *testing.T) {
	rule, key := usersRule()
	mc := clock.NewMock()
	cfg := Config{Name: "dst1", BatchSize: 10, BatchFlushPeriod: time.Hour}
	w, b, mock := newTestWorker(t, rule, key, cfg, mc)

	mock.ExpectExec("INSERT INTO `users`").
		WithArgs(1, "second").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	b.Publish(insertMsg(key, 1, "first"))
	b.Publish(insertMsg(key, 1, "second"))
	time.Sleep(50 * time.Millisecond)

	// No size or age trigger fires here (BatchSize is 10, the flush period
	// an hour), so only the shutdown flush will drain the batch.
	cancel()
	require.NoError(t, <-done)

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int64(2), w.Stats().Applied)
}

func TestWorker_FlushesOnBatchSizeTrigger(t *testing.T) {
	rule, key := usersRule()
	mc := clock.NewMock()
	cfg := Config{Name: "dst1", BatchSize: 2, BatchFlushPeriod: time.Hour}
	w, b, mock := newTestWorker(t, rule, key, cfg, mc)

	mock.ExpectExec("INSERT INTO `users`").
		WillReturnResult(sqlmock.NewResult(0, 2))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	b.Publish(insertMsg(key, 1, "a"))
	b.Publish(insertMsg(key, 2, "b"))

	require.Eventually(t, func() bool {
		return w.Stats().Flushes >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_FlushesOnTickerAgeTrigger(t *testing.T) {
	rule, key := usersRule()
	mc := clock.NewMock()
	cfg := Config{Name: "dst1", BatchSize: 100, BatchFlushPeriod: 100 * time.Millisecond}
	w, b, mock := newTestWorker(t, rule, key, cfg, mc)

	mock.ExpectExec("INSERT INTO `users`").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	b.Publish(insertMsg(key, 1, "a"))
	require.Eventually(t, func() bool {
		return w.Stats().Applied >= 1
	}, time.Second, 5*time.Millisecond)

	mc.Add(200 * time.Millisecond)

	require.Eventually(t, func() bool {
		return w.Stats().Flushes >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_FilteredEventIsNotAccumulated(t *testing.T) {
	rule, key := usersRule()
	rule.Filter = &model.FilterPredicate{Leaf: map[string]model.ColumnOp{
		"name": {Op: model.OpEq, Literal: "only-this"},
	}}
	mc := clock.NewMock()
	cfg := Config{Name: "dst1", BatchSize: 10, BatchFlushPeriod: time.Hour}
	w, b, _ := newTestWorker(t, rule, key, cfg, mc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	b.Publish(insertMsg(key, 1, "nope"))
	require.Eventually(t, func() bool {
		return w.Stats().Filtered >= 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(0), w.Stats().Applied)
	cancel()
	<-done
}

func TestWorker_DeleteFlushesBatchThenDeletesRow(t *testing.T) {
	rule, key := usersRule()
	mc := clock.NewMock()
	cfg := Config{Name: "dst1", BatchSize: 10, BatchFlushPeriod: time.Hour}
	w, b, mock := newTestWorker(t, rule, key, cfg, mc)

	mock.ExpectExec("INSERT INTO `users`").
		WithArgs(2, "b").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM `users`").
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	b.Publish(insertMsg(key, 2, "b"))
	require.Eventually(t, func() bool {
		return w.Stats().Applied >= 1
	}, time.Second, 5*time.Millisecond)

	delEv := &model.RowEvent{Kind: model.EventDelete, Values: model.Row{"id": 2, "name": "b"}}
	b.Publish(model.NewDataMessage("dst1", key, delEv))

	require.Eventually(t, func() bool {
		return w.Stats().Applied >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	require.NoError(t, mock.ExpectationsWereMet())
}
