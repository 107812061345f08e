package initload

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tumurzakov/myrepetl/pkg/bus"
	"github.com/tumurzakov/myrepetl/pkg/model"
	"github.com/tumurzakov/myrepetl/pkg/mysqlconn"
)

func newRule() *model.MappingRule {
	return &model.MappingRule{
		Key:        model.MappingKey{Source: "src1", SourceTable: "users"},
		Target:     model.TargetRef{Target: "dst1", TargetTable: "users"},
		PrimaryKey: "id",
		ColumnMapping: model.NewColumnMapping().
			Add("id", model.ColumnSpec{Kind: model.ColumnCopy, SourceColumn: "id"}),
		InitQuery: "SELECT id, email FROM users",
	}
}

func newPoolWithMocks(t *testing.T) (*mysqlconn.Pool, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()
	targetDB, targetMock, err := sqlmock.New()
	require.NoError(t, err)
	sourceDB, sourceMock, err := sqlmock.New()
	require.NoError(t, err)

	pool := mysqlconn.New()
	pool.RegisterOpen("dst1", sqlx.NewDb(targetDB, "sqlmock"))
	pool.RegisterOpen("src1", sqlx.NewDb(sourceDB, "sqlmock"))
	return pool, targetMock, sourceMock
}

func TestWorker_SkipsWhenTargetTableIsNotEmpty(t *testing.T) {
	pool, targetMock, _ := newPoolWithMocks(t)
	targetMock.ExpectQuery("SELECT 1 FROM `users` LIMIT 1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	w := New("src1", newRule(), pool, bus.New(4))
	require.NoError(t, w.Run(context.Background()))
	require.NoError(t, targetMock.ExpectationsWereMet())
}

func TestWorker_BackfillsEmptyTargetTable(t *testing.T) {
	pool, targetMock, sourceMock := newPoolWithMocks(t)
	targetMock.ExpectQuery("SELECT 1 FROM `users` LIMIT 1").
		WillReturnError(sqlErrNoRows())

	sourceMock.ExpectQuery("SELECT id, email FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).
			AddRow(1, "a@x.com").
			AddRow(2, "b@x.com"))

	b := bus.New(4)
	ch := b.Subscribe("dst1")

	w := New("src1", newRule(), pool, b)
	require.NoError(t, w.Run(context.Background()))
	require.NoError(t, targetMock.ExpectationsWereMet())
	require.NoError(t, sourceMock.ExpectationsWereMet())

	var got []model.Row
	for i := 0; i < 2; i++ {
		select {
		case msg := <-ch:
			assert.Equal(t, model.EventInit, msg.Event.Kind)
			got = append(got, msg.Event.Values)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for init-load event")
		}
	}
	assert.Equal(t, model.Row{"id": int64(1), "email": "a@x.com"}, got[0])
	assert.Equal(t, model.Row{"id": int64(2), "email": "b@x.com"}, got[1])
}

func sqlErrNoRows() error {
	return errNoRows{}
}

type errNoRows struct{}

func (errNoRows) Error() string { return "sql: no rows in result set" }
