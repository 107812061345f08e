package source

import (
	"testing"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tumurzakov/myrepetl/pkg/bus"
	"github.com/tumurzakov/myrepetl/pkg/model"
)

func TestClassifyAction(t *testing.T) {
	kind, ok := classifyAction(canal.InsertAction)
	require.True(t, ok)
	assert.Equal(t, model.EventInsert, kind)

	kind, ok = classifyAction(canal.UpdateAction)
	require.True(t, ok)
	assert.Equal(t, model.EventUpdate, kind)

	kind, ok = classifyAction(canal.DeleteAction)
	require.True(t, ok)
	assert.Equal(t, model.EventDelete, kind)

	_, ok = classifyAction("query")
	assert.False(t, ok)
}

func TestColumnNames(t *testing.T) {
	tbl := &schema.Table{Columns: []schema.TableColumn{{Name: "id"}, {Name: "email"}}}
	assert.Equal(t, []string{"id", "email"}, columnNames(tbl))
}

func TestBuildRowEvents_Insert(t *testing.T) {
	rows := [][]interface{}{{1, "a@x.com"}, {2, "b@x.com"}}
	events := buildRowEvents(model.EventInsert, "src1", "shop", "users", []string{"id", "email"}, rows, nil, nil)

	require.Len(t, events, 2)
	assert.Equal(t, model.Row{"id": 1, "email": "a@x.com"}, events[0].Values)
	assert.Equal(t, model.Row{"id": 2, "email": "b@x.com"}, events[1].Values)
	assert.Equal(t, "src1", events[0].SourceName)
	assert.Equal(t, "shop", events[0].Schema)
	assert.Equal(t, "users", events[0].Table)
	assert.NotEmpty(t, events[0].EventID)
}

func TestBuildRowEvents_UpdatePairsBeforeAfter(t *testing.T) {
	rows := [][]interface{}{
		{1, "old@x.com"}, // before
		{1, "new@x.com"}, // after
	}
	events := buildRowEvents(model.EventUpdate, "src1", "shop", "users", []string{"id", "email"}, rows, nil, nil)

	require.Len(t, events, 1)
	assert.Equal(t, model.Row{"id": 1, "email": "old@x.com"}, events[0].BeforeValues)
	assert.Equal(t, model.Row{"id": 1, "email": "new@x.com"}, events[0].AfterValues)
	assert.Equal(t, model.Row{"id": 1, "email": "new@x.com"}, events[0].AppliedValues())
}

func TestBuildRowEvents_DeleteUsesValues(t *testing.T) {
	rows := [][]interface{}{{7, "gone@x.com"}}
	events := buildRowEvents(model.EventDelete, "src1", "shop", "users", []string{"id", "email"}, rows, nil, nil)

	require.Len(t, events, 1)
	assert.Equal(t, model.Row{"id": 7, "email": "gone@x.com"}, events[0].Values)
}

func TestBuildRowEvents_ShortRowFillsMissingColumnsOnly(t *testing.T) {
	rows := [][]interface{}{{1}}
	events := buildRowEvents(model.EventInsert, "src1", "shop", "users", []string{"id", "email"}, rows, nil, nil)

	require.Len(t, events, 1)
	assert.Equal(t, model.Row{"id": 1}, events[0].Values)
}

type noopRules struct{}

func (noopRules) Lookup(string, string, string) []RouteTarget { return nil }

func TestWorker_RunningAndShutdownLifecycle(t *testing.T) {
	w := New(Config{Name: "src1"}, bus.New(1), noopRules{})
	assert.False(t, w.Running())
	assert.Equal(t, StateConnecting, w.State())

	w.Shutdown()
	w.Shutdown() // idempotent, must not panic on double-close
}

func TestWorker_ConfigRoundTrips(t *testing.T) {
	cfg := Config{Name: "src1", Host: "127.0.0.1", Port: 3306, ServerID: 101}
	w := New(cfg, bus.New(1), noopRules{})
	assert.Equal(t, cfg, w.Config())
}
