// Package source implements the Source Worker (spec §4.2): one per source
// database, tailing its binary log via go-mysql-org/go-mysql/canal (which
// layers a live table-schema cache on top of replication.BinlogSyncer, so
// row events carry column names) and fanning each row change out to every
// matching mapping rule's target, addressed by routing key.
//
// Grounded on other_examples' cohenjo-replicator mysql_stream.go for the
// syncer lifecycle (setup -> start -> event loop) and on other_examples'
// dm/syncer filter.go for row-event-type classification, adapted to this
// project's canonical RowEvent and CONNECTING/STREAMING/RECONNECTING/
// STOPPED state machine (spec §4.2).
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/schema"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tumurzakov/myrepetl/pkg/bus"
	"github.com/tumurzakov/myrepetl/pkg/model"
)

// State is the Source Worker's lifecycle state (spec §4.2).
type State string

const (
	StateConnecting   State = "CONNECTING"
	StateStreaming    State = "STREAMING"
	StateReconnecting State = "RECONNECTING"
	StateStopped      State = "STOPPED"
)

const (
	maxConnectAttempts = 5
	backoffCap         = 30 * time.Second
)

// Config configures one Source Worker.
type Config struct {
	Name     string // source_name
	Host     string
	Port     uint16
	User     string
	Password string
	ServerID uint32

	// Resume position; zero value means "start from current tail".
	LogFile string
	LogPos  uint32
}

// RuleIndex looks up every mapping rule keyed by (schema, table) for this
// source, returning the routing targets a row event must fan out to.
type RuleIndex interface {
	Lookup(sourceName, schema, table string) []RouteTarget
}

// RouteTarget is one destination a matched row event is published to.
type RouteTarget struct {
	TargetName string
	MappingKey model.MappingKey
}

// Worker tails one source's binlog and publishes RowEvents onto the bus.
type Worker struct {
	cfg   Config
	bus   *bus.Bus
	rules RuleIndex

	state   atomic.String
	running atomic.Bool
	shut    chan struct{}

	canal *canal.Canal
}

// New creates a Source Worker. rules resolves which targets a given
// (schema, table) row event fans out to.
func New(cfg Config, b *bus.Bus, rules RuleIndex) *Worker {
	w := &Worker{cfg: cfg, bus: b, rules: rules, shut: make(chan struct{})}
	w.state.Store(string(StateConnecting))
	return w
}

// Running reports whether the worker's Run loop is currently executing
// (used by the Supervisor's health loop, spec §4.8).
func (w *Worker) Running() bool { return w.running.Load() }

// Config returns the configuration this worker was built with, so the
// Supervisor's health loop can build a replacement worker after a crash.
func (w *Worker) Config() Config { return w.cfg }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Shutdown signals the worker to stop at its next suspension point.
func (w *Worker) Shutdown() {
	select {
	case <-w.shut:
	default:
		close(w.shut)
	}
}

// Run drives the CONNECTING -> STREAMING -> (RECONNECTING <-> STREAMING) ->
// STOPPED state machine until shutdown or a fatal connect failure.
func (w *Worker) Run(ctx context.Context) error {
	w.running.Store(true)
	defer w.running.Store(false)
	defer w.state.Store(string(StateStopped))

	attempts := 0
	for {
		select {
		case <-w.shut:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		w.state.Store(string(StateConnecting))
		c, err := w.open()
		if err != nil {
			attempts++
			log.Warn("source worker failed to connect", zap.String("source", w.cfg.Name),
				zap.Int("attempt", attempts), zap.Error(err))
			if attempts >= maxConnectAttempts {
				log.Error("source worker exhausted connect attempts, stopping",
					zap.String("source", w.cfg.Name))
				return fmt.Errorf("source %s: exhausted %d connect attempts: %w", w.cfg.Name, attempts, err)
			}
			if !w.sleepBackoff(ctx, attempts) {
				return nil
			}
			continue
		}
		attempts = 0
		w.canal = c

		w.state.Store(string(StateStreaming))
		reconnect, err := w.stream(ctx)
		w.canal.Close()
		w.canal = nil

		if err != nil && !reconnect {
			return err
		}
		if !reconnect {
			return nil
		}
		w.state.Store(string(StateReconnecting))
	}
}

func (w *Worker) sleepBackoff(ctx context.Context, attempt int) bool {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = backoffCap
	eb.MaxElapsedTime = 0
	var wait time.Duration
	for i := 0; i < attempt; i++ {
		wait = eb.NextBackOff()
	}
	if wait > backoffCap {
		wait = backoffCap
	}
	select {
	case <-time.After(wait):
		return true
	case <-w.shut:
		return false
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) open() (*canal.Canal, error) {
	cfg := canal.NewDefaultConfig()
	cfg.Addr = fmt.Sprintf("%s:%d", w.cfg.Host, w.cfg.Port)
	cfg.User = w.cfg.User
	cfg.Password = w.cfg.Password
	cfg.ServerID = w.cfg.ServerID
	cfg.Flavor = "mysql"
	// The Init-Load Worker performs the bulk backfill; the Source Worker
	// only tails the live binlog, so the canal's own dump-on-start is
	// disabled.
	cfg.Dump.ExecutionPath = ""

	c, err := canal.NewCanal(cfg)
	if err != nil {
		return nil, err
	}
	c.SetEventHandler(&handler{w: w})
	return c, nil
}

// stream starts the canal's Run loop in the background and blocks until it
// exits, shutdown is requested, or the context is cancelled. The bool
// return reports whether the caller should transition through
// RECONNECTING rather than stopping outright.
func (w *Worker) stream(ctx context.Context) (reconnect bool, err error) {
	pos := mysql.Position{Name: w.cfg.LogFile, Pos: w.cfg.LogPos}
	if pos.Name == "" {
		master, err := w.canal.GetMasterPos()
		if err != nil {
			return true, err
		}
		pos = master
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- w.canal.RunFrom(pos)
	}()

	select {
	case <-w.shut:
		w.canal.Close()
		<-runErr
		return false, nil
	case <-ctx.Done():
		w.canal.Close()
		<-runErr
		return false, nil
	case err := <-runErr:
		if err == nil {
			return false, nil
		}
		log.Warn("source worker binlog reader stopped, reconnecting",
			zap.String("source", w.cfg.Name), zap.Error(err))
		return true, err
	}
}

// handler adapts canal's per-event callbacks into RowEvent construction
// and bus publication. It embeds the library's DummyEventHandler so only
// OnRow needs a real body (spec §4.2: "does not filter, transform, or
// decide destinations beyond mapping-key lookup").
type handler struct {
	canal.DummyEventHandler
	w *Worker
}

func (h *handler) OnRow(e *canal.RowsEvent) error {
	kind, ok := classifyAction(e.Action)
	if !ok {
		return nil
	}

	schema := e.Table.Schema
	table := e.Table.Name
	targets := h.w.rules.Lookup(h.w.cfg.Name, schema, table)
	if len(targets) == 0 {
		return nil
	}

	columns := columnNames(e.Table)
	var serverID *uint32
	if e.Header != nil {
		sid := e.Header.ServerID
		serverID = &sid
	}

	events := buildRowEvents(kind, h.w.cfg.Name, schema, table, columns, e.Rows, nil, serverID)
	for _, target := range targets {
		for _, re := range events {
			h.w.bus.Publish(model.NewDataMessage(target.TargetName, target.MappingKey, re))
		}
	}
	return nil
}

func classifyAction(action string) (model.EventKind, bool) {
	switch action {
	case canal.InsertAction:
		return model.EventInsert, true
	case canal.UpdateAction:
		return model.EventUpdate, true
	case canal.DeleteAction:
		return model.EventDelete, true
	default:
		return "", false
	}
}

func columnNames(t *schema.Table) []string {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c.Name
	}
	return cols
}

// buildRowEvents converts one RowsEvent's raw rows into canonical
// RowEvents. UPDATE rows arrive as before/after pairs (spec §3).
func buildRowEvents(kind model.EventKind, sourceName, schema, table string, columns []string, rows [][]interface{}, pos *model.BinlogPosition, serverID *uint32) []*model.RowEvent {
	toRow := func(values []interface{}) model.Row {
		r := make(model.Row, len(columns))
		for i, c := range columns {
			if i < len(values) {
				r[c] = values[i]
			}
		}
		return r
	}

	var out []*model.RowEvent
	if kind == model.EventUpdate {
		for i := 0; i+1 < len(rows); i += 2 {
			_, display := model.NewEventID()
			out = append(out, &model.RowEvent{
				EventID:      display,
				Kind:         model.EventUpdate,
				SourceName:   sourceName,
				Schema:       schema,
				Table:        table,
				BeforeValues: toRow(rows[i]),
				AfterValues:  toRow(rows[i+1]),
				BinlogPos:    pos,
				ServerID:     serverID,
			})
		}
		return out
	}

	for _, r := range rows {
		_, display := model.NewEventID()
		out = append(out, &model.RowEvent{
			EventID:    display,
			Kind:       kind,
			SourceName: sourceName,
			Schema:     schema,
			Table:      table,
			Values:     toRow(r),
			BinlogPos:  pos,
			ServerID:   serverID,
		})
	}
	return out
}
