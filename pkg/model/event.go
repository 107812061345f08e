// Package model holds the canonical data types that flow across the
// message bus: row events, control messages, and the mapping-rule
// configuration entities that route and transform them (spec §3).
package model

import (
	"strings"

	"github.com/google/uuid"
)

// EventKind is the kind of row-change a RowEvent carries.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
	EventInit   EventKind = "INIT"
)

// Row is a single database row, keyed by column name.
type Row map[string]interface{}

// BinlogPosition identifies a position in one source's binary log.
type BinlogPosition struct {
	File string
	Pos  uint32
}

// RowEvent is the canonical unit carried on the message bus. UPDATE events
// populate Before/After; all other kinds populate Values.
type RowEvent struct {
	EventID string
	Kind    EventKind

	SourceName string
	Schema     string
	Table      string

	Values       Row // INSERT / DELETE / INIT
	BeforeValues Row // UPDATE only
	AfterValues  Row // UPDATE only

	BinlogPos *BinlogPosition
	ServerID  *uint32
}

// NewEventID returns a fresh event identifier and its 8-char display form.
func NewEventID() (full string, display string) {
	id := uuid.New().String()
	return id, shortID(id)
}

func shortID(full string) string {
	s := strings.ReplaceAll(full, "-", "")
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// AppliedValues returns the values that should be written downstream for
// this event: After for UPDATE, Values otherwise.
func (e *RowEvent) AppliedValues() Row {
	if e.Kind == EventUpdate {
		return e.AfterValues
	}
	return e.Values
}

// MappingKey identifies the table+rule this event must be routed through.
type MappingKey struct {
	Source      string
	SourceTable string
}

func (k MappingKey) String() string {
	return k.Source + "." + k.SourceTable
}
