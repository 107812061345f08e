// Package config decodes and validates the §6 JSON configuration document:
// source/target connection entries, replication parameters, mapping rules,
// and optional monitoring settings. Schema parsing itself is a thin input
// contract (spec.md §1 non-goal); structural validation of the decoded
// values uses go-ozzo/ozzo-validation, the teacher's validation dependency.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	myerrors "github.com/tumurzakov/myrepetl/pkg/errors"
	"github.com/tumurzakov/myrepetl/pkg/model"
	"github.com/tumurzakov/myrepetl/pkg/mysqlconn"
)

// ConnEntry is one source or target connection declaration (spec §6).
type ConnEntry struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
}

func (c ConnEntry) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.Port, validation.Required),
		validation.Field(&c.User, validation.Required),
		validation.Field(&c.Database, validation.Required),
	)
}

func (c ConnEntry) toMysqlconn() mysqlconn.Config {
	return mysqlconn.Config{Host: c.Host, Port: c.Port, User: c.User, Password: c.Password, Database: c.Database}
}

// ReplicationEntry configures one source's binlog reader (spec §4.2, §6).
type ReplicationEntry struct {
	ServerID      uint32  `json:"server_id"`
	LogFile       *string `json:"log_file"`
	LogPos        uint32  `json:"log_pos"`
	ResumeStream  bool    `json:"resume_stream"`
	Blocking      bool    `json:"blocking"`
}

// TargetEntry is a target connection plus its batching parameters (spec §6).
type TargetEntry struct {
	ConnEntry
	BatchSize          int `json:"batch_size"`
	BatchFlushInterval int `json:"batch_flush_interval"` // milliseconds
}

// ColumnSpecEntry is the on-disk form of model.ColumnSpec.
type ColumnSpecEntry struct {
	Kind         string      `json:"kind"`
	SourceColumn string      `json:"source_column,omitempty"`
	StaticValue  interface{} `json:"static_value,omitempty"`
	Transform    string      `json:"transform,omitempty"`
}

// FilterEntry is the on-disk recursive predicate tree (spec §4.6).
type FilterEntry struct {
	Leaf map[string]map[string]interface{} `json:"-"`
	Not  *FilterEntry                      `json:"not,omitempty"`
	And  []*FilterEntry                    `json:"and,omitempty"`
	Or   []*FilterEntry                    `json:"or,omitempty"`
}

// UnmarshalJSON implements the leaf/not/and/or discriminated shape described
// in spec §4.6: a bare `{"col": {"op": literal}, ...}` object is a leaf;
// "not"/"and"/"or" keys select the other node kinds.
func (f *FilterEntry) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw["not"]; ok {
		f.Not = &FilterEntry{}
		return json.Unmarshal(v, f.Not)
	}
	if v, ok := raw["and"]; ok {
		return json.Unmarshal(v, &f.And)
	}
	if v, ok := raw["or"]; ok {
		return json.Unmarshal(v, &f.Or)
	}

	leaf := make(map[string]map[string]interface{}, len(raw))
	for col, v := range raw {
		var ops map[string]interface{}
		if err := json.Unmarshal(v, &ops); err != nil {
			return fmt.Errorf("config: filter leaf %q: %w", col, err)
		}
		leaf[col] = ops
	}
	f.Leaf = leaf
	return nil
}

func (f *FilterEntry) toModel() (*model.FilterPredicate, error) {
	if f == nil {
		return nil, nil
	}
	switch {
	case f.Not != nil:
		inner, err := f.Not.toModel()
		if err != nil {
			return nil, err
		}
		return &model.FilterPredicate{Not: inner}, nil
	case f.And != nil:
		children, err := toModelSlice(f.And)
		if err != nil {
			return nil, err
		}
		return &model.FilterPredicate{And: children}, nil
	case f.Or != nil:
		children, err := toModelSlice(f.Or)
		if err != nil {
			return nil, err
		}
		return &model.FilterPredicate{Or: children}, nil
	default:
		leaf := make(map[string]model.ColumnOp, len(f.Leaf))
		for col, ops := range f.Leaf {
			for op, literal := range ops {
				leaf[col] = model.ColumnOp{Op: model.CompareOp(op), Literal: literal}
			}
		}
		return &model.FilterPredicate{Leaf: leaf}, nil
	}
}

func toModelSlice(entries []*FilterEntry) ([]*model.FilterPredicate, error) {
	out := make([]*model.FilterPredicate, len(entries))
	for i, e := range entries {
		m, err := e.toModel()
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// MappingEntry is the on-disk form of a mapping rule, keyed externally by
// "{source}.{source_table}" in the config document's mapping map.
type MappingEntry struct {
	Target        string                     `json:"target"`
	PrimaryKey    string                     `json:"primary_key"`
	ColumnMapping map[string]ColumnSpecEntry `json:"column_mapping"`
	Filter        *FilterEntry               `json:"filter,omitempty"`
	InitQuery     string                     `json:"init_query,omitempty"`
	SourceTable   string                     `json:"source_table,omitempty"`
}

// MonitoringEntry is the optional "monitoring" block; its Enabled flag is
// decoded into Config.Monitoring. The metrics/health HTTP listener is
// started regardless of this flag.
type MonitoringEntry struct {
	Enabled bool `json:"enabled"`
}

// Document is the decoded §6 JSON configuration.
type Document struct {
	Sources      map[string]ConnEntry        `json:"sources"`
	Targets      map[string]TargetEntry      `json:"targets"`
	Replication  map[string]ReplicationEntry `json:"replication"`
	Mapping      map[string]MappingEntry     `json:"mapping"`
	Monitoring   *MonitoringEntry            `json:"monitoring,omitempty"`
	MetricsPort  int                         `json:"metrics_port,omitempty"`
}

// Config is the validated, model-shaped configuration the Supervisor
// consumes: connection configs keyed by name, replication parameters keyed
// by source name, and fully resolved mapping rules.
type Config struct {
	Sources     map[string]mysqlconn.Config
	Targets     map[string]mysqlconn.Config
	TargetOpts  map[string]TargetEntry
	Replication map[string]ReplicationEntry
	Rules       []*model.MappingRule
	MetricsPort int
	Monitoring  bool

	// ConfigDir is the directory the config file lived in, used to resolve
	// a sibling transform.<ext> module (spec §6).
	ConfigDir string
}

// Load reads, decodes, and validates the configuration document at path.
// Validation failures are wrapped as KindConfiguration errors (spec §7).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, myerrors.New(myerrors.KindConfiguration, "config.read", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, myerrors.New(myerrors.KindConfiguration, "config.parse", err)
	}

	cfg, err := doc.resolve(filepath.Dir(path))
	if err != nil {
		return nil, myerrors.New(myerrors.KindConfiguration, "config.validate", err)
	}
	return cfg, nil
}

func (doc *Document) resolve(configDir string) (*Config, error) {
	for name, s := range doc.Sources {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("source %q: %w", name, err)
		}
	}
	for name, t := range doc.Targets {
		if err := t.ConnEntry.Validate(); err != nil {
			return nil, fmt.Errorf("target %q: %w", name, err)
		}
	}

	cfg := &Config{
		Sources:     make(map[string]mysqlconn.Config, len(doc.Sources)),
		Targets:     make(map[string]mysqlconn.Config, len(doc.Targets)),
		TargetOpts:  doc.Targets,
		Replication: doc.Replication,
		MetricsPort: doc.MetricsPort,
		ConfigDir:   configDir,
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 8080
	}
	if doc.Monitoring != nil {
		cfg.Monitoring = doc.Monitoring.Enabled
	}

	for name, s := range doc.Sources {
		cfg.Sources[name] = s.toMysqlconn()
	}
	for name, t := range doc.Targets {
		cfg.Targets[name] = t.ConnEntry.toMysqlconn()
	}

	for key, m := range doc.Mapping {
		rule, err := resolveMappingEntry(key, m)
		if err != nil {
			return nil, err
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if _, ok := cfg.Sources[rule.Key.Source]; !ok {
			return nil, fmt.Errorf("mapping %q: unknown source %q", key, rule.Key.Source)
		}
		if _, ok := cfg.Targets[rule.Target.Target]; !ok {
			return nil, fmt.Errorf("mapping %q: unknown target %q", key, rule.Target.Target)
		}
		cfg.Rules = append(cfg.Rules, rule)
	}

	return cfg, nil
}

func resolveMappingEntry(key string, m MappingEntry) (*model.MappingRule, error) {
	source, sourceTable, ok := splitRef(key)
	if !ok {
		return nil, fmt.Errorf("mapping key %q must be \"source.table\"", key)
	}
	target, targetTable, ok := splitRef(m.Target)
	if !ok {
		return nil, fmt.Errorf("mapping %q: target %q must be \"target.table\"", key, m.Target)
	}

	cm := model.NewColumnMapping()
	for targetCol, spec := range m.ColumnMapping {
		modelSpec, err := spec.toModel()
		if err != nil {
			return nil, fmt.Errorf("mapping %q: column %q: %w", key, targetCol, err)
		}
		cm.Add(targetCol, modelSpec)
	}

	filterPred, err := m.Filter.toModel()
	if err != nil {
		return nil, fmt.Errorf("mapping %q: filter: %w", key, err)
	}

	return &model.MappingRule{
		Key:           model.MappingKey{Source: source, SourceTable: sourceTable},
		Target:        model.TargetRef{Target: target, TargetTable: targetTable},
		PrimaryKey:    m.PrimaryKey,
		ColumnMapping: cm,
		Filter:        filterPred,
		InitQuery:     m.InitQuery,
		SourceTable:   m.SourceTable,
	}, nil
}

func (e ColumnSpecEntry) toModel() (model.ColumnSpec, error) {
	switch e.Kind {
	case "copy":
		return model.ColumnSpec{Kind: model.ColumnCopy, SourceColumn: e.SourceColumn}, nil
	case "static":
		return model.ColumnSpec{Kind: model.ColumnStatic, StaticValue: e.StaticValue}, nil
	case "transform":
		return model.ColumnSpec{Kind: model.ColumnTransform, SourceColumn: e.SourceColumn, TransformRef: e.Transform}, nil
	default:
		return model.ColumnSpec{}, fmt.Errorf("unknown column_mapping kind %q", e.Kind)
	}
}

func splitRef(s string) (a, b string, ok bool) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
