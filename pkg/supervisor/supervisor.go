// Package supervisor implements the Supervisor (spec §4.8): startup
// ordering (targets, then init-loads, then sources), a periodic health
// loop, and shutdown orchestration.
//
// Grounded on tiflow's processor/owner goroutine-group lifecycles, which
// start and stop a set of workers through a shared errgroup.Group and a
// single cancellation context; adapted to this project's three worker
// kinds and its own restart/backoff policy instead of tiflow's own.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tumurzakov/myrepetl/pkg/bus"
	"github.com/tumurzakov/myrepetl/pkg/config"
	"github.com/tumurzakov/myrepetl/pkg/initload"
	"github.com/tumurzakov/myrepetl/pkg/metrics"
	"github.com/tumurzakov/myrepetl/pkg/model"
	"github.com/tumurzakov/myrepetl/pkg/mysqlconn"
	"github.com/tumurzakov/myrepetl/pkg/source"
	"github.com/tumurzakov/myrepetl/pkg/target"
	"github.com/tumurzakov/myrepetl/pkg/transform"
)

const (
	healthLoopInterval  = 30 * time.Second
	sourceRestartDelay  = 2 * time.Second
	shutdownGracePeriod = 5 * time.Second
)

// ruleIndex resolves mapping rules by key and by (source, schema, table),
// implementing both target.RuleLookup and source.RuleIndex over the same
// backing slice.
type ruleIndex struct {
	byKey       map[model.MappingKey]*model.MappingRule
	bySourceKey map[string][]source.RouteTarget // "source.table" -> routes
}

func newRuleIndex(rules []*model.MappingRule) *ruleIndex {
	idx := &ruleIndex{
		byKey:       make(map[model.MappingKey]*model.MappingRule, len(rules)),
		bySourceKey: make(map[string][]source.RouteTarget),
	}
	for _, r := range rules {
		idx.byKey[r.Key] = r
		lookupKey := r.Key.Source + "." + r.EffectiveSourceTable()
		idx.bySourceKey[lookupKey] = append(idx.bySourceKey[lookupKey], source.RouteTarget{
			TargetName: r.Target.Target,
			MappingKey: r.Key,
		})
	}
	return idx
}

func (idx *ruleIndex) Rule(key model.MappingKey) (*model.MappingRule, bool) {
	r, ok := idx.byKey[key]
	return r, ok
}

func (idx *ruleIndex) Lookup(sourceName, schema, table string) []source.RouteTarget {
	return idx.bySourceKey[sourceName+"."+table]
}

// Supervisor owns the process-wide dependencies and the full set of worker
// goroutines, and drives the startup/health/shutdown lifecycle from spec
// §4.8 and §5.
type Supervisor struct {
	cfg        *config.Config
	pool       *mysqlconn.Pool
	bus        *bus.Bus
	rules      *ruleIndex
	transforms *transform.Registry
	collectors *metrics.Collectors

	targetWorkers map[string]*target.Worker

	sourceMu      sync.RWMutex
	sourceWorkers map[string]*source.Worker

	initWorkers []*initload.Worker

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New builds a Supervisor and every worker it will run, wiring the
// connection pool, bus, rule index, and transform registry shared across
// them (spec §9 "no ambient globals").
func New(cfg *config.Config, collectors *metrics.Collectors) (*Supervisor, error) {
	pool := mysqlconn.New()
	for name, c := range cfg.Sources {
		pool.Register(name, c)
	}
	for name, c := range cfg.Targets {
		pool.Register(name, c)
	}

	b := bus.New(0)
	rules := newRuleIndex(cfg.Rules)

	transforms := transform.NewRegistry()
	if err := loadTransformModules(transforms, cfg); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:           cfg,
		pool:          pool,
		bus:           b,
		rules:         rules,
		transforms:    transforms,
		collectors:    collectors,
		targetWorkers: make(map[string]*target.Worker),
		sourceWorkers: make(map[string]*source.Worker),
	}

	for name := range cfg.Targets {
		opts := cfg.TargetOpts[name]
		twCfg := target.Config{
			Name:             name,
			BatchSize:        opts.BatchSize,
			BatchFlushPeriod: time.Duration(opts.BatchFlushInterval) * time.Millisecond,
		}
		s.targetWorkers[name] = target.New(twCfg, b, pool, rules, transforms)
	}

	for name, c := range cfg.Sources {
		repl := cfg.Replication[name]
		logFile := ""
		if repl.LogFile != nil {
			logFile = *repl.LogFile
		}
		swCfg := source.Config{
			Name:     name,
			Host:     c.Host,
			Port:     uint16(c.Port),
			User:     c.User,
			Password: c.Password,
			ServerID: repl.ServerID,
			LogFile:  logFile,
			LogPos:   repl.LogPos,
		}
		s.sourceWorkers[name] = source.New(swCfg, b, rules)
	}

	for _, rule := range cfg.Rules {
		if rule.InitQuery == "" {
			continue
		}
		s.initWorkers = append(s.initWorkers, initload.New(rule.Key.Source, rule, pool, b))
	}

	return s, nil
}

func loadTransformModules(reg *transform.Registry, cfg *config.Config) error {
	byModule := make(map[string]map[string]struct{})
	for _, rule := range cfg.Rules {
		for _, entry := range rule.ColumnMapping.Entries() {
			if entry.Spec.Kind != model.ColumnTransform {
				continue
			}
			module, fn, ok := splitTransformRef(entry.Spec.TransformRef)
			if !ok || module == "builtin" {
				continue
			}
			if byModule[module] == nil {
				byModule[module] = make(map[string]struct{})
			}
			byModule[module][fn] = struct{}{}
		}
	}
	if len(byModule) == 0 {
		return nil
	}

	loader := transform.NewModuleLoader(cfg.ConfigDir)
	for module, fns := range byModule {
		names := make([]string, 0, len(fns))
		for fn := range fns {
			names = append(names, fn)
		}
		if err := loader.Load(reg, module, names); err != nil {
			return err
		}
	}
	return nil
}

func splitTransformRef(ref string) (module, fn string, ok bool) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}

// Run starts every worker in startup order (targets, init-loads, sources),
// runs the health loop, and blocks until every worker has exited: when ctx
// is cancelled or any worker returns an error, the shared group context is
// cancelled and each worker observes it (spec §5). Run itself does not
// publish SHUTDOWN on the bus; Shutdown does. The pool is closed on return.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	group, groupCtx := errgroup.WithContext(runCtx)
	s.group = group

	for name, w := range s.targetWorkers {
		w := w
		name := name
		group.Go(func() error {
			log.Info("target worker starting", zap.String("target", name))
			return w.Run(groupCtx)
		})
	}

	for _, w := range s.initWorkers {
		w := w
		group.Go(func() error {
			return w.Run(groupCtx)
		})
	}

	for name, w := range s.sourceWorkers {
		w := w
		name := name
		group.Go(func() error {
			log.Info("source worker starting", zap.String("source", name))
			return w.Run(groupCtx)
		})
	}

	group.Go(func() error {
		s.healthLoop(groupCtx)
		return nil
	})

	done := make(chan struct{})
	go s.warnOnSlowShutdown(runCtx, done)

	err := group.Wait()
	close(done)
	s.pool.CloseAll()
	return err
}

// warnOnSlowShutdown logs once if the worker group is still draining
// shutdownGracePeriod after Run's context is cancelled, so a stuck flush
// shows up in the logs instead of a silent hang (spec §5 "Cleanup contract").
func (s *Supervisor) warnOnSlowShutdown(ctx context.Context, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	select {
	case <-done:
	case <-time.After(shutdownGracePeriod):
		log.Warn("shutdown is taking longer than the grace period, workers may be stuck flushing",
			zap.Duration("grace_period", shutdownGracePeriod))
	}
}

// Shutdown requests a clean stop: broadcasts SHUTDOWN on the bus so every
// blocked dequeue returns immediately (spec §9), then cancels the shared
// context so every worker loop observes it at its next suspension point.
func (s *Supervisor) Shutdown() {
	s.bus.PublishShutdown()
	if s.cancel != nil {
		s.cancel()
	}
}

// healthLoop implements spec §4.8's periodic check: ping every target
// connection (reconnecting if down), and restart any source worker whose
// Running flag has unexpectedly cleared.
func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkTargets(ctx)
			s.checkSources(ctx)
			s.logSummary()
		}
	}
}

func (s *Supervisor) checkTargets(ctx context.Context) {
	for name := range s.targetWorkers {
		if s.pool.IsHealthy(ctx, name) {
			continue
		}
		log.Warn("target connection unhealthy, reconnecting", zap.String("target", name))
		if err := s.pool.Reconnect(ctx, name); err != nil {
			log.Error("target reconnect failed", zap.String("target", name), zap.Error(err))
		}
	}
}

func (s *Supervisor) checkSources(ctx context.Context) {
	s.sourceMu.RLock()
	stopped := make(map[string]*source.Worker)
	for name, w := range s.sourceWorkers {
		if !w.Running() {
			stopped[name] = w
		}
	}
	s.sourceMu.RUnlock()

	for name, w := range stopped {
		log.Warn("source worker stopped unexpectedly, restarting", zap.String("source", name))
		time.Sleep(sourceRestartDelay)

		fresh := source.New(w.Config(), s.bus, s.rules)
		s.sourceMu.Lock()
		s.sourceWorkers[name] = fresh
		s.sourceMu.Unlock()

		s.group.Go(func() error {
			return fresh.Run(ctx)
		})
	}
}

// MonitorLoop logs a bus summary line and one line per target worker every
// interval until ctx
// is cancelled, independent of the /metrics HTTP listener (spec §6
// "--monitor"/"--monitor-interval").
func (s *Supervisor) MonitorLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logSummary()
		}
	}
}

func (s *Supervisor) logSummary() {
	stats := s.bus.Stats()
	if s.collectors != nil {
		s.collectors.ObserveBus(stats)
	}
	log.Info("health loop summary",
		zap.String("bus_published", humanize.Comma(stats.Published)),
		zap.String("bus_dropped", humanize.Comma(stats.Dropped)),
		zap.Int64("bus_size", stats.Size),
		zap.Int64("bus_peak", stats.Peak))

	for name, w := range s.targetWorkers {
		st := w.Stats()
		if s.collectors != nil {
			s.collectors.ObserveTarget(name, st.Applied, st.Filtered, st.Errors, st.Flushes)
		}
		log.Info("target summary",
			zap.String("target", name),
			zap.Int64("applied", st.Applied),
			zap.Int64("filtered", st.Filtered),
			zap.Int64("errors", st.Errors),
			zap.Int64("flushes", st.Flushes))
	}
}

// Health builds the /health document from live worker/connection state
// (spec §8, implements metrics.HealthProvider).
func (s *Supervisor) Health() metrics.HealthDocument {
	doc := metrics.HealthDocument{
		Sources: make(map[string]metrics.HealthStatus, len(s.sourceWorkers)),
		Targets: make(map[string]metrics.HealthStatus, len(s.targetWorkers)),
	}

	healthy := true
	s.sourceMu.RLock()
	for name, w := range s.sourceWorkers {
		if w.Running() {
			doc.Sources[name] = metrics.HealthOK
		} else {
			doc.Sources[name] = metrics.HealthCritical
			healthy = false
		}
	}
	s.sourceMu.RUnlock()
	for name, w := range s.targetWorkers {
		if w.State() == target.StateStopped {
			doc.Targets[name] = metrics.HealthCritical
			healthy = false
		} else {
			doc.Targets[name] = metrics.HealthOK
		}
	}
	doc.BusDropped = s.bus.Stats().Dropped
	switch {
	case !healthy:
		doc.Status = metrics.HealthCritical
	case doc.BusDropped > 0:
		// Every source/target is up, but the bus has shed messages at some
		// point; surface that as degraded rather than fully healthy (spec
		// §8: "200 for healthy/warning, 503 for critical").
		doc.Status = metrics.HealthWarning
	default:
		doc.Status = metrics.HealthOK
	}
	return doc
}

// TestConnections opens and pings every configured source and target
// connection, returning a per-name OK/error map (spec §6 "test" verb).
func TestConnections(ctx context.Context, cfg *config.Config) map[string]error {
	pool := mysqlconn.New()
	results := make(map[string]error)

	for name, c := range cfg.Sources {
		pool.Register(name, c)
		_, err := pool.GetNamed(ctx, name)
		results[name] = err
	}
	for name, c := range cfg.Targets {
		pool.Register(name, c)
		_, err := pool.GetNamed(ctx, name)
		results[name] = err
	}
	pool.CloseAll()
	return results
}
