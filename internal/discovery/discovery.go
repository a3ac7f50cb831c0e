// Package discovery is the Discovery/Probe component (C12): it answers
// "which agent engines are usable right now, with which models", preferring
// a fast in-memory cache, then a persisted record, and only falling all the
// way through to a live subprocess probe when neither is fresh enough.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kdlbs/issueforge/internal/common/logger"
	"github.com/kdlbs/issueforge/internal/executor"
	"github.com/kdlbs/issueforge/internal/store"
)

// DefaultCacheTTL bounds how long a probe result is trusted before a fresh
// live probe is required.
const DefaultCacheTTL = 5 * time.Minute

// settingKeyPrefix namespaces the persisted KV rows this package owns.
const settingKeyPrefix = "discovery.engine."

// Snapshot is one engine's availability and model list as of ProbedAt.
type Snapshot struct {
	EngineType string    `json:"engineType"`
	Available  bool      `json:"available"`
	Reason     string    `json:"reason,omitempty"`
	Models     []string  `json:"models,omitempty"`
	ProbedAt   time.Time `json:"probedAt"`
}

func (s Snapshot) fresh(ttl time.Time) bool { return s.ProbedAt.After(ttl) }

// Prober answers availability/model queries for every registered executor.
type Prober struct {
	executors *executor.Registry
	store     *store.Store
	cacheTTL  time.Duration
	logger    *logger.Logger

	mu    sync.RWMutex
	cache map[string]Snapshot

	group singleflight.Group
}

// New builds a Prober. cacheTTL <= 0 uses DefaultCacheTTL.
func New(executors *executor.Registry, st *store.Store, cacheTTL time.Duration, log *logger.Logger) *Prober {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Prober{
		executors: executors,
		store:     st,
		cacheTTL:  cacheTTL,
		logger:    log.WithFields(zap.String("component", "discovery")),
		cache:     make(map[string]Snapshot),
	}
}

// Get returns the availability/models snapshot for one engine type,
// following the memory → persisted KV → live probe order. force bypasses
// both caches and always live-probes.
func (p *Prober) Get(ctx context.Context, engineType string, force bool) (Snapshot, error) {
	if !force {
		if snap, ok := p.fromMemory(engineType); ok {
			return snap, nil
		}
		if snap, ok := p.fromPersisted(ctx, engineType); ok {
			p.storeMemory(snap)
			return snap, nil
		}
	}
	return p.liveProbe(ctx, engineType)
}

// ProbeAll probes (or reads the cache for) every registered engine type in
// parallel, collapsing results into one slice in registration order is not
// guaranteed — callers needing stable order should sort.
func (p *Prober) ProbeAll(ctx context.Context, force bool) []Snapshot {
	engineTypes := p.executors.EngineTypes()
	results := make([]Snapshot, len(engineTypes))

	var wg sync.WaitGroup
	for i, engineType := range engineTypes {
		wg.Add(1)
		go func(i int, engineType string) {
			defer wg.Done()
			snap, err := p.Get(ctx, engineType, force)
			if err != nil {
				snap = Snapshot{EngineType: engineType, Available: false, Reason: err.Error(), ProbedAt: time.Now()}
			}
			results[i] = snap
		}(i, engineType)
	}
	wg.Wait()
	return results
}

func (p *Prober) fromMemory(engineType string) (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.cache[engineType]
	if !ok || !snap.fresh(time.Now().Add(-p.cacheTTL)) {
		return Snapshot{}, false
	}
	return snap, true
}

func (p *Prober) storeMemory(snap Snapshot) {
	p.mu.Lock()
	p.cache[snap.EngineType] = snap
	p.mu.Unlock()
}

func (p *Prober) fromPersisted(ctx context.Context, engineType string) (Snapshot, bool) {
	var snap Snapshot
	if err := p.store.GetSettingJSON(ctx, settingKeyPrefix+engineType, &snap); err != nil {
		return Snapshot{}, false
	}
	if !snap.fresh(time.Now().Add(-p.cacheTTL)) {
		return Snapshot{}, false
	}
	return snap, true
}

// liveProbe runs GetAvailability and GetModels against the real executor,
// bounded by DefaultProbeTimeout, collapsing concurrent callers for the
// same engine type into a single in-flight probe. A probe failure never
// propagates as an error to the caller: it resolves to an unavailable
// snapshot instead, since "agent binary missing" is routine, not exceptional.
func (p *Prober) liveProbe(ctx context.Context, engineType string) (Snapshot, error) {
	result, err, _ := p.group.Do(engineType, func() (any, error) {
		eng, ok := p.executors.Get(engineType)
		if !ok {
			return Snapshot{}, fmt.Errorf("discovery: unknown engine type %q", engineType)
		}

		probeCtx, cancel := context.WithTimeout(ctx, executor.DefaultProbeTimeout)
		defer cancel()

		snap := Snapshot{EngineType: engineType, ProbedAt: time.Now()}
		availability, availErr := eng.GetAvailability(probeCtx)
		if availErr != nil {
			snap.Available = false
			snap.Reason = availErr.Error()
		} else {
			snap.Available = availability.Available
			snap.Reason = availability.Reason
		}

		if snap.Available {
			models, modelErr := eng.GetModels(probeCtx)
			if modelErr != nil {
				p.logger.Warn("probe: get models failed", zap.String("engine_type", engineType), zap.Error(modelErr))
			} else {
				snap.Models = models
			}
		}

		p.storeMemory(snap)
		if persistErr := p.store.SetSettingJSON(ctx, settingKeyPrefix+engineType, snap); persistErr != nil {
			p.logger.Warn("probe: persist snapshot failed", zap.String("engine_type", engineType), zap.Error(persistErr))
		}
		return snap, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return result.(Snapshot), nil
}
