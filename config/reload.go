// ABOUTME: Reloader applying assembly tables to the live scheduler and router.
// ABOUTME: Diffs per virtual model so unchanged pools keep running across reloads.

package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389-research/relay/pipeline"
	"github.com/2389-research/relay/router"
	"github.com/2389-research/relay/scheduler"
)

// ReloaderConfig wires the reloader's collaborators.
type ReloaderConfig struct {
	Scheduler *scheduler.Scheduler

	// Weights are the service config's per-template weight overrides,
	// applied before fingerprinting so an override change counts as a
	// template change.
	Weights map[string]int

	// TokenSources resolves token sources for oauth providers.
	TokenSources func(provider string) (pipeline.TokenSource, bool)

	// OnStateChange is installed on every assembled instance.
	OnStateChange func(instanceID string, from, to pipeline.State)

	// OnRouter receives the rebuilt router after each successful apply.
	OnRouter func(*router.Router)

	Logger *slog.Logger
}

// Reloader applies assembly tables to the running system. The first Apply
// builds everything; later ones reassemble only virtual models whose
// templates changed, destroy removed ones, and leave the rest untouched.
type Reloader struct {
	sched    *scheduler.Scheduler
	weights  map[string]int
	tokens   func(string) (pipeline.TokenSource, bool)
	onState  func(string, pipeline.State, pipeline.State)
	onRouter func(*router.Router)
	logger   *slog.Logger

	mu sync.Mutex
	// index maps virtual model id to the fingerprint of the template set
	// its running pool was built from.
	index map[string]string
}

func NewReloader(cfg ReloaderConfig) (*Reloader, error) {
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("reloader needs a scheduler")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		sched:    cfg.Scheduler,
		weights:  cfg.Weights,
		tokens:   cfg.TokenSources,
		onState:  cfg.OnStateChange,
		onRouter: cfg.OnRouter,
		logger:   logger,
		index:    make(map[string]string),
	}, nil
}

// ApplyResult reports what one apply changed. Failed is keyed by templateId;
// a virtual model whose every template failed keeps its previous pool.
type ApplyResult struct {
	Changed []string
	Removed []string
	Failed  map[string]error
}

// Apply swaps the running configuration for the table's. Routing rules are
// compiled first so a bad table aborts before any pool is touched. Template
// failures stay isolated: the affected virtual model keeps its old pool, the
// rest of the table still applies.
func (r *Reloader) Apply(ctx context.Context, table *Table) (*ApplyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, err := router.New(router.Config{
		Rules:               table.RoutingRules,
		DefaultVirtualModel: table.DefaultVirtualModel,
		KnownVirtualModel:   r.sched.HasVirtualModel,
		Logger:              r.logger,
	})
	if err != nil {
		return nil, err
	}

	templates := table.Templates(r.weights)
	groups := make(map[string][]pipeline.Template)
	for _, tpl := range templates {
		groups[tpl.VirtualModelID] = append(groups[tpl.VirtualModelID], tpl)
	}

	registryJSON, err := json.Marshal(table.ModuleRegistry)
	if err != nil {
		return nil, pipeline.Wrap(pipeline.CodeInternalError, err, "fingerprinting module registry")
	}

	res := &ApplyResult{Failed: make(map[string]error)}
	prints := make(map[string]string, len(groups))
	var changed []string
	for vmID, group := range groups {
		fp := fingerprint(registryJSON, group)
		prints[vmID] = fp
		if r.index[vmID] != fp {
			changed = append(changed, vmID)
		}
	}
	sort.Strings(changed)

	if len(changed) > 0 {
		staging := scheduler.NewStaging()
		asm, err := pipeline.NewAssembler(pipeline.AssemblerConfig{
			Registry:      staging,
			Logger:        r.logger,
			TokenSources:  r.tokens,
			OnStateChange: r.onState,
		})
		if err != nil {
			return nil, err
		}
		if err := asm.LoadRegistry(table.ModuleRegistry); err != nil {
			return nil, err
		}

		var batch []pipeline.Template
		for _, vmID := range changed {
			batch = append(batch, groups[vmID]...)
		}
		ares := asm.Assemble(ctx, batch)
		for tplID, terr := range ares.Failed {
			res.Failed[tplID] = terr
		}

		pools, opts := staging.Pools()
		for _, vmID := range changed {
			built := pools[vmID]
			if len(built) == 0 {
				r.logger.Error("every template failed, pool not swapped", "virtual_model", vmID)
				continue
			}
			r.sched.ReplacePool(vmID, built, opts[vmID])
			r.index[vmID] = prints[vmID]
			res.Changed = append(res.Changed, vmID)
		}
	}

	for vmID := range r.index {
		if _, ok := groups[vmID]; ok {
			continue
		}
		if err := r.sched.DestroyVirtualModel(vmID); err != nil {
			r.logger.Error("destroying removed virtual model", "virtual_model", vmID, "error", err)
		}
		delete(r.index, vmID)
		res.Removed = append(res.Removed, vmID)
	}
	sort.Strings(res.Removed)

	if r.onRouter != nil {
		r.onRouter(rt)
	}
	r.logger.Info("assembly table applied",
		"changed", len(res.Changed),
		"removed", len(res.Removed),
		"failed_templates", len(res.Failed),
		"rules", len(table.RoutingRules))
	return res, nil
}

func fingerprint(registry []byte, group []pipeline.Template) string {
	h := sha256.New()
	h.Write(registry)
	for _, tpl := range group {
		b, _ := json.Marshal(tpl)
		h.Write(b)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
