// Package matcher decides which requested task a polling worker may claim
package matcher

import (
	"sort"

	"github.com/offlinefarm/dispatcher/pkg/types"
)

// Reason explains why a requested task was not eligible for a worker
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonResources   Reason = "resources"
	ReasonOffliner    Reason = "offliner"
	ReasonAffinity    Reason = "affinity"
	ReasonContext     Reason = "context"
	ReasonContextFull Reason = "context_full"
	ReasonPlatform    Reason = "platform_full"
)

// Load counts the live tasks of one worker per context and platform
type Load struct {
	Contexts  map[string]int
	Platforms map[string]int
}

// LoadOf computes the load of worker from the given tasks. Terminal tasks
// and tasks of other workers are ignored.
func LoadOf(worker string, tasks []*types.Task) Load {
	load := Load{Contexts: map[string]int{}, Platforms: map[string]int{}}
	for _, t := range tasks {
		if t.WorkerName != worker || t.Status.Terminal() {
			continue
		}
		if t.Context != "" {
			load.Contexts[t.Context]++
		}
		if t.Config.Platform != "" {
			load.Platforms[t.Config.Platform]++
		}
	}
	return load
}

// Eligible checks a single requested task against the worker
func Eligible(worker *types.Worker, rt *types.RequestedTask, load Load) Reason {
	if !rt.Config.Resources.Fits(worker.Resources) {
		return ReasonResources
	}
	if !worker.Supports(rt.Config.Offliner) {
		return ReasonOffliner
	}
	if rt.Worker != "" && rt.Worker != worker.Name {
		return ReasonAffinity
	}
	if rt.Context != "" {
		ceiling, ok := worker.Contexts[rt.Context]
		if !ok {
			return ReasonContext
		}
		if ceiling > 0 && load.Contexts[rt.Context] >= ceiling {
			return ReasonContextFull
		}
	}
	if rt.Config.Platform != "" {
		if ceiling, ok := worker.Platforms[rt.Config.Platform]; ok && load.Platforms[rt.Config.Platform] >= ceiling {
			return ReasonPlatform
		}
	}
	return ReasonNone
}

// Rank returns the eligible candidates in claim order: highest priority
// first, then oldest, then by id so the order is total
func Rank(worker *types.Worker, candidates []*types.RequestedTask, running []*types.Task) []*types.RequestedTask {
	load := LoadOf(worker.Name, running)

	var eligible []*types.RequestedTask
	for _, rt := range candidates {
		if Eligible(worker, rt, load) == ReasonNone {
			eligible = append(eligible, rt)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return Less(eligible[i], eligible[j])
	})
	return eligible
}

// Select returns the requested task the worker should claim next, or nil
func Select(worker *types.Worker, candidates []*types.RequestedTask, running []*types.Task) *types.RequestedTask {
	ranked := Rank(worker, candidates, running)
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0]
}

// Less orders requested tasks by (priority desc, created_at asc, id asc)
func Less(a, b *types.RequestedTask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
