package reconcile

import (
	"maps"
	"slices"

	"github.com/higorrsc/connectctl/state"
	"github.com/higorrsc/connectctl/util/ds"
)

// DiffResult is the plan for one pass: connectors to POST, configs to PUT
// and, when orphan deletion is on, names to DELETE.
type DiffResult struct {
	ToCreate []state.ConnectorSpec
	ToUpdate []state.ConnectorSpec
	ToDelete []string
}

// Empty reports whether the cluster already matches the desired state.
func (d DiffResult) Empty() bool {
	return len(d.ToCreate) == 0 && len(d.ToUpdate) == 0 && len(d.ToDelete) == 0
}

// Diff computes the plan from the desired connectors and a snapshot of live
// configs keyed by connector name. A connector is in sync iff its live config
// equals its desired config key-wise. Pure: no side effects, arguments are
// not mutated, and the result order is deterministic (declaration order for
// creates and updates, name order for deletes).
func Diff(desired []state.ConnectorSpec, existing map[string]map[string]string, deleteOrphans bool) DiffResult {
	var result DiffResult

	desiredNames := ds.NewSet[string](len(desired))
	for _, spec := range desired {
		desiredNames.Add(spec.Name)
		liveConfig, registered := existing[spec.Name]
		switch {
		case !registered:
			result.ToCreate = append(result.ToCreate, spec)
		case !maps.Equal(liveConfig, spec.Config):
			result.ToUpdate = append(result.ToUpdate, spec)
		}
	}

	if deleteOrphans {
		existingNames := ds.NewSet[string](len(existing))
		for name := range existing {
			existingNames.Add(name)
		}
		if orphans := existingNames.Diff(desiredNames).Slice(); len(orphans) > 0 {
			result.ToDelete = orphans
			slices.Sort(result.ToDelete)
		}
	}

	return result
}
