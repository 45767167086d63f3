package reconcile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/higorrsc/connectctl/reconcile"
	"github.com/higorrsc/connectctl/state"
	"github.com/higorrsc/connectctl/util/sliceu"
)

func specName(s state.ConnectorSpec) string { return s.Name }

func TestDiff_NewConnectorIsCreated(t *testing.T) {
	desired := []state.ConnectorSpec{
		{Name: "es", Config: map[string]string{"connector.class": "ElasticsearchSinkConnector", "topics": "t1"}},
	}

	plan := reconcile.Diff(desired, map[string]map[string]string{}, false)

	assert.Equal(t, []string{"es"}, sliceu.Map(plan.ToCreate, specName))
	assert.Empty(t, plan.ToUpdate)
	assert.Empty(t, plan.ToDelete)
}

func TestDiff_ChangedConfigIsUpdated(t *testing.T) {
	desired := []state.ConnectorSpec{
		{Name: "es", Config: map[string]string{"topics": "t1"}},
	}
	existing := map[string]map[string]string{
		"es": {"topics": "t2"},
	}

	plan := reconcile.Diff(desired, existing, false)

	assert.Empty(t, plan.ToCreate)
	assert.Equal(t, []string{"es"}, sliceu.Map(plan.ToUpdate, specName))
	assert.Empty(t, plan.ToDelete)
}

func TestDiff_MatchingConfigIsInSync(t *testing.T) {
	desired := []state.ConnectorSpec{
		{Name: "es", Config: map[string]string{"topics": "t1", "tasks.max": "1"}},
	}
	existing := map[string]map[string]string{
		"es": {"tasks.max": "1", "topics": "t1"},
	}

	plan := reconcile.Diff(desired, existing, false)

	assert.True(t, plan.Empty())
}

func TestDiff_OrphanLeftAloneByDefault(t *testing.T) {
	existing := map[string]map[string]string{
		"orphan": {"topics": "t9"},
	}

	plan := reconcile.Diff(nil, existing, false)

	assert.Empty(t, plan.ToDelete, "orphan must be left untouched without delete-orphans")
	assert.True(t, plan.Empty())
}

func TestDiff_OrphanDeletedWhenEnabled(t *testing.T) {
	desired := []state.ConnectorSpec{
		{Name: "es", Config: map[string]string{"topics": "t1"}},
	}
	existing := map[string]map[string]string{
		"es":       {"topics": "t1"},
		"orphan-b": {"topics": "t9"},
		"orphan-a": {"topics": "t8"},
	}

	plan := reconcile.Diff(desired, existing, true)

	assert.Equal(t, []string{"orphan-a", "orphan-b"}, plan.ToDelete, "deletes come out in name order")
}

func TestDiff_IsPure(t *testing.T) {
	desired := []state.ConnectorSpec{
		{Name: "a", Config: map[string]string{"topics": "t1"}},
		{Name: "b", Config: map[string]string{"topics": "t2"}},
	}
	existing := map[string]map[string]string{
		"b":      {"topics": "changed"},
		"orphan": {"topics": "t9"},
	}

	first := reconcile.Diff(desired, existing, true)
	for range 10 {
		assert.Equal(t, first, reconcile.Diff(desired, existing, true), "same inputs must give the same plan")
	}

	require.Equal(t, map[string]string{"topics": "changed"}, existing["b"], "inputs must not be mutated")
	require.Len(t, desired, 2)
}
