package reconcile_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/higorrsc/connectctl/clocks"
	"github.com/higorrsc/connectctl/connect"
	"github.com/higorrsc/connectctl/connect/connecttest"
	"github.com/higorrsc/connectctl/reconcile"
	"github.com/higorrsc/connectctl/state"
)

func fastClient(url string) *connect.Client {
	return connect.New(url,
		connect.WithAttempts(3),
		connect.WithInitialRetryDelay(time.Millisecond))
}

func TestRun_CreatesMissingConnector(t *testing.T) {
	server, stop := connecttest.Run()
	defer stop()

	desired := []state.ConnectorSpec{{
		Name:   "es",
		Config: map[string]string{"connector.class": "ElasticsearchSinkConnector", "topics": "t1"},
	}}
	r := reconcile.New(fastClient(server.URL), desired)

	result, err := r.Run(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []string{"es"}, result.Created)
	assert.True(t, result.Converged())
	assert.Equal(t, 1, server.CreateCalls(), "exactly one POST")
	assert.Equal(t, 0, server.UpdateCalls())
	assert.Equal(t, "t1", server.Config("es")["topics"])
}

func TestRun_UpdatesDriftedConfig(t *testing.T) {
	server, stop := connecttest.Run()
	defer stop()
	server.Register("es", map[string]string{"topics": "t2"})

	desired := []state.ConnectorSpec{{Name: "es", Config: map[string]string{"topics": "t1"}}}
	r := reconcile.New(fastClient(server.URL), desired)

	result, err := r.Run(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []string{"es"}, result.Updated)
	assert.Equal(t, 1, server.UpdateCalls(), "exactly one PUT")
	assert.Equal(t, 0, server.CreateCalls())
	assert.Equal(t, "t1", server.Config("es")["topics"])
}

func TestRun_SecondPassIssuesNoMutations(t *testing.T) {
	server, stop := connecttest.Run()
	defer stop()

	desired := []state.ConnectorSpec{
		{Name: "es", Config: map[string]string{"connector.class": "X", "topics": "t1"}},
		{Name: "s3", Config: map[string]string{"connector.class": "Y", "topics": "t2"}},
	}
	r := reconcile.New(fastClient(server.URL), desired)

	_, err := r.Run(t.Context())
	require.NoError(t, err)
	mutationsAfterFirst := server.MutationCount()

	result, err := r.Run(t.Context())
	require.NoError(t, err)

	assert.Equal(t, mutationsAfterFirst, server.MutationCount(), "a converged cluster gets reads only")
	assert.True(t, result.Converged())
	assert.Empty(t, result.Created)
	assert.Empty(t, result.Updated)
}

func TestRun_OrphanHandling(t *testing.T) {
	server, stop := connecttest.Run()
	defer stop()
	server.Register("orphan", map[string]string{"topics": "t9"})

	desired := []state.ConnectorSpec{{Name: "es", Config: map[string]string{"connector.class": "X"}}}

	// Default: orphan untouched
	r := reconcile.New(fastClient(server.URL), desired)
	_, err := r.Run(t.Context())
	require.NoError(t, err)
	assert.Contains(t, server.Connectors(), "orphan")

	// With delete-orphans: orphan removed
	r = reconcile.New(fastClient(server.URL), desired, reconcile.WithDeleteOrphans())
	result, err := r.Run(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, result.Deleted)
	assert.NotContains(t, server.Connectors(), "orphan")
	assert.Equal(t, 1, server.DeleteCalls())
}

func TestRun_RejectionDoesNotBlockOthers(t *testing.T) {
	server, stop := connecttest.Run()
	defer stop()
	server.Reject("bad", "Failed to find any class that implements Connector")

	desired := []state.ConnectorSpec{
		{Name: "bad", Config: map[string]string{"connector.class": "nope.Missing"}},
		{Name: "es", Config: map[string]string{"connector.class": "ElasticsearchSinkConnector"}},
	}
	r := reconcile.New(fastClient(server.URL), desired)

	result, err := r.Run(t.Context())
	require.NoError(t, err, "a rejection is reported, not fatal")

	require.Len(t, result.Rejected, 1)
	assert.Equal(t, "bad", result.Rejected[0].Name)
	assert.ErrorContains(t, result.Rejected[0].Err, "Failed to find any class")
	assert.Equal(t, []string{"es"}, result.Created, "remaining connectors still processed")
	assert.False(t, result.Converged())
}

func TestRun_OrphanDeleteRejectionIsReported(t *testing.T) {
	server, stop := connecttest.Run()
	defer stop()
	server.Register("orphan", map[string]string{"topics": "t9"})
	server.RejectDelete("orphan", "Connector orphan is managed by another principal")

	desired := []state.ConnectorSpec{{Name: "es", Config: map[string]string{"connector.class": "X"}}}
	r := reconcile.New(fastClient(server.URL), desired, reconcile.WithDeleteOrphans())

	result, err := r.Run(t.Context())
	require.NoError(t, err, "a rejected delete is reported, not fatal")

	require.Len(t, result.Rejected, 1)
	assert.Equal(t, "orphan", result.Rejected[0].Name)
	assert.ErrorContains(t, result.Rejected[0].Err, "managed by another principal")
	assert.False(t, result.Converged())
	assert.Empty(t, result.Deleted)
	assert.Contains(t, server.Connectors(), "orphan", "rejected orphan stays registered")
}

// vanishingClient reports one live connector whose delete answers 404, as
// happens when another actor removes it between list and apply.
type vanishingClient struct {
	name    string
	deletes int
}

func (c *vanishingClient) ListConnectors(context.Context) ([]string, error) {
	return []string{c.name}, nil
}

func (c *vanishingClient) ConnectorConfig(_ context.Context, name string) (map[string]string, error) {
	return map[string]string{"connector.class": "X"}, nil
}

func (c *vanishingClient) CreateConnector(context.Context, state.ConnectorSpec) error { return nil }

func (c *vanishingClient) PutConnectorConfig(context.Context, string, map[string]string) error {
	return nil
}

func (c *vanishingClient) DeleteConnector(_ context.Context, name string) error {
	c.deletes++
	return &connect.RejectedError{
		Name:       name,
		StatusCode: http.StatusNotFound,
		Message:    "Connector " + name + " not found",
	}
}

func TestRun_OrphanGoneBetweenListAndDeleteIsSkipped(t *testing.T) {
	client := &vanishingClient{name: "ghost"}
	r := reconcile.New(client, nil, reconcile.WithDeleteOrphans())

	result, err := r.Run(t.Context())
	require.NoError(t, err, "a 404 on delete means the orphan is already gone")

	assert.Equal(t, 1, client.deletes)
	assert.Empty(t, result.Rejected)
	assert.Empty(t, result.Deleted)
	assert.True(t, result.Converged())
}

func TestRun_UnreachableClusterAbortsPass(t *testing.T) {
	server, stop := connecttest.Run()
	stop()

	desired := []state.ConnectorSpec{{Name: "es", Config: map[string]string{"connector.class": "X"}}}
	r := reconcile.New(fastClient(server.URL), desired)

	_, err := r.Run(t.Context())

	assert.ErrorIs(t, err, connect.ErrUnreachable)
}

func TestRun_DryRunIssuesNoMutations(t *testing.T) {
	server, stop := connecttest.Run()
	defer stop()
	server.Register("orphan", map[string]string{"topics": "t9"})

	desired := []state.ConnectorSpec{{Name: "es", Config: map[string]string{"connector.class": "X"}}}
	r := reconcile.New(fastClient(server.URL), desired,
		reconcile.WithDryRun(), reconcile.WithDeleteOrphans())

	result, err := r.Run(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 0, server.MutationCount(), "dry run must not mutate")
	assert.Equal(t, []string{"es"}, result.Created, "plan is still reported")
	assert.Equal(t, []string{"orphan"}, result.Deleted)
	assert.Contains(t, server.Connectors(), "orphan")
}

func TestWatch_ReconvergesAfterExternalMutation(t *testing.T) {
	server, stop := connecttest.Run()
	defer stop()

	desired := []state.ConnectorSpec{{Name: "es", Config: map[string]string{"connector.class": "X", "topics": "t1"}}}
	r := reconcile.New(fastClient(server.URL), desired)

	clock := clocks.NewFrozenClock()
	ticker := r.Watch(clock, time.Minute, time.Second)
	defer ticker.Stop()

	clock.TickEvery("reconcile")
	assert.Equal(t, "t1", server.Config("es")["topics"])

	// An external actor rewrites the config between ticks.
	server.Register("es", map[string]string{"connector.class": "X", "topics": "hijacked"})

	clock.TickEvery("reconcile")
	assert.Equal(t, "t1", server.Config("es")["topics"], "watch re-converges drifted state")
	assert.Zero(t, clock.LastRetryIn("reconcile"), "a clean pass waits the full interval")
}

func TestWatch_RetriesSoonerWhenClusterUnreachable(t *testing.T) {
	server, stop := connecttest.Run()
	stop()

	desired := []state.ConnectorSpec{{Name: "es", Config: map[string]string{"connector.class": "X"}}}
	r := reconcile.New(fastClient(server.URL), desired)

	clock := clocks.NewFrozenClock()
	ticker := r.Watch(clock, time.Minute, 5*time.Second)
	defer ticker.Stop()

	clock.TickEvery("reconcile")

	assert.Equal(t, 5*time.Second, clock.LastRetryIn("reconcile"),
		"an unreachable cluster pulls the next pass forward")
}
