package topics_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/higorrsc/connectctl/state"
	"github.com/higorrsc/connectctl/topics"
)

// fakeAdmin is an in-memory topic registry.
type fakeAdmin struct {
	topics  []string
	created []state.TopicSpec
	listErr error
}

func (f *fakeAdmin) ListTopics(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.topics, nil
}

func (f *fakeAdmin) CreateTopic(ctx context.Context, spec state.TopicSpec) error {
	f.topics = append(f.topics, spec.Name)
	f.created = append(f.created, spec)
	return nil
}

func TestProvision_CreatesOnlyMissingTopics(t *testing.T) {
	admin := &fakeAdmin{topics: []string{"catalog-db.codeflix.videos"}}
	desired := []state.TopicSpec{
		{Name: "catalog-db.codeflix.videos", Partitions: 3},
		{Name: "catalog-db.codeflix.categories", Partitions: 3},
	}

	created, err := topics.Provision(t.Context(), admin, desired, slog.Default())
	require.NoError(t, err)

	assert.Equal(t, []string{"catalog-db.codeflix.categories"}, created)
	require.Len(t, admin.created, 1)
	assert.Equal(t, int32(3), admin.created[0].Partitions)
}

func TestProvision_NoDesiredTopicsMakesNoCalls(t *testing.T) {
	admin := &fakeAdmin{listErr: errors.New("must not be called")}

	created, err := topics.Provision(t.Context(), admin, nil, slog.Default())

	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestProvision_SecondPassCreatesNothing(t *testing.T) {
	admin := &fakeAdmin{}
	desired := []state.TopicSpec{{Name: "t1", Partitions: 1}}

	_, err := topics.Provision(t.Context(), admin, desired, slog.Default())
	require.NoError(t, err)
	created, err := topics.Provision(t.Context(), admin, desired, slog.Default())
	require.NoError(t, err)

	assert.Empty(t, created)
	assert.Len(t, admin.created, 1)
}

func TestProvision_ListFailureIsFatal(t *testing.T) {
	admin := &fakeAdmin{listErr: errors.New("brokers down")}
	desired := []state.TopicSpec{{Name: "t1", Partitions: 1}}

	_, err := topics.Provision(t.Context(), admin, desired, slog.Default())

	assert.ErrorContains(t, err, "listing topics")
}
