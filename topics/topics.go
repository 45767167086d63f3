// Package topics provisions the Kafka topics the desired connectors consume,
// so a fresh cluster can be brought up in one pass.
package topics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/higorrsc/connectctl/state"
	"github.com/higorrsc/connectctl/util/ds"
)

// Admin is the slice of the Kafka admin API provisioning uses. KafkaAdmin
// implements it against a real cluster.
type Admin interface {
	ListTopics(ctx context.Context) ([]string, error)
	CreateTopic(ctx context.Context, spec state.TopicSpec) error
}

type KafkaAdmin struct {
	client *kgo.Client
	admin  *kadm.Client
}

func NewKafkaAdmin(brokers []string) (*KafkaAdmin, error) {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %v", err)
	}
	return &KafkaAdmin{
		client: client,
		admin:  kadm.NewClient(client),
	}, nil
}

func (a *KafkaAdmin) Close() {
	a.client.Close()
}

func (a *KafkaAdmin) ListTopics(ctx context.Context) ([]string, error) {
	details, err := a.admin.ListTopics(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	return names, nil
}

func (a *KafkaAdmin) CreateTopic(ctx context.Context, spec state.TopicSpec) error {
	replication := spec.ReplicationFactor
	if replication == 0 {
		replication = -1 // broker default
	}

	responses, err := a.admin.CreateTopics(ctx, spec.Partitions, replication, spec.Config, spec.Name)
	if err != nil {
		return err
	}
	for _, response := range responses {
		// A topic created by someone else since listing is fine.
		if response.Err != nil && !errors.Is(response.Err, kerr.TopicAlreadyExists) {
			return response.Err
		}
	}
	return nil
}

// Provision creates every desired topic missing from the cluster and returns
// the created names. Existing topics are never altered or deleted: once a
// CDC topic carries data, partition and retention changes are an operator
// decision, not a reconciliation step.
func Provision(ctx context.Context, admin Admin, desired []state.TopicSpec, log *slog.Logger) ([]string, error) {
	if len(desired) == 0 {
		return nil, nil
	}

	live, err := admin.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing topics: %w", err)
	}
	existing := ds.SetOf(live...)

	var created []string
	for _, spec := range desired {
		if existing.Has(spec.Name) {
			continue
		}
		if err := admin.CreateTopic(ctx, spec); err != nil {
			return created, fmt.Errorf("creating topic %q: %w", spec.Name, err)
		}
		log.Info("created topic", "name", spec.Name, "partitions", spec.Partitions)
		created = append(created, spec.Name)
	}
	return created, nil
}
