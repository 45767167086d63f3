// Package state models the desired-state document that reconciliation drives
// the cluster towards.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goccy/go-yaml"

	"github.com/higorrsc/connectctl/util/ds"
)

// ConnectorSpec is one desired connector. It has the same shape as the body
// of POST /connectors, so an existing registration script's payload can be
// dropped into a desired-state file unchanged.
type ConnectorSpec struct {
	Name   string            `json:"name" yaml:"name"`
	Config map[string]string `json:"config" yaml:"config"`
}

// TopicSpec is one desired Kafka topic. ReplicationFactor 0 means use the
// broker default.
type TopicSpec struct {
	Name              string             `json:"name" yaml:"name"`
	Partitions        int32              `json:"partitions" yaml:"partitions"`
	ReplicationFactor int16              `json:"replication_factor" yaml:"replication_factor"`
	Config            map[string]*string `json:"config" yaml:"config"`
}

type Document struct {
	Connectors []ConnectorSpec `json:"connectors" yaml:"connectors"`
	Topics     []TopicSpec     `json:"topics" yaml:"topics"`
}

// Unmarshal parses a desired-state document. Two layouts are accepted: a bare
// JSON array of connector specs, or a full document with `connectors` and
// optional `topics` keys in YAML or JSON.
func Unmarshal(data []byte) (*Document, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errors.New("malformed desired state: empty document")
	}

	if trimmed[0] == '[' {
		var connectors []ConnectorSpec
		if err := json.Unmarshal(trimmed, &connectors); err != nil {
			return nil, fmt.Errorf("malformed desired state: %v", err)
		}
		return &Document{Connectors: connectors}, nil
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed desired state: %v", err)
	}
	return &doc, nil
}

func (d *Document) Validate() (err error) {
	seen := ds.NewSet[string](len(d.Connectors))
	for i, c := range d.Connectors {
		if c.Name == "" {
			err = errors.Join(err, fmt.Errorf("connector at index %d has no name", i))
			continue
		}
		if seen.Has(c.Name) {
			err = errors.Join(err, fmt.Errorf("duplicate connector name %q", c.Name))
		}
		seen.Add(c.Name)
		if c.Config["connector.class"] == "" {
			err = errors.Join(err, fmt.Errorf("connector %q has no connector.class", c.Name))
		}
	}

	topicsSeen := ds.NewSet[string](len(d.Topics))
	for i, t := range d.Topics {
		if t.Name == "" {
			err = errors.Join(err, fmt.Errorf("topic at index %d has no name", i))
			continue
		}
		if topicsSeen.Has(t.Name) {
			err = errors.Join(err, fmt.Errorf("duplicate topic name %q", t.Name))
		}
		topicsSeen.Add(t.Name)
		if t.Partitions < 1 {
			err = errors.Join(err, fmt.Errorf("topic %q needs at least 1 partition", t.Name))
		}
	}

	return err
}
