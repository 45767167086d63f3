// Package reconcile drives a Kafka Connect cluster into agreement with a
// desired-state document: list, diff, apply.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/segmentio/ksuid"

	"github.com/higorrsc/connectctl/connect"
	"github.com/higorrsc/connectctl/state"
	"github.com/higorrsc/connectctl/telemetry"
	"github.com/higorrsc/connectctl/util/sliceu"
)

// ConnectClient is the slice of the Connect REST API reconciliation uses.
// *connect.Client implements it.
type ConnectClient interface {
	ListConnectors(ctx context.Context) ([]string, error)
	ConnectorConfig(ctx context.Context, name string) (map[string]string, error)
	CreateConnector(ctx context.Context, spec state.ConnectorSpec) error
	PutConnectorConfig(ctx context.Context, name string, config map[string]string) error
	DeleteConnector(ctx context.Context, name string) error
}

type Reconciler struct {
	client        ConnectClient
	desired       []state.ConnectorSpec
	deleteOrphans bool
	dryRun        bool
	log           *slog.Logger
}

type Option func(r *Reconciler)

func New(client ConnectClient, desired []state.ConnectorSpec, options ...Option) *Reconciler {
	r := &Reconciler{
		client:  client,
		desired: desired,
		log:     slog.With("scope", "reconcile"),
	}

	for _, o := range options {
		o(r)
	}

	return r
}

// WithDeleteOrphans enables removal of live connectors that have no
// desired-state entry. Off by default: an orphan is somebody else's
// connector until told otherwise.
func WithDeleteOrphans() Option {
	return func(r *Reconciler) {
		r.deleteOrphans = true
	}
}

// WithDryRun logs the plan without issuing any mutating call.
func WithDryRun() Option {
	return func(r *Reconciler) {
		r.dryRun = true
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.log = logger
	}
}

// Rejection is one connector the cluster refused along with the refusal.
type Rejection struct {
	Name string
	Err  error
}

// Result summarizes one pass. Under dry run the fields hold the planned
// rather than the performed actions.
type Result struct {
	RunID    string
	DryRun   bool
	Created  []string
	Updated  []string
	Deleted  []string
	Rejected []Rejection
}

// Converged reports whether the cluster fully matches the desired state at
// the end of the pass.
func (r *Result) Converged() bool {
	return len(r.Rejected) == 0 && !r.DryRun
}

// Run performs one reconciliation pass. A rejected connector is recorded in
// the Result and the remaining plan still applies; an unreachable cluster
// aborts the pass with a non-nil error. Re-running against an already
// converged cluster issues no mutating calls.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	result := &Result{
		RunID:  ksuid.New().String(),
		DryRun: r.dryRun,
	}
	log := r.log.With("run", result.RunID)

	existing, err := r.snapshot(ctx)
	if err != nil {
		telemetry.CountPass("unreachable")
		return result, fmt.Errorf("listing existing connectors: %w", err)
	}

	plan := Diff(r.desired, existing, r.deleteOrphans)
	if plan.Empty() {
		log.Info("cluster already converged", "connectors", len(r.desired))
		telemetry.CountPass("converged")
		return result, nil
	}
	log.Info("computed plan",
		"create", len(plan.ToCreate), "update", len(plan.ToUpdate), "delete", len(plan.ToDelete))

	if err := r.apply(ctx, plan, result, log); err != nil {
		telemetry.CountPass("unreachable")
		return result, err
	}

	if len(result.Rejected) > 0 {
		names := sliceu.Map(result.Rejected, func(rej Rejection) string { return rej.Name })
		log.Warn("pass finished with rejections", "names", names)
		telemetry.CountPass("rejected")
	} else {
		telemetry.CountPass("converged")
	}
	return result, nil
}

// snapshot fetches the registered connector names and their live configs.
// Nothing is persisted; every pass observes the cluster fresh.
func (r *Reconciler) snapshot(ctx context.Context) (map[string]map[string]string, error) {
	names, err := r.client.ListConnectors(ctx)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]map[string]string, len(names))
	for _, name := range names {
		config, err := r.client.ConnectorConfig(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("reading config of %q: %w", name, err)
		}
		existing[name] = config
	}
	return existing, nil
}

func (r *Reconciler) apply(ctx context.Context, plan DiffResult, result *Result, log *slog.Logger) error {
	for _, spec := range plan.ToCreate {
		if r.dryRun {
			log.Info("would create connector", "name", spec.Name)
			result.Created = append(result.Created, spec.Name)
			continue
		}
		if err := r.client.CreateConnector(ctx, spec); err != nil {
			if connect.IsRejected(err) {
				log.Warn("connector rejected", "name", spec.Name, "error", err)
				telemetry.CountAction("reject")
				result.Rejected = append(result.Rejected, Rejection{Name: spec.Name, Err: err})
				continue
			}
			return fmt.Errorf("creating %q: %w", spec.Name, err)
		}
		log.Info("created connector", "name", spec.Name)
		telemetry.CountAction("create")
		result.Created = append(result.Created, spec.Name)
	}

	for _, spec := range plan.ToUpdate {
		if r.dryRun {
			log.Info("would update connector config", "name", spec.Name)
			result.Updated = append(result.Updated, spec.Name)
			continue
		}
		if err := r.client.PutConnectorConfig(ctx, spec.Name, spec.Config); err != nil {
			if connect.IsRejected(err) {
				log.Warn("connector rejected", "name", spec.Name, "error", err)
				telemetry.CountAction("reject")
				result.Rejected = append(result.Rejected, Rejection{Name: spec.Name, Err: err})
				continue
			}
			return fmt.Errorf("updating %q: %w", spec.Name, err)
		}
		log.Info("updated connector config", "name", spec.Name)
		telemetry.CountAction("update")
		result.Updated = append(result.Updated, spec.Name)
	}

	for _, name := range plan.ToDelete {
		if r.dryRun {
			log.Info("would delete orphan connector", "name", name)
			result.Deleted = append(result.Deleted, name)
			continue
		}
		if err := r.client.DeleteConnector(ctx, name); err != nil {
			var rejected *connect.RejectedError
			if errors.As(err, &rejected) {
				if rejected.StatusCode == http.StatusNotFound {
					// Deleted by someone else between list and apply. The
					// next pass re-observes, nothing to do now.
					log.Warn("orphan already gone", "name", name)
					continue
				}
				log.Warn("orphan delete rejected", "name", name, "error", err)
				telemetry.CountAction("reject")
				result.Rejected = append(result.Rejected, Rejection{Name: name, Err: err})
				continue
			}
			return fmt.Errorf("deleting %q: %w", name, err)
		}
		log.Info("deleted orphan connector", "name", name)
		telemetry.CountAction("delete")
		result.Deleted = append(result.Deleted, name)
	}

	return nil
}
