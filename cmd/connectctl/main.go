package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/higorrsc/connectctl/clocks"
	"github.com/higorrsc/connectctl/connect"
	"github.com/higorrsc/connectctl/logging"
	"github.com/higorrsc/connectctl/reconcile"
	"github.com/higorrsc/connectctl/state"
	"github.com/higorrsc/connectctl/topics"
)

func main() {
	app := &cli.App{
		Name:  "connectctl",
		Usage: "Reconcile Kafka Connect connectors and topics against a desired state",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
		},
		Before: func(ctx *cli.Context) error {
			slog.SetDefault(slog.New(logging.NewTextHandler()))
			if ctx.Bool("verbose") {
				logging.SetLevel(slog.LevelDebug)
			}
			return nil
		},
		Commands: []*cli.Command{{
			Name:      "reconcile",
			Usage:     "Drive the Connect cluster to match a desired-state file",
			Args:      true,
			ArgsUsage: "<desired-state file>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "file",
					Usage: "desired-state file, equivalent to the positional argument",
				},
				&cli.StringFlag{
					Name:  "url",
					Value: "http://localhost:8083",
					Usage: "base URL of the Kafka Connect REST API",
				},
				&cli.StringSliceFlag{
					Name:  "brokers",
					Usage: "Kafka bootstrap brokers, needed when the file declares topics",
				},
				&cli.BoolFlag{
					Name:  "delete-orphans",
					Usage: "delete live connectors that have no desired-state entry",
				},
				&cli.BoolFlag{
					Name:  "dry-run",
					Usage: "log the plan without mutating the cluster",
				},
				&cli.BoolFlag{
					Name:  "watch",
					Usage: "keep reconciling on an interval until interrupted",
				},
				&cli.DurationFlag{
					Name:  "interval",
					Value: 30 * time.Second,
					Usage: "pass interval in watch mode",
				},
				&cli.StringFlag{
					Name:  "metrics-addr",
					Usage: "serve prometheus metrics on this address in watch mode",
				},
				&cli.DurationFlag{
					Name:  "timeout",
					Value: 10 * time.Second,
					Usage: "timeout per REST call",
				},
			},
			Action: runReconcile,
		}, {
			Name:      "status",
			Usage:     "Show the state of a connector and its tasks",
			Args:      true,
			ArgsUsage: "<connector name>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "url",
					Value: "http://localhost:8083",
					Usage: "base URL of the Kafka Connect REST API",
				},
				&cli.BoolFlag{
					Name:  "wait",
					Usage: "poll until the connector and all tasks are RUNNING",
				},
				&cli.DurationFlag{
					Name:  "wait-timeout",
					Value: 3 * time.Minute,
					Usage: "give up waiting after this long",
				},
				&cli.DurationFlag{
					Name:  "timeout",
					Value: 10 * time.Second,
					Usage: "timeout per REST call",
				},
			},
			Action: runStatus,
		}, {
			Name:      "topics",
			Usage:     "Create the topics a desired-state file declares",
			Args:      true,
			ArgsUsage: "<desired-state file>",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:     "brokers",
					Usage:    "Kafka bootstrap brokers",
					Required: true,
				},
			},
			Action: runTopics,
		}},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadDocument(path string) (*state.Document, error) {
	if path == "" {
		return nil, cli.Exit("desired-state file is required", 2)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("reading desired state: %v", err), 2)
	}
	doc, err := state.Unmarshal(data)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	if err := doc.Validate(); err != nil {
		return nil, cli.Exit(fmt.Sprintf("invalid desired state: %v", err), 2)
	}
	return doc, nil
}

func runReconcile(ctx *cli.Context) error {
	path := ctx.String("file")
	if path == "" {
		path = ctx.Args().First()
	}
	doc, err := loadDocument(path)
	if err != nil {
		return err
	}

	if len(doc.Topics) > 0 {
		brokers := ctx.StringSlice("brokers")
		if len(brokers) == 0 {
			slog.Warn("desired state declares topics but no --brokers given, skipping topic provisioning")
		} else if err := provisionTopics(ctx.Context, brokers, doc.Topics); err != nil {
			return cli.Exit(fmt.Sprintf("provisioning topics: %v", err), 2)
		}
	}

	client := connect.New(ctx.String("url"), connect.WithCallTimeout(ctx.Duration("timeout")))

	var opts []reconcile.Option
	if ctx.Bool("delete-orphans") {
		opts = append(opts, reconcile.WithDeleteOrphans())
	}
	if ctx.Bool("dry-run") {
		opts = append(opts, reconcile.WithDryRun())
	}
	r := reconcile.New(client, doc.Connectors, opts...)

	if ctx.Bool("watch") {
		return runWatch(ctx.Context, r, ctx.Duration("interval"), ctx.String("metrics-addr"))
	}

	result, err := r.Run(ctx.Context)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	for _, rejection := range result.Rejected {
		fmt.Fprintln(os.Stderr, rejection.Err)
	}
	fmt.Printf("created=%d updated=%d deleted=%d rejected=%d\n",
		len(result.Created), len(result.Updated), len(result.Deleted), len(result.Rejected))
	if len(result.Rejected) > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

func runWatch(ctx context.Context, r *reconcile.Reconciler, interval time.Duration, metricsAddr string) error {
	var metricsServer *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	retryIn := min(interval, 10*time.Second)
	ticker := r.Watch(clocks.NewSystemClock(), interval, retryIn)
	ticker.Trigger()

	<-ctx.Done()
	ticker.Stop()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(context.Background()); err != nil {
			slog.Error("metrics server shutdown failed", "error", err)
		}
	}
	return nil
}

func runStatus(ctx *cli.Context) error {
	name := ctx.Args().First()
	if name == "" {
		return cli.Exit("connector name is required", 2)
	}
	client := connect.New(ctx.String("url"), connect.WithCallTimeout(ctx.Duration("timeout")))

	if !ctx.Bool("wait") {
		status, err := client.ConnectorStatus(ctx.Context, name)
		if err != nil {
			if connect.IsRejected(err) {
				return cli.Exit(err.Error(), 1)
			}
			return cli.Exit(err.Error(), 2)
		}
		printStatus(status)
		if !status.Running() {
			return cli.Exit("", 1)
		}
		return nil
	}

	// WaitRunning ends early when the surrounding signal context is canceled,
	// so an interrupt doesn't hang inside a poll sleep.
	_, err := client.WaitRunning(ctx.Context, name, ctx.Duration("wait-timeout"), 2*time.Second, printStatus)
	if err != nil {
		if errors.Is(err, connect.ErrUnreachable) {
			return cli.Exit(err.Error(), 2)
		}
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func printStatus(status *connect.Status) {
	fmt.Printf("%s: %s on %s\n", status.Name, status.Connector.State, status.Connector.WorkerID)
	for _, task := range status.Tasks {
		fmt.Printf("  task %d: %s on %s\n", task.ID, task.State, task.WorkerID)
	}
}

func runTopics(ctx *cli.Context) error {
	doc, err := loadDocument(ctx.Args().First())
	if err != nil {
		return err
	}
	if len(doc.Topics) == 0 {
		fmt.Println("no topics declared")
		return nil
	}
	if err := provisionTopics(ctx.Context, ctx.StringSlice("brokers"), doc.Topics); err != nil {
		return cli.Exit(fmt.Sprintf("provisioning topics: %v", err), 2)
	}
	return nil
}

func provisionTopics(ctx context.Context, brokers []string, desired []state.TopicSpec) error {
	admin, err := topics.NewKafkaAdmin(brokers)
	if err != nil {
		return err
	}
	defer admin.Close()

	created, err := topics.Provision(ctx, admin, desired, slog.With("scope", "topics"))
	if err != nil {
		return err
	}
	fmt.Printf("topics created=%d\n", len(created))
	return nil
}
