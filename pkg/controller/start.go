package controller

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/newrelic/go-agent/v3/newrelic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dominodatalab/sweeper/pkg/config"
	"github.com/dominodatalab/sweeper/pkg/gate"
	"github.com/dominodatalab/sweeper/pkg/identity"
	"github.com/dominodatalab/sweeper/pkg/identity/sts"
	"github.com/dominodatalab/sweeper/pkg/kubernetes"
	"github.com/dominodatalab/sweeper/pkg/logger"
	"github.com/dominodatalab/sweeper/pkg/logsink"
	"github.com/dominodatalab/sweeper/pkg/messaging/amqp"
	"github.com/dominodatalab/sweeper/pkg/pipeline"
	"github.com/dominodatalab/sweeper/pkg/runner"
	"github.com/dominodatalab/sweeper/pkg/secrets"
	"github.com/dominodatalab/sweeper/pkg/secrets/cloudauth"
	"github.com/dominodatalab/sweeper/pkg/secrets/cloudauth/acr"
	"github.com/dominodatalab/sweeper/pkg/secrets/cloudauth/ecr"
	"github.com/dominodatalab/sweeper/pkg/secrets/cloudauth/gcr"
	"github.com/dominodatalab/sweeper/pkg/secrets/secretsmanager"
	"github.com/dominodatalab/sweeper/pkg/server"
	"github.com/dominodatalab/sweeper/pkg/source"
	"github.com/dominodatalab/sweeper/pkg/store"
)

const (
	shutdownTimeout         = 2 * time.Minute
	newRelicShutdownTimeout = 10 * time.Second
)

// Sweeper holds the long-lived components of one pipeline.
type Sweeper struct {
	log          logr.Logger
	cfg          config.Config
	store        store.Store
	gate         *gate.Gate
	orchestrator *pipeline.Orchestrator
	server       *server.Server
	notifier     *amqp.TransitionNotifier
	newRelic     *newrelic.Application
}

// Start builds the pipeline described by cfg and serves its API until SIGINT or SIGTERM. In-flight
// runs are cancelled and recorded before it returns.
func Start(cfg config.Config) error {
	l, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}

	log := l.WithName("setup")
	log.V(1).Info("Using provided configuration",
		"pipeline", cfg.Pipeline.Name,
		"identityBackend", cfg.Identity.Backend,
		"secretsBackend", cfg.Secrets.Backend,
		"source", cfg.Source.Type,
		"environment", cfg.Runner.Environment,
		"logSink", cfg.LogSink.Type,
		"store", cfg.Store.Type,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Server.IstioEnabled {
		finish, err := kubernetes.NewSidecar(l).Wait(ctx)
		if err != nil {
			return err
		}
		defer finish()
	}

	sw, err := New(ctx, l, cfg)
	if err != nil {
		return err
	}

	return sw.Serve(ctx)
}

// New wires every component. Nothing is served until Serve is called.
func New(ctx context.Context, log logr.Logger, cfg config.Config) (sw *Sweeper, err error) {
	setup := log.WithName("setup")

	setup.Info("Opening run store", "type", cfg.Store.Type)
	st, err := store.New(cfg.Store)
	if err != nil {
		return nil, err
	}

	sw = &Sweeper{log: log, cfg: cfg, store: st}
	defer func() {
		if err != nil {
			_ = sw.release()
			sw = nil
		}
	}()

	setup.Info("Building privilege boundary", "backend", cfg.Identity.Backend)
	boundary, executorCred, err := newBoundary(ctx, log, cfg.Identity, st)
	if err != nil {
		return sw, err
	}

	setup.Info("Creating secret resolver", "backend", cfg.Secrets.Backend)
	resolver, err := newResolver(ctx, log, cfg.Secrets)
	if err != nil {
		return sw, err
	}

	setup.Info("Creating source snapshotter", "type", cfg.Source.Type)
	snapshotter, err := newSnapshotter(log, cfg.Source)
	if err != nil {
		return sw, err
	}

	setup.Info("Ensuring log destinations", "type", cfg.LogSink.Type, "prefix", cfg.Pipeline.LogDestinationPrefix)
	sink, err := newSink(ctx, log, cfg.Pipeline, cfg.LogSink)
	if err != nil {
		return sw, err
	}

	setup.Info("Creating stage environment", "environment", cfg.Runner.Environment)
	env, err := newEnvironment(ctx, log, cfg.Runner)
	if err != nil {
		return sw, err
	}
	stageRunner := runner.New(log, env, sink, resolver, runner.Options{
		Image:           cfg.Runner.Image,
		Command:         cfg.Runner.Command,
		Privileged:      cfg.Runner.Privileged,
		OutputTailBytes: cfg.Runner.OutputTailBytes,
	})

	gateOpts := []gate.Option{gate.Logger(log), gate.Audit(st)}
	if r := cfg.Pipeline.ApprovalReminder; r != nil && *r > 0 {
		gateOpts = append(gateOpts, gate.Reminder(*r))
	}
	sw.gate = gate.New(gateOpts...)

	orchOpts := []pipeline.Option{pipeline.Logger(log)}
	if cfg.Messaging.Enabled {
		setup.Info("Creating transition notifier")
		if sw.notifier, err = newNotifier(log, cfg.Messaging); err != nil {
			return sw, err
		}
		orchOpts = append(orchOpts, pipeline.Notify(sw.notifier))
	}
	if cfg.NewRelic.Enabled {
		setup.Info("Creating New Relic application", "appName", cfg.NewRelic.AppName)
		if sw.newRelic, err = newNewRelic(cfg.NewRelic); err != nil {
			return sw, err
		}
		orchOpts = append(orchOpts, pipeline.NewRelic(sw.newRelic))
	}

	sw.orchestrator = pipeline.NewOrchestrator(
		pipeline.Config{
			Pipeline:           cfg.Pipeline.Name,
			SecretRef:          cfg.Pipeline.SecretRef,
			ExecutorCredential: executorCred,
		},
		snapshotter,
		boundary,
		stageRunner,
		sw.gate,
		st,
		cfg.Identity.ActorRoleARN,
		orchOpts...,
	)
	var serverOpts []server.Option
	if cfg.Server.TokensFile != "" {
		var tokens server.BearerTokens
		if tokens, err = server.LoadBearerTokens(cfg.Server.TokensFile); err != nil {
			return sw, err
		}
		serverOpts = append(serverOpts, server.Authenticate(tokens))
		setup.Info("API requires bearer tokens", "identities", len(tokens))
	}
	sw.server = server.New(log, sw.orchestrator, st, sw.gate, serverOpts...)

	return sw, nil
}

// Handler exposes the API without binding a listener.
func (s *Sweeper) Handler() http.Handler {
	return s.server
}

func (s *Sweeper) Orchestrator() *pipeline.Orchestrator {
	return s.orchestrator
}

// Serve runs the API server and run clean up until ctx is done, then shuts everything down.
func (s *Sweeper) Serve(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.server.ListenAndServe(egCtx, s.cfg.Server.Addr)
	})
	eg.Go(func() error {
		return s.collectGarbage(egCtx)
	})
	err := eg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return multierr.Append(err, s.Close(shutdownCtx))
}

// Close cancels in-flight runs and releases every resource.
func (s *Sweeper) Close(ctx context.Context) error {
	s.log.Info("Shutting down orchestrator", "activeRuns", len(s.orchestrator.Active()))
	err := s.orchestrator.Shutdown(ctx)

	return multierr.Append(err, s.release())
}

func (s *Sweeper) release() error {
	var err error
	if s.notifier != nil {
		err = multierr.Append(err, s.notifier.Close())
	}
	if s.newRelic != nil {
		s.newRelic.Shutdown(newRelicShutdownTimeout)
	}

	return multierr.Append(err, s.store.Close())
}

func (s *Sweeper) collectGarbage(ctx context.Context) error {
	gc := s.cfg.GC
	if err := store.RunGarbageCollection(ctx, s.log, gc.Enabled, gc.HistoryLimit, s.store); err != nil {
		return err
	}
	if !gc.Enabled || gc.Interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(gc.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := store.RunGarbageCollection(ctx, s.log, gc.Enabled, gc.HistoryLimit, s.store); err != nil {
				return err
			}
		}
	}
}

func newBoundary(
	ctx context.Context,
	log logr.Logger,
	cfg config.Identity,
	audit identity.AuditSink,
) (*identity.Boundary, identity.ExecutorCredential, error) {
	// the executor always presents the process's own credentials
	cred := identity.ExecutorCredential{Ambient: true}

	graph, err := identity.NewDelegationGraph(identity.DefaultIdentities(cfg.ExecutorRoleARN, cfg.ActorRoleARN))
	if err != nil {
		return nil, cred, err
	}

	var assumer identity.Assumer
	switch cfg.Backend {
	case "sts":
		if assumer, err = sts.New(ctx, log, cfg.Region); err != nil {
			return nil, cred, err
		}
	case "static":
		assumer = identity.NewStaticAssumer(cfg.ExecutorRoleARN)
	default:
		return nil, cred, fmt.Errorf("unsupported identity backend %q", cfg.Backend)
	}

	opts := []identity.BoundaryOption{identity.Logger(log), identity.Audit(audit)}
	if cfg.SessionDuration > 0 {
		opts = append(opts, identity.SessionDuration(cfg.SessionDuration))
	}

	return identity.NewBoundary(graph, assumer, opts...), cred, nil
}

func newResolver(ctx context.Context, log logr.Logger, cfg config.Secrets) (secrets.Resolver, error) {
	switch cfg.Backend {
	case "secretsmanager":
		return secretsmanager.New(ctx, log, cfg.Region, cfg.RegistryServer)
	case "static":
		return secrets.StaticResolver{Server: cfg.RegistryServer, Values: cfg.Static}, nil
	}

	return nil, fmt.Errorf("unsupported secrets backend %q", cfg.Backend)
}

func newSnapshotter(log logr.Logger, cfg config.Source) (*source.Snapshotter, error) {
	var tracker source.Tracker
	switch cfg.Type {
	case "dir":
		tracker = source.DirTracker{Path: cfg.Path, Branch: cfg.Branch}
	case "archive":
		tracker = source.NewArchiveTracker(log, cfg.URL, cfg.Branch, cfg.FetchTimeout)
	default:
		return nil, fmt.Errorf("unsupported source type %q", cfg.Type)
	}

	return source.NewSnapshotter(log, tracker, cfg.SnapshotDir)
}

func newSink(ctx context.Context, log logr.Logger, p config.Pipeline, cfg config.LogSink) (logsink.Sink, error) {
	var sink logsink.Sink
	switch cfg.Type {
	case "cloudwatch":
		cw, err := logsink.NewCloudWatch(ctx, log, cfg.Region, p.LogDestinationPrefix, cfg.RetentionDays, cfg.Tags)
		if err != nil {
			return nil, err
		}
		sink = cw
	case "file":
		sink = logsink.NewFile(cfg.Directory, p.LogDestinationPrefix, cfg.RetentionDays)
	default:
		return nil, fmt.Errorf("unsupported log sink type %q", cfg.Type)
	}

	if err := sink.Ensure(ctx); err != nil {
		return nil, fmt.Errorf("cannot ensure log destinations: %w", err)
	}

	return sink, nil
}

func newEnvironment(ctx context.Context, log logr.Logger, cfg config.Runner) (runner.Environment, error) {
	switch cfg.Environment {
	case "docker":
		registry, err := newRegistry(ctx, log)
		if err != nil {
			return nil, err
		}
		return runner.NewDocker(log, cfg.Docker.Host, cfg.Docker.Network, registry)
	case "kubernetes":
		clientset, err := kubernetes.Clientset(cfg.Kubernetes)
		if err != nil {
			return nil, err
		}
		k := cfg.Kubernetes
		return runner.NewKubernetes(log, clientset, k.Namespace, k.ServiceAccountName, k.PollInterval), nil
	case "process":
		return runner.NewProcess(log), nil
	}

	return nil, fmt.Errorf("unsupported runner environment %q", cfg.Environment)
}

// newRegistry registers every cloud registry whose credentials are available to the process.
func newRegistry(ctx context.Context, log logr.Logger) (*cloudauth.Registry, error) {
	log = log.WithName("cloudauth")
	registry := &cloudauth.Registry{}

	for _, register := range []func(context.Context, logr.Logger, *cloudauth.Registry) error{
		ecr.Register,
		gcr.Register,
		acr.Register,
	} {
		if err := register(ctx, log, registry); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

func newNotifier(log logr.Logger, cfg config.Messaging) (*amqp.TransitionNotifier, error) {
	if cfg.AMQP == nil {
		return nil, fmt.Errorf("amqp messaging is not configured")
	}

	publisher, err := amqp.NewPublisher(log, cfg.AMQP.URL)
	if err != nil {
		return nil, err
	}

	return amqp.NewTransitionNotifier(log, publisher, cfg.AMQP.Exchange, cfg.AMQP.Queue), nil
}

func newNewRelic(cfg config.NewRelic) (*newrelic.Application, error) {
	return newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigEnabled(cfg.Enabled),
		func(c *newrelic.Config) {
			c.Labels = cfg.Labels
		},
	)
}
