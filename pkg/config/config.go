package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultLogDestinationPrefix = "/aws/codebuild/remove-resource-pipeline"
	DefaultRegistryServer       = "https://index.docker.io/v1/"
	DefaultBranch               = "main"
	DefaultRetentionDays        = 7
)

type Config struct {
	Logging   Logging   `json:"logging" yaml:"logging"`
	Pipeline  Pipeline  `json:"pipeline" yaml:"pipeline"`
	Identity  Identity  `json:"identity" yaml:"identity"`
	Secrets   Secrets   `json:"secrets" yaml:"secrets"`
	Source    Source    `json:"source" yaml:"source"`
	Runner    Runner    `json:"runner" yaml:"runner"`
	LogSink   LogSink   `json:"logSink" yaml:"logSink"`
	Store     Store     `json:"store" yaml:"store"`
	Server    Server    `json:"server" yaml:"server"`
	Messaging Messaging `json:"messaging" yaml:"messaging"`
	NewRelic  NewRelic  `json:"newRelic" yaml:"newRelic"`
	GC        GC        `json:"gc" yaml:"gc"`
}

// Default returns a configuration that mirrors the original CodePipeline deployment.
func Default() Config {
	reminder := 30 * time.Minute

	return Config{
		Logging: Logging{
			Container: ContainerLogging{Encoder: "json", LogLevel: "info"},
		},
		Pipeline: Pipeline{
			Name:                 "remove-resource-pipeline",
			LogDestinationPrefix: DefaultLogDestinationPrefix,
			ApprovalReminder:     &reminder,
		},
		Identity: Identity{
			Backend:         "sts",
			SessionDuration: time.Hour,
		},
		Secrets: Secrets{
			Backend:        "secretsmanager",
			RegistryServer: DefaultRegistryServer,
		},
		Source: Source{
			Type:         "dir",
			Branch:       DefaultBranch,
			FetchTimeout: 5 * time.Minute,
		},
		Runner: Runner{
			Environment:     "docker",
			Command:         []string{"/bin/sh", "buildspec.sh"},
			Privileged:      true,
			OutputTailBytes: 64 * 1024,
			Kubernetes: KubernetesRunner{
				Namespace:    "default",
				PollInterval: 2 * time.Second,
			},
		},
		LogSink: LogSink{
			Type:          "cloudwatch",
			RetentionDays: DefaultRetentionDays,
			Tags: map[string]string{
				"System": "remove-aws-resource-pipeline",
				"remove": "false",
			},
		},
		Store: Store{
			Type: "sqlite",
			Path: "sweeper.db",
		},
		Server: Server{
			Addr: ":8080",
		},
		GC: GC{
			HistoryLimit: 50,
		},
	}
}

func (c Config) Validate() error {
	var errs []string

	if c.Pipeline.Name == "" {
		errs = append(errs, "pipeline.name cannot be blank")
	}
	if c.Pipeline.SecretRef == "" {
		errs = append(errs, "pipeline.secretRef cannot be blank")
	}
	if c.Pipeline.LogDestinationPrefix == "" || !strings.HasPrefix(c.Pipeline.LogDestinationPrefix, "/") {
		errs = append(errs, "pipeline.logDestinationPrefix must be an absolute name")
	}

	if c.Identity.ExecutorRoleARN == "" {
		errs = append(errs, "identity.executorRoleArn cannot be blank")
	}
	if c.Identity.ActorRoleARN == "" {
		errs = append(errs, "identity.actorRoleArn cannot be blank")
	}
	if c.Identity.ExecutorRoleARN != "" && c.Identity.ExecutorRoleARN == c.Identity.ActorRoleARN {
		errs = append(errs, "identity.executorRoleArn and identity.actorRoleArn must differ")
	}
	if err := oneOf("identity.backend", c.Identity.Backend, "sts", "static"); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Identity.Backend == "sts" && c.Identity.SessionDuration < 15*time.Minute {
		errs = append(errs, "identity.sessionDuration must be at least 15m")
	}

	if err := oneOf("secrets.backend", c.Secrets.Backend, "secretsmanager", "static"); err != nil {
		errs = append(errs, err.Error())
	}

	switch c.Source.Type {
	case "dir":
		if c.Source.Path == "" {
			errs = append(errs, "source.path cannot be blank")
		}
	case "archive":
		if _, err := url.ParseRequestURI(c.Source.URL); err != nil {
			errs = append(errs, fmt.Sprintf("source.url is invalid: %s", err.Error()))
		}
	default:
		errs = append(errs, fmt.Sprintf("source.type %q is not one of [dir archive]", c.Source.Type))
	}

	if err := oneOf("runner.environment", c.Runner.Environment, "docker", "kubernetes", "process"); err != nil {
		errs = append(errs, err.Error())
	}
	if len(c.Runner.Command) == 0 {
		errs = append(errs, "runner.command cannot be empty")
	}
	if c.Runner.Environment != "process" && c.Runner.Image == "" {
		errs = append(errs, "runner.image cannot be blank")
	}
	if c.Runner.Environment == "kubernetes" && c.Runner.Kubernetes.Namespace == "" {
		errs = append(errs, "runner.kubernetes.namespace cannot be blank")
	}

	if err := oneOf("logSink.type", c.LogSink.Type, "cloudwatch", "file"); err != nil {
		errs = append(errs, err.Error())
	}
	if c.LogSink.Type == "file" && c.LogSink.Directory == "" {
		errs = append(errs, "logSink.directory cannot be blank")
	}
	if c.LogSink.RetentionDays < 1 {
		errs = append(errs, "logSink.retentionDays must be greater than or equal to 1")
	}

	if err := oneOf("store.type", c.Store.Type, "memory", "sqlite"); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Store.Type == "sqlite" && c.Store.Path == "" {
		errs = append(errs, "store.path cannot be blank")
	}

	if c.Server.Addr == "" {
		errs = append(errs, "server.addr cannot be blank")
	}

	if c.Messaging.Enabled && (c.Messaging.AMQP == nil || c.Messaging.AMQP.URL == "") {
		errs = append(errs, "messaging.amqp.url cannot be blank")
	}
	if c.NewRelic.Enabled && c.NewRelic.LicenseKey == "" {
		errs = append(errs, "newRelic.licenseKey cannot be blank")
	}
	if c.GC.Enabled && c.GC.HistoryLimit < 1 {
		errs = append(errs, "gc.historyLimit must be greater than or equal to 1")
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is invalid: %s", strings.Join(errs, ", "))
	}

	return nil
}

type ContainerLogging struct {
	Encoder  string `json:"encoder" yaml:"encoder"`
	LogLevel string `json:"level" yaml:"level"`
}

type LogfileLogging struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Filepath string `json:"filepath" yaml:"filepath"`
	LogLevel string `json:"level" yaml:"level"`
	MaxAge   int    `json:"maxAge" yaml:"maxAge"`
}

type Logging struct {
	StacktraceLevel string `json:"stacktraceLevel" yaml:"stacktraceLevel"`

	Container ContainerLogging `json:"container" yaml:"container"`
	Logfile   LogfileLogging   `json:"logfile" yaml:"logfile"`
}

// Pipeline describes the single gated deletion pipeline served by this process.
type Pipeline struct {
	// Name is recorded on every run.
	Name string `json:"name" yaml:"name"`
	// SecretRef is the ARN of the third-party registry credentials. Only the reference is ever
	// handed to stages.
	SecretRef string `json:"secretRef" yaml:"secretRef"`
	// LogDestinationPrefix is the fixed prefix of per-stage-kind log destinations.
	LogDestinationPrefix string `json:"logDestinationPrefix" yaml:"logDestinationPrefix"`
	// ApprovalReminder is how often a pending approval is logged. Nil or zero disables it.
	ApprovalReminder *time.Duration `json:"approvalReminder" yaml:"approvalReminder"`
}

// Identity configures the privilege boundary.
type Identity struct {
	Backend         string        `json:"backend" yaml:"backend"`
	Region          string        `json:"region" yaml:"region"`
	ExecutorRoleARN string        `json:"executorRoleArn" yaml:"executorRoleArn"`
	ActorRoleARN    string        `json:"actorRoleArn" yaml:"actorRoleArn"`
	SessionDuration time.Duration `json:"sessionDuration" yaml:"sessionDuration"`
}

type Secrets struct {
	Backend        string `json:"backend" yaml:"backend"`
	Region         string `json:"region" yaml:"region"`
	RegistryServer string `json:"registryServer" yaml:"registryServer"`
	// Static maps secret references to raw secret values. Only for local development.
	Static map[string]string `json:"static,omitempty" yaml:"static,omitempty"`
}

// Source identifies the tracked location snapshots are captured from.
type Source struct {
	Type         string        `json:"type" yaml:"type"`
	Path         string        `json:"path" yaml:"path"`
	URL          string        `json:"url" yaml:"url"`
	Branch       string        `json:"branch" yaml:"branch"`
	SnapshotDir  string        `json:"snapshotDir" yaml:"snapshotDir"`
	FetchTimeout time.Duration `json:"fetchTimeout" yaml:"fetchTimeout"`
}

// Runner configures the isolated environment each executable stage runs in.
type Runner struct {
	Environment     string           `json:"environment" yaml:"environment"`
	Image           string           `json:"image" yaml:"image"`
	Command         []string         `json:"command" yaml:"command"`
	Privileged      bool             `json:"privileged" yaml:"privileged"`
	OutputTailBytes int              `json:"outputTailBytes" yaml:"outputTailBytes"`
	Docker          DockerRunner     `json:"docker" yaml:"docker"`
	Kubernetes      KubernetesRunner `json:"kubernetes" yaml:"kubernetes"`
}

type DockerRunner struct {
	Host    string `json:"host" yaml:"host"`
	Network string `json:"network" yaml:"network"`
}

type KubernetesRunner struct {
	// Kubeconfig and Context select an out-of-cluster target. Both are optional.
	Kubeconfig         string        `json:"kubeconfig" yaml:"kubeconfig"`
	Context            string        `json:"context" yaml:"context"`
	Namespace          string        `json:"namespace" yaml:"namespace"`
	ServiceAccountName string        `json:"serviceAccountName" yaml:"serviceAccountName"`
	PollInterval       time.Duration `json:"pollInterval" yaml:"pollInterval"`
}

// LogSink configures where stage output is persisted.
type LogSink struct {
	Type          string            `json:"type" yaml:"type"`
	Region        string            `json:"region" yaml:"region"`
	Directory     string            `json:"directory" yaml:"directory"`
	RetentionDays int               `json:"retentionDays" yaml:"retentionDays"`
	Tags          map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

type Store struct {
	Type string `json:"type" yaml:"type"`
	Path string `json:"path" yaml:"path"`
}

type Server struct {
	Addr string `json:"addr" yaml:"addr"`
	// TokensFile maps each human identity to its bearer token. When set, the API attributes
	// requests to the token's identity and refuses requests without one.
	TokensFile string `json:"tokensFile,omitempty" yaml:"tokensFile,omitempty"`

	// IstioEnabled waits for the sidecar proxy before serving and stops it on exit.
	IstioEnabled bool `json:"istioEnabled" yaml:"istioEnabled"`
}

type Messaging struct {
	Enabled bool           `json:"enabled" yaml:"enabled"`
	AMQP    *AMQPMessaging `json:"amqp" yaml:"amqp"`
}

type AMQPMessaging struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
	Queue    string `json:"queue" yaml:"queue"`
}

func (m *AMQPMessaging) MarshalJSON() ([]byte, error) {
	amqpMessaging := *m
	u, err := url.Parse(amqpMessaging.URL)
	if err != nil {
		return nil, err
	}

	amqpMessaging.URL = u.Redacted()
	type plain AMQPMessaging
	return json.Marshal(plain(amqpMessaging))
}

type NewRelic struct {
	Enabled    bool              `json:"enabled" yaml:"enabled"`
	AppName    string            `json:"appName" yaml:"appName"`
	Labels     map[string]string `json:"labels" yaml:"labels,omitempty"`
	LicenseKey string            `json:"licenseKey" yaml:"licenseKey"`
}

// GC retains the HistoryLimit most recent terminal runs and deletes the rest.
type GC struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	HistoryLimit int           `json:"historyLimit" yaml:"historyLimit"`
	// Interval repeats the clean up while serving. Zero runs it once at start up.
	Interval     time.Duration `json:"interval" yaml:"interval"`
}

// LoadFromFile reads a YAML or JSON file over the defaults.
func LoadFromFile(filename string) (Config, error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	switch ext := filepath.Ext(filename); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(bs, &cfg)
	case ".json":
		err = json.Unmarshal(bs, &cfg)
	default:
		return Config{}, fmt.Errorf("file extension %q is not allowed", ext)
	}

	return cfg, err
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}

	return fmt.Errorf("%s %q is not one of %v", name, value, allowed)
}
