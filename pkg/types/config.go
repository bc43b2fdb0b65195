package types

import (
	"fmt"
	"time"
)

// Mode constants for gateway operation
const (
	ModeLocal  = "local"  // In-memory persistence, no Redis/Postgres
	ModeRemote = "remote" // Full infrastructure
)

// AppConfig is the root configuration for the skiff gateway
type AppConfig struct {
	Mode       string `key:"mode" json:"mode"` // "local" or "remote"
	DebugMode  bool   `key:"debugMode" json:"debug_mode"`
	PrettyLogs bool   `key:"prettyLogs" json:"pretty_logs"`

	Cluster   ClusterConfig   `key:"cluster" json:"cluster"`
	Storage   StorageConfig   `key:"storage" json:"storage"`
	Database  DatabaseConfig  `key:"database" json:"database"`
	Agent     AgentConfig     `key:"agent" json:"agent"`
	Gateway   GatewayConfig   `key:"gateway" json:"gateway"`
	Readiness ReadinessConfig `key:"readiness" json:"readiness"`
}

// IsLocalMode returns true if running in local mode (no Redis/Postgres)
func (c *AppConfig) IsLocalMode() bool {
	return c.Mode == ModeLocal
}

// ----------------------------------------------------------------------------
// Cluster Configuration
// ----------------------------------------------------------------------------

// ClusterConfig configures sandbox workloads on the cluster
type ClusterConfig struct {
	// Namespace is the cluster namespace sandbox workloads are created in
	Namespace string `key:"namespace" json:"namespace"`

	// KubeconfigPath points at a kubeconfig file. Empty means in-cluster config.
	KubeconfigPath string `key:"kubeconfigPath" json:"kubeconfig_path"`

	// BaseImage is the container image every sandbox starts from
	BaseImage string `key:"baseImage" json:"base_image"`

	// TemplateRepo is the VCS repository cloned into fresh sandboxes
	TemplateRepo string `key:"templateRepo" json:"template_repo"`

	// WorkDir is the project working directory inside the sandbox
	WorkDir string `key:"workDir" json:"work_dir"`

	// ExampleDirs are read-only reference directories exposed to the agent
	ExampleDirs []string `key:"exampleDirs" json:"example_dirs"`

	// DevServerPort is the port the file-watching dev server binds to
	DevServerPort int `key:"devServerPort" json:"dev_server_port"`

	// PreviewDomain is the wildcard domain the edge router maps services under
	PreviewDomain string `key:"previewDomain" json:"preview_domain"`

	// DeleteWaitTimeout bounds how long DeleteSandbox blocks when waiting
	// for full pod teardown
	DeleteWaitTimeout time.Duration `key:"deleteWaitTimeout" json:"delete_wait_timeout"`
}

func (c *ClusterConfig) ApplyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "skiff"
	}
	if c.BaseImage == "" {
		c.BaseImage = "node:20-alpine"
	}
	if c.WorkDir == "" {
		c.WorkDir = "/app"
	}
	if c.DevServerPort == 0 {
		c.DevServerPort = 5173
	}
	if c.PreviewDomain == "" {
		c.PreviewDomain = "preview.skiff.dev"
	}
	if c.DeleteWaitTimeout == 0 {
		c.DeleteWaitTimeout = 2 * time.Minute
	}
}

// ----------------------------------------------------------------------------
// Storage Configuration
// ----------------------------------------------------------------------------

// StorageConfig configures the blob store for snapshots and deployed artifacts
type StorageConfig struct {
	Bucket         string `key:"bucket" json:"bucket"`
	Region         string `key:"region" json:"region"`
	Endpoint       string `key:"endpoint" json:"endpoint"`
	AccessKey      string `key:"accessKey" json:"access_key"`
	SecretKey      string `key:"secretKey" json:"secret_key"`
	ForcePathStyle bool   `key:"forcePathStyle" json:"force_path_style"`

	// PublicBaseUrl is the externally reachable base URL deployed artifacts
	// are served from (an edge/CDN fronting the bucket)
	PublicBaseUrl string `key:"publicBaseUrl" json:"public_base_url"`
}

func (c StorageConfig) IsConfigured() bool {
	return c.Bucket != "" && c.Region != ""
}

// ----------------------------------------------------------------------------
// Database Configuration
// ----------------------------------------------------------------------------

type DatabaseConfig struct {
	Redis    RedisConfig    `key:"redis" json:"redis"`
	Postgres PostgresConfig `key:"postgres" json:"postgres"`
}

type RedisConfig struct {
	Addr         string        `key:"addr" json:"addr"`
	Username     string        `key:"username" json:"username"`
	Password     string        `key:"password" json:"password"`
	DialTimeout  time.Duration `key:"dialTimeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `key:"readTimeout" json:"read_timeout"`
	WriteTimeout time.Duration `key:"writeTimeout" json:"write_timeout"`
}

type PostgresConfig struct {
	Host            string        `key:"host" json:"host"`
	Port            int           `key:"port" json:"port"`
	User            string        `key:"user" json:"user"`
	Password        string        `key:"password" json:"password"`
	Database        string        `key:"database" json:"database"`
	SSLMode         string        `key:"sslMode" json:"ssl_mode"`
	MaxOpenConns    int           `key:"maxOpenConns" json:"max_open_conns"`
	MaxIdleConns    int           `key:"maxIdleConns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `key:"connMaxLifetime" json:"conn_max_lifetime"`
}

// ----------------------------------------------------------------------------
// Agent Configuration
// ----------------------------------------------------------------------------

// AgentConfig configures the task graph orchestrator and its capability backend
type AgentConfig struct {
	// Endpoint is the HTTP endpoint of the plan/execute/verify/fix capability
	Endpoint string `key:"endpoint" json:"endpoint"`

	// Token authenticates requests to the capability endpoint
	Token string `key:"token" json:"token"`

	// MaxTasks caps how many tasks a single instruction may be decomposed into
	MaxTasks int `key:"maxTasks" json:"max_tasks"`

	// MaxIterations bounds the whole graph run, independent of per-task retries
	MaxIterations int `key:"maxIterations" json:"max_iterations"`

	// MaxAttempts is the per-task attempt ceiling
	MaxAttempts int `key:"maxAttempts" json:"max_attempts"`

	// MaxFixAttempts bounds fix passes after a failed verification
	MaxFixAttempts int `key:"maxFixAttempts" json:"max_fix_attempts"`

	// MaxToolCalls bounds tool invocations within one execution
	MaxToolCalls int `key:"maxToolCalls" json:"max_tool_calls"`

	// VerifyEnabled turns on the verification pass after each execution
	VerifyEnabled bool `key:"verifyEnabled" json:"verify_enabled"`

	// FixEnabled turns on the fix pass after a failed verification
	FixEnabled bool `key:"fixEnabled" json:"fix_enabled"`

	// SessionTTL is how long provider session tokens stay cached
	SessionTTL time.Duration `key:"sessionTTL" json:"session_ttl"`

	// HistoryLimit caps how many conversation turns are fed back as context
	HistoryLimit int `key:"historyLimit" json:"history_limit"`
}

func (c *AgentConfig) ApplyDefaults() {
	if c.MaxTasks == 0 {
		c.MaxTasks = 8
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 40
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.MaxFixAttempts == 0 {
		c.MaxFixAttempts = 2
	}
	if c.MaxToolCalls == 0 {
		c.MaxToolCalls = 25
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 20
	}
}

// ----------------------------------------------------------------------------
// Gateway Configuration
// ----------------------------------------------------------------------------

type GatewayConfig struct {
	HTTP            HTTPConfig    `key:"http" json:"http"`
	ShutdownTimeout time.Duration `key:"shutdownTimeout" json:"shutdown_timeout"`

	// AuthSecret is the HS256 secret bearer tokens are validated against.
	// Empty disables auth (local mode); every request runs as LocalUserId.
	AuthSecret string `key:"authSecret" json:"auth_secret"`
}

type HTTPConfig struct {
	Host             string     `key:"host" json:"host"`
	Port             int        `key:"port" json:"port"`
	EnablePrettyLogs bool       `key:"enablePrettyLogs" json:"enable_pretty_logs"`
	CORS             CORSConfig `key:"cors" json:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `key:"allowOrigins" json:"allow_origins"`
	AllowedMethods []string `key:"allowMethods" json:"allow_methods"`
	AllowedHeaders []string `key:"allowHeaders" json:"allow_headers"`
}

// LocalUserId is the user every request runs as when auth is disabled
const LocalUserId = "local"

// ----------------------------------------------------------------------------
// Readiness Configuration
// ----------------------------------------------------------------------------

// ReadinessConfig tunes the sandbox readiness poll loop
type ReadinessConfig struct {
	PollInterval time.Duration `key:"pollInterval" json:"poll_interval"`
	Timeout      time.Duration `key:"timeout" json:"timeout"`
}

func (c *ReadinessConfig) ApplyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *AppConfig) Validate() error {
	if c.Mode != ModeLocal && c.Mode != ModeRemote {
		return fmt.Errorf("invalid mode %q: must be %q or %q", c.Mode, ModeLocal, ModeRemote)
	}
	if c.Mode == ModeRemote && c.Database.Postgres.Host == "" {
		return fmt.Errorf("remote mode requires database.postgres.host")
	}
	return nil
}
