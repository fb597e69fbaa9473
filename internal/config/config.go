package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Listen              string
	StoreBackend        string
	StorePath           string
	ArtifactPath        string
	ArtifactVersion     string
	AdminSecret         string
	AdminSecretHash     string
	LogLevel            string
	LogFormat           string
	LogFile             string
	RateLimitRequests   int
	RateLimitWindow     time.Duration
	RateLimitMaxClients int
	TrustProxyHeaders   bool
	DistinctDenyReasons bool
	RequestTimeout      time.Duration
	MaxBodyBytes        int64
	OpsListen           string
	ServerName          string
	ConfigFile          string
}

type AdminClientConfig struct {
	ServerURL string
	Secret    string
	Timeout   time.Duration
}

const (
	StoreBackendJSON   = "json"
	StoreBackendSQLite = "sqlite"
)

// DefaultAdminSecret is the well-known placeholder secret. Startup warns when
// it is configured.
const DefaultAdminSecret = "admin123"

const defaultServerListen = ":5000"
const defaultJSONStorePath = "./licenses.json"
const defaultSQLiteStorePath = "./keygate.db"
const defaultArtifactPath = "./artifact.bin"
const defaultArtifactVersion = "1.0"
const defaultRateLimitRequests = 10
const defaultRateLimitWindow = 60 * time.Second
const defaultRateLimitMaxClients = 100_000
const defaultRequestTimeout = 30 * time.Second
const defaultMaxBodyBytes = 64 * 1024
const defaultAdminServerURL = "http://127.0.0.1:5000"

// fileConfig mirrors the YAML config file. Durations are strings so the file
// can use the same "60s" notation as the flags.
type fileConfig struct {
	Listen    string `yaml:"listen"`
	OpsListen string `yaml:"ops_listen"`
	Name      string `yaml:"server_name"`
	Store     struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"store"`
	Artifact struct {
		Path    string `yaml:"path"`
		Version string `yaml:"version"`
	} `yaml:"artifact"`
	Admin struct {
		Secret     string `yaml:"secret"`
		SecretHash string `yaml:"secret_hash"`
	} `yaml:"admin"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
	RateLimit struct {
		Requests   int    `yaml:"requests"`
		Window     string `yaml:"window"`
		MaxClients int    `yaml:"max_clients"`
	} `yaml:"rate_limit"`
	TrustProxyHeaders   *bool  `yaml:"trust_proxy_headers"`
	DistinctDenyReasons *bool  `yaml:"distinct_deny_reasons"`
	RequestTimeout      string `yaml:"request_timeout"`
	MaxBodyBytes        int64  `yaml:"max_body_bytes"`
}

// ParseServerFlags resolves the server configuration in priority order:
// defaults, then the YAML file named by --config or KEYGATE_CONFIG, then
// KEYGATE_* environment variables, then command-line flags.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:              defaultServerListen,
		StoreBackend:        StoreBackendJSON,
		ArtifactPath:        defaultArtifactPath,
		ArtifactVersion:     defaultArtifactVersion,
		LogLevel:            "info",
		LogFormat:           "text",
		RateLimitRequests:   defaultRateLimitRequests,
		RateLimitWindow:     defaultRateLimitWindow,
		RateLimitMaxClients: defaultRateLimitMaxClients,
		RequestTimeout:      defaultRequestTimeout,
		MaxBodyBytes:        defaultMaxBodyBytes,
		ServerName:          "keygate",
	}

	cfg.ConfigFile = configPathFromArgs(args, envOrDefault("KEYGATE_CONFIG", ""))
	if cfg.ConfigFile != "" {
		if err := applyConfigFile(&cfg, cfg.ConfigFile); err != nil {
			return cfg, err
		}
	}

	cfg.Listen = envOrDefault("KEYGATE_LISTEN", cfg.Listen)
	cfg.StoreBackend = envOrDefault("KEYGATE_STORE_BACKEND", cfg.StoreBackend)
	cfg.StorePath = envOrDefault("KEYGATE_STORE_PATH", cfg.StorePath)
	cfg.ArtifactPath = envOrDefault("KEYGATE_ARTIFACT_PATH", cfg.ArtifactPath)
	cfg.ArtifactVersion = envOrDefault("KEYGATE_ARTIFACT_VERSION", cfg.ArtifactVersion)
	cfg.AdminSecret = envOrDefault("KEYGATE_ADMIN_SECRET", cfg.AdminSecret)
	cfg.AdminSecretHash = envOrDefault("KEYGATE_ADMIN_SECRET_HASH", cfg.AdminSecretHash)
	cfg.LogLevel = envOrDefault("KEYGATE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("KEYGATE_LOG_FORMAT", cfg.LogFormat)
	cfg.LogFile = envOrDefault("KEYGATE_LOG_FILE", cfg.LogFile)
	cfg.RateLimitRequests = envIntOrDefault("KEYGATE_RATE_LIMIT_REQUESTS", cfg.RateLimitRequests)
	cfg.RateLimitWindow = envDurationOrDefault("KEYGATE_RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	cfg.RateLimitMaxClients = envIntOrDefault("KEYGATE_RATE_LIMIT_MAX_CLIENTS", cfg.RateLimitMaxClients)
	cfg.TrustProxyHeaders = envBoolOrDefault("KEYGATE_TRUST_PROXY_HEADERS", cfg.TrustProxyHeaders)
	cfg.DistinctDenyReasons = envBoolOrDefault("KEYGATE_DISTINCT_DENY_REASONS", cfg.DistinctDenyReasons)
	cfg.RequestTimeout = envDurationOrDefault("KEYGATE_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.MaxBodyBytes = int64(envIntOrDefault("KEYGATE_MAX_BODY_BYTES", int(cfg.MaxBodyBytes)))
	cfg.OpsListen = envOrDefault("KEYGATE_OPS_LISTEN", cfg.OpsListen)
	cfg.ServerName = envOrDefault("KEYGATE_SERVER_NAME", cfg.ServerName)

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file path")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP listen address")
	fs.StringVar(&cfg.StoreBackend, "store", cfg.StoreBackend, "License store backend: json|sqlite")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "License store file path")
	fs.StringVar(&cfg.ArtifactPath, "artifact", cfg.ArtifactPath, "Protected artifact file path")
	fs.StringVar(&cfg.ArtifactVersion, "artifact-version", cfg.ArtifactVersion, "Artifact version reported to clients")
	fs.StringVar(&cfg.AdminSecret, "admin-secret", cfg.AdminSecret, "Admin shared secret (plaintext)")
	fs.StringVar(&cfg.AdminSecretHash, "admin-secret-hash", cfg.AdminSecretHash, "Admin shared secret bcrypt hash")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Also append logs to this file")
	fs.IntVar(&cfg.RateLimitRequests, "rate-limit", cfg.RateLimitRequests, "Requests admitted per client per window")
	fs.DurationVar(&cfg.RateLimitWindow, "rate-window", cfg.RateLimitWindow, "Rate limit sliding window")
	fs.IntVar(&cfg.RateLimitMaxClients, "rate-max-clients", cfg.RateLimitMaxClients, "Maximum tracked rate limit identities")
	fs.BoolVar(&cfg.TrustProxyHeaders, "trust-proxy-headers", cfg.TrustProxyHeaders, "Derive client IP from CF-Connecting-IP / X-Forwarded-For")
	fs.BoolVar(&cfg.DistinctDenyReasons, "distinct-deny-reasons", cfg.DistinctDenyReasons, "Report not_registered separately from invalid_license")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per-request handler timeout")
	fs.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "Maximum JSON request body size")
	fs.StringVar(&cfg.OpsListen, "ops-listen", cfg.OpsListen, "Metrics and pprof listen address (disabled when empty)")
	fs.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "Server name reported by /health")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.normalize()
}

// ParseAdminFlags resolves the admin client configuration.
func ParseAdminFlags(args []string) (AdminClientConfig, []string, error) {
	cfg := AdminClientConfig{
		ServerURL: envOrDefault("KEYGATE_SERVER_URL", defaultAdminServerURL),
		Secret:    envOrDefault("KEYGATE_ADMIN_SECRET", ""),
		Timeout:   envDurationOrDefault("KEYGATE_ADMIN_TIMEOUT", 15*time.Second),
	}

	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "keygate server URL")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "Admin shared secret")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "HTTP request timeout")
	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}

	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if cfg.ServerURL == "" {
		return cfg, nil, errors.New("missing --server or KEYGATE_SERVER_URL")
	}
	if !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		cfg.ServerURL = "http://" + cfg.ServerURL
	}
	if cfg.Secret == "" {
		return cfg, nil, errors.New("missing --secret or KEYGATE_ADMIN_SECRET")
	}
	if cfg.Timeout <= 0 {
		return cfg, nil, errors.New("timeout must be > 0")
	}
	return cfg, fs.Args(), nil
}

func (cfg *ServerConfig) normalize() error {
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	switch cfg.StoreBackend {
	case "", StoreBackendJSON:
		cfg.StoreBackend = StoreBackendJSON
		if cfg.StorePath == "" {
			cfg.StorePath = defaultJSONStorePath
		}
	case StoreBackendSQLite:
		if cfg.StorePath == "" {
			cfg.StorePath = defaultSQLiteStorePath
		}
	default:
		return errors.New("store backend must be one of: json, sqlite")
	}

	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	switch cfg.LogFormat {
	case "", "text":
		cfg.LogFormat = "text"
	case "json":
	default:
		return errors.New("log format must be one of: text, json")
	}

	cfg.AdminSecret = strings.TrimSpace(cfg.AdminSecret)
	cfg.AdminSecretHash = strings.TrimSpace(cfg.AdminSecretHash)
	if cfg.AdminSecretHash != "" && !strings.HasPrefix(cfg.AdminSecretHash, "$2") {
		return errors.New("admin secret hash must be a bcrypt hash")
	}
	if strings.TrimSpace(cfg.Listen) == "" {
		return errors.New("listen address must not be empty")
	}
	if strings.TrimSpace(cfg.ArtifactVersion) == "" {
		cfg.ArtifactVersion = defaultArtifactVersion
	}
	if cfg.RateLimitRequests <= 0 {
		return errors.New("rate limit must be > 0")
	}
	if cfg.RateLimitWindow <= 0 {
		return errors.New("rate limit window must be > 0")
	}
	if cfg.RateLimitMaxClients <= 0 {
		return errors.New("rate limit max clients must be > 0")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request timeout must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return errors.New("max body bytes must be > 0")
	}
	if strings.TrimSpace(cfg.ServerName) == "" {
		cfg.ServerName = "keygate"
	}
	return nil
}

func applyConfigFile(cfg *ServerConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&cfg.Listen, f.Listen)
	setString(&cfg.OpsListen, f.OpsListen)
	setString(&cfg.ServerName, f.Name)
	setString(&cfg.StoreBackend, f.Store.Backend)
	setString(&cfg.StorePath, f.Store.Path)
	setString(&cfg.ArtifactPath, f.Artifact.Path)
	setString(&cfg.ArtifactVersion, f.Artifact.Version)
	setString(&cfg.AdminSecret, f.Admin.Secret)
	setString(&cfg.AdminSecretHash, f.Admin.SecretHash)
	setString(&cfg.LogLevel, f.Log.Level)
	setString(&cfg.LogFormat, f.Log.Format)
	setString(&cfg.LogFile, f.Log.File)
	if f.RateLimit.Requests > 0 {
		cfg.RateLimitRequests = f.RateLimit.Requests
	}
	if f.RateLimit.MaxClients > 0 {
		cfg.RateLimitMaxClients = f.RateLimit.MaxClients
	}
	if f.RateLimit.Window != "" {
		d, err := time.ParseDuration(f.RateLimit.Window)
		if err != nil {
			return fmt.Errorf("parse config file: rate_limit.window: %w", err)
		}
		cfg.RateLimitWindow = d
	}
	if f.RequestTimeout != "" {
		d, err := time.ParseDuration(f.RequestTimeout)
		if err != nil {
			return fmt.Errorf("parse config file: request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}
	if f.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = f.MaxBodyBytes
	}
	if f.TrustProxyHeaders != nil {
		cfg.TrustProxyHeaders = *f.TrustProxyHeaders
	}
	if f.DistinctDenyReasons != nil {
		cfg.DistinctDenyReasons = *f.DistinctDenyReasons
	}
	return nil
}

// configPathFromArgs finds --config ahead of the full flag parse so the file
// layer can sit underneath env and flags.
func configPathFromArgs(args []string, def string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return def
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	// Bare integers are seconds.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}
