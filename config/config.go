// Package config loads the server configuration
package config

import (
	"io/fs"
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/dssatmcp/simulation"
	"github.com/effective-security/dssatmcp/storage"
	"github.com/effective-security/dssatmcp/workdir"
	"github.com/effective-security/x/configloader"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config of the server
type Config struct {
	// LogLevel is the global log level: TRACE|DEBUG|INFO|NOTICE|WARNING|ERROR
	LogLevel string        `json:"log_level,omitempty" yaml:"log_level,omitempty" validate:"omitempty,oneof=TRACE DEBUG INFO NOTICE WARNING ERROR CRITICAL"`
	HTTP     HTTPConfig    `json:"http" yaml:"http"`
	Workdir  WorkdirConfig `json:"workdir" yaml:"workdir"`
	DSSAT    DSSATConfig   `json:"dssat" yaml:"dssat"`
	Storage  StorageConfig `json:"storage" yaml:"storage"`
	Lease    LeaseConfig   `json:"lease" yaml:"lease"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
}

// HTTPConfig of the listener serving MCP and REST,
// WriteTimeout must exceed the simulation timeout
type HTTPConfig struct {
	ListenAddr      string   `json:"listen_addr" yaml:"listen_addr" validate:"required"`
	MCPPath         string   `json:"mcp_path" yaml:"mcp_path" validate:"required,startswith=/"`
	ReadTimeout     Duration `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	WriteTimeout    Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout,omitempty"`
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty" validate:"gte=0"`

	// RateLimit is requests per second of the REST API, 0 disables the limit
	RateLimit float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty" validate:"gte=0"`
	RateBurst int     `json:"rate_burst,omitempty" yaml:"rate_burst,omitempty" validate:"gte=0"`
}

// WorkdirConfig of the working folders
type WorkdirConfig struct {
	DataRoot string `json:"data_root" yaml:"data_root" validate:"required"`
}

// DSSATConfig of the simulation engine
type DSSATConfig struct {
	Executable  string   `json:"executable" yaml:"executable" validate:"required"`
	Mode        string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	Timeout     Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxLogBytes int      `json:"max_log_bytes,omitempty" yaml:"max_log_bytes,omitempty" validate:"gte=0"`
	SummaryFile string   `json:"summary_file,omitempty" yaml:"summary_file,omitempty"`
}

// StorageConfig of the object storage
type StorageConfig struct {
	// Provider is s3 or memory
	Provider        string   `json:"provider" yaml:"provider" validate:"oneof=s3 memory"`
	Bucket          string   `json:"bucket" yaml:"bucket" validate:"required_if=Provider s3"`
	Region          string   `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint        string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	AccessKeyID     string   `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string   `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	Prefix          string   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	PresignExpiry   Duration `json:"presign_expiry,omitempty" yaml:"presign_expiry,omitempty"`
	Retries         uint64   `json:"retries,omitempty" yaml:"retries,omitempty"`
	RetryBaseDelay  Duration `json:"retry_base_delay,omitempty" yaml:"retry_base_delay,omitempty"`
	OpTimeout       Duration `json:"op_timeout,omitempty" yaml:"op_timeout,omitempty"`
	Concurrency     int      `json:"concurrency,omitempty" yaml:"concurrency,omitempty" validate:"gte=0"`
}

// LeaseConfig of the working folder leases
type LeaseConfig struct {
	// Provider is memory or redis
	Provider string   `json:"provider" yaml:"provider" validate:"oneof=memory redis"`
	RedisURL string   `json:"redis_url,omitempty" yaml:"redis_url,omitempty" validate:"required_if=Provider redis"`
	Prefix   string   `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	TTL      Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// AuthConfig of the bearer token verification
type AuthConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Domain     string   `json:"domain,omitempty" yaml:"domain,omitempty" validate:"required_if=Enabled true,omitempty,url"`
	Audience   string   `json:"audience,omitempty" yaml:"audience,omitempty" validate:"required_if=Enabled true"`
	Issuer     string   `json:"issuer,omitempty" yaml:"issuer,omitempty" validate:"required_if=Enabled true"`
	Algorithms []string `json:"algorithms,omitempty" yaml:"algorithms,omitempty"`
}

// Defaults
const (
	DefaultListenAddr      = ":8000"
	DefaultMCPPath         = "/mcp"
	DefaultReadTimeout     = 30 * Duration(1e9)
	DefaultShutdownTimeout = 30 * Duration(1e9)
	DefaultLeasePrefix     = "dssatmcp"
)

// Load loads the optional .env files, then the config file
func Load(file string, envFiles ...string) (*Config, error) {
	for _, env := range envFiles {
		if env == "" {
			continue
		}
		if err := godotenv.Load(env); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "unable to load %s", env)
		}
	}

	cfg := new(Config)
	if err := configloader.UnmarshalAndExpand(file, cfg); err != nil {
		return nil, errors.WithMessagef(err, "unable to load config %s", file)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SetDefaults sets the values not provided in the file
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	c.LogLevel = strings.ToUpper(c.LogLevel)

	h := &c.HTTP
	if h.ListenAddr == "" {
		h.ListenAddr = DefaultListenAddr
	}
	if h.MCPPath == "" {
		h.MCPPath = DefaultMCPPath
	}
	if h.ReadTimeout == 0 {
		h.ReadTimeout = DefaultReadTimeout
	}
	if h.ShutdownTimeout == 0 {
		h.ShutdownTimeout = DefaultShutdownTimeout
	}

	d := &c.DSSAT
	if d.Mode == "" {
		d.Mode = simulation.DefaultMode
	}
	if d.Timeout == 0 {
		d.Timeout = Duration(simulation.DefaultTimeout)
	}
	if d.MaxLogBytes == 0 {
		d.MaxLogBytes = simulation.DefaultMaxLogBytes
	}
	if d.SummaryFile == "" {
		d.SummaryFile = simulation.DefaultSummaryFile
	}
	if h.WriteTimeout == 0 {
		// a call runs the simulation or transfers the files
		h.WriteTimeout = d.Timeout + Duration(storage.DefaultOpTimeout)
	}

	s := &c.Storage
	if s.Provider == "" {
		s.Provider = "s3"
	}
	if s.Region == "" {
		s.Region = "us-east-1"
	}
	if s.PresignExpiry == 0 {
		s.PresignExpiry = Duration(storage.DefaultPresignExpiry)
	}
	if s.Retries == 0 {
		s.Retries = storage.DefaultRetries
	}
	if s.RetryBaseDelay == 0 {
		s.RetryBaseDelay = Duration(storage.DefaultRetryBaseDelay)
	}
	if s.OpTimeout == 0 {
		s.OpTimeout = Duration(storage.DefaultOpTimeout)
	}
	if s.Concurrency == 0 {
		s.Concurrency = storage.DefaultConcurrency
	}

	l := &c.Lease
	if l.Provider == "" {
		l.Provider = "memory"
	}
	if l.Prefix == "" {
		l.Prefix = DefaultLeasePrefix
	}
	if l.TTL == 0 {
		l.TTL = Duration(workdir.DefaultLeaseTTL)
	}

	if c.Auth.Enabled && len(c.Auth.Algorithms) == 0 {
		c.Auth.Algorithms = []string{"RS256"}
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate returns error if the configuration is not valid
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return c.validateTimeouts()
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.WithStack(err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, after, ok := strings.Cut(field, "."); ok {
			field = after
		}
		if fe.Param() != "" {
			msgs = append(msgs, field+": failed "+fe.Tag()+"="+fe.Param())
		} else {
			msgs = append(msgs, field+": failed "+fe.Tag())
		}
	}
	return errors.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

func (c *Config) validateTimeouts() error {
	if c.HTTP.WriteTimeout > 0 && c.HTTP.WriteTimeout <= c.DSSAT.Timeout {
		return errors.Errorf("invalid configuration: http.write_timeout %s must exceed dssat.timeout %s",
			c.HTTP.WriteTimeout, c.DSSAT.Timeout)
	}
	// a folder lease is taken once per call and must outlive the run and its transfer
	if run := c.DSSAT.Timeout + c.Storage.OpTimeout; c.Lease.TTL > 0 && c.Lease.TTL <= run {
		return errors.Errorf("invalid configuration: lease.ttl %s must exceed dssat.timeout + storage.op_timeout %s",
			c.Lease.TTL, run)
	}
	return nil
}
