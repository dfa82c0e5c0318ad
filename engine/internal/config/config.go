package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPPort       = 10000
	defaultUploadDir      = "static/uploads"
	defaultMaxUploadBytes = 50 << 20

	defaultModelPath  = "model_final_v4.onnx"
	defaultSourceURL  = "https://github.com/1Octtt/Demo-Segmentation-for-Rapid-Hemorrhage/releases/download/v1.0/unet_best_bleeding_weights.onnx"
	defaultInputName  = "input"
	defaultOutputName = "output"

	defaultMaxAttempts    = 3
	defaultBackoff        = 5 * time.Second
	defaultAttemptTimeout = 300 * time.Second
	defaultRetryInterval  = time.Minute

	// portEnv overrides HTTPPort when set.
	portEnv = "PORT"
)

// ModelConfig is the configuration of the served model artifact.
type ModelConfig struct {
	// Path is the local path of the model artifact.
	Path string `yaml:"path"`
	// SourceURL is where the artifact is fetched from when Path does not exist.
	// Either an http(s) URL or s3://<bucket>/<key>.
	SourceURL string `yaml:"sourceUrl"`

	InputName  string `yaml:"inputName"`
	OutputName string `yaml:"outputName"`

	// RuntimeLibraryPath is the path to the ONNX Runtime shared library. The
	// library default is used when empty.
	RuntimeLibraryPath string `yaml:"runtimeLibraryPath"`
}

func (c *ModelConfig) validate() error {
	if c.Path == "" {
		return fmt.Errorf("path must be set")
	}
	if c.SourceURL == "" {
		return fmt.Errorf("sourceUrl must be set")
	}
	u, err := url.Parse(c.SourceURL)
	if err != nil {
		return fmt.Errorf("sourceUrl: %s", err)
	}
	switch u.Scheme {
	case "http", "https", "s3":
	default:
		return fmt.Errorf("unsupported sourceUrl scheme: %q", u.Scheme)
	}
	if c.InputName == "" || c.OutputName == "" {
		return fmt.Errorf("inputName and outputName must be set")
	}
	return nil
}

// DownloadConfig is the retry configuration of the artifact download.
type DownloadConfig struct {
	// MaxAttempts is the number of download attempts before giving up.
	MaxAttempts int `yaml:"maxAttempts"`
	// Backoff is multiplied by the attempt number to get the wait before the next attempt.
	Backoff time.Duration `yaml:"backoff"`
	// AttemptTimeout bounds a single attempt.
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
}

func (c *DownloadConfig) validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("maxAttempts must be greater than 0")
	}
	if c.Backoff < 0 {
		return fmt.Errorf("backoff must not be negative")
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attemptTimeout must be greater than 0")
	}
	return nil
}

// ProvisionerConfig is the configuration of the background provisioner.
type ProvisionerConfig struct {
	// RetryInterval is the wait before the provisioner starts another download
	// sequence after one failed. A negative value disables re-arming.
	RetryInterval time.Duration `yaml:"retryInterval"`
}

// AssumeRole is the assume role configuration.
type AssumeRole struct {
	RoleARN    string `yaml:"roleArn"`
	ExternalID string `yaml:"externalId"`
}

// S3Config is the S3 configuration.
type S3Config struct {
	EndpointURL string      `yaml:"endpointUrl"`
	Region      string      `yaml:"region"`
	AssumeRole  *AssumeRole `yaml:"assumeRole"`
}

// ObjectStoreConfig is the object store configuration.
type ObjectStoreConfig struct {
	S3 S3Config `yaml:"s3"`
}

// Validate validates the object store configuration.
func (c *ObjectStoreConfig) Validate() error {
	if c.S3.Region == "" {
		return fmt.Errorf("s3 region must be set")
	}
	if ar := c.S3.AssumeRole; ar != nil && ar.RoleARN == "" {
		return fmt.Errorf("s3 assumeRole roleArn must be set")
	}
	return nil
}

// LogConfig is the logging configuration.
type LogConfig struct {
	// File is the path of the log file. Logs go to stderr when empty.
	File string `yaml:"file"`
	// MaxSizeMB is the size of a log file before it gets rotated.
	MaxSizeMB  int  `yaml:"maxSizeMb"`
	MaxBackups int  `yaml:"maxBackups"`
	MaxAgeDays int  `yaml:"maxAgeDays"`
	Compress   bool `yaml:"compress"`
}

// Config is the configuration.
type Config struct {
	HTTPPort int `yaml:"httpPort"`
	// MetricsPort is the port of the Prometheus endpoint. The endpoint is disabled when 0.
	MetricsPort int `yaml:"metricsPort"`

	// UploadDir holds the uploaded images and the result masks.
	UploadDir      string `yaml:"uploadDir"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`

	Model       ModelConfig       `yaml:"model"`
	Download    DownloadConfig    `yaml:"download"`
	Provisioner ProvisionerConfig `yaml:"provisioner"`

	ObjectStore ObjectStoreConfig `yaml:"objectStore"`

	Log LogConfig `yaml:"log"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 {
		return fmt.Errorf("httpPort must be greater than 0")
	}
	if c.MetricsPort < 0 {
		return fmt.Errorf("metricsPort must not be negative")
	}
	if c.MetricsPort == c.HTTPPort {
		return fmt.Errorf("metricsPort must differ from httpPort")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("uploadDir must be set")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("maxUploadBytes must be greater than 0")
	}
	if err := c.Model.validate(); err != nil {
		return fmt.Errorf("model: %s", err)
	}
	if err := c.Download.validate(); err != nil {
		return fmt.Errorf("download: %s", err)
	}
	if c.UsesS3() {
		if err := c.ObjectStore.Validate(); err != nil {
			return fmt.Errorf("object store: %s", err)
		}
	}
	return nil
}

// UsesS3 returns true if the model artifact is fetched from S3.
func (c *Config) UsesS3() bool {
	u, err := url.Parse(c.Model.SourceURL)
	return err == nil && u.Scheme == "s3"
}

// Default returns the configuration used when no config file is given.
func Default() Config {
	var c Config
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.HTTPPort == 0 {
		c.HTTPPort = defaultHTTPPort
	}
	if c.UploadDir == "" {
		c.UploadDir = defaultUploadDir
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = defaultMaxUploadBytes
	}
	if c.Model.Path == "" {
		c.Model.Path = defaultModelPath
	}
	if c.Model.SourceURL == "" {
		c.Model.SourceURL = defaultSourceURL
	}
	if c.Model.InputName == "" {
		c.Model.InputName = defaultInputName
	}
	if c.Model.OutputName == "" {
		c.Model.OutputName = defaultOutputName
	}
	if c.Download.MaxAttempts == 0 {
		c.Download.MaxAttempts = defaultMaxAttempts
	}
	if c.Download.Backoff == 0 {
		c.Download.Backoff = defaultBackoff
	}
	if c.Download.AttemptTimeout == 0 {
		c.Download.AttemptTimeout = defaultAttemptTimeout
	}
	if c.Provisioner.RetryInterval == 0 {
		c.Provisioner.RetryInterval = defaultRetryInterval
	}
}

// applyEnv overrides the configuration with environment variables.
func (c *Config) applyEnv() error {
	p, ok := os.LookupEnv(portEnv)
	if !ok || p == "" {
		return nil
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return fmt.Errorf("invalid %s: %s", portEnv, err)
	}
	c.HTTPPort = port
	return nil
}

// Parse parses the configuration file at the given path, returning a new
// Config struct. The defaults are used when the path is empty.
func Parse(path string) (Config, error) {
	var config Config

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return config, fmt.Errorf("config: read: %s", err)
		}

		if err = yaml.Unmarshal(b, &config); err != nil {
			return config, fmt.Errorf("config: unmarshal: %s", err)
		}
	}

	config.setDefaults()
	if err := config.applyEnv(); err != nil {
		return config, fmt.Errorf("config: %s", err)
	}
	return config, nil
}
