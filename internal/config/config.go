package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace.
const FileName = "mediajob.yml"

// Config models mediajob.yml.
type Config struct {
	Service struct {
		BaseURL       string `yaml:"base_url"`
		Organisation  string `yaml:"organisation"`
		WebhookTarget string `yaml:"webhook_target"`
	} `yaml:"service"`
	API struct {
		BaseURL        string `yaml:"base_url"`
		Key            string `yaml:"key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"api"`
	Signing struct {
		Secret     string `yaml:"secret"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"signing"`
	Storage struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		GCS     struct {
			Bucket         string `yaml:"bucket"`
			GoogleAccessID string `yaml:"google_access_id"`
			PrivateKeyFile string `yaml:"private_key_file"`
		} `yaml:"gcs"`
		MaxUploadMB int `yaml:"max_upload_mb"`
	} `yaml:"storage"`
	Media struct {
		Audio    []string `yaml:"audio"`
		Video    []string `yaml:"video"`
		Document []string `yaml:"document"`
	} `yaml:"media"`
	Languages []string `yaml:"languages"`
	Credit    struct {
		PerSubmission int `yaml:"per_submission"`
	} `yaml:"credit"`
	Webhook struct {
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
	Logger struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logger"`
}

// Storage backends.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mj config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	lower := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, v := range in {
			v = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(v)), ".")
			if v != "" {
				out = append(out, v)
			}
		}
		return out
	}
	c.Media.Audio = lower(c.Media.Audio)
	c.Media.Video = lower(c.Media.Video)
	c.Media.Document = lower(c.Media.Document)
	c.Languages = lower(c.Languages)
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Service.BaseURL = strings.TrimRight(c.Service.BaseURL, "/")
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.BaseURL == "" {
		return fmt.Errorf("config.service.base_url is required")
	}
	if u, err := url.Parse(c.Service.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.service.base_url must be an absolute url")
	}
	if c.Service.WebhookTarget == "" {
		return fmt.Errorf("config.service.webhook_target is required")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("config.api.base_url is required")
	}
	if c.API.TimeoutSeconds < 0 {
		return fmt.Errorf("config.api.timeout_seconds must not be negative")
	}
	if c.Signing.TTLSeconds <= 0 {
		return fmt.Errorf("config.signing.ttl_seconds must be positive")
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Path == "" {
			return fmt.Errorf("config.storage.path is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("config.storage.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("config.storage.backend must be one of local, gcs")
	}
	if c.Storage.MaxUploadMB <= 0 {
		return fmt.Errorf("config.storage.max_upload_mb must be positive")
	}
	seen := map[string]string{}
	for kind, exts := range map[string][]string{"audio": c.Media.Audio, "video": c.Media.Video, "document": c.Media.Document} {
		for _, ext := range exts {
			if prev, ok := seen[ext]; ok && prev != kind {
				return fmt.Errorf("extension %s listed for both %s and %s", ext, prev, kind)
			}
			seen[ext] = kind
		}
	}
	if len(c.Languages) == 0 {
		return fmt.Errorf("config.languages must not be empty")
	}
	if c.Credit.PerSubmission < 0 {
		return fmt.Errorf("config.credit.per_submission must not be negative")
	}
	return nil
}

// SigningTTL is the configured lifetime of issued asset links.
func (c *Config) SigningTTL() time.Duration {
	return time.Duration(c.Signing.TTLSeconds) * time.Second
}

// APITimeout is the configured timeout of the submission call.
func (c *Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// WebhookURL is the callback address handed to the processing service.
func (c *Config) WebhookURL() string {
	return c.Service.BaseURL + "/goto?target=" + url.QueryEscape(c.Service.WebhookTarget)
}

// Organisation is the client identification sent with each submission.
func (c *Config) Organisation() string {
	return c.Service.Organisation + " [mediajob]"
}

const defaultTemplate = `service:
  base_url: http://127.0.0.1:8080
  organisation: mediajob
  webhook_target: mj_webhook

api:
  base_url: https://api-live.nolej.io/api/v1
  key: ""
  timeout_seconds: 30

signing:
  secret: ""
  ttl_seconds: 30

storage:
  backend: local
  path: .mediajob/media
  max_upload_mb: 512
  gcs:
    bucket: ""
    google_access_id: ""
    private_key_file: ""

media:
  audio: [mp3, wav, opus, ogg, oga, m4a]
  video: [m4v, mp4, ogv, avi, webm]
  document: [pdf, doc, docx, odt]

languages: [en, fr, it, de, pt, es, nl]

credit:
  per_submission: 1

webhook:
  secret: ""

logger:
  level: info
  format: text
`
