// Package config loads and validates Mimir configuration from the
// environment (MIMIR_* variables), an optional .env file, and an optional
// .mimir.yaml override file. Unknown YAML keys are rejected at load time.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
)

// SourceType labels a repository's content kind.
type SourceType string

const (
	SourceTypeDoc  SourceType = "doc"
	SourceTypeCode SourceType = "code"
)

// Retrieval defaults.
const (
	DefaultSimilarityThreshold = 0.2
	DefaultMatchCount          = 10
	DefaultBM25MatchCount      = 10
)

// Provider limit defaults.
const (
	DefaultBatchSize           = 100
	DefaultConcurrency         = 4
	DefaultRequestsPerMinute   = 3000
	DefaultTokensPerMinute     = 1_000_000
	DefaultRetries             = 3
	DefaultMaxInputTokens      = 8192
	DefaultChatTemperature     = 0.3
	DefaultChatMaxOutputTokens = 4096
)

// DefaultTable is the default store table name.
const DefaultTable = "docs"

// defaultExcludePatterns are always applied on top of user-configured ones.
var defaultExcludePatterns = []string{
	"*_test.go",
	"*.test.ts",
	"*.test.tsx",
	"*.spec.ts",
	"test_*.py",
	"__tests__",
	"node_modules",
	"vendor",
}

// Config is the complete, immutable Mimir configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Embedding ProviderConfig  `yaml:"embedding"`
	Chat      ChatConfig      `yaml:"chat"`
	Repos     []RepoConfig    `yaml:"repos"`

	// ExcludePatterns are fetch-time exclusion globs, appended to the
	// built-in test-path excludes.
	ExcludePatterns []string `yaml:"exclude_patterns"`

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// APIKey is the shared secret checked on authenticated routes.
	APIKey string `yaml:"api_key"`
	// WebhookSecret enables /webhook/github; empty means 501 on that route.
	WebhookSecret string `yaml:"webhook_secret"`
	// Port is the HTTP listen port.
	Port int `yaml:"port"`
}

// StoreConfig configures the vector store connection.
type StoreConfig struct {
	// URL is the Postgres connection string (Supabase direct connection).
	URL string `yaml:"url"`
	// ServiceRoleKey is forwarded as the connection password when the URL
	// omits one.
	ServiceRoleKey string `yaml:"service_role_key"`
	// Table is the chunk table name.
	Table string `yaml:"table"`
}

// RetrievalConfig configures hybrid search defaults.
type RetrievalConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MatchCount          int     `yaml:"match_count"`
	BM25MatchCount      int     `yaml:"bm25_match_count"`
	EnableHybridSearch  bool    `yaml:"enable_hybrid_search"`
}

// ProviderLimits bound the rate-limited runtime for one provider.
type ProviderLimits struct {
	BatchSize            int `yaml:"batch_size"`
	Concurrency          int `yaml:"concurrency"`
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
	MaxTokensPerMinute   int `yaml:"max_tokens_per_minute"`
	Retries              int `yaml:"retries"`
}

// ProviderConfig configures the embedding provider.
type ProviderConfig struct {
	// Provider is one of: openai, google, mistral.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	// MaxInputTokens is the embedding token cap (chunker sub-split limit).
	MaxInputTokens int            `yaml:"max_input_tokens"`
	Limits         ProviderLimits `yaml:"limits"`
}

// ChatConfig configures the chat provider.
type ChatConfig struct {
	// Provider is one of: openai, google, mistral, anthropic.
	Provider        string         `yaml:"provider"`
	Model           string         `yaml:"model"`
	APIKey          string         `yaml:"api_key"`
	BaseURL         string         `yaml:"base_url"`
	Temperature     float64        `yaml:"temperature"`
	MaxOutputTokens int            `yaml:"max_output_tokens"`
	Limits          ProviderLimits `yaml:"limits"`
}

// RepoConfig identifies one repository scope managed by ingestion.
type RepoConfig struct {
	// URL is the repository URL, e.g. https://github.com/owner/repo.
	URL string `yaml:"url"`
	// Branch defaults to main.
	Branch string `yaml:"branch"`
	// Token is forwarded as the Authorization header when present.
	Token string `yaml:"token"`
	// Directory restricts the fetch to a subtree.
	Directory string `yaml:"directory"`
	// IncludeDirectories keeps only entries under {Directory}/{dir}.
	IncludeDirectories []string `yaml:"include_directories"`
	// OutputDir is recognized for deployments that exported fetched files
	// to disk; the server pipeline ignores it.
	OutputDir string `yaml:"output_dir"`
	// SourceType is doc or code.
	SourceType SourceType `yaml:"source_type"`
}

// Owner returns the repository owner parsed from URL.
func (r RepoConfig) Owner() string {
	owner, _ := r.ownerRepo()
	return owner
}

// Repo returns the repository name parsed from URL.
func (r RepoConfig) Repo() string {
	_, repo := r.ownerRepo()
	return repo
}

// Identifier returns "owner/repo".
func (r RepoConfig) Identifier() string {
	owner, repo := r.ownerRepo()
	if owner == "" || repo == "" {
		return ""
	}
	return owner + "/" + repo
}

// BaseBlobURL returns the canonical blob URL prefix for this repo scope:
// https://<host>/<owner>/<repo>/blob/<branch>/
func (r RepoConfig) BaseBlobURL() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Host == "" {
		return ""
	}
	owner, repo := r.ownerRepo()
	if owner == "" || repo == "" {
		return ""
	}
	return fmt.Sprintf("%s://%s/%s/%s/blob/%s/", u.Scheme, u.Host, owner, repo, r.Branch)
}

func (r RepoConfig) ownerRepo() (string, string) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", ""
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", ""
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git")
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present; a .mimir.yaml file is
// merged underneath the environment (env wins).
func Load() (*Config, error) {
	// Missing .env is not an error.
	_ = godotenv.Load()

	cfg := defaults()

	if data, err := os.ReadFile(".mimir.yaml"); err == nil {
		if err := mergeYAML(cfg, data); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Store:  StoreConfig{Table: DefaultTable},
		Retrieval: RetrievalConfig{
			SimilarityThreshold: DefaultSimilarityThreshold,
			MatchCount:          DefaultMatchCount,
			BM25MatchCount:      DefaultBM25MatchCount,
			EnableHybridSearch:  true,
		},
		Embedding: ProviderConfig{
			Provider:       "openai",
			MaxInputTokens: DefaultMaxInputTokens,
			Limits:         defaultLimits(),
		},
		Chat: ChatConfig{
			Provider:        "openai",
			Temperature:     DefaultChatTemperature,
			MaxOutputTokens: DefaultChatMaxOutputTokens,
			Limits:          defaultLimits(),
		},
		LogLevel: "info",
	}
}

func defaultLimits() ProviderLimits {
	return ProviderLimits{
		BatchSize:            DefaultBatchSize,
		Concurrency:          DefaultConcurrency,
		MaxRequestsPerMinute: DefaultRequestsPerMinute,
		MaxTokensPerMinute:   DefaultTokensPerMinute,
		Retries:              DefaultRetries,
	}
}

// mergeYAML decodes a .mimir.yaml override file strictly: unknown keys are
// a configuration error.
func mergeYAML(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return mimirerrors.New(mimirerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("invalid .mimir.yaml: %v", err), err)
	}
	return nil
}

// ExcludePatternsWithDefaults returns built-in excludes plus configured ones.
func (c *Config) ExcludePatternsWithDefaults() []string {
	out := make([]string, 0, len(defaultExcludePatterns)+len(c.ExcludePatterns))
	out = append(out, defaultExcludePatterns...)
	out = append(out, c.ExcludePatterns...)
	return out
}

// Validate checks required fields and enumerated values.
func (c *Config) Validate() error {
	if c.Server.APIKey == "" {
		return mimirerrors.New(mimirerrors.ErrCodeConfigMissing,
			"MIMIR_SERVER_API_KEY is required", nil)
	}
	if c.Store.URL == "" {
		return mimirerrors.New(mimirerrors.ErrCodeConfigMissing,
			"MIMIR_SUPABASE_URL is required", nil)
	}
	switch c.Embedding.Provider {
	case "openai", "google", "mistral":
	default:
		return mimirerrors.Newf(mimirerrors.ErrCodeConfigInvalid,
			"unsupported embedding provider %q (want openai, google or mistral)", c.Embedding.Provider)
	}
	switch c.Chat.Provider {
	case "openai", "google", "mistral", "anthropic":
	default:
		return mimirerrors.Newf(mimirerrors.ErrCodeConfigInvalid,
			"unsupported chat provider %q (want openai, google, mistral or anthropic)", c.Chat.Provider)
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return mimirerrors.Newf(mimirerrors.ErrCodeConfigInvalid,
			"similarity threshold %v out of range [0,1]", c.Retrieval.SimilarityThreshold)
	}
	for _, r := range c.Repos {
		if r.Identifier() == "" {
			return mimirerrors.Newf(mimirerrors.ErrCodeConfigInvalid,
				"repository URL %q does not contain owner/repo", r.URL)
		}
	}
	return nil
}
