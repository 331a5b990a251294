package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	mimirerrors "github.com/mimir-rag/mimir/internal/errors"
)

// applyEnv overlays MIMIR_* environment variables onto cfg. Environment
// values take precedence over YAML and defaults. Invalid numerics are
// configuration errors.
func applyEnv(cfg *Config) error {
	var err error

	setString(&cfg.Server.APIKey, "MIMIR_SERVER_API_KEY")
	setString(&cfg.Server.WebhookSecret, "MIMIR_SERVER_GITHUB_WEBHOOK_SECRET")
	if err = setInt(&cfg.Server.Port, "MIMIR_SERVER_PORT"); err != nil {
		return err
	}
	setString(&cfg.LogLevel, "MIMIR_LOG_LEVEL")

	setString(&cfg.Store.URL, "MIMIR_SUPABASE_URL")
	setString(&cfg.Store.ServiceRoleKey, "MIMIR_SUPABASE_SERVICE_ROLE_KEY")
	setString(&cfg.Store.Table, "MIMIR_SUPABASE_TABLE")

	if err = setFloat(&cfg.Retrieval.SimilarityThreshold, "MIMIR_SUPABASE_SIMILARITY_THRESHOLD"); err != nil {
		return err
	}
	if err = setInt(&cfg.Retrieval.MatchCount, "MIMIR_SUPABASE_MATCH_COUNT"); err != nil {
		return err
	}
	if err = setInt(&cfg.Retrieval.BM25MatchCount, "MIMIR_SUPABASE_BM25_MATCH_COUNT"); err != nil {
		return err
	}
	if err = setBool(&cfg.Retrieval.EnableHybridSearch, "MIMIR_SUPABASE_ENABLE_HYBRID_SEARCH"); err != nil {
		return err
	}

	if err = applyProviderEnv(&cfg.Embedding, "MIMIR_LLM_EMBEDDING"); err != nil {
		return err
	}
	if err = applyChatEnv(&cfg.Chat, "MIMIR_LLM_CHAT"); err != nil {
		return err
	}

	if v, ok := os.LookupEnv("MIMIR_EXCLUDE_PATTERNS"); ok {
		cfg.ExcludePatterns = splitList(v)
	}

	repos, err := reposFromEnv()
	if err != nil {
		return err
	}
	if len(repos) > 0 {
		cfg.Repos = repos
	}

	return nil
}

func applyProviderEnv(p *ProviderConfig, prefix string) error {
	setString(&p.Provider, prefix+"_PROVIDER")
	setString(&p.Model, prefix+"_MODEL")
	setString(&p.APIKey, prefix+"_API_KEY")
	setString(&p.BaseURL, prefix+"_BASE_URL")
	if err := setInt(&p.MaxInputTokens, prefix+"_MAX_INPUT_TOKENS"); err != nil {
		return err
	}
	return applyLimitsEnv(&p.Limits, prefix)
}

func applyChatEnv(c *ChatConfig, prefix string) error {
	setString(&c.Provider, prefix+"_PROVIDER")
	setString(&c.Model, prefix+"_MODEL")
	setString(&c.APIKey, prefix+"_API_KEY")
	setString(&c.BaseURL, prefix+"_BASE_URL")
	if err := setFloat(&c.Temperature, prefix+"_TEMPERATURE"); err != nil {
		return err
	}
	if err := setInt(&c.MaxOutputTokens, prefix+"_MAX_OUTPUT_TOKENS"); err != nil {
		return err
	}
	return applyLimitsEnv(&c.Limits, prefix)
}

func applyLimitsEnv(l *ProviderLimits, prefix string) error {
	if err := setInt(&l.BatchSize, prefix+"_LIMITS_BATCH_SIZE"); err != nil {
		return err
	}
	if err := setInt(&l.Concurrency, prefix+"_LIMITS_CONCURRENCY"); err != nil {
		return err
	}
	if err := setInt(&l.MaxRequestsPerMinute, prefix+"_LIMITS_MAX_REQUESTS_PER_MINUTE"); err != nil {
		return err
	}
	if err := setInt(&l.MaxTokensPerMinute, prefix+"_LIMITS_MAX_TOKENS_PER_MINUTE"); err != nil {
		return err
	}
	return setInt(&l.Retries, prefix+"_LIMITS_RETRIES")
}

// reposFromEnv assembles repository scopes from the MIMIR_GITHUB_* family:
// bare MIMIR_GITHUB_* (docs), MIMIR_GITHUB_DOCS_*, MIMIR_GITHUB_CODE_*, and
// numbered MIMIR_GITHUB_{DOCS,CODE}_REPO_{N}_* blocks.
func reposFromEnv() ([]RepoConfig, error) {
	var repos []RepoConfig

	add := func(prefix string, sourceType SourceType) {
		if repo, ok := repoFromPrefix(prefix, sourceType); ok {
			repos = append(repos, repo)
		}
	}

	add("MIMIR_GITHUB", SourceTypeDoc)
	add("MIMIR_GITHUB_DOCS", SourceTypeDoc)
	add("MIMIR_GITHUB_CODE", SourceTypeCode)

	for _, numbered := range []struct {
		prefix     string
		sourceType SourceType
	}{
		{"MIMIR_GITHUB_DOCS_REPO", SourceTypeDoc},
		{"MIMIR_GITHUB_CODE_REPO", SourceTypeCode},
	} {
		for n := 1; ; n++ {
			prefix := fmt.Sprintf("%s_%d", numbered.prefix, n)
			repo, ok := repoFromPrefix(prefix, numbered.sourceType)
			if !ok {
				break
			}
			repos = append(repos, repo)
		}
	}

	return repos, nil
}

func repoFromPrefix(prefix string, sourceType SourceType) (RepoConfig, bool) {
	repoURL, ok := os.LookupEnv(prefix + "_URL")
	if !ok || repoURL == "" {
		return RepoConfig{}, false
	}

	repo := RepoConfig{
		URL:        repoURL,
		Branch:     "main",
		SourceType: sourceType,
	}
	setString(&repo.Branch, prefix+"_BRANCH")
	setString(&repo.Token, prefix+"_TOKEN")
	setString(&repo.Directory, prefix+"_DIRECTORY")
	setString(&repo.OutputDir, prefix+"_OUTPUT_DIR")
	if v, ok := os.LookupEnv(prefix + "_INCLUDE_DIRECTORIES"); ok {
		repo.IncludeDirectories = splitList(v)
	}
	return repo, true
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return mimirerrors.Newf(mimirerrors.ErrCodeConfigInvalid,
			"%s: invalid integer %q", key, v)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return mimirerrors.Newf(mimirerrors.ErrCodeConfigInvalid,
			"%s: invalid number %q", key, v)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return mimirerrors.Newf(mimirerrors.ErrCodeConfigInvalid,
			"%s: invalid boolean %q", key, v)
	}
	*dst = b
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
