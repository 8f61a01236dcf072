package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	giturls "github.com/whilp/git-urls"
	"go.uber.org/zap"

	"github.com/JakeFAU/repo-scanner/internal/scan"
)

const (
	defaultGitHubAPI = "https://api.github.com"
	pageSize         = 100
	defaultMaxRepos  = 1000
)

// GroupConfig controls group enumeration.
type GroupConfig struct {
	GitHubAPI string
	// GitLabAPI overrides the API base; empty derives https://<host>/api/v4.
	GitLabAPI  string
	MaxRepos   int
	Validator  scan.URLValidator
	Limiter    Waiter
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// GroupResolver implements scan.GroupResolver against the GitHub and GitLab
// REST APIs.
type GroupResolver struct {
	cfg    GroupConfig
	client *http.Client
	logger *zap.Logger
}

// NewGroupResolver constructs a GroupResolver.
func NewGroupResolver(cfg GroupConfig) *GroupResolver {
	if cfg.GitHubAPI == "" {
		cfg.GitHubAPI = defaultGitHubAPI
	}
	if cfg.MaxRepos <= 0 {
		cfg.MaxRepos = defaultMaxRepos
	}
	client := cfg.HTTPClient
	if client == nil {
		client = newHTTPClient(false)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupResolver{cfg: cfg, client: client, logger: logger.Named("groups")}
}

type gitlabProject struct {
	HTTPURLToRepo     string `json:"http_url_to_repo"`
	PathWithNamespace string `json:"path_with_namespace"`
}

type githubRepo struct {
	CloneURL string `json:"clone_url"`
	Name     string `json:"name"`
}

// Resolve returns the repositories of a target. A single-repository target
// resolves to itself.
func (g *GroupResolver) Resolve(ctx context.Context, target scan.Target) ([]scan.Repository, error) {
	if target.Kind != scan.TargetGroup {
		name, err := RepoName(target.URL)
		if err != nil {
			return nil, &scan.FetchError{Stage: scan.StageResolve, URL: target.URL, Err: err}
		}
		return []scan.Repository{{Index: 0, Name: name, URL: target.URL}}, nil
	}

	var (
		urls []string
		err  error
	)
	switch target.Provider {
	case scan.ProviderGitLab:
		urls, err = g.gitlabProjects(ctx, target)
	case scan.ProviderGitHub:
		urls, err = g.githubRepos(ctx, target)
	default:
		err = fmt.Errorf("provider %q does not support groups", target.Provider)
	}
	if err != nil {
		return nil, &scan.FetchError{Stage: scan.StageResolve, URL: target.URL, Err: err}
	}

	repos := make([]scan.Repository, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		resolved, err := g.cfg.Validator.Validate(ctx, raw)
		if err != nil || resolved.Kind != scan.TargetSingle {
			g.logger.Warn("skipping group member", zap.String("url", raw), zap.Error(err))
			continue
		}
		name, err := RepoName(resolved.URL)
		if err != nil {
			g.logger.Warn("skipping group member", zap.String("url", raw), zap.Error(err))
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		repos = append(repos, scan.Repository{Index: len(repos), Name: name, URL: resolved.URL})
		if len(repos) >= g.cfg.MaxRepos {
			g.logger.Warn("group truncated", zap.String("url", target.URL), zap.Int("max_repos", g.cfg.MaxRepos))
			break
		}
	}
	if len(repos) == 0 {
		return nil, &scan.FetchError{Stage: scan.StageResolve, URL: target.URL, Err: errors.New("group has no scannable repositories")}
	}
	return repos, nil
}

func (g *GroupResolver) gitlabProjects(ctx context.Context, target scan.Target) ([]string, error) {
	base := g.cfg.GitLabAPI
	if base == "" {
		base = "https://" + target.Host + "/api/v4"
	}
	endpoint := strings.TrimRight(base, "/") + "/groups/" + url.PathEscape(target.Path) + "/projects"
	var out []string
	for page := 1; len(out) < g.cfg.MaxRepos; page++ {
		var projects []gitlabProject
		query := url.Values{
			"include_subgroups": {"true"},
			"per_page":          {strconv.Itoa(pageSize)},
			"page":              {strconv.Itoa(page)},
		}
		if err := g.getJSON(ctx, endpoint+"?"+query.Encode(), &projects); err != nil {
			return nil, err
		}
		for _, p := range projects {
			if p.HTTPURLToRepo != "" {
				out = append(out, p.HTTPURLToRepo)
			}
		}
		if len(projects) < pageSize {
			break
		}
	}
	return out, nil
}

func (g *GroupResolver) githubRepos(ctx context.Context, target scan.Target) ([]string, error) {
	endpoint := strings.TrimRight(g.cfg.GitHubAPI, "/") + "/orgs/" + url.PathEscape(target.Path) + "/repos"
	var out []string
	for page := 1; len(out) < g.cfg.MaxRepos; page++ {
		var repos []githubRepo
		query := url.Values{
			"per_page": {strconv.Itoa(pageSize)},
			"page":     {strconv.Itoa(page)},
		}
		if err := g.getJSON(ctx, endpoint+"?"+query.Encode(), &repos); err != nil {
			return nil, err
		}
		for _, r := range repos {
			if r.CloneURL != "" {
				out = append(out, r.CloneURL)
			}
		}
		if len(repos) < pageSize {
			break
		}
	}
	return out, nil
}

func (g *GroupResolver) getJSON(ctx context.Context, endpoint string, dest any) error {
	if g.cfg.Limiter != nil {
		if err := g.cfg.Limiter.Wait(ctx, endpoint); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("list group repositories: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list group repositories: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode group listing: %w", err)
	}
	return nil
}

// RepoName derives a display name ("owner/repo") from a git URL.
func RepoName(gitURL string) (string, error) {
	u, err := giturls.Parse(gitURL)
	if err != nil {
		return "", fmt.Errorf("parse git url: %w", err)
	}
	name := strings.TrimSuffix(strings.Trim(u.Path, "/"), ".git")
	if name == "" {
		return "", fmt.Errorf("git url %q has no repository path", gitURL)
	}
	return name, nil
}
