package rulesource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sentra-scan/sentra/internal/rules"
)

// blame holds the last-commit stamp for one file.
type blame struct {
	CommitHash string
	UpdatedAt  time.Time
}

// blamer resolves the last commit touching each rule file. Blame is
// best-effort: any failure yields a zero stamp, never an error.
type blamer struct {
	http      *http.Client
	githubAPI string
}

func newBlamer(httpClient *http.Client, githubAPI string) *blamer {
	if githubAPI == "" {
		githubAPI = "https://api.github.com"
	}
	return &blamer{http: httpClient, githubAPI: strings.TrimRight(githubAPI, "/")}
}

// stamp resolves blame for one file of the source.
func (b *blamer) stamp(ctx context.Context, src rules.RuleSource, token, path string) blame {
	switch src.Type {
	case rules.SourceGitLab:
		return b.gitlabStamp(ctx, src, token, path)
	case rules.SourceGitHub, rules.SourceGitHubRelease:
		if token == "" {
			return blame{}
		}
		return b.githubStamp(ctx, src, token, path)
	}
	return blame{}
}

// gitlabStamp issues HEAD /projects/:id/repository/files/:path and reads
// the last-commit header.
func (b *blamer) gitlabStamp(ctx context.Context, src rules.RuleSource, token, path string) blame {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/repository/files/%s?ref=%s",
		strings.TrimRight(src.GitURL, "/"),
		url.PathEscape(src.ProjectID),
		url.PathEscape(path),
		url.QueryEscape(src.Ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return blame{}
	}
	if token != "" {
		req.Header.Set("PRIVATE-TOKEN", token)
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return blame{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return blame{}
	}
	out := blame{CommitHash: resp.Header.Get("X-Gitlab-Last-Commit-Id")}
	if raw := resp.Header.Get("X-Gitlab-Last-Commit-Date"); raw != "" {
		out.UpdatedAt, _ = time.Parse(time.RFC3339, raw)
	}
	return out
}

// githubStamp queries the GraphQL blame API for the file's newest commit.
func (b *blamer) githubStamp(ctx context.Context, src rules.RuleSource, token, path string) blame {
	owner, repo, err := githubCoordinates(src.GitURL)
	if err != nil {
		return blame{}
	}

	query := map[string]any{
		"query": `query($owner: String!, $repo: String!, $ref: String!, $path: String!) {
			repository(owner: $owner, name: $repo) {
				object(expression: $ref) {
					... on Commit {
						blame(path: $path) {
							ranges { commit { oid committedDate } }
						}
					}
				}
			}
		}`,
		"variables": map[string]string{
			"owner": owner, "repo": repo, "ref": src.Ref, "path": path,
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return blame{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.githubAPI+"/graphql", bytes.NewReader(body))
	if err != nil {
		return blame{}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return blame{}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return blame{}
	}

	var payload struct {
		Data struct {
			Repository struct {
				Object struct {
					Blame struct {
						Ranges []struct {
							Commit struct {
								OID           string    `json:"oid"`
								CommittedDate time.Time `json:"committedDate"`
							} `json:"commit"`
						} `json:"ranges"`
					} `json:"blame"`
				} `json:"object"`
			} `json:"repository"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return blame{}
	}

	var out blame
	for _, r := range payload.Data.Repository.Object.Blame.Ranges {
		if r.Commit.CommittedDate.After(out.UpdatedAt) {
			out = blame{CommitHash: r.Commit.OID, UpdatedAt: r.Commit.CommittedDate}
		}
	}
	return out
}
