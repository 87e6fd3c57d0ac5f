package rulesource

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sentra-scan/sentra/internal/apierr"
	"github.com/sentra-scan/sentra/internal/rules"
)

// fetcher downloads a rule source as one tarball and unpacks it.
type fetcher struct {
	http      *http.Client
	githubAPI string
}

func newFetcher(httpClient *http.Client, githubAPI string) *fetcher {
	if githubAPI == "" {
		githubAPI = "https://api.github.com"
	}
	return &fetcher{http: httpClient, githubAPI: strings.TrimRight(githubAPI, "/")}
}

// fetch pulls the source tarball into a temp directory. The caller must
// invoke cleanup. releaseTag is set for GITHUB_RELEASE sources.
func (f *fetcher) fetch(ctx context.Context, src rules.RuleSource, token string) (root, releaseTag string, cleanup func(), err error) {
	var tarballURL string
	headers := map[string]string{}

	switch src.Type {
	case rules.SourceGitLab:
		tarballURL = fmt.Sprintf("%s/api/v4/projects/%s/repository/archive?sha=%s",
			strings.TrimRight(src.GitURL, "/"), url.PathEscape(src.ProjectID), url.QueryEscape(src.Ref))
		if token != "" {
			headers["PRIVATE-TOKEN"] = token
		}
	case rules.SourceGitHub:
		owner, repo, err := githubCoordinates(src.GitURL)
		if err != nil {
			return "", "", nil, err
		}
		tarballURL = fmt.Sprintf("%s/repos/%s/%s/tarball/%s", f.githubAPI, owner, repo, url.PathEscape(src.Ref))
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	case rules.SourceGitHubRelease:
		owner, repo, err := githubCoordinates(src.GitURL)
		if err != nil {
			return "", "", nil, err
		}
		tarballURL, releaseTag, err = f.latestRelease(ctx, owner, repo, token)
		if err != nil {
			return "", "", nil, err
		}
		if token != "" {
			headers["Authorization"] = "Bearer " + token
		}
	default:
		return "", "", nil, apierr.New(apierr.InvalidInput, "unknown rule source type %q", src.Type)
	}

	dir, err := os.MkdirTemp("", "rulesource-*")
	if err != nil {
		return "", "", nil, fmt.Errorf("create temp dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	if err := f.download(ctx, tarballURL, headers, dir); err != nil {
		cleanup()
		return "", "", nil, err
	}

	return archiveRoot(dir), releaseTag, cleanup, nil
}

// latestRelease resolves the newest release tarball of a GitHub repo.
func (f *fetcher) latestRelease(ctx context.Context, owner, repo, token string) (tarballURL, tag string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/repos/%s/%s/releases/latest", f.githubAPI, owner, repo), nil)
	if err != nil {
		return "", "", err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return "", "", apierr.Wrap(apierr.UpstreamUnavailable, err, "fetch latest release of %s/%s", owner, repo)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", apierr.New(apierr.UpstreamUnavailable, "latest release of %s/%s returned %d", owner, repo, resp.StatusCode)
	}
	var release struct {
		TagName    string `json:"tag_name"`
		TarballURL string `json:"tarball_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", "", apierr.Wrap(apierr.EncodeDecode, err, "decode release of %s/%s", owner, repo)
	}
	if release.TarballURL == "" {
		return "", "", apierr.New(apierr.UpstreamUnavailable, "%s/%s has no release tarball", owner, repo)
	}
	return release.TarballURL, release.TagName, nil
}

// download streams a gzipped tarball and unpacks it under dir.
func (f *fetcher) download(ctx context.Context, tarballURL string, headers map[string]string, dir string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tarballURL, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.UpstreamUnavailable, err, "download %s", tarballURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apierr.New(apierr.UpstreamUnavailable, "download %s returned %d", tarballURL, resp.StatusCode)
	}
	return untar(resp.Body, dir)
}

// untar unpacks a gzipped tar stream, rejecting entries escaping dir.
func untar(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return apierr.Wrap(apierr.EncodeDecode, err, "open tarball")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apierr.Wrap(apierr.EncodeDecode, err, "read tarball")
		}

		target := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return apierr.New(apierr.EncodeDecode, "tarball entry %q escapes extraction dir", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

// archiveRoot descends into the single top-level directory git archives
// wrap their content in.
func archiveRoot(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return dir
	}
	return filepath.Join(dir, entries[0].Name())
}

// githubCoordinates extracts owner/repo from a GitHub URL.
func githubCoordinates(gitURL string) (owner, repo string, err error) {
	u, err := url.Parse(gitURL)
	if err != nil {
		return "", "", apierr.New(apierr.InvalidInput, "malformed git url %q", gitURL)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apierr.New(apierr.InvalidInput, "git url %q lacks owner/repo", gitURL)
	}
	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
