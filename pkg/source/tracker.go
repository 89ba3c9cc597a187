package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrUnavailable is returned when the tracked location cannot be read.
var ErrUnavailable = errors.New("source unavailable")

// Revision identifies what was fetched from the tracked location.
type Revision struct {
	Location string
	Branch   string
	Revision string
}

// Tracker materialises the current content of the tracked location into dst.
type Tracker interface {
	Fetch(ctx context.Context, dst string) (Revision, error)
}

// DirTracker tracks a local checkout. When the directory is a git working tree the checked out
// branch must match Branch.
type DirTracker struct {
	Path   string
	Branch string
}

func (d DirTracker) Fetch(ctx context.Context, dst string) (Revision, error) {
	rev := Revision{Location: d.Path, Branch: d.Branch}

	fi, err := os.Stat(d.Path)
	if err != nil {
		return rev, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if !fi.IsDir() {
		return rev, fmt.Errorf("%w: %q is not a directory", ErrUnavailable, d.Path)
	}

	branch, commit, err := gitHead(filepath.Join(d.Path, ".git"))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return rev, fmt.Errorf("%w: %s", ErrUnavailable, err)
	case d.Branch != "" && branch != d.Branch:
		return rev, fmt.Errorf("%w: checkout is on branch %q, expected %q", ErrUnavailable, branch, d.Branch)
	default:
		rev.Branch, rev.Revision = branch, commit
	}

	if err = copyTree(ctx, d.Path, dst); err != nil {
		return rev, fmt.Errorf("cannot copy %q: %w", d.Path, err)
	}

	return rev, nil
}

// gitHead reads the branch and commit HEAD points at without shelling out to git.
func gitHead(gitDir string) (string, string, error) {
	bs, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return "", "", err
	}

	head := strings.TrimSpace(string(bs))
	if !strings.HasPrefix(head, "ref: ") {
		return "", head, nil
	}

	ref := strings.TrimPrefix(head, "ref: ")
	branch := strings.TrimPrefix(ref, "refs/heads/")

	bs, err = os.ReadFile(filepath.Join(gitDir, filepath.FromSlash(ref)))
	if err == nil {
		return branch, strings.TrimSpace(string(bs)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", "", err
	}

	f, err := os.Open(filepath.Join(gitDir, "packed-refs"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return branch, "", nil
		}
		return "", "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[1] == ref {
			return branch, fields[0], nil
		}
	}

	return branch, "", scanner.Err()
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == ".git" {
			return filepath.SkipDir
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, 0755)
		case info.Mode().IsRegular():
			in, err := os.Open(path)
			if err != nil {
				return err
			}
			defer in.Close()

			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
			if err != nil {
				return err
			}
			if _, err = io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			return out.Close()
		}

		return nil
	})
}

// ArchiveTracker tracks a tar or tar.gz archive published at URL. The revision is the ETag the
// server reports, when it reports one.
type ArchiveTracker struct {
	URL     string
	Branch  string
	Timeout time.Duration

	log    logr.Logger
	client *retryablehttp.Client
}

func NewArchiveTracker(log logr.Logger, url, branch string, timeout time.Duration) *ArchiveTracker {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = 5
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 30 * time.Second
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Info("Received temporary or transient error while fetching source, retrying",
				"url", req.URL.Redacted(), "attempt", attempt)
		}
	}

	return &ArchiveTracker{
		URL:     url,
		Branch:  branch,
		Timeout: timeout,
		log:     log.WithName("archive-tracker"),
		client:  client,
	}
}

func (a *ArchiveTracker) Fetch(ctx context.Context, dst string) (Revision, error) {
	rev := Revision{Location: a.URL, Branch: a.Branch}

	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return rev, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return rev, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rev, fmt.Errorf("%w: download failed with status %d", ErrUnavailable, resp.StatusCode)
	}
	rev.Revision = strings.Trim(resp.Header.Get("ETag"), `"`)

	archive, err := os.CreateTemp("", "source-archive-")
	if err != nil {
		return rev, err
	}
	defer os.Remove(archive.Name())

	if _, err = io.Copy(archive, resp.Body); err != nil {
		archive.Close()
		return rev, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if err = archive.Close(); err != nil {
		return rev, err
	}

	if err = extract(archive.Name(), dst); err != nil {
		return rev, fmt.Errorf("cannot extract source archive: %w", err)
	}
	a.log.V(1).Info("Fetched source archive", "url", a.URL, "revision", rev.Revision)

	return rev, nil
}
