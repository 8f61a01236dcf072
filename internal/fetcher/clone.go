package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/JakeFAU/repo-scanner/internal/scan"
)

var installGitTransport sync.Once

// cloneSessionKey carries the *cloneSession of one clone through go-git.
type cloneSessionKey struct{}

// cloneSession routes a clone's HTTP traffic through the service transport
// and counts the bytes it receives.
type cloneSession struct {
	transport http.RoundTripper
	limit     int64
	received  atomic.Int64
	exceeded  atomic.Bool
}

// sessionTransport is installed as go-git's http(s) client. go-git only
// supports process-wide protocol clients, so the per-clone transport and
// budget travel in the request context. Requests without a session fail.
type sessionTransport struct{}

func (sessionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	sess, ok := req.Context().Value(cloneSessionKey{}).(*cloneSession)
	if !ok {
		return nil, errors.New("git http transport used outside a fetch")
	}
	resp, err := sess.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	resp.Body = &cappedBody{ReadCloser: resp.Body, sess: sess}
	return resp, nil
}

type cappedBody struct {
	io.ReadCloser
	sess *cloneSession
}

func (b *cappedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if b.sess.received.Add(int64(n)) > b.sess.limit {
		b.sess.exceeded.Store(true)
		return n, ErrTooLarge
	}
	return n, err
}

func useSessionTransport() {
	installGitTransport.Do(func() {
		c := githttp.NewClient(&http.Client{Transport: sessionTransport{}, CheckRedirect: checkRedirect})
		client.InstallProtocol("https", c)
		client.InstallProtocol("http", c)
	})
}

// clone performs a depth-1 single-branch clone for hosts without a known
// archive endpoint, then drops the .git directory. The transfer uses the
// service's dialer and stops once it exceeds MaxBytes.
func (s *Service) clone(ctx context.Context, target scan.Target, branch, dest string) (int64, error) {
	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Wait(ctx, target.URL); err != nil {
			return 0, &scan.FetchError{Stage: scan.StageClone, URL: target.URL, Err: err}
		}
	}
	useSessionTransport()
	transport := s.client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	sess := &cloneSession{transport: transport, limit: s.cfg.MaxBytes}
	ctx = context.WithValue(ctx, cloneSessionKey{}, sess)

	_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:           target.URL,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
		Tags:          git.NoTags,
	})
	if sess.exceeded.Load() {
		return 0, &scan.FetchError{Stage: scan.StageClone, URL: target.URL, Err: fmt.Errorf("%w: transfer exceeded %d bytes", ErrTooLarge, s.cfg.MaxBytes)}
	}
	if err != nil {
		return 0, &scan.FetchError{Stage: scan.StageClone, URL: target.URL, Err: fmt.Errorf("clone repository: %w", err)}
	}
	if err := os.RemoveAll(filepath.Join(dest, git.GitDirName)); err != nil {
		return 0, &scan.FetchError{Stage: scan.StageClone, URL: target.URL, Err: fmt.Errorf("remove git dir: %w", err)}
	}
	size, err := dirSize(dest)
	if err != nil {
		return 0, &scan.FetchError{Stage: scan.StageClone, URL: target.URL, Err: err}
	}
	if size > s.cfg.MaxBytes {
		return 0, &scan.FetchError{Stage: scan.StageClone, URL: target.URL, Err: fmt.Errorf("%w: clone is %d bytes", ErrTooLarge, size)}
	}
	return size, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure clone: %w", err)
	}
	return total, nil
}
