package fetcher

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/JakeFAU/repo-scanner/internal/scan"
)

var branchPattern = regexp.MustCompile(`^[A-Za-z0-9._\-]+(/[A-Za-z0-9._\-]+)*$`)

// ErrTooLarge reports that a download or extraction exceeded the size cap.
var ErrTooLarge = errors.New("repository exceeds size limit")

// ArchiveURL derives the provider's zip archive URL for a branch.
func ArchiveURL(target scan.Target, branch string) (string, error) {
	if !branchPattern.MatchString(branch) || strings.Contains(branch, "..") {
		return "", fmt.Errorf("invalid branch %q", branch)
	}
	u, err := url.Parse(target.URL)
	if err != nil {
		return "", fmt.Errorf("parse target url: %w", err)
	}
	base := u.Scheme + "://" + u.Host + "/" + target.Path
	switch target.Provider {
	case scan.ProviderGitHub:
		return base + "/archive/refs/heads/" + branch + ".zip", nil
	case scan.ProviderGitLab:
		name := path.Base(target.Path)
		return base + "/-/archive/" + branch + "/" + name + "-" + strings.ReplaceAll(branch, "/", "-") + ".zip", nil
	case scan.ProviderBitbucket:
		return base + "/get/" + branch + ".zip", nil
	default:
		return "", fmt.Errorf("provider %q has no archive endpoint", target.Provider)
	}
}

// download streams rawURL into dest, refusing bodies larger than the cap.
func (s *Service) download(ctx context.Context, rawURL, dest string) (int64, error) {
	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Wait(ctx, rawURL); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get archive: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("get archive: unexpected status %d", resp.StatusCode)
	}
	if resp.ContentLength > s.cfg.MaxBytes {
		return 0, fmt.Errorf("%w: content length %d", ErrTooLarge, resp.ContentLength)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create archive file: %w", err)
	}
	n, copyErr := io.Copy(f, io.LimitReader(resp.Body, s.cfg.MaxBytes+1))
	if closeErr := f.Close(); closeErr != nil && copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return 0, fmt.Errorf("write archive: %w", copyErr)
	}
	if n > s.cfg.MaxBytes {
		return 0, fmt.Errorf("%w: download exceeded %d bytes", ErrTooLarge, s.cfg.MaxBytes)
	}
	return n, nil
}

// verifyArchive checks that the file is a readable zip with at least one
// regular file.
func verifyArchive(archive string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = r.Close() }()
	for _, f := range r.File {
		if f.Mode().IsRegular() {
			return nil
		}
	}
	return errors.New("archive contains no files")
}

// extractArchive unpacks archive into dest. Entries escaping dest are
// rejected, symlinks are skipped, and the total uncompressed size is capped.
func extractArchive(archive, dest string, maxBytes int64) (int64, error) {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return 0, fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = r.Close() }()

	if err := os.MkdirAll(dest, 0o750); err != nil {
		return 0, fmt.Errorf("create extract dir: %w", err)
	}
	root := filepath.Clean(dest) + string(filepath.Separator)

	var total int64
	for _, f := range r.File {
		target, err := entryPath(root, f.Name)
		if err != nil {
			return total, err
		}
		mode := f.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			continue
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o750); err != nil {
				return total, fmt.Errorf("create dir: %w", err)
			}
			continue
		case !mode.IsRegular():
			continue
		}
		n, err := extractFile(f, target, maxBytes-total)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func entryPath(root, name string) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" || strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("illegal archive entry %q", name)
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if !strings.HasPrefix(target+string(filepath.Separator), root) || target+string(filepath.Separator) == root {
		return "", fmt.Errorf("illegal archive entry %q", name)
	}
	return target, nil
}

func extractFile(f *zip.File, target string, budget int64) (int64, error) {
	if budget <= 0 {
		return 0, fmt.Errorf("%w: extracted size", ErrTooLarge)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return 0, fmt.Errorf("create dir: %w", err)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("open entry %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	n, copyErr := io.Copy(out, io.LimitReader(rc, budget+1))
	if closeErr := out.Close(); closeErr != nil && copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return n, fmt.Errorf("extract %s: %w", f.Name, copyErr)
	}
	if n > budget {
		return n, fmt.Errorf("%w: extracted size", ErrTooLarge)
	}
	if mod := f.Modified; !mod.IsZero() {
		_ = os.Chtimes(target, mod, mod)
	}
	return n, nil
}

// flatten returns the single top-level directory of src when there is
// exactly one entry and it is a directory; otherwise src itself.
func flatten(src string) (string, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return "", fmt.Errorf("read extracted dir: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(src, entries[0].Name()), nil
	}
	return src, nil
}
