package fixture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// completeMarker is written into an extracted dataset once it is whole.
const completeMarker = ".complete"

// Provisioner downloads and caches reference datasets.
type Provisioner struct {
	// CacheDir holds downloaded archives and extracted datasets.
	CacheDir   string
	HTTPClient *http.Client
	// S3 serves s3:// URIs. When nil a client is built from S3Config on first use.
	S3       ObjectGetter
	S3Config S3Config
	Logger   *slog.Logger

	mu sync.Mutex
}

// NewProvisioner returns a provisioner caching under cacheDir.
func NewProvisioner(cacheDir string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Provisioner{
		CacheDir:   cacheDir,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
		Logger:     logger,
	}
}

func (p *Provisioner) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.Logger
}

// Provision makes the dataset available locally and returns its directory.
func (p *Provisioner) Provision(ctx context.Context, ds Dataset) (string, error) {
	return p.fetch(ctx, ds.Name, ds.FileName, ds.URL)
}

// Fetch makes the dataset at uri available under name and returns its
// directory. Repeated calls reuse the cache.
func (p *Provisioner) Fetch(ctx context.Context, name, uri string) (string, error) {
	return p.fetch(ctx, name, "", uri)
}

func (p *Provisioner) fetch(ctx context.Context, name, fileName, uri string) (string, error) {
	dir, err := p.fetchLocked(ctx, name, fileName, uri)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) {
			return "", err
		}
		return "", &FetchError{Name: name, URI: uri, Err: err}
	}
	return dir, nil
}

func (p *Provisioner) fetchLocked(ctx context.Context, name, fileName, uri string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid dataset name %q", name)
	}
	if p.CacheDir == "" {
		return "", errors.New("cache directory is not set")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri: %w", err)
	}

	target := filepath.Join(p.CacheDir, name)
	switch u.Scheme {
	case "", "file":
		return p.fromPath(ctx, target, localPath(u, uri))
	}
	if isComplete(target) {
		p.logger().Debug("dataset cached", "name", name, "dir", target)
		return target, nil
	}
	if err := os.MkdirAll(p.CacheDir, 0o755); err != nil {
		return "", err
	}

	switch u.Scheme {
	case "forge":
		return target, p.fromForge(ctx, target, u)
	case "http", "https", "s3":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	if fileName == "" {
		fileName = name + ".zip"
	}
	archive := filepath.Join(p.CacheDir, fileName)
	if _, err := os.Stat(archive); errors.Is(err, fs.ErrNotExist) {
		start := time.Now()
		size, err := p.download(ctx, u, archive)
		if err != nil {
			return "", err
		}
		p.logger().Info("dataset downloaded", "name", name, "uri", uri, "archive", archive,
			"size", humanize.Bytes(uint64(size)), "duration", time.Since(start))
	}
	if err := p.extract(archive, target); err != nil {
		// A corrupt archive would otherwise be reused forever.
		_ = os.Remove(archive)
		return "", err
	}
	return target, nil
}

func localPath(u *url.URL, raw string) string {
	if u.Scheme == "file" {
		if u.Path != "" {
			return filepath.FromSlash(u.Path)
		}
		return filepath.FromSlash(u.Opaque)
	}
	return raw
}

// fromPath uses a local directory in place or extracts a local zip archive.
func (p *Provisioner) fromPath(ctx context.Context, target, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	if isComplete(target) {
		return target, nil
	}
	if err := os.MkdirAll(p.CacheDir, 0o755); err != nil {
		return "", err
	}
	return target, p.extract(path, target)
}

// download writes the object at u to dst through a temporary file and
// returns its size.
func (p *Provisioner) download(ctx context.Context, u *url.URL, dst string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.part")
	if err != nil {
		return 0, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	var body io.ReadCloser
	switch u.Scheme {
	case "s3":
		body, err = p.openS3(ctx, u)
	default:
		body, err = p.openHTTP(ctx, u)
	}
	if err != nil {
		_ = tmp.Close()
		return 0, err
	}
	n, err := io.Copy(tmp, body)
	_ = body.Close()
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("write %s: %w", dst, err)
	}
	return n, os.Rename(tmp.Name(), dst)
}

func (p *Provisioner) openHTTP(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}

// extract unpacks a zip archive into target and marks it complete.
func (p *Provisioner) extract(archive, target string) error {
	tmp := target + ".partial"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	n, err := unzip(archive, tmp)
	if err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("extract %s: %w", archive, err)
	}
	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		return err
	}
	p.logger().Debug("archive extracted", "archive", archive, "dir", target, "files", n)
	return markComplete(target)
}

func isComplete(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, completeMarker))
	return err == nil
}

func markComplete(dir string) error {
	return os.WriteFile(filepath.Join(dir, completeMarker), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}
