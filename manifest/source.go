package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/petal-labs/toolcatalog/catalog"
)

// DefaultMaxDocumentBytes bounds a single manifest or payload read.
const DefaultMaxDocumentBytes int64 = 256 << 20

// Source reads raw bytes for a manifest or payload location.
type Source interface {
	// Read returns the full document. Failures reaching the location are
	// reported as catalog.ErrNetwork.
	Read(ctx context.Context) ([]byte, error)
	// Location returns the canonical location string.
	Location() string
}

// SourceOptions tunes source construction.
type SourceOptions struct {
	Client   *http.Client
	MaxBytes int64
	Headers  map[string]string
}

// OpenSource picks a Source implementation from ref's scheme. Bare paths and
// file:// URLs read from the local filesystem; http and https use HTTP GET.
func OpenSource(ref string, opts SourceOptions) (Source, error) {
	clean := strings.TrimSpace(ref)
	if clean == "" {
		return nil, errors.New("manifest: source location is empty")
	}

	u, err := url.Parse(clean)
	if err != nil || u.Scheme == "" || isWindowsDrive(u.Scheme) {
		return &FileSource{Path: filepath.Clean(clean), MaxBytes: opts.MaxBytes}, nil
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		path := u.Path
		if u.Host != "" && u.Host != "localhost" {
			path = "//" + u.Host + u.Path
		}
		return &FileSource{Path: filepath.FromSlash(path), MaxBytes: opts.MaxBytes}, nil
	case "http", "https":
		return &HTTPSource{
			URL:      u.String(),
			Client:   opts.Client,
			MaxBytes: opts.MaxBytes,
			Headers:  opts.Headers,
		}, nil
	default:
		return nil, fmt.Errorf("manifest: unsupported source scheme %q", u.Scheme)
	}
}

// ResolveRef resolves a payload reference relative to the manifest location.
// Absolute URLs and absolute paths are returned unchanged.
func ResolveRef(base, ref string) string {
	clean := strings.TrimSpace(ref)
	if clean == "" {
		return ""
	}
	if u, err := url.Parse(clean); err == nil && u.Scheme != "" && !isWindowsDrive(u.Scheme) {
		return clean
	}
	if filepath.IsAbs(clean) {
		return clean
	}

	baseURL, err := url.Parse(strings.TrimSpace(base))
	if err == nil && (baseURL.Scheme == "http" || baseURL.Scheme == "https" || baseURL.Scheme == "file") {
		rel, err := url.Parse(filepath.ToSlash(clean))
		if err == nil {
			return baseURL.ResolveReference(rel).String()
		}
	}
	return filepath.Join(filepath.Dir(base), clean)
}

// RefFilename returns the last path element of a reference.
func RefFilename(ref string) string {
	clean := strings.TrimSpace(ref)
	if u, err := url.Parse(clean); err == nil && u.Scheme != "" && !isWindowsDrive(u.Scheme) {
		clean = u.Path
	}
	name := filepath.Base(filepath.FromSlash(clean))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

func isWindowsDrive(scheme string) bool {
	return len(scheme) == 1
}

// FileSource reads a document from the local filesystem.
type FileSource struct {
	Path     string
	MaxBytes int64
}

// Read implements Source.
func (s *FileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// #nosec G304 -- path comes from operator configuration or the manifest.
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, catalog.NewError(catalog.CodeNetwork, fmt.Sprintf("opening %s: %v", s.Path, err), false, err)
	}
	defer f.Close()
	return readLimited(f, s.MaxBytes, s.Path)
}

// Location implements Source.
func (s *FileSource) Location() string {
	return s.Path
}

// HTTPSource reads a document with an HTTP GET.
type HTTPSource struct {
	URL      string
	Client   *http.Client
	MaxBytes int64
	Headers  map[string]string
}

// Read implements Source. Transport errors and 5xx responses are retryable.
func (s *HTTPSource) Read(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, catalog.NewError(catalog.CodeNetwork, fmt.Sprintf("building request for %s: %v", s.URL, err), false, err)
	}
	for key, value := range s.Headers {
		req.Header.Set(key, value)
	}

	client := s.Client
	if client == nil {
		client = defaultHTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, catalog.NewError(catalog.CodeNetwork, fmt.Sprintf("GET %s: %v", s.URL, err), isTransientNetErr(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		retryable := resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
		return nil, catalog.NewError(catalog.CodeNetwork,
			fmt.Sprintf("GET %s returned status %d", s.URL, resp.StatusCode), retryable, nil).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}
	return readLimited(resp.Body, s.MaxBytes, s.URL)
}

// Location implements Source.
func (s *HTTPSource) Location() string {
	return s.URL
}

var defaultHTTPClient = &http.Client{
	Timeout: 5 * time.Minute,
	Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	},
}

func readLimited(r io.Reader, maxBytes int64, location string) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDocumentBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, catalog.NewError(catalog.CodeNetwork, fmt.Sprintf("reading %s: %v", location, err), true, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, catalog.Errorf(catalog.CodeNetwork, "%s exceeds %d bytes", location, maxBytes)
	}
	return data, nil
}

func isTransientNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
