// Package cache persists downloaded tool payloads keyed by tool id, verifies
// them on every read and answers staleness queries against the manifest.
//
// Layout: one directory per tool id holding a content-addressed payload file
// and an entry.json sidecar. The sidecar is written last, so it is the commit
// point of a Put.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/petal-labs/toolcatalog/catalog"
	"github.com/petal-labs/toolcatalog/fileutil"
	"github.com/petal-labs/toolcatalog/manifest"
)

const (
	sidecarName        = "entry.json"
	defaultPayloadName = "payload"
	payloadPerm        = 0o755
)

// Entry describes one cached payload.
type Entry struct {
	ToolID      string    `json:"toolId"`
	Version     string    `json:"version"`
	ContentHash string    `json:"contentHash"`
	Size        int64     `json:"size"`
	FetchedAt   time.Time `json:"fetchedAt"`
	PayloadFile string    `json:"payloadFile"`

	// LocalPath is the absolute payload path; derived, not persisted.
	LocalPath string `json:"-"`
}

// Config configures a Store.
type Config struct {
	// Root is the cache directory. It is created on first write.
	Root   string
	Logger *slog.Logger
	Now    func() time.Time
}

// Store is the on-disk payload cache. Mutations of one tool id are
// serialized; different ids never contend.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
	locks  *keyedLocks
}

// NewStore creates a cache rooted at cfg.Root.
func NewStore(cfg Config) (*Store, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("cache: root directory is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("cache: resolving root: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		root:   abs,
		logger: cfg.Logger,
		now:    cfg.Now,
		locks:  newKeyedLocks(),
	}, nil
}

// Root returns the absolute cache directory.
func (s *Store) Root() string {
	return s.root
}

// PutOption customizes a Put.
type PutOption func(*putOptions)

type putOptions struct {
	filename string
}

// WithFilename keeps name (and so its extension) as the suffix of the stored
// payload file.
func WithFilename(name string) PutOption {
	return func(o *putOptions) {
		o.filename = name
	}
}

// Get returns the entry for toolID after re-hashing the payload. A missing
// entry returns ok=false with a nil error. A hash mismatch or unreadable
// payload evicts the entry and returns ok=false with catalog.ErrCacheCorruption,
// which callers treat as a miss.
func (s *Store) Get(toolID string) (Entry, bool, error) {
	if err := checkToolID(toolID); err != nil {
		return Entry{}, false, err
	}

	unlock := s.locks.RLock(toolID)
	entry, ok, verifyErr := s.readVerified(toolID)
	unlock()

	if verifyErr == nil {
		return entry, ok, nil
	}

	s.logger.Warn("discarding corrupt cache entry",
		"tool_id", toolID,
		"error", verifyErr,
	)
	unlock = s.locks.Lock(toolID)
	defer unlock()
	// Re-check under the write lock: a concurrent Put may have replaced it.
	entry, ok, verifyErr = s.readVerified(toolID)
	if verifyErr == nil {
		return entry, ok, nil
	}
	if err := os.RemoveAll(s.toolDir(toolID)); err != nil {
		s.logger.Warn("failed to remove corrupt cache entry", "tool_id", toolID, "error", err)
	}
	return Entry{}, false, verifyErr
}

// Put stores payload for toolID at version. The payload becomes visible to
// Get only once fully written; a crash mid-write leaves the previous entry
// (or no entry) in place.
func (s *Store) Put(toolID string, payload []byte, version string, opts ...PutOption) (Entry, error) {
	if err := checkToolID(toolID); err != nil {
		return Entry{}, err
	}
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}

	unlock := s.locks.Lock(toolID)
	defer unlock()

	dir := s.toolDir(toolID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Entry{}, writeError(toolID, "creating entry directory", err)
	}

	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])
	payloadFile := hash[:16] + "-" + payloadName(o.filename)

	if err := fileutil.AtomicWrite(filepath.Join(dir, payloadFile), payload, payloadPerm); err != nil {
		return Entry{}, writeError(toolID, "writing payload", err)
	}

	entry := Entry{
		ToolID:      toolID,
		Version:     version,
		ContentHash: hash,
		Size:        int64(len(payload)),
		FetchedAt:   s.now(),
		PayloadFile: payloadFile,
	}
	sidecar, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return Entry{}, writeError(toolID, "encoding sidecar", err)
	}
	if err := fileutil.AtomicWrite(filepath.Join(dir, sidecarName), sidecar, 0o644); err != nil {
		return Entry{}, writeError(toolID, "committing sidecar", err)
	}

	s.removeStalePayloads(dir, payloadFile)

	entry.LocalPath = filepath.Join(dir, payloadFile)
	s.logger.Debug("cached payload",
		"tool_id", toolID,
		"version", version,
		"bytes", entry.Size,
		"hash", hash,
	)
	return entry, nil
}

// IsStale reports whether entry's version differs from the descriptor's.
func (s *Store) IsStale(entry Entry, descriptor manifest.ToolDescriptor) bool {
	return IsStale(entry, descriptor)
}

// IsStale reports whether entry's version differs from the descriptor's.
func IsStale(entry Entry, descriptor manifest.ToolDescriptor) bool {
	return entry.Version != descriptor.Version
}

// Evict removes the entry for toolID. Evicting a missing entry is not an error.
func (s *Store) Evict(toolID string) error {
	if err := checkToolID(toolID); err != nil {
		return err
	}
	unlock := s.locks.Lock(toolID)
	defer unlock()

	if err := os.RemoveAll(s.toolDir(toolID)); err != nil {
		return writeError(toolID, "evicting entry", err)
	}
	return nil
}

// EvictMatching evicts every cached tool id matching a doublestar glob and
// returns the evicted ids.
func (s *Store) EvictMatching(pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("cache: invalid pattern %q", pattern)
	}
	ids, err := s.toolIDs()
	if err != nil {
		return nil, err
	}

	var evicted []string
	for _, id := range ids {
		match, err := doublestar.Match(pattern, id)
		if err != nil {
			return evicted, fmt.Errorf("cache: matching %q: %w", pattern, err)
		}
		if !match {
			continue
		}
		if err := s.Evict(id); err != nil {
			return evicted, err
		}
		evicted = append(evicted, id)
	}
	return evicted, nil
}

// List returns the committed entries without re-hashing payloads.
func (s *Store) List() ([]Entry, error) {
	ids, err := s.toolIDs()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		unlock := s.locks.RLock(id)
		entry, ok, err := s.readSidecar(id)
		unlock()
		if err != nil || !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) toolIDs() ([]string, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: listing %s: %w", s.root, err)
	}
	ids := make([]string, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		ids = append(ids, d.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) readSidecar(toolID string) (Entry, bool, error) {
	// #nosec G304 -- tool id validated by checkToolID.
	data, err := os.ReadFile(filepath.Join(s.toolDir(toolID), sidecarName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, false, nil
		}
		return Entry{}, false, corruptionError(toolID, "reading sidecar", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, corruptionError(toolID, "decoding sidecar", err)
	}
	if entry.ToolID != toolID || entry.PayloadFile == "" || filepath.Base(entry.PayloadFile) != entry.PayloadFile {
		return Entry{}, false, corruptionError(toolID, "sidecar does not describe this entry", nil)
	}
	entry.LocalPath = filepath.Join(s.toolDir(toolID), entry.PayloadFile)
	return entry, true, nil
}

func (s *Store) readVerified(toolID string) (Entry, bool, error) {
	entry, ok, err := s.readSidecar(toolID)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	hash, err := HashFile(entry.LocalPath)
	if err != nil {
		return Entry{}, false, corruptionError(toolID, "hashing payload", err)
	}
	if hash != entry.ContentHash {
		return Entry{}, false, corruptionError(toolID,
			fmt.Sprintf("content hash %s does not match recorded %s", hash, entry.ContentHash), nil)
	}
	return entry, true, nil
}

func (s *Store) removeStalePayloads(dir, keep string) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, d := range dirents {
		name := d.Name()
		if name == keep || name == sidecarName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			s.logger.Debug("failed to remove superseded payload", "path", filepath.Join(dir, name), "error", err)
		}
	}
}

func (s *Store) toolDir(toolID string) string {
	return filepath.Join(s.root, toolID)
}

// HashFile returns the hex sha256 of the file at path.
func HashFile(path string) (string, error) {
	// #nosec G304 -- callers pass cache-owned paths.
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func payloadName(filename string) string {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "." || name == string(filepath.Separator) || name == "" || strings.HasPrefix(name, ".") {
		return defaultPayloadName
	}
	return name
}

func checkToolID(toolID string) error {
	if toolID == "" || toolID == "." || toolID == ".." ||
		strings.ContainsAny(toolID, `/\`) || strings.HasPrefix(toolID, ".") {
		return fmt.Errorf("cache: invalid tool id %q", toolID)
	}
	return nil
}

func writeError(toolID, op string, err error) *catalog.Error {
	return catalog.NewError(catalog.CodeCacheWrite, fmt.Sprintf("%s for %s: %v", op, toolID, err), false, err).
		WithDetails(map[string]any{"tool_id": toolID})
}

func corruptionError(toolID, op string, err error) *catalog.Error {
	msg := fmt.Sprintf("%s for %s", op, toolID)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return catalog.NewError(catalog.CodeCacheCorruption, msg, false, err).
		WithDetails(map[string]any{"tool_id": toolID})
}
