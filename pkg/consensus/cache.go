package consensus

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opd-ai/go-tor/pkg/logger"
)

// CacheStore is the on-disk read/write of verified and quarantined
// ("unverified") consensus bytes, one pair of files per flavor (§4.B, §6).
// It owns only bytes; it never holds parsed Documents. Errors are
// non-fatal and surface as zero values or booleans, matching how the
// teacher's resources/config packages treat cache misses.
type CacheStore struct {
	dataDir string
	logger  *logger.Logger
}

// NewCacheStore creates a store rooted at dataDir. dataDir is created lazily
// on first write, not at construction time.
func NewCacheStore(dataDir string, log *logger.Logger) *CacheStore {
	if log == nil {
		log = logger.NewDefault()
	}
	return &CacheStore{
		dataDir: dataDir,
		logger:  log.Component("consensus.cache"),
	}
}

// filename derives the on-disk filename for a flavor and verified/unverified
// tag, per §6: "cached-consensus"/"unverified-consensus" for FlavorNS,
// "cached-<flavor>-consensus"/"unverified-<flavor>-consensus" otherwise. The
// store offers no other discovery mechanism.
func filename(f Flavor, verified bool) string {
	prefix := "cached"
	if !verified {
		prefix = "unverified"
	}
	if f == FlavorNS {
		return fmt.Sprintf("%s-consensus", prefix)
	}
	return fmt.Sprintf("%s-%s-consensus", prefix, FlavorName(f))
}

func (s *CacheStore) path(f Flavor, verified bool) string {
	return filepath.Join(s.dataDir, filename(f, verified))
}

// Read returns the cached bytes for a flavor, or nil if absent or
// unreadable. A present-but-corrupt file (see §9's note on the
// XOR-obfuscation artifact: such files are simply not produced or trusted
// by this implementation) is treated the same as an absent one.
func (s *CacheStore) Read(f Flavor, verified bool) []byte {
	data, err := os.ReadFile(s.path(f, verified)) // #nosec G304 - path derived solely from flavor/tag
	if err != nil {
		return nil
	}
	return data
}

// Write persists bytes to the flavor's verified or unverified slot using a
// write-to-temp-then-rename so a crash mid-write never leaves a truncated
// file in place (§5, recommended over relying on bare os.WriteFile).
func (s *CacheStore) Write(f Flavor, verified bool, data []byte) bool {
	if err := os.MkdirAll(s.dataDir, 0o700); err != nil {
		s.logger.Warn("failed to create data directory", "dir", s.dataDir, "error", err)
		return false
	}

	dest := s.path(f, verified)
	tmp := dest + ".tmp"

	if err := os.WriteFile(tmp, data, 0o600); err != nil { // #nosec G306 - cache contains only public directory data
		s.logger.Warn("failed to write cache temp file", "path", tmp, "error", err)
		return false
	}
	if err := os.Rename(tmp, dest); err != nil {
		s.logger.Warn("failed to rename cache temp file into place", "path", dest, "error", err)
		_ = os.Remove(tmp)
		return false
	}
	return true
}

// Promote atomically renames the flavor's unverified file over the verified
// file (§4.B, §4.F.5 — used instead of a rewrite when a parked document
// becomes verified). Returns false if no unverified file exists.
func (s *CacheStore) Promote(f Flavor) bool {
	src := s.path(f, false)
	dst := s.path(f, true)
	if _, err := os.Stat(src); err != nil {
		return false
	}
	if err := os.Rename(src, dst); err != nil {
		s.logger.Warn("failed to promote unverified cache file", "flavor", f, "error", err)
		return false
	}
	return true
}

// Erase removes the flavor's verified or unverified file. It is not an
// error for the file to already be absent.
func (s *CacheStore) Erase(f Flavor, verified bool) {
	if err := os.Remove(s.path(f, verified)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to erase cache file", "flavor", f, "verified", verified, "error", err)
	}
}
