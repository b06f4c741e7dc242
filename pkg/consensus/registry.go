package consensus

import (
	"bytes"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
)

// maxExpiredCacheAge is MAX_EXPIRED_CACHE_AGE: how stale a document loaded
// from the on-disk cache is allowed to be before install() rejects it with
// ExpiredFromCache (§4.F, §7).
const maxExpiredCacheAge = 3 * 24 * time.Hour

// Registry holds the active document for each flavor and performs ordered
// replacement with ancillary-state carryover (§4.F). It is the only piece
// of this package protected by an internal lock: readers (the HTTP
// metrics/health goroutines) may run concurrently with the single-threaded
// install path (§5, SPEC_FULL.md §5).
type Registry struct {
	mu      sync.RWMutex
	current map[Flavor]*Document

	logger  *logger.Logger
	metrics *metrics.Metrics
}

func newRegistry(log *logger.Logger, m *metrics.Metrics) *Registry {
	if log == nil {
		log = logger.NewDefault()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Registry{
		current: make(map[Flavor]*Document),
		logger:  log.Component("consensus.registry"),
		metrics: m,
	}
}

// latest returns the currently-installed document for f, or nil.
func (r *Registry) latest(f Flavor) *Document {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current[f]
}

// install runs the §4.F procedure. fromCache is true only for documents
// loaded from the on-disk verified cache at startup, which additionally
// enforces the ExpiredFromCache precondition.
func (r *Registry) install(doc *Document, cache *CacheStore, waiter *CertWaiter, notifier *ChangeNotifier, scheduler *Scheduler, now time.Time) (InstallResult, error) {
	return r.installWithCacheFlag(doc, cache, waiter, notifier, scheduler, now, false)
}

// installFromCache is install() for the startup load path, enforcing
// ExpiredFromCache instead of skipping it.
func (r *Registry) installFromCache(doc *Document, cache *CacheStore, waiter *CertWaiter, notifier *ChangeNotifier, scheduler *Scheduler, now time.Time) (InstallResult, error) {
	return r.installWithCacheFlag(doc, cache, waiter, notifier, scheduler, now, true)
}

func (r *Registry) installWithCacheFlag(doc *Document, cache *CacheStore, waiter *CertWaiter, notifier *ChangeNotifier, scheduler *Scheduler, now time.Time, fromCache bool) (InstallResult, error) {
	if !doc.Flavor.Valid() {
		return InstallResult{}, consensusErr(reasonWrongFlavor, "document declares an unknown flavor", nil)
	}

	r.mu.Lock()

	old := r.current[doc.Flavor]
	if old != nil {
		if digestsEqual(old, doc) {
			r.mu.Unlock()
			return InstallResult{}, consensusErr(reasonDuplicate, "document already installed", nil)
		}
		if !doc.ValidAfter.After(old.ValidAfter) {
			r.mu.Unlock()
			return InstallResult{}, consensusErr(reasonAtLeastAsOldAsCurrent, "valid_after does not advance", nil)
		}
	}

	if fromCache && now.Sub(doc.ValidUntil) > maxExpiredCacheAge {
		r.mu.Unlock()
		return InstallResult{}, consensusErr(reasonExpiredFromCache, "cached document is too old to trust", nil)
	}

	// Step 1: copy ancillary carry-over fields old -> new (merge join on
	// identity digest).
	if old != nil {
		carryOverAncillaryState(old, doc)
	}

	wasParked := waiter.parked(doc.Flavor) == doc

	// Step 2: pre-change notification, while both old and new are
	// accessible.
	notifier.firePreChange(old, doc)

	// Step 3: replace the slot; the old document is now unreachable and
	// eligible for GC.
	r.current[doc.Flavor] = doc

	// Step 4: clear the cert waiter if its parked document is no newer
	// than what we just installed.
	waiter.clearIfOlder(doc.Flavor, doc.ValidAfter)

	// Step 5: persist. Promote the unverified file instead of rewriting
	// when this document came from the waiter.
	if wasParked {
		cache.Promote(doc.Flavor)
	} else {
		cache.Write(doc.Flavor, true, doc.RawBytes)
	}

	// Step 6: reset the steady schedule's failure count and recompute
	// next_fetch_time.
	scheduler.onInstallReset(doc)

	r.mu.Unlock()

	// Step 7: post-change notification, now that new is the active
	// document. The lock is released first so subscribers may query the
	// registry.
	notifier.firePostChange(doc)

	r.logger.Info("installed consensus", "flavor", doc.Flavor, "valid_after", doc.ValidAfter, "relays", len(doc.RouterStatusList))

	return InstallResult{Outcome: OutcomeInstalled}, nil
}

// digestsEqual reports whether oldDoc and newDoc carry byte-identical
// digests for every algorithm present on both — the §4.F "Duplicate"
// precondition.
func digestsEqual(oldDoc, newDoc *Document) bool {
	if len(oldDoc.Digests) == 0 || len(newDoc.Digests) == 0 {
		return false
	}
	compared := false
	for algo, oldDigest := range oldDoc.Digests {
		newDigest, ok := newDoc.Digests[algo]
		if !ok {
			continue
		}
		if !bytes.Equal(oldDigest, newDigest) {
			return false
		}
		compared = true
	}
	return compared
}

// carryOverAncillaryState is a merge join over oldDoc.RouterStatusList and
// newDoc.RouterStatusList, both sorted by identity digest: it copies the
// per-routerstatus download-status record when descriptor digests also
// match, and the last-503-at timestamp when identity digests match (§4.F
// step 1, §8 scenario S4).
func carryOverAncillaryState(oldDoc, newDoc *Document) {
	oldList := oldDoc.RouterStatusList
	newList := newDoc.RouterStatusList

	i, j := 0, 0
	for i < len(oldList) && j < len(newList) {
		o, n := oldList[i], newList[j]
		switch {
		case o.IdentityDigest < n.IdentityDigest:
			i++
		case o.IdentityDigest > n.IdentityDigest:
			j++
		default:
			n.Last503At = o.Last503At
			if o.DescriptorDigest == n.DescriptorDigest {
				n.Download = o.Download
			}
			i++
			j++
		}
	}
}
