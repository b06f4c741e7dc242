package consensus

import (
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/logger"
)

const (
	// maxWaitForCerts is MAX_WAIT_FOR_CERTS / DELAY_WHILE_FETCHING_CERTS
	// from the original source (src/feature/nodelist/networkstatus.c).
	maxWaitForCerts = 20 * time.Minute
	// minWaitBeforeFailure is MIN_WAIT_BEFORE_FAILURE /
	// MIN_DELAY_FOR_FETCH_CERT_STATUS_FAILURE from the original source.
	minWaitBeforeFailure = 60 * time.Second
)

// WaitDecision is probe()'s report on a parked document's status (§4.D).
type WaitDecision int

const (
	// NotWaiting means the flavor's slot is empty.
	NotWaiting WaitDecision = iota
	// StillWaiting means the timeout has not elapsed and the parked
	// document is still within its validity window.
	StillWaiting
	// WaitTimedOut means MAX_WAIT_FOR_CERTS has elapsed or the parked
	// document expired while waiting.
	WaitTimedOut
)

type certSlot struct {
	doc         *Document
	parkedAt    time.Time
	dlFailed    bool
	timedOutHit bool // already credited a failure for this timeout transition
}

// CertWaiter holds one parked document per flavor: a document that parses
// and is self-consistent but cannot be verified yet because required
// authority certificates are missing (§4.D).
type CertWaiter struct {
	mu    sync.Mutex
	slots map[Flavor]*certSlot

	cache  *CacheStore
	logger *logger.Logger
}

func newCertWaiter(cache *CacheStore, log *logger.Logger) *CertWaiter {
	if log == nil {
		log = logger.NewDefault()
	}
	return &CertWaiter{
		slots:  make(map[Flavor]*certSlot),
		cache:  cache,
		logger: log.Component("consensus.certwaiter"),
	}
}

// park replaces the slot's document if it is empty or holds a document
// strictly older than doc; ties reject the newcomer to keep the waiter
// monotone (§9's resolution of that open question). The unverified cache
// file is (re)written on replacement.
func (w *CertWaiter) park(f Flavor, doc *Document, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing := w.slots[f]
	if existing != nil && !existing.doc.ValidAfter.Before(doc.ValidAfter) {
		w.logger.Debug("discarding parked document not newer than existing", "flavor", f)
		return
	}

	w.slots[f] = &certSlot{doc: doc, parkedAt: now}
	w.cache.Write(f, false, doc.RawBytes)
}

// parkFromCache seeds the waiter slot at startup from the on-disk
// unverified file (§2: "B feeds F at startup" also applies to D).
func (w *CertWaiter) parkFromCache(f Flavor, doc *Document) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.slots[f] = &certSlot{doc: doc, parkedAt: time.Time{}}
}

// parked returns the currently parked document for f, or nil.
func (w *CertWaiter) parked(f Flavor) *Document {
	w.mu.Lock()
	defer w.mu.Unlock()
	slot := w.slots[f]
	if slot == nil {
		return nil
	}
	return slot.doc
}

// probe reports the wait status for f's parked document, crediting a
// failure to dls (the steady download schedule) the first time a timeout
// transition is observed and the wait exceeded MIN_WAIT_BEFORE_FAILURE
// (§4.D).
func (w *CertWaiter) probe(f Flavor, now time.Time, dls *DownloadStatus) WaitDecision {
	w.mu.Lock()
	defer w.mu.Unlock()

	slot := w.slots[f]
	if slot == nil {
		return NotWaiting
	}

	waited := now.Sub(slot.parkedAt)
	expired := now.After(slot.doc.ValidUntil)
	if waited < maxWaitForCerts && !expired {
		return StillWaiting
	}

	if !slot.timedOutHit {
		slot.timedOutHit = true
		if waited > minWaitBeforeFailure {
			dls.FailureCount++
			slot.dlFailed = true
		}
	}
	return WaitTimedOut
}

// clearIfOlder drops the parked document for f when a fully-verified
// document at or after cutoffValidAfter has just been installed, and
// erases the on-disk unverified file (§4.D, invariant 4).
func (w *CertWaiter) clearIfOlder(f Flavor, cutoffValidAfter time.Time) {
	w.mu.Lock()
	slot := w.slots[f]
	if slot == nil || slot.doc.ValidAfter.After(cutoffValidAfter) {
		w.mu.Unlock()
		return
	}
	delete(w.slots, f)
	w.mu.Unlock()

	w.cache.Erase(f, false)
}
