package consensus

import (
	"sort"
	"sync"
	"time"
)

// SignatureAlgorithm names a digest/signature algorithm used by a voter.
type SignatureAlgorithm string

const (
	// AlgoSHA1 is the legacy RSA/SHA-1 signature algorithm.
	AlgoSHA1 SignatureAlgorithm = "sha1"
	// AlgoSHA256 is the RSA/SHA-256 signature algorithm.
	AlgoSHA256 SignatureAlgorithm = "sha256"
)

// SigStatus is the per-signature classification recorded by the validator
// so a later re-validation (on certificate arrival) only revisits
// unresolved signatures.
type SigStatus int

const (
	// SigUnresolved means the signature has not been checked yet.
	SigUnresolved SigStatus = iota
	// SigGood means the signature verified against a known certificate.
	SigGood
	// SigBad means the signature bytes did not match (or the key was denylisted).
	SigBad
	// SigMissingKey means no matching, unexpired authority certificate was found.
	SigMissingKey
	// SigUnrecognized means the voter's identity digest is not a known v3 authority.
	SigUnrecognized
)

// Signature is one authority's signature over a document digest.
type Signature struct {
	Algorithm       SignatureAlgorithm
	IdentityDigest  string
	SigningKeyDigest string
	Bytes           []byte
	Status          SigStatus // written by the validator; read by re-validation
}

// Voter is one authority record as carried in the signed consensus body.
type Voter struct {
	IdentityDigest string
	Nickname       string
	Signatures     []Signature
}

// Address is a relay's advertised address and port, IPv4 or IPv6.
type Address struct {
	IP   string
	Port int
	IsV6 bool
}

// DownloadIncrementPolicy selects how a DownloadStatus advances its
// next-attempt time after a failure.
type DownloadIncrementPolicy int

const (
	// IncrementByFailure backs off exponentially on the failure count (steady state).
	IncrementByFailure DownloadIncrementPolicy = iota
	// IncrementByAttempt backs off linearly on the attempt count (bootstrap).
	IncrementByAttempt
)

// DownloadStatus tracks retry/backoff state for one fetchable resource
// (a flavor's consensus document, or historically a descriptor set).
// Two parallel records exist per flavor: a steady-state schedule and a
// bootstrap schedule — see scheduler.go.
type DownloadStatus struct {
	NextAttemptAt   time.Time
	FailureCount    int
	AttemptCount    int
	IncrementPolicy DownloadIncrementPolicy
	PreferredSource string // "authority", "fallback", or "" (any directory server)
}

// RouterStatus is one relay's row inside a consensus document.
type RouterStatus struct {
	IdentityDigest   string
	DescriptorDigest string
	Nickname         string
	AddrV4           Address
	AddrV6           Address

	// Flags
	Running   bool
	Exit      bool
	Stable    bool
	Fast      bool
	Guard     bool
	BadExit   bool
	HSDir     bool
	V2Dir     bool
	Authority bool
	Named     bool
	Unnamed   bool
	Valid     bool
	StaleDesc bool

	Bandwidth uint64

	Download DownloadStatus

	// Last503At is the timestamp of the last "received a 503" from this
	// relay while fetching its descriptor; carried forward across
	// consensus replacement when identity digests match (§4.F).
	Last503At time.Time
}

// Document is a parsed consensus document. Parsing of the wire bytes into
// this structure is external to this package (see Parser in core.go); this
// type is otherwise opaque except for the fields the spec names.
type Document struct {
	Flavor Flavor

	ValidAfter time.Time
	FreshUntil time.Time
	ValidUntil time.Time
	DistSeconds int // authority propagation slack, used by the clock-skew heuristic

	RouterStatusList []*RouterStatus // sorted ascending by IdentityDigest, no duplicates
	Voters           []*Voter

	NetParams    map[string]int64
	WeightParams map[string]int64

	RequiredClientProtocols    ProtocolSet
	RecommendedClientProtocols ProtocolSet
	RequiredRelayProtocols     ProtocolSet
	RecommendedRelayProtocols  ProtocolSet

	Digests map[SignatureAlgorithm][]byte // digest of the signed portion, per algorithm

	// RawBytes is the signed document exactly as received from the
	// network. This is what gets written to the on-disk cache (§6): the
	// store never re-serializes a parsed Document.
	RawBytes []byte

	mu            sync.Mutex
	descDigestMap map[string]*RouterStatus // lazily built, §4.J / §9
}

// ProtocolSet is a set of "Name=ranges" protocol version requirements, e.g.
// {"Link": {3,4,5}, "Relay": {1,2}}. Membership, not ordering, matters.
type ProtocolSet map[string]map[int]bool

// Supports reports whether the set requires/recommends versionNum of proto.
func (p ProtocolSet) Supports(proto string, versionNum int) bool {
	versions, ok := p[proto]
	if !ok {
		return false
	}
	return versions[versionNum]
}

// sortRouterStatusList sorts rs in place by identity digest, the order the
// spec requires for the list and for the merge-join operations in §4.F/§4.G.
func sortRouterStatusList(rs []*RouterStatus) {
	sort.Slice(rs, func(i, j int) bool {
		return rs[i].IdentityDigest < rs[j].IdentityDigest
	})
}

// ByIdentity does a binary search for digest over the sorted
// RouterStatusList (§4.J).
func (d *Document) ByIdentity(digest string) *RouterStatus {
	list := d.RouterStatusList
	i := sort.Search(len(list), func(i int) bool {
		return list[i].IdentityDigest >= digest
	})
	if i < len(list) && list[i].IdentityDigest == digest {
		return list[i]
	}
	return nil
}

// ByDescriptor looks up a routerstatus by descriptor digest, building the
// lazy index on first call (§4.J, §9). Safe for concurrent use.
func (d *Document) ByDescriptor(digest string) *RouterStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buildDescDigestMapLocked()
	return d.descDigestMap[digest]
}

// AllDescriptorDigests returns every descriptor digest present in the
// document, building the lazy index on first call if necessary.
func (d *Document) AllDescriptorDigests() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buildDescDigestMapLocked()
	out := make([]string, 0, len(d.descDigestMap))
	for digest := range d.descDigestMap {
		out = append(out, digest)
	}
	return out
}

func (d *Document) buildDescDigestMapLocked() {
	if d.descDigestMap != nil {
		return
	}
	d.descDigestMap = make(map[string]*RouterStatus, len(d.RouterStatusList))
	for _, rs := range d.RouterStatusList {
		if rs.DescriptorDigest != "" {
			d.descDigestMap[rs.DescriptorDigest] = rs
		}
	}
}

// Live reports whether now falls within [ValidAfter, ValidUntil].
func (d *Document) Live(now time.Time) bool {
	return !now.Before(d.ValidAfter) && !now.After(d.ValidUntil)
}

// ReasonablyLive reports whether now is within ±24h of the document's
// validity interval (the "reasonably live" regime from the glossary).
func (d *Document) ReasonablyLive(now time.Time) bool {
	if now.Before(d.ValidAfter) {
		return d.ValidAfter.Sub(now) <= reasonablyLiveSkew
	}
	if now.After(d.ValidUntil) {
		return now.Sub(d.ValidUntil) <= reasonablyLiveSkew
	}
	return true
}

const reasonablyLiveSkew = 24 * time.Hour
