package consensus

import (
	"context"
	"time"

	"github.com/opd-ai/go-tor/pkg/config"
	"github.com/opd-ai/go-tor/pkg/health"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
)

// Cert is an authority certificate binding an identity digest to a signing
// key, as consumed by the validator. Certificate issuance/parsing is
// external to this package.
type Cert struct {
	IdentityDigest   string
	SigningKeyDigest string
	Expiry           time.Time

	// PublicKeyDER is the signing key's DER-encoded RSA public key, opaque
	// to this package; a Verifier implementation uses it to check
	// Signature.Bytes (§1: cryptographic primitives are external).
	PublicKeyDER []byte
}

// Parser parses the signed bytes of a consensus document into a Document.
// Implemented externally (§1: parsing is out of scope here).
type Parser interface {
	Parse(data []byte, flavor Flavor) (*Document, error)
}

// Verifier checks a raw signature against a document digest. Cryptographic
// primitives are external to this package (§1).
type Verifier interface {
	Verify(algo SignatureAlgorithm, cert *Cert, digest []byte, sigBytes []byte) bool
}

// SourcePolicy narrows which directory servers a fetch may use.
type SourcePolicy struct {
	// PreferredSource is "authority", "fallback", or "" for any directory server.
	PreferredSource string
}

// DirectoryTransport launches asynchronous directory fetches. Fetch returns
// immediately; completion is reported later through Core.OnDownloadComplete
// or Core.OnDownloadFailed, invoked by the transport from the same logical
// thread (§5).
type DirectoryTransport interface {
	FetchConsensus(ctx context.Context, flavor Flavor, policy SourcePolicy) error
}

// AuthorityStore answers certificate questions for the validator and
// launches certificate-fetch requests for the download scheduler.
type AuthorityStore interface {
	// FetchMissing requests certificates needed to validate doc.
	FetchMissing(ctx context.Context, doc *Document, now time.Time, preferredSource string)
	// Get returns the certificate matching identityDigest+signingKeyDigest
	// if one exists and has not expired as of now.
	Get(identityDigest, signingKeyDigest string, now time.Time) *Cert
	// IsDenylisted reports whether cert's signing key has been
	// administratively denylisted.
	IsDenylisted(cert *Cert) bool
	// RecognizedAuthorities lists the identity digests of every known v3
	// directory authority (N in §4.C's threshold calculation).
	RecognizedAuthorities() []string
	// CertFetchFailing reports whether recent certificate-fetch attempts
	// have themselves been failing — the "uncertain" bit from §4.C.2.
	CertFetchFailing() bool
}

// Clock supplies the current time, substitutable in tests.
type Clock interface {
	Now() time.Time
}

// RandomSource supplies uniform random integers, substitutable in tests.
type RandomSource interface {
	UniformInt(bound int) int
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Core is the single value that owns every piece of state §9 describes as a
// process-wide singleton in the source: the current-consensus registry, the
// certificate waiter, the download scheduler and the cache store, wired
// together and owned explicitly by the embedding application rather than
// hidden behind package-level globals.
type Core struct {
	logger  *logger.Logger
	metrics *metrics.Metrics
	clock   Clock
	random  RandomSource

	parser    Parser
	verifier  Verifier
	transport DirectoryTransport
	authority AuthorityStore

	cfg ConsensusEnv

	cache     *CacheStore
	registry  *Registry
	waiter    *CertWaiter
	scheduler *Scheduler
	notifier  *ChangeNotifier
	bootstrap *BootstrapController

	// events is optional: set via WithEventDispatcher, consumed when
	// constructing notifier below. Nil means no control-port events fire.
	events eventDispatcher

	warnedOldVersion bool
	warnedNewVersion bool
}

// ConsensusEnv is the read-only subset of §6's configuration inputs this
// package needs, pulled out of config.ConsensusConfig plus the policy
// question of which flavor the local node actually uses for circuits.
type ConsensusEnv struct {
	config.ConsensusConfig
	UsableFlavor Flavor
}

// CoreOption configures optional Core dependencies at construction time.
type CoreOption func(*Core)

// WithClock overrides the system clock (tests only).
func WithClock(c Clock) CoreOption { return func(co *Core) { co.clock = c } }

// WithRandomSource overrides the system random source (tests only).
func WithRandomSource(r RandomSource) CoreOption { return func(co *Core) { co.random = r } }

// WithEventDispatcher wires a control-port event dispatcher so install()
// emits NEWCONSENSUS/NS events (§4.G). Optional: a Core built without this
// option never dispatches control-port events.
func WithEventDispatcher(d eventDispatcher) CoreOption {
	return func(co *Core) { co.events = d }
}

// WithTransport overrides the directory transport supplied to NewCore. Use
// this when the transport's own constructor needs callbacks
// (OnDownloadComplete/OnDownloadFailed) that only exist once Core itself has
// been constructed — build Core with a nil transport, construct the
// transport from the returned Core, then call SetTransport.
func WithTransport(t DirectoryTransport) CoreOption {
	return func(co *Core) { co.transport = t }
}

// SetTransport wires the directory transport after construction, for
// callers whose transport adapter needs Core's download callbacks
// (OnDownloadComplete/OnDownloadFailed) before it can be built itself.
func (c *Core) SetTransport(t DirectoryTransport) {
	c.transport = t
}

// NewCore wires the components described in §2 into a single value. dataDir
// is where the on-disk cache lives (§6).
func NewCore(
	dataDir string,
	env ConsensusEnv,
	parser Parser,
	verifier Verifier,
	transport DirectoryTransport,
	authority AuthorityStore,
	log *logger.Logger,
	m *metrics.Metrics,
	opts ...CoreOption,
) *Core {
	if log == nil {
		log = logger.NewDefault()
	}
	if m == nil {
		m = metrics.New()
	}
	c := &Core{
		logger:    log.Component("consensus"),
		metrics:   m,
		clock:     systemClock{},
		random:    defaultRandomSource{},
		parser:    parser,
		verifier:  verifier,
		transport: transport,
		authority: authority,
		cfg:       env,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cache = NewCacheStore(dataDir, c.logger)
	c.registry = newRegistry(c.logger, c.metrics)
	c.waiter = newCertWaiter(c.cache, c.logger)
	c.notifier = newChangeNotifier(c.logger, c.events)
	c.scheduler = newScheduler(c, c.logger, c.metrics)
	c.bootstrap = newBootstrapController(c)

	c.loadFromCache()
	return c
}

// loadFromCache populates the registry from disk at startup (§2: "B feeds F
// at startup"). A verified file that fails to parse or validate is treated
// as absent, not fatal.
func (c *Core) loadFromCache() {
	for _, f := range AllFlavors {
		if data := c.cache.Read(f, true); data != nil {
			if doc, err := c.parser.Parse(data, f); err == nil {
				doc.RawBytes = data
				if verdict, _ := c.validate(doc); verdict == VerdictFullyVerified || verdict == VerdictQuorumVerified {
					if _, err := c.registry.installFromCache(doc, c.cache, c.waiter, c.notifier, c.scheduler, c.clock.Now()); err != nil {
						c.logger.Debug("discarding cached verified consensus", "flavor", f, "error", err)
					}
				}
			}
		}
		if data := c.cache.Read(f, false); data != nil {
			if doc, err := c.parser.Parse(data, f); err == nil {
				doc.RawBytes = data
				c.waiter.parkFromCache(f, doc)
			}
		}
	}
}

// Tick drives the download scheduler; call at least once a minute (§4.E).
func (c *Core) Tick(ctx context.Context, now time.Time) {
	c.scheduler.tick(ctx, now)
}

// OnDownloadComplete is invoked by the transport when a fetch for flavor
// succeeds, delivering the raw signed bytes.
func (c *Core) OnDownloadComplete(ctx context.Context, f Flavor, data []byte) (InstallResult, error) {
	doc, err := c.parser.Parse(data, f)
	if err != nil {
		c.scheduler.reportFailure(f)
		return InstallResult{}, consensusErr(reasonUnparseable, "failed to parse consensus document", err)
	}
	doc.RawBytes = data
	return c.ingest(ctx, doc)
}

// OnDownloadFailed is invoked by the transport when a fetch for flavor
// fails with the given HTTP-style status code.
func (c *Core) OnDownloadFailed(ctx context.Context, f Flavor, statusCode int) {
	c.logger.Warn("consensus fetch failed", "flavor", f, "status", statusCode)
	c.scheduler.reportFailure(f)
	c.Tick(ctx, c.clock.Now())
}

// OnCertArrived is invoked by the authority store when a certificate the
// waiter was blocked on becomes available, triggering re-validation.
func (c *Core) OnCertArrived(ctx context.Context, f Flavor) {
	doc := c.waiter.parked(f)
	if doc == nil {
		return
	}
	if _, err := c.ingest(ctx, doc); err != nil {
		c.logger.Debug("re-validation after cert arrival did not install", "flavor", f, "error", err)
	}
}

// ingest runs a freshly-parsed document through the validator and then
// either installs it (§4.F), parks it (§4.D), or drops it.
func (c *Core) ingest(ctx context.Context, doc *Document) (InstallResult, error) {
	if !doc.Flavor.Valid() {
		c.scheduler.reportFailure(doc.Flavor)
		return InstallResult{}, consensusErr(reasonWrongFlavor, "document declares an unknown flavor", nil)
	}

	verdict, detail := c.validate(doc)
	c.metrics.RecordConsensusValidation(detail.Good, detail.Bad, detail.MissingKey)

	switch verdict {
	case VerdictFullyVerified, VerdictQuorumVerified:
		res, err := c.registry.install(doc, c.cache, c.waiter, c.notifier, c.scheduler, c.clock.Now())
		if err != nil {
			c.metrics.RecordConsensusReject()
			c.scheduler.reportFailure(doc.Flavor)
			return res, err
		}
		c.metrics.RecordConsensusInstall()
		c.bootstrap.onInstall(doc.Flavor)
		return res, nil

	case VerdictNeedsMoreCerts:
		c.waiter.park(doc.Flavor, doc, c.clock.Now())
		c.authority.FetchMissing(ctx, doc, c.clock.Now(), "")
		return InstallResult{Outcome: OutcomeWaitingForCerts}, consensusErrRetryable(reasonWaitingForCerts, "parked pending authority certificates", nil)

	default: // VerdictInsufficient
		c.scheduler.reportFailure(doc.Flavor)
		c.metrics.RecordConsensusReject()
		warn := detail.warnHopeless(c.authority.CertFetchFailing())
		if warn {
			c.logger.Warn("consensus has insufficient signatures and cannot recover", "flavor", doc.Flavor, "good", detail.Good, "threshold", detail.Threshold)
		} else {
			c.logger.Info("consensus has insufficient signatures", "flavor", doc.Flavor, "good", detail.Good, "threshold", detail.Threshold)
		}
		return InstallResult{}, consensusErr(reasonInsufficientSignatures, "insufficient authority signatures", nil)
	}
}

func (c *Core) validate(doc *Document) (Verdict, ValidationDetail) {
	return Validate(doc, c.authority, c.verifier, c.clock.Now())
}

// Latest returns the currently-installed document for a flavor, or nil.
func (c *Core) Latest(f Flavor) *Document { return c.registry.latest(f) }

// Live reports whether the active document for f is live at now.
func (c *Core) Live(f Flavor, now time.Time) bool {
	doc := c.registry.latest(f)
	return doc != nil && doc.Live(now)
}

// ReasonablyLive reports whether the active document for f is reasonably
// live at now.
func (c *Core) ReasonablyLive(f Flavor, now time.Time) bool {
	doc := c.registry.latest(f)
	return doc != nil && doc.ReasonablyLive(now)
}

// ByIdentity looks up a routerstatus by identity digest in flavor's active document.
func (c *Core) ByIdentity(f Flavor, digest string) *RouterStatus {
	doc := c.registry.latest(f)
	if doc == nil {
		return nil
	}
	return doc.ByIdentity(digest)
}

// ByDescriptor looks up a routerstatus by descriptor digest in flavor's active document.
func (c *Core) ByDescriptor(f Flavor, digest string) *RouterStatus {
	doc := c.registry.latest(f)
	if doc == nil {
		return nil
	}
	return doc.ByDescriptor(digest)
}

// GetInt resolves a typed, clipped net_params entry (§4.H).
func (c *Core) GetInt(f Flavor, name string, def, min, max int64) int64 {
	doc := c.registry.latest(f)
	return getInt(doc, name, def, min, max, c.logger)
}

// GetOverridableInt resolves override if in range, else delegates to GetInt (§4.H).
func (c *Core) GetOverridableInt(f Flavor, override bool, overrideVal, name string, def, min, max int64) int64 {
	return getOverridableInt(c.registry.latest(f), override, overrideVal, name, def, min, max, c.logger)
}

// GetBWWeight resolves a bandwidth-weight parameter (§4.H).
func (c *Core) GetBWWeight(f Flavor, name string, def int64) int64 {
	return getBWWeight(c.registry.latest(f), name, def, c.logger)
}

// IsBootstrapping reports whether the client has not yet reached a usable
// consensus state for its configured usable flavor (§4.K).
func (c *Core) IsBootstrapping(now time.Time) bool {
	return c.bootstrap.isBootstrapping(now)
}

// CheckProtocolVersion runs the protocol-version gate (§4.I) against the
// active document for flavor.
func (c *Core) CheckProtocolVersion(f Flavor, isClientRole bool, releaseDate time.Time) (mustExit bool, warning string) {
	doc := c.registry.latest(f)
	if doc == nil {
		return false, ""
	}
	mustExit, warning = checkProtocolVersion(doc, isClientRole, releaseDate)
	if warning != "" {
		if mustExit && !c.warnedNewVersion {
			c.warnedNewVersion = true
			c.logger.Warn("protocol version gate", "warning", warning)
		} else if !mustExit && !c.warnedOldVersion {
			c.warnedOldVersion = true
			c.logger.Warn("protocol version gate", "warning", warning)
		}
	}
	return mustExit, warning
}

// ResetWarnings clears the sticky have_warned_about_{old,new}_version
// suppressors (§9's resolution of that open question).
func (c *Core) ResetWarnings() {
	c.warnedOldVersion = false
	c.warnedNewVersion = false
}

// RegisterPreChange adds a pre-change notification subscriber (§4.G).
func (c *Core) RegisterPreChange(s PreChangeSubscriber) { c.notifier.registerPre(s) }

// RegisterPostChange adds a post-change notification subscriber (§4.G).
func (c *Core) RegisterPostChange(s PostChangeSubscriber) { c.notifier.registerPost(s) }

// Diff computes the merge-join diff between two documents' routerstatus
// lists, by identity digest, for entries whose user-visible fields differ
// (§4.G's NEWCONSENSUS/NS notification payload).
func (c *Core) Diff(oldDoc, newDoc *Document) []RouterStatusDiff {
	return diffRouterStatusLists(oldDoc, newDoc)
}

// HealthChecker adapts Core to health.Checker (pkg/health), the same shape
// health.DirectoryHealthChecker uses, so Core registers into an existing
// health.Monitor unchanged.
func (c *Core) HealthChecker() health.Checker {
	return health.NewDirectoryHealthChecker(func() health.DirectoryStats {
		doc := c.registry.latest(c.cfg.UsableFlavor)
		if doc == nil {
			return health.DirectoryStats{}
		}
		now := c.clock.Now()
		relays := doc.RouterStatusList
		guards, exits := 0, 0
		for _, rs := range relays {
			if rs.Guard {
				guards++
			}
			if rs.Exit {
				exits++
			}
		}
		return health.DirectoryStats{
			LastConsensusUpdate: doc.ValidAfter,
			ConsensusAge:        now.Sub(doc.ValidAfter),
			RelayCount:          len(relays),
			GuardCount:          guards,
			ExitCount:           exits,
		}
	})
}
