package consensus

import (
	"testing"
	"time"
)

func docWithDigest(validAfter, validUntil time.Time, digest string, rs []*RouterStatus) *Document {
	sortRouterStatusList(rs)
	return &Document{
		Flavor:           FlavorNS,
		ValidAfter:       validAfter,
		ValidUntil:       validUntil,
		FreshUntil:       validAfter.Add(30 * time.Minute),
		RouterStatusList: rs,
		Digests:          map[SignatureAlgorithm][]byte{AlgoSHA256: []byte(digest)},
	}
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	env := ConsensusEnv{UsableFlavor: FlavorNS}
	return NewCore(t.TempDir(), env, nil, nil, nil, newFakeAuthorityStore(), nil, nil)
}

func TestRegistryInstallMonotonic(t *testing.T) {
	core := newTestCore(t)
	now := time.Now()

	first := docWithDigest(now, now.Add(time.Hour), "d1", nil)
	res, err := core.registry.install(first, core.cache, core.waiter, core.notifier, core.scheduler, now)
	if err != nil {
		t.Fatalf("first install failed: %v", err)
	}
	if res.Outcome != OutcomeInstalled {
		t.Fatalf("outcome = %v, want OutcomeInstalled", res.Outcome)
	}

	second := docWithDigest(now.Add(time.Minute), now.Add(2*time.Hour), "d2", nil)
	if _, err := core.registry.install(second, core.cache, core.waiter, core.notifier, core.scheduler, now); err != nil {
		t.Fatalf("second install failed: %v", err)
	}
	if core.registry.latest(FlavorNS) != second {
		t.Fatal("expected second document to be active")
	}
}

func TestRegistryInstallDuplicate(t *testing.T) {
	core := newTestCore(t)
	now := time.Now()

	doc := docWithDigest(now, now.Add(time.Hour), "same-digest", nil)
	if _, err := core.registry.install(doc, core.cache, core.waiter, core.notifier, core.scheduler, now); err != nil {
		t.Fatalf("first install failed: %v", err)
	}

	dup := docWithDigest(now, now.Add(time.Hour), "same-digest", nil)
	_, err := core.registry.install(dup, core.cache, core.waiter, core.notifier, core.scheduler, now)
	if ReasonOf(err) != reasonDuplicate {
		t.Fatalf("ReasonOf(err) = %q, want %q", ReasonOf(err), reasonDuplicate)
	}
}

func TestRegistryInstallAtLeastAsOldAsCurrent(t *testing.T) {
	core := newTestCore(t)
	now := time.Now()

	doc := docWithDigest(now, now.Add(time.Hour), "d1", nil)
	if _, err := core.registry.install(doc, core.cache, core.waiter, core.notifier, core.scheduler, now); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	stale := docWithDigest(now.Add(-time.Minute), now.Add(time.Hour), "d-stale", nil)
	_, err := core.registry.install(stale, core.cache, core.waiter, core.notifier, core.scheduler, now)
	if ReasonOf(err) != reasonAtLeastAsOldAsCurrent {
		t.Fatalf("ReasonOf(err) = %q, want %q", ReasonOf(err), reasonAtLeastAsOldAsCurrent)
	}
}

func TestRegistryCarriesOverAncillaryState(t *testing.T) {
	core := newTestCore(t)
	now := time.Now()

	oldRS := &RouterStatus{IdentityDigest: "id1", DescriptorDigest: "desc1", Last503At: now.Add(-time.Hour)}
	oldDoc := docWithDigest(now, now.Add(time.Hour), "d1", []*RouterStatus{oldRS})
	oldDoc.RouterStatusList[0].Download.FailureCount = 3
	if _, err := core.registry.install(oldDoc, core.cache, core.waiter, core.notifier, core.scheduler, now); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	newRS := &RouterStatus{IdentityDigest: "id1", DescriptorDigest: "desc1"}
	newDoc := docWithDigest(now.Add(time.Minute), now.Add(2*time.Hour), "d2", []*RouterStatus{newRS})
	if _, err := core.registry.install(newDoc, core.cache, core.waiter, core.notifier, core.scheduler, now); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	got := core.registry.latest(FlavorNS).ByIdentity("id1")
	if got.Last503At != oldRS.Last503At {
		t.Error("expected Last503At to carry over on identity match")
	}
	if got.Download.FailureCount != 3 {
		t.Errorf("expected Download status to carry over on descriptor match, got %d", got.Download.FailureCount)
	}
}

func TestRegistryAncillaryStateNotCarriedOnDescriptorChange(t *testing.T) {
	core := newTestCore(t)
	now := time.Now()

	oldRS := &RouterStatus{IdentityDigest: "id1", DescriptorDigest: "desc1"}
	oldRS.Download.FailureCount = 5
	oldDoc := docWithDigest(now, now.Add(time.Hour), "d1", []*RouterStatus{oldRS})
	if _, err := core.registry.install(oldDoc, core.cache, core.waiter, core.notifier, core.scheduler, now); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	newRS := &RouterStatus{IdentityDigest: "id1", DescriptorDigest: "desc2"} // new descriptor
	newDoc := docWithDigest(now.Add(time.Minute), now.Add(2*time.Hour), "d2", []*RouterStatus{newRS})
	if _, err := core.registry.install(newDoc, core.cache, core.waiter, core.notifier, core.scheduler, now); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	got := core.registry.latest(FlavorNS).ByIdentity("id1")
	if got.Download.FailureCount != 0 {
		t.Error("expected download status to NOT carry over when descriptor digest changed")
	}
}

func TestRegistryInstallRejectsUnknownFlavor(t *testing.T) {
	core := newTestCore(t)
	now := time.Now()
	doc := docWithDigest(now, now.Add(time.Hour), "d1", nil)
	doc.Flavor = FlavorUnknown

	_, err := core.registry.install(doc, core.cache, core.waiter, core.notifier, core.scheduler, now)
	if ReasonOf(err) != reasonWrongFlavor {
		t.Fatalf("ReasonOf(err) = %q, want %q", ReasonOf(err), reasonWrongFlavor)
	}
}

func TestRegistryInstallFromCacheRejectsExpired(t *testing.T) {
	core := newTestCore(t)
	now := time.Now()
	doc := docWithDigest(now.Add(-100*time.Hour), now.Add(-96*time.Hour), "d1", nil)

	_, err := core.registry.installFromCache(doc, core.cache, core.waiter, core.notifier, core.scheduler, now)
	if ReasonOf(err) != reasonExpiredFromCache {
		t.Fatalf("ReasonOf(err) = %q, want %q", ReasonOf(err), reasonExpiredFromCache)
	}
}

func TestRegistryPrePostChangeOrdering(t *testing.T) {
	core := newTestCore(t)
	now := time.Now()

	var sawOldDuringPre, sawNewDuringPost bool
	preSub := preChangeFunc(func(old, new *Document) {
		sawOldDuringPre = old == nil
	})
	postSub := postChangeFunc(func(newDoc *Document) {
		sawNewDuringPost = core.registry.latest(FlavorNS) == newDoc
	})
	core.notifier.registerPre(preSub)
	core.notifier.registerPost(postSub)

	doc := docWithDigest(now, now.Add(time.Hour), "d1", nil)
	if _, err := core.registry.install(doc, core.cache, core.waiter, core.notifier, core.scheduler, now); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	if !sawOldDuringPre {
		t.Error("expected pre-change subscriber to see nil old document on first install")
	}
	if !sawNewDuringPost {
		t.Error("expected post-change subscriber to observe the swapped-in document")
	}
}

type preChangeFunc func(old, new *Document)

func (f preChangeFunc) OnPreChange(old, new *Document) { f(old, new) }

type postChangeFunc func(newDoc *Document)

func (f postChangeFunc) OnPostChange(newDoc *Document) { f(newDoc) }
