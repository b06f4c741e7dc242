package consensus

import (
	"context"
	"testing"
	"time"
)

type fakeAuthorityStore struct {
	recognized  []string
	certs       map[string]*Cert
	denylisted  map[string]bool
	fetchFailing bool
	fetched     []string
}

func newFakeAuthorityStore(ids ...string) *fakeAuthorityStore {
	return &fakeAuthorityStore{
		recognized: ids,
		certs:      make(map[string]*Cert),
		denylisted: make(map[string]bool),
	}
}

func (f *fakeAuthorityStore) FetchMissing(ctx context.Context, doc *Document, now time.Time, preferredSource string) {
	f.fetched = append(f.fetched, preferredSource)
}

func (f *fakeAuthorityStore) Get(identityDigest, signingKeyDigest string, now time.Time) *Cert {
	c, ok := f.certs[identityDigest+"/"+signingKeyDigest]
	if !ok {
		return nil
	}
	if now.After(c.Expiry) {
		return nil
	}
	return c
}

func (f *fakeAuthorityStore) IsDenylisted(cert *Cert) bool {
	return f.denylisted[cert.IdentityDigest]
}

func (f *fakeAuthorityStore) RecognizedAuthorities() []string { return f.recognized }

func (f *fakeAuthorityStore) CertFetchFailing() bool { return f.fetchFailing }

func (f *fakeAuthorityStore) addCert(identity, signingKey string, expiry time.Time) {
	f.certs[identity+"/"+signingKey] = &Cert{IdentityDigest: identity, SigningKeyDigest: signingKey, Expiry: expiry}
}

// fakeVerifier treats any non-empty signature whose first byte is 1 as good.
type fakeVerifier struct{}

func (fakeVerifier) Verify(algo SignatureAlgorithm, cert *Cert, digest []byte, sigBytes []byte) bool {
	return len(sigBytes) > 0 && sigBytes[0] == 1
}

func voterWith(identity string, sigBytes []byte) *Voter {
	return &Voter{
		IdentityDigest: identity,
		Signatures: []Signature{
			{Algorithm: AlgoSHA256, IdentityDigest: identity, SigningKeyDigest: "sk-" + identity, Bytes: sigBytes},
		},
	}
}

func TestValidateFullyVerified(t *testing.T) {
	store := newFakeAuthorityStore("a1", "a2", "a3")
	future := time.Now().Add(time.Hour)
	for _, id := range []string{"a1", "a2", "a3"} {
		store.addCert(id, "sk-"+id, future)
	}
	doc := &Document{
		Digests: map[SignatureAlgorithm][]byte{AlgoSHA256: []byte("digest")},
		Voters: []*Voter{
			voterWith("a1", []byte{1}),
			voterWith("a2", []byte{1}),
			voterWith("a3", []byte{1}),
		},
	}

	verdict, detail := Validate(doc, store, fakeVerifier{}, time.Now())
	if verdict != VerdictFullyVerified {
		t.Fatalf("verdict = %v, want VerdictFullyVerified", verdict)
	}
	if detail.Good != 3 {
		t.Fatalf("detail.Good = %d, want 3", detail.Good)
	}
}

func TestValidateQuorumVerified(t *testing.T) {
	store := newFakeAuthorityStore("a1", "a2", "a3")
	future := time.Now().Add(time.Hour)
	store.addCert("a1", "sk-a1", future)
	store.addCert("a2", "sk-a2", future)
	store.addCert("a3", "sk-a3", future)
	doc := &Document{
		Digests: map[SignatureAlgorithm][]byte{AlgoSHA256: []byte("digest")},
		Voters: []*Voter{
			voterWith("a1", []byte{1}),
			voterWith("a2", []byte{1}),
			voterWith("a3", []byte{0}), // bad signature
		},
	}

	verdict, detail := Validate(doc, store, fakeVerifier{}, time.Now())
	if verdict != VerdictQuorumVerified {
		t.Fatalf("verdict = %v, want VerdictQuorumVerified", verdict)
	}
	if detail.Bad != 1 {
		t.Fatalf("detail.Bad = %d, want 1", detail.Bad)
	}
}

func TestValidateNeedsMoreCerts(t *testing.T) {
	store := newFakeAuthorityStore("a1", "a2", "a3")
	future := time.Now().Add(time.Hour)
	store.addCert("a1", "sk-a1", future)
	// a2, a3 certs missing entirely.
	doc := &Document{
		Digests: map[SignatureAlgorithm][]byte{AlgoSHA256: []byte("digest")},
		Voters: []*Voter{
			voterWith("a1", []byte{1}),
			voterWith("a2", []byte{1}),
			voterWith("a3", []byte{1}),
		},
	}

	verdict, detail := Validate(doc, store, fakeVerifier{}, time.Now())
	if verdict != VerdictNeedsMoreCerts {
		t.Fatalf("verdict = %v, want VerdictNeedsMoreCerts", verdict)
	}
	if detail.MissingKey != 2 {
		t.Fatalf("detail.MissingKey = %d, want 2", detail.MissingKey)
	}
}

func TestValidateInsufficient(t *testing.T) {
	store := newFakeAuthorityStore("a1", "a2", "a3", "a4", "a5")
	doc := &Document{
		Digests: map[SignatureAlgorithm][]byte{AlgoSHA256: []byte("digest")},
		Voters: []*Voter{
			voterWith("a1", []byte{0}),
			voterWith("a2", []byte{0}),
		},
	}

	verdict, detail := Validate(doc, store, fakeVerifier{}, time.Now())
	if verdict != VerdictInsufficient {
		t.Fatalf("verdict = %v, want VerdictInsufficient", verdict)
	}
	if !detail.warnHopeless(false) {
		t.Error("expected warnHopeless to be true when good+missingKey can't reach threshold")
	}
}

func TestValidateUnrecognizedVoterIgnored(t *testing.T) {
	store := newFakeAuthorityStore("a1")
	store.addCert("a1", "sk-a1", time.Now().Add(time.Hour))
	doc := &Document{
		Digests: map[SignatureAlgorithm][]byte{AlgoSHA256: []byte("digest")},
		Voters: []*Voter{
			voterWith("a1", []byte{1}),
			voterWith("stranger", []byte{1}),
		},
	}

	verdict, detail := Validate(doc, store, fakeVerifier{}, time.Now())
	if verdict != VerdictFullyVerified {
		t.Fatalf("verdict = %v, want VerdictFullyVerified", verdict)
	}
	if detail.Unrecognized != 1 {
		t.Fatalf("detail.Unrecognized = %d, want 1", detail.Unrecognized)
	}
}
