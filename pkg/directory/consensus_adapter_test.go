package directory

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/go-tor/pkg/consensus"
	"github.com/opd-ai/go-tor/pkg/logger"
)

func buildConsensusText(t *testing.T, signingKey *rsa.PrivateKey, identity, signingKeyDigest string) string {
	t.Helper()

	body := strings.Join([]string{
		"network-status-version 3",
		"valid-after 2026-07-31 00:00:00",
		"fresh-until 2026-07-31 01:00:00",
		"valid-until 2026-07-31 03:00:00",
		"params CircuitPriorityHalflifeMsec=30000 bwweightscale=10000",
		"bandwidth-weights Wgg=10000 Wgm=0",
		"required-client-protocols Link=4-5 Relay=2",
		"recommended-client-protocols Desc=1-2",
		"dir-source moria1 " + identity + " moria1.example.org 128.31.0.34 9131 9101",
		"r test AAAAAAAAAAAAAAAAAAAAAAAAAAA BBBBBBBBBBBBBBBBBBBBBBBBBBB 2026-07-31 00:00:00 10.0.0.1 9001 0",
		"a [::1]:9050",
		"s Fast Guard Running Stable Valid",
		"w Bandwidth=1000",
	}, "\n") + "\n"

	digest := sha256.Sum256([]byte(body))
	sig, err := rsa.SignPKCS1v15(rand.Reader, signingKey, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("failed to sign test consensus body: %v", err)
	}

	sigBlock := "directory-signature sha256 " + identity + " " + signingKeyDigest + "\n" +
		"-----BEGIN SIGNATURE-----\n" + base64.StdEncoding.EncodeToString(sig) + "\n-----END SIGNATURE-----\n"

	return body + sigBlock
}

func TestConsensusParserParseRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}
	text := buildConsensusText(t, key, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "sk1")

	parser := NewConsensusParser(logger.NewDefault())
	doc, err := parser.Parse([]byte(text), consensus.FlavorNS)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	wantValidAfter, _ := time.Parse("2006-01-02 15:04:05", "2026-07-31 00:00:00")
	if !doc.ValidAfter.Equal(wantValidAfter) {
		t.Errorf("ValidAfter = %v, want %v", doc.ValidAfter, wantValidAfter)
	}
	if doc.NetParams["bwweightscale"] != 10000 {
		t.Errorf("NetParams[bwweightscale] = %d, want 10000", doc.NetParams["bwweightscale"])
	}
	if doc.WeightParams["Wgg"] != 10000 {
		t.Errorf("WeightParams[Wgg] = %d, want 10000", doc.WeightParams["Wgg"])
	}
	if !doc.RequiredClientProtocols["Link"][4] || !doc.RequiredClientProtocols["Link"][5] {
		t.Error("expected required-client-protocols Link to cover versions 4 and 5")
	}
	if len(doc.RouterStatusList) != 1 {
		t.Fatalf("len(RouterStatusList) = %d, want 1", len(doc.RouterStatusList))
	}
	rs := doc.RouterStatusList[0]
	if rs.Nickname != "test" {
		t.Errorf("Nickname = %q, want %q", rs.Nickname, "test")
	}
	if !rs.Fast || !rs.Guard || !rs.Running || !rs.Stable || !rs.Valid {
		t.Errorf("expected all parsed flags set, got %+v", rs)
	}
	if rs.Bandwidth != 1000 {
		t.Errorf("Bandwidth = %d, want 1000", rs.Bandwidth)
	}
	if rs.AddrV6.IP != "::1" || rs.AddrV6.Port != 9050 {
		t.Errorf("AddrV6 = %+v, want ::1:9050", rs.AddrV6)
	}
	if len(doc.Voters) != 1 || len(doc.Voters[0].Signatures) != 1 {
		t.Fatalf("expected one voter with one signature, got %+v", doc.Voters)
	}
	if _, ok := doc.Digests[consensus.AlgoSHA256]; !ok {
		t.Error("expected a SHA256 digest to be computed")
	}
}

func TestRSAVerifierVerifyRealSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}
	digest := sha256.Sum256([]byte("consensus body"))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	cert := &consensus.Cert{
		IdentityDigest:   "id1",
		SigningKeyDigest: "sk1",
		PublicKeyDER:     x509.MarshalPKCS1PublicKey(&key.PublicKey),
	}

	verifier := NewRSAVerifier(logger.NewDefault())
	if !verifier.Verify(consensus.AlgoSHA256, cert, digest[:], sig) {
		t.Error("expected a correctly-signed digest to verify")
	}

	tamperedDigest := sha256.Sum256([]byte("different body"))
	if verifier.Verify(consensus.AlgoSHA256, cert, tamperedDigest[:], sig) {
		t.Error("expected a mismatched digest to fail verification")
	}
}

func TestRSAVerifierRejectsMissingKey(t *testing.T) {
	verifier := NewRSAVerifier(logger.NewDefault())
	if verifier.Verify(consensus.AlgoSHA256, &consensus.Cert{}, []byte("digest"), []byte("sig")) {
		t.Error("expected Verify to reject a cert with no embedded public key")
	}
	if verifier.Verify(consensus.AlgoSHA256, nil, []byte("digest"), []byte("sig")) {
		t.Error("expected Verify to reject a nil cert")
	}
}

func TestConsensusTransportFetchConsensusSucceeds(t *testing.T) {
	const body = "fake consensus bytes"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tor/status-vote/current/consensus.z" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, body)
	}))
	defer server.Close()

	client := &Client{
		httpClient:  http.DefaultClient,
		logger:      logger.NewDefault().Component("directory"),
		authorities: []string{server.URL},
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	transport := NewConsensusTransport(client, nil, nil,
		func(ctx context.Context, flavor consensus.Flavor, data []byte) {
			done <- result{data: data}
		},
		func(ctx context.Context, flavor consensus.Flavor, statusCode int) {
			done <- result{err: fmt.Errorf("unexpected failure, status=%d", statusCode)}
		},
	)

	if err := transport.FetchConsensus(context.Background(), consensus.FlavorNS, consensus.SourcePolicy{}); err != nil {
		t.Fatalf("FetchConsensus() returned an error: %v", err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("transport reported failure: %v", res.err)
		}
		if string(res.data) != body {
			t.Fatalf("onComplete data = %q, want %q", res.data, body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for FetchConsensus to report a result")
	}
}

func TestConsensusTransportFetchConsensusAllSourcesFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := &Client{
		httpClient:  http.DefaultClient,
		logger:      logger.NewDefault().Component("directory"),
		authorities: []string{server.URL},
	}

	failed := make(chan int, 1)
	transport := NewConsensusTransport(client, nil, nil,
		func(ctx context.Context, flavor consensus.Flavor, data []byte) {
			t.Error("onComplete should not be called when every source fails")
		},
		func(ctx context.Context, flavor consensus.Flavor, statusCode int) {
			failed <- statusCode
		},
	)

	if err := transport.FetchConsensus(context.Background(), consensus.FlavorMicrodesc, consensus.SourcePolicy{}); err != nil {
		t.Fatalf("FetchConsensus() returned an error: %v", err)
	}

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for FetchConsensus to report a failure")
	}
}
