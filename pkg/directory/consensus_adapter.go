package directory

import (
	"bufio"
	"bytes"
	"context"
	gocrypto "crypto"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opd-ai/go-tor/pkg/consensus"
	"github.com/opd-ai/go-tor/pkg/crypto"
	"github.com/opd-ai/go-tor/pkg/logger"
)

func decodeBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// ConsensusParser implements consensus.Parser over the dir-spec.txt v3
// consensus text format, building the full pkg/consensus.Document the
// ad-hoc SPEC-003 ConsensusMetadata stub never did.
type ConsensusParser struct {
	logger *logger.Logger
}

// NewConsensusParser creates a ConsensusParser.
func NewConsensusParser(log *logger.Logger) *ConsensusParser {
	if log == nil {
		log = logger.NewDefault()
	}
	return &ConsensusParser{logger: log.Component("directory.consensus")}
}

// Parse implements consensus.Parser.
func (p *ConsensusParser) Parse(data []byte, flavor consensus.Flavor) (*consensus.Document, error) {
	doc := &consensus.Document{
		Flavor:       flavor,
		NetParams:    make(map[string]int64),
		WeightParams: make(map[string]int64),
		Digests:      make(map[consensus.SignatureAlgorithm][]byte),
	}

	var currentRS *consensus.RouterStatus
	var currentVoter *consensus.Voter
	var relays []*consensus.RouterStatus
	var signedPortionEnd int

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	offset := 0

	flushRelay := func() {
		if currentRS != nil {
			relays = append(relays, currentRS)
			currentRS = nil
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		offset += len(line) + 1

		switch {
		case strings.HasPrefix(line, "valid-after "):
			doc.ValidAfter, _ = parseConsensusTime(strings.TrimPrefix(line, "valid-after "))
		case strings.HasPrefix(line, "fresh-until "):
			doc.FreshUntil, _ = parseConsensusTime(strings.TrimPrefix(line, "fresh-until "))
		case strings.HasPrefix(line, "valid-until "):
			doc.ValidUntil, _ = parseConsensusTime(strings.TrimPrefix(line, "valid-until "))
		case strings.HasPrefix(line, "params "):
			for k, v := range parseKeyValInts(strings.TrimPrefix(line, "params ")) {
				doc.NetParams[k] = v
			}
		case strings.HasPrefix(line, "bandwidth-weights "):
			for k, v := range parseKeyValInts(strings.TrimPrefix(line, "bandwidth-weights ")) {
				doc.WeightParams[k] = v
			}
		case strings.HasPrefix(line, "required-client-protocols "):
			doc.RequiredClientProtocols = parseProtocolSet(strings.TrimPrefix(line, "required-client-protocols "))
		case strings.HasPrefix(line, "recommended-client-protocols "):
			doc.RecommendedClientProtocols = parseProtocolSet(strings.TrimPrefix(line, "recommended-client-protocols "))
		case strings.HasPrefix(line, "required-relay-protocols "):
			doc.RequiredRelayProtocols = parseProtocolSet(strings.TrimPrefix(line, "required-relay-protocols "))
		case strings.HasPrefix(line, "recommended-relay-protocols "):
			doc.RecommendedRelayProtocols = parseProtocolSet(strings.TrimPrefix(line, "recommended-relay-protocols "))

		case strings.HasPrefix(line, "dir-source "):
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				currentVoter = &consensus.Voter{IdentityDigest: strings.ToLower(fields[2]), Nickname: fields[1]}
				doc.Voters = append(doc.Voters, currentVoter)
			}

		case strings.HasPrefix(line, "directory-signature "):
			signedPortionEnd = offset - len(line) - 1
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			algo := consensus.AlgoSHA1
			identity, signingKey := fields[1], fields[2]
			if len(fields) >= 4 {
				algo = consensus.SignatureAlgorithm(strings.ToLower(fields[1]))
				identity, signingKey = fields[2], fields[3]
			}
			sigBytes, err := readPEMSignature(scanner)
			if err != nil {
				p.logger.Debug("failed to read directory-signature block", "error", err)
				continue
			}
			sig := consensus.Signature{
				Algorithm:        algo,
				IdentityDigest:   strings.ToLower(identity),
				SigningKeyDigest: strings.ToLower(signingKey),
				Bytes:            sigBytes,
			}
			voter := voterByIdentity(doc.Voters, sig.IdentityDigest)
			if voter == nil {
				voter = &consensus.Voter{IdentityDigest: sig.IdentityDigest}
				doc.Voters = append(doc.Voters, voter)
			}
			voter.Signatures = append(voter.Signatures, sig)

		case strings.HasPrefix(line, "r "):
			flushRelay()
			fields := strings.Fields(line)
			if len(fields) < 8 {
				continue
			}
			currentRS = &consensus.RouterStatus{
				Nickname:         fields[1],
				IdentityDigest:   base64FingerprintToHex(fields[2]),
				DescriptorDigest: base64FingerprintToHex(fields[3]),
			}
			currentRS.AddrV4.IP = fields[6]
			if port, err := strconv.Atoi(fields[7]); err == nil {
				currentRS.AddrV4.Port = port
			}

		case strings.HasPrefix(line, "a ") && currentRS != nil:
			host, port := splitHostPort(strings.TrimPrefix(line, "a "))
			currentRS.AddrV6 = consensus.Address{IP: host, Port: port, IsV6: true}

		case (line == "s" || strings.HasPrefix(line, "s ")) && currentRS != nil:
			applyFlags(currentRS, strings.Fields(line)[1:])

		case strings.HasPrefix(line, "w ") && currentRS != nil:
			for k, v := range parseKeyValInts(strings.TrimPrefix(line, "w ")) {
				if k == "Bandwidth" {
					currentRS.Bandwidth = uint64(v)
				}
			}

		case strings.HasPrefix(line, "m ") && currentRS != nil && flavor == consensus.FlavorMicrodesc:
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				currentRS.DescriptorDigest = base64FingerprintToHex(fields[len(fields)-1])
			}
		}
	}
	flushRelay()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read consensus: %w", err)
	}

	doc.RouterStatusList = relays
	sortRouterStatuses(doc.RouterStatusList)

	if signedPortionEnd <= 0 || signedPortionEnd > len(data) {
		signedPortionEnd = len(data)
	}
	doc.Digests[consensus.AlgoSHA256] = crypto.SHA256Hash(data[:signedPortionEnd])
	doc.Digests[consensus.AlgoSHA1] = crypto.SHA1Hash(data[:signedPortionEnd])

	return doc, nil
}

func parseConsensusTime(s string) (time.Time, error) {
	return time.Parse("2006-01-02 15:04:05", strings.TrimSpace(s))
}

func parseKeyValInts(s string) map[string]int64 {
	out := make(map[string]int64)
	for _, tok := range strings.Fields(s) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.ParseInt(kv[1], 10, 64)
		if err != nil {
			continue
		}
		out[kv[0]] = n
	}
	return out
}

// parseProtocolSet parses "Name=1-3,5 Name2=2" into a consensus.ProtocolSet.
func parseProtocolSet(s string) consensus.ProtocolSet {
	set := make(consensus.ProtocolSet)
	for _, tok := range strings.Fields(s) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		versions := make(map[int]bool)
		for _, r := range strings.Split(kv[1], ",") {
			bounds := strings.SplitN(r, "-", 2)
			lo, err := strconv.Atoi(bounds[0])
			if err != nil {
				continue
			}
			hi := lo
			if len(bounds) == 2 {
				if h, err := strconv.Atoi(bounds[1]); err == nil {
					hi = h
				}
			}
			for v := lo; v <= hi; v++ {
				versions[v] = true
			}
		}
		set[kv[0]] = versions
	}
	return set
}

func applyFlags(rs *consensus.RouterStatus, flags []string) {
	for _, f := range flags {
		switch f {
		case "Running":
			rs.Running = true
		case "Exit":
			rs.Exit = true
		case "Stable":
			rs.Stable = true
		case "Fast":
			rs.Fast = true
		case "Guard":
			rs.Guard = true
		case "BadExit":
			rs.BadExit = true
		case "HSDir":
			rs.HSDir = true
		case "V2Dir":
			rs.V2Dir = true
		case "Authority":
			rs.Authority = true
		case "Named":
			rs.Named = true
		case "Unnamed":
			rs.Unnamed = true
		case "Valid":
			rs.Valid = true
		case "StaleDesc":
			rs.StaleDesc = true
		}
	}
}

func voterByIdentity(voters []*consensus.Voter, identity string) *consensus.Voter {
	for _, v := range voters {
		if v.IdentityDigest == identity {
			return v
		}
	}
	return nil
}

func sortRouterStatuses(rs []*consensus.RouterStatus) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j-1].IdentityDigest > rs[j].IdentityDigest; j-- {
			rs[j-1], rs[j] = rs[j], rs[j-1]
		}
	}
}

func splitHostPort(s string) (string, int) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return s, 0
	}
	port, _ := strconv.Atoi(s[idx+1:])
	return strings.Trim(s[:idx], "[]"), port
}

// base64FingerprintToHex converts the unpadded base64 digest encoding
// dir-spec.txt uses in "r" lines into the lowercase hex encoding this
// package keys RouterStatus/Voter/Signature digests by, so ByIdentity/
// ByDescriptor lookups and directory-signature matching share one format.
func base64FingerprintToHex(b64 string) string {
	for len(b64)%4 != 0 {
		b64 += "="
	}
	raw, err := decodeBase64(b64)
	if err != nil {
		return strings.ToLower(b64)
	}
	return hex.EncodeToString(raw)
}

func readPEMSignature(scanner *bufio.Scanner) ([]byte, error) {
	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "-----BEGIN SIGNATURE-----" {
		return nil, fmt.Errorf("expected signature block header")
	}
	var b64 strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "-----END SIGNATURE-----" {
			return decodeBase64(b64.String())
		}
		b64.WriteString(line)
	}
	return nil, fmt.Errorf("unterminated signature block")
}

// RSAVerifier implements consensus.Verifier using PKCS#1 v1.5 RSA
// signatures over each Cert's embedded public key (§1: crypto is external
// to pkg/consensus; this is the reference implementation plugged in by the
// client).
type RSAVerifier struct {
	logger *logger.Logger
}

// NewRSAVerifier creates an RSAVerifier.
func NewRSAVerifier(log *logger.Logger) *RSAVerifier {
	if log == nil {
		log = logger.NewDefault()
	}
	return &RSAVerifier{logger: log.Component("directory.verifier")}
}

// Verify implements consensus.Verifier.
func (v *RSAVerifier) Verify(algo consensus.SignatureAlgorithm, cert *consensus.Cert, digest []byte, sigBytes []byte) bool {
	if cert == nil || len(cert.PublicKeyDER) == 0 {
		return false
	}
	pub, err := crypto.ParseRSAPublicKeyDER(cert.PublicKeyDER)
	if err != nil {
		v.logger.Debug("failed to parse authority public key", "error", err)
		return false
	}
	hashAlgo := gocrypto.SHA1
	if algo == consensus.AlgoSHA256 {
		hashAlgo = gocrypto.SHA256
	}
	return pub.VerifyPKCS1v15(hashAlgo, digest, sigBytes)
}

// ConsensusTransport adapts Client to consensus.DirectoryTransport: it
// launches the authority fetch on a goroutine and reports completion back
// through the owning Core's callbacks, matching §5's "same logical thread"
// contract by funneling every callback through onResult.
type ConsensusTransport struct {
	client    *Client
	onResult  func(ctx context.Context, flavor consensus.Flavor, data []byte, statusCode int, err error)
	authority []string
	fallback  []string
}

// NewConsensusTransport creates a ConsensusTransport. onComplete/onFailed are
// typically Core.OnDownloadComplete and Core.OnDownloadFailed.
func NewConsensusTransport(client *Client, authorities, fallbacks []string, onComplete func(ctx context.Context, flavor consensus.Flavor, data []byte), onFailed func(ctx context.Context, flavor consensus.Flavor, statusCode int)) *ConsensusTransport {
	return &ConsensusTransport{
		client:    client,
		authority: authorities,
		fallback:  fallbacks,
		onResult: func(ctx context.Context, flavor consensus.Flavor, data []byte, statusCode int, err error) {
			if err != nil {
				onFailed(ctx, flavor, statusCode)
				return
			}
			onComplete(ctx, flavor, data)
		},
	}
}

// FetchConsensus implements consensus.DirectoryTransport.
func (t *ConsensusTransport) FetchConsensus(ctx context.Context, flavor consensus.Flavor, policy consensus.SourcePolicy) error {
	sources := t.client.authorities
	if policy.PreferredSource == "fallback" && len(t.fallback) > 0 {
		sources = t.fallback
	} else if policy.PreferredSource == "authority" && len(t.authority) > 0 {
		sources = t.authority
	}

	path := fmt.Sprintf("/tor/status-vote/current/consensus-%s.z", consensus.FlavorName(flavor))
	if flavor == consensus.FlavorNS {
		path = "/tor/status-vote/current/consensus.z"
	}

	go func() {
		for _, base := range sources {
			data, code, err := t.client.fetchRaw(ctx, base+path)
			if err == nil {
				t.onResult(ctx, flavor, data, code, nil)
				return
			}
			t.client.logger.Debug("consensus fetch attempt failed", "source", base, "error", err)
		}
		t.onResult(ctx, flavor, nil, 0, fmt.Errorf("all sources exhausted"))
	}()
	return nil
}
