package consensus

import "time"

// supportedProtocols is this implementation's protover table: the set of
// protocol name/version-number pairs it actually speaks, used by
// checkProtocolVersion to decide whether the network has moved past us
// (§4.I). Grounded on the original source's protover_all_supported() table
// (src/feature/nodelist/networkstatus.c callers); kept conservative since
// this module does not implement every subprotocol the C Tor client does.
var supportedProtocols = ProtocolSet{
	"Link":    {3: true, 4: true, 5: true},
	"LinkAuth": {1: true, 3: true},
	"Relay":   {1: true, 2: true},
	"Desc":    {1: true, 2: true},
	"Microdesc": {1: true, 2: true},
	"Cons":    {1: true, 2: true},
	"HSDir":   {1: true, 2: true},
	"HSIntro": {3: true, 4: true},
	"HSRend":  {1: true, 2: true},
	"DirCache": {1: true, 2: true},
}

// checkProtocolVersion implements §4.I: a consensus document declares the
// minimum ("required") and advisory ("recommended") protocol versions the
// network expects of clients or relays. A document from before this
// binary's release is not trusted to speak for the future.
func checkProtocolVersion(doc *Document, isClientRole bool, releaseDate time.Time) (mustExit bool, warning string) {
	if doc.ValidAfter.Before(releaseDate) {
		return false, ""
	}

	required, recommended := doc.RequiredRelayProtocols, doc.RecommendedRelayProtocols
	if isClientRole {
		required, recommended = doc.RequiredClientProtocols, doc.RecommendedClientProtocols
	}

	if !allSupported(required) {
		return true, "upgrade required"
	}
	if !allSupported(recommended) {
		return false, "upgrade advised"
	}
	return false, ""
}

// allSupported reports whether every name/version pair in set is present in
// supportedProtocols.
func allSupported(set ProtocolSet) bool {
	for proto, versions := range set {
		supported, ok := supportedProtocols[proto]
		if !ok {
			return false
		}
		for v, required := range versions {
			if required && !supported[v] {
				return false
			}
		}
	}
	return true
}
