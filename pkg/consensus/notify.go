package consensus

import (
	"fmt"

	"github.com/opd-ai/go-tor/pkg/control"
	"github.com/opd-ai/go-tor/pkg/logger"
)

// eventDispatcher is the subset of control.EventDispatcher's surface this
// package depends on, so tests can substitute a recorder without building a
// real control-protocol connection.
type eventDispatcher interface {
	Dispatch(event control.Event)
}

// PreChangeSubscriber peeks at the new document while the old one is still
// accessible (§4.G). Subscribers must not call back into the registry.
type PreChangeSubscriber interface {
	OnPreChange(oldDoc, newDoc *Document)
}

// PostChangeSubscriber reacts once newDoc is the active document (§4.G).
// Post-change subscribers may freely query Core.
type PostChangeSubscriber interface {
	OnPostChange(newDoc *Document)
}

// ChangeNotifier dispatches pre- and post-change events to a static list of
// downstream subscribers around every install() (§4.G). No dynamic
// registration protocol beyond appending to this list is specified.
type ChangeNotifier struct {
	pre  []PreChangeSubscriber
	post []PostChangeSubscriber

	// dispatcher is optional: a Core constructed without WithEventDispatcher
	// simply never emits control-port events, matching every other
	// downstream subscriber's opt-in registration.
	dispatcher eventDispatcher

	logger *logger.Logger
}

func newChangeNotifier(log *logger.Logger, dispatcher eventDispatcher) *ChangeNotifier {
	if log == nil {
		log = logger.NewDefault()
	}
	return &ChangeNotifier{logger: log.Component("consensus.notify"), dispatcher: dispatcher}
}

func (n *ChangeNotifier) registerPre(s PreChangeSubscriber)   { n.pre = append(n.pre, s) }
func (n *ChangeNotifier) registerPost(s PostChangeSubscriber) { n.post = append(n.post, s) }

// firePreChange invokes every pre-change subscriber in declared order, then
// emits the control-port NEWCONSENSUS event and, when the merge-join diff is
// non-empty, the NS event (§4.G). It never panics on a subscriber error
// since subscribers return nothing by design (denial-of-service limits,
// padding parameters, flow-control parameters — all passive readers).
func (n *ChangeNotifier) firePreChange(oldDoc, newDoc *Document) {
	for _, s := range n.pre {
		s.OnPreChange(oldDoc, newDoc)
	}
	n.dispatchChangeEvents(oldDoc, newDoc)
}

// dispatchChangeEvents builds and sends the control-port NEWCONSENSUS/NS
// events described in §4.G; a no-op when no dispatcher is wired.
func (n *ChangeNotifier) dispatchChangeEvents(oldDoc, newDoc *Document) {
	if n.dispatcher == nil || newDoc == nil {
		return
	}

	diffs := diffRouterStatusLists(oldDoc, newDoc)
	n.dispatcher.Dispatch(&control.NewConsensusEvent{
		Flavor:      FlavorName(newDoc.Flavor),
		ValidAfter:  newDoc.ValidAfter,
		RouterLines: routerStatusLines(newDoc.RouterStatusList),
	})
	if len(diffs) > 0 {
		n.dispatcher.Dispatch(&control.NSEvent{RouterLines: routerStatusDiffLines(diffs)})
	}
}

// routerStatusLines renders the "r"/"s" line pair the control-port
// NEWCONSENSUS/NS events carry for each relay (dir-spec.txt's wire format,
// simplified to the fields a control-port consumer actually reads).
func routerStatusLines(list []*RouterStatus) []string {
	lines := make([]string, 0, len(list)*2)
	for _, rs := range list {
		lines = append(lines, routerStatusLine(rs), flagsLine(rs))
	}
	return lines
}

func routerStatusDiffLines(diffs []RouterStatusDiff) []string {
	lines := make([]string, 0, len(diffs)*2)
	for _, d := range diffs {
		if d.New == nil {
			continue // dropped relay: nothing new to describe in an NS line
		}
		lines = append(lines, routerStatusLine(d.New), flagsLine(d.New))
	}
	return lines
}

func routerStatusLine(rs *RouterStatus) string {
	return fmt.Sprintf("r %s %s %s %d", rs.Nickname, rs.IdentityDigest, rs.AddrV4.IP, rs.AddrV4.Port)
}

func flagsLine(rs *RouterStatus) string {
	var flags []string
	for _, f := range []struct {
		name string
		set  bool
	}{
		{"Running", rs.Running}, {"Exit", rs.Exit}, {"Stable", rs.Stable},
		{"Fast", rs.Fast}, {"Guard", rs.Guard}, {"BadExit", rs.BadExit},
		{"HSDir", rs.HSDir}, {"V2Dir", rs.V2Dir}, {"Authority", rs.Authority},
		{"Named", rs.Named}, {"Unnamed", rs.Unnamed}, {"Valid", rs.Valid},
		{"StaleDesc", rs.StaleDesc},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	return "s " + joinFlags(flags)
}

func joinFlags(flags []string) string {
	out := ""
	for i, f := range flags {
		if i > 0 {
			out += " "
		}
		out += f
	}
	return out
}

// firePostChange invokes every post-change subscriber in declared order.
func (n *ChangeNotifier) firePostChange(newDoc *Document) {
	for _, s := range n.post {
		s.OnPostChange(newDoc)
	}
}

// RouterStatusDiff is one entry in the NEWCONSENSUS/NS notification payload:
// a routerstatus whose user-visible fields differ between two consensus
// documents (§4.G).
type RouterStatusDiff struct {
	IdentityDigest string
	Old            *RouterStatus // nil if the relay is new in newDoc
	New            *RouterStatus // nil if the relay was dropped from newDoc
}

// diffRouterStatusLists merge-joins oldDoc and newDoc's routerstatus lists
// by identity digest (both are kept sorted ascending) and emits an entry
// for every identity that was added, dropped, or whose user-visible fields
// changed.
func diffRouterStatusLists(oldDoc, newDoc *Document) []RouterStatusDiff {
	var oldList, newList []*RouterStatus
	if oldDoc != nil {
		oldList = oldDoc.RouterStatusList
	}
	if newDoc != nil {
		newList = newDoc.RouterStatusList
	}

	var diffs []RouterStatusDiff
	i, j := 0, 0
	for i < len(oldList) || j < len(newList) {
		switch {
		case j >= len(newList) || (i < len(oldList) && oldList[i].IdentityDigest < newList[j].IdentityDigest):
			diffs = append(diffs, RouterStatusDiff{IdentityDigest: oldList[i].IdentityDigest, Old: oldList[i]})
			i++
		case i >= len(oldList) || newList[j].IdentityDigest < oldList[i].IdentityDigest:
			diffs = append(diffs, RouterStatusDiff{IdentityDigest: newList[j].IdentityDigest, New: newList[j]})
			j++
		default:
			o, n := oldList[i], newList[j]
			if routerStatusUserVisibleDiffers(o, n) {
				diffs = append(diffs, RouterStatusDiff{IdentityDigest: o.IdentityDigest, Old: o, New: n})
			}
			i++
			j++
		}
	}
	return diffs
}

// routerStatusUserVisibleDiffers compares the fields a control-port
// NS/NEWCONSENSUS consumer cares about: flags, addresses and descriptor
// digest, but not the download-status bookkeeping carried forward by
// carryOverAncillaryState.
func routerStatusUserVisibleDiffers(o, n *RouterStatus) bool {
	return o.DescriptorDigest != n.DescriptorDigest ||
		o.Nickname != n.Nickname ||
		o.AddrV4 != n.AddrV4 ||
		o.AddrV6 != n.AddrV6 ||
		o.Running != n.Running ||
		o.Exit != n.Exit ||
		o.Stable != n.Stable ||
		o.Fast != n.Fast ||
		o.Guard != n.Guard ||
		o.BadExit != n.BadExit ||
		o.HSDir != n.HSDir ||
		o.V2Dir != n.V2Dir ||
		o.Authority != n.Authority ||
		o.Named != n.Named ||
		o.Unnamed != n.Unnamed ||
		o.Valid != n.Valid ||
		o.StaleDesc != n.StaleDesc ||
		o.Bandwidth != n.Bandwidth
}
