package topology

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"airbcm/internal/logging"
)

var (
	headNodePattern = regexp.MustCompile(`(?i)^bcm[-_]?`)
	firstNumber     = regexp.MustCompile(`\d+`)
	ethN            = regexp.MustCompile(`^eth(\d+)$`)
	trailingOne     = regexp.MustCompile(`1$`)
)

// HeadNodes returns every node name that looks like a BCM head node,
// ordered by the first number in the name (names without one sort last).
func HeadNodes(names []string) []string {
	var out []string
	for _, n := range names {
		if headNodePattern.MatchString(n) {
			out = append(out, n)
		}
	}
	num := func(name string) int {
		m := firstNumber.FindString(name)
		if m == "" {
			return 999
		}
		v, _ := strconv.Atoi(m)
		return v
	}
	sort.SliceStable(out, func(i, j int) bool {
		ni, nj := num(out[i]), num(out[j])
		if ni != nj {
			return ni < nj
		}
		return out[i] < out[j]
	})
	return out
}

// DetectHeadNode picks the primary head node: the bcm* node with the lowest number.
func DetectHeadNode(t *Topology) (string, error) {
	heads := HeadNodes(t.NodeNames())
	if len(heads) == 0 {
		return "", ErrNoHeadNode
	}
	if len(heads) > 1 {
		logging.Topology("Multiple BCM nodes detected: %s; using %s", strings.Join(heads, ", "), heads[0])
	}
	return heads[0], nil
}

// OutboundInterface returns the head node interface cabled to "outbound".
func (t *Topology) OutboundInterface(head string) string {
	for _, link := range t.Content.Links {
		if len(link) != 2 {
			continue
		}
		a, b := link[0], link[1]
		if !a.IsNamed() && b.Name == OutboundEndpoint && a.Node == head {
			return a.Interface
		}
		if !b.IsNamed() && a.Name == OutboundEndpoint && b.Node == head {
			return b.Interface
		}
	}
	return ""
}

// InternalnetInterface picks the head node's internal cluster network interface.
// Order: explicit override, a link to oob-mgmt-switch, then the default
// selection over the head node's cabled interfaces.
func (t *Topology) InternalnetInterface(head, override string) string {
	if override != "" {
		logging.Topology("Using internalnet interface override %s:%s", head, override)
		return override
	}
	for _, link := range t.Content.Links {
		if len(link) != 2 || link[0].IsNamed() || link[1].IsNamed() {
			continue
		}
		a, b := link[0], link[1]
		if a.Node == head && b.Node == OOBSwitch {
			return a.Interface
		}
		if b.Node == head && a.Node == OOBSwitch {
			return b.Interface
		}
	}
	return SelectInternalnetInterface(t.HeadInterfaces(head))
}

// HeadInterfaces returns the sorted, unique interfaces of node that appear in links.
func (t *Topology) HeadInterfaces(node string) []string {
	seen := map[string]bool{}
	for _, link := range t.Content.Links {
		if len(link) != 2 {
			continue
		}
		for _, ep := range link {
			if !ep.IsNamed() && ep.Node == node && ep.Interface != "" {
				seen[ep.Interface] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Strings(out)
	return out
}

// SelectInternalnetInterface chooses from a list of interface names:
// eth1 if present, else the lowest ethN with N>0, else the first
// interface that is not eth0. Returns "" when nothing qualifies.
func SelectInternalnetInterface(ifaces []string) string {
	if len(ifaces) == 0 {
		return ""
	}
	best, bestN := "", 0
	for _, i := range ifaces {
		if i == "eth1" {
			return i
		}
		m := ethN.FindStringSubmatch(i)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		if n > 0 && (best == "" || n < bestN) {
			best, bestN = i, n
		}
	}
	if best != "" {
		return best
	}
	for _, i := range ifaces {
		if i != "eth0" {
			return i
		}
	}
	return ""
}

// IsSwitch reports whether a node is a network switch, judged by its
// function, its OS image, and finally its name.
func IsSwitch(name string, n Node) bool {
	switch strings.ToLower(n.Function()) {
	case "leaf", "spine", "switch", "oob-switch":
		return true
	}
	os := strings.ToLower(n.OS())
	for _, s := range []string{"cumulus", "sonic", "switch"} {
		if strings.Contains(os, s) {
			return true
		}
	}
	lower := strings.ToLower(name)
	for _, s := range []string{"leaf", "spine", "switch", "tor", "agg"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// IsPXEClient reports whether a node network-boots. pxehost marks PXE
// servers and is not considered.
func IsPXEClient(n Node) bool {
	if n.Boot() == "network" {
		return true
	}
	return strings.Contains(strings.ToLower(n.OS()), "pxe")
}

// SupportsCloudInit reports whether cloud-init user data applies to the node.
func SupportsCloudInit(name string, n Node) (bool, string) {
	if IsSwitch(name, n) {
		return false, "switch"
	}
	if IsPXEClient(n) {
		return false, "PXE boot"
	}
	return true, ""
}

// PickHeadNodeCandidates narrows live simulation node names to likely
// head nodes: names containing "bcm", preferring those that start with it,
// then those that end in 1.
func PickHeadNodeCandidates(names []string) []string {
	var bcmish, starts []string
	for _, n := range names {
		lower := strings.ToLower(n)
		if !strings.Contains(lower, "bcm") {
			continue
		}
		bcmish = append(bcmish, n)
		if strings.HasPrefix(lower, "bcm") {
			starts = append(starts, n)
		}
	}
	candidates := bcmish
	if len(starts) > 0 {
		candidates = starts
	}
	var ends1 []string
	for _, n := range candidates {
		if trailingOne.MatchString(n) {
			ends1 = append(ends1, n)
		}
	}
	if len(ends1) > 0 {
		return ends1
	}
	return candidates
}
