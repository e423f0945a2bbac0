package topology

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"airbcm/internal/logging"
)

// DefaultBCMMAC is the static MAC given to the head node's outbound port so
// the license stays valid across rebuilds.
const DefaultBCMMAC = "48:b0:2d:00:00:00"

var (
	dotTitle = regexp.MustCompile(`graph\s+"([^"]+)"`)
	dotNode  = regexp.MustCompile(`"([^"]+)"\s*\[([^\]]+)\]`)
	dotAttr  = regexp.MustCompile(`(\w+)\s*=\s*"([^"]*)"|(\w+)\s*=\s*'([^']*)'`)
	dotLink  = regexp.MustCompile(`"([^"]+)":"([^"]+)"\s*--\s*(?:"([^"]+)":"([^"]+)"|"([^"]+)")`)
	digits   = regexp.MustCompile(`^\d+$`)
)

// dotNodeAttrs are the DOT attributes carried into the JSON node definition.
var dotNodeAttrs = []string{"cpu", "memory", "storage", "os", "cpu_mode", "function", "boot", "mgmt_ip"}

// ConvertResult is the outcome of a DOT conversion.
type ConvertResult struct {
	Topology      *Topology
	HeadNode      string
	AddedOutbound bool
	// Warnings lists statements that converted but look wrong.
	Warnings []string
}

func (r *ConvertResult) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	logging.TopologyWarn("DOT conversion: %s", msg)
	r.Warnings = append(r.Warnings, msg)
}

// ConvertDOT turns a platform DOT export into a JSON topology with OOB
// disabled globally and on every node. Nodes with function="fake" and links
// touching fake* nodes are dropped. If the head node has no outbound link,
// one is added on eth0. A non-empty bcmMAC is pinned on the head node's
// outbound endpoint.
func ConvertDOT(r io.Reader, bcmMAC string) (*ConvertResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read DOT: %w", err)
	}
	src := string(data)

	title := "topology"
	if m := dotTitle.FindStringSubmatch(src); m != nil {
		title = m[1]
	}

	nodes := make(map[string]Node)
	for _, m := range dotNode.FindAllStringSubmatch(src, -1) {
		attrs := parseDOTAttrs(m[2])
		if attrs["function"] == "fake" {
			continue
		}
		n := Node{"oob": false}
		for _, k := range dotNodeAttrs {
			if v, ok := attrs[k]; ok {
				n[k] = v
			}
		}
		nodes[m[1]] = n
	}

	res := &ConvertResult{}
	if len(nodes) == 0 {
		res.warn("no quoted node statements found")
	}
	var head string
	if heads := HeadNodes(keys(nodes)); len(heads) > 0 {
		head = heads[0]
	} else if len(nodes) > 0 {
		res.warn("no BCM head node found; outbound link not added")
	}
	res.HeadNode = head

	var links []Link
	headHasOutbound := false
	for _, m := range dotLink.FindAllStringSubmatch(src, -1) {
		node1, iface1 := m[1], m[2]
		node2, iface2 := m[3], m[4]
		if node2 == "" {
			node2 = m[5]
		}
		if strings.HasPrefix(node1, "fake") || strings.HasPrefix(node2, "fake") {
			continue
		}

		if _, ok := nodes[node1]; !ok {
			res.warn("link %s:%s starts at undeclared node", node1, iface1)
		}
		if _, ok := nodes[node2]; !ok && iface2 != "" && iface2 != OutboundEndpoint {
			res.warn("link %s:%s ends at undeclared node %s", node1, iface1, node2)
		}

		left := Port(node1, iface1)
		switch {
		case node2 == OutboundEndpoint || iface2 == OutboundEndpoint:
			if node1 == head {
				left.MAC = bcmMAC
				headHasOutbound = true
			}
			links = append(links, Link{left, Named(OutboundEndpoint)})
		case iface2 == "":
			links = append(links, Link{left, Named(node2)})
		default:
			links = append(links, Link{left, Port(node2, iface2)})
		}
	}

	if head != "" && !headHasOutbound {
		ep := Port(head, "eth0")
		ep.MAC = bcmMAC
		links = append([]Link{{ep, Named(OutboundEndpoint)}}, links...)
		res.AddedOutbound = true
		logging.Topology("Added outbound connection for %s:eth0", head)
	}

	off := false
	res.Topology = &Topology{
		Format: "JSON",
		Title:  title,
		Content: Content{
			Nodes: nodes,
			Links: links,
			OOB:   &off,
			NetQ:  &off,
		},
	}
	return res, nil
}

// WriteJSON writes the topology with four-space indentation.
func (t *Topology) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(t)
}

func parseDOTAttrs(s string) map[string]any {
	out := make(map[string]any)
	for _, m := range dotAttr.FindAllStringSubmatch(s, -1) {
		key, val := m[1], m[2]
		if key == "" {
			key, val = m[3], m[4]
		}
		if digits.MatchString(val) {
			if n, err := strconv.Atoi(val); err == nil {
				out[key] = n
				continue
			}
		}
		out[key] = val
	}
	return out
}

func keys(m map[string]Node) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
