// Package topology models lab topologies exported from the simulation
// platform as JSON, and answers the questions the deployer asks of them:
// which node is the head node, which of its interfaces reaches the outside
// world, and which one carries the cluster's internal network.
package topology

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"airbcm/internal/logging"
)

// OutboundEndpoint is the bare-string endpoint that gives a node external reachability.
const OutboundEndpoint = "outbound"

// OOBSwitch is the node name of the legacy management switch.
const OOBSwitch = "oob-mgmt-switch"

var (
	ErrNoHeadNode = errors.New("no BCM node found in topology (expected a node name starting with 'bcm', e.g. 'bcm-01')")
	ErrNoOutbound = errors.New("BCM node has no interface connected to 'outbound'")
	ErrNotJSON    = errors.New("only JSON topology files are supported")
)

// Topology is a parsed topology document.
type Topology struct {
	Format  string  `json:"format"`
	Title   string  `json:"title"`
	Content Content `json:"content"`

	// raw keeps every field of the source document so imports round-trip
	// attributes this model does not name.
	raw map[string]any
}

// Content is the nodes/links body of a topology.
type Content struct {
	Nodes map[string]Node `json:"nodes"`
	Links []Link          `json:"links"`
	OOB   *bool           `json:"oob,omitempty"`
	NetQ  *bool           `json:"netq,omitempty"`
}

// Node holds a node's attributes (cpu, memory, os, function, boot, ...).
type Node map[string]any

func (n Node) str(key string) string {
	if v, ok := n[key].(string); ok {
		return v
	}
	return ""
}

// Function returns the node's declared function (leaf, spine, ...).
func (n Node) Function() string { return n.str("function") }

// OS returns the node's image name.
func (n Node) OS() string { return n.str("os") }

// Boot returns the node's boot mode ("network" for PXE clients).
func (n Node) Boot() string { return n.str("boot") }

// Link is one cable. Well-formed links have exactly two endpoints.
type Link []Endpoint

// Endpoint is either a node interface or a bare named endpoint such as "outbound".
type Endpoint struct {
	Node      string
	Interface string
	MAC       string
	// Name is set for bare-string endpoints.
	Name string
}

// Port builds a node:interface endpoint.
func Port(node, iface string) Endpoint { return Endpoint{Node: node, Interface: iface} }

// Named builds a bare-string endpoint.
func Named(name string) Endpoint { return Endpoint{Name: name} }

// IsNamed reports whether the endpoint is a bare string.
func (e Endpoint) IsNamed() bool { return e.Name != "" }

// Target is what the endpoint refers to: the node name or the bare name.
func (e Endpoint) Target() string {
	if e.IsNamed() {
		return e.Name
	}
	return e.Node
}

type endpointJSON struct {
	Interface string `json:"interface"`
	Node      string `json:"node"`
	MAC       string `json:"mac,omitempty"`
}

// UnmarshalJSON accepts either a string or a {node, interface[, mac]} object.
func (e *Endpoint) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.Name)
	}
	var obj endpointJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = Endpoint{Node: obj.Node, Interface: obj.Interface, MAC: obj.MAC}
	return nil
}

// MarshalJSON writes the same shape UnmarshalJSON accepts.
func (e Endpoint) MarshalJSON() ([]byte, error) {
	if e.IsNamed() {
		return json.Marshal(e.Name)
	}
	return json.Marshal(endpointJSON{Interface: e.Interface, Node: e.Node, MAC: e.MAC})
}

// Parse decodes a topology document.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("invalid topology JSON: %w", err)
	}
	if err := json.Unmarshal(data, &t.raw); err != nil {
		return nil, fmt.Errorf("invalid topology JSON: %w", err)
	}
	if t.Content.Nodes == nil {
		t.Content.Nodes = map[string]Node{}
	}
	return &t, nil
}

// Load reads a .json topology file.
func Load(path string) (*Topology, error) {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return nil, fmt.Errorf("%w: %s", ErrNotJSON, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, err
	}
	logging.TopologyDebug("Loaded %s: %d nodes, %d links", path, len(t.Content.Nodes), len(t.Content.Links))
	return t, nil
}

// ImportDocument returns the source document with its title replaced,
// ready to post to the import endpoint.
func (t *Topology) ImportDocument(title string) map[string]any {
	doc := make(map[string]any, len(t.raw)+1)
	if t.raw != nil {
		for k, v := range t.raw {
			doc[k] = v
		}
	} else {
		doc["format"] = t.Format
		doc["content"] = t.Content
	}
	doc["title"] = title
	return doc
}

// NodeNames returns the node names in the topology.
func (t *Topology) NodeNames() []string {
	names := make([]string, 0, len(t.Content.Nodes))
	for name := range t.Content.Nodes {
		names = append(names, name)
	}
	return names
}

// Connections maps each of node's interfaces to what it is cabled to.
func (t *Topology) Connections(node string) map[string]string {
	out := make(map[string]string)
	for _, link := range t.Content.Links {
		if len(link) != 2 {
			continue
		}
		a, b := link[0], link[1]
		if !a.IsNamed() && a.Node == node {
			out[a.Interface] = b.Target()
		}
		if !b.IsNamed() && b.Node == node {
			out[b.Interface] = a.Target()
		}
	}
	return out
}

// GlobalOOB reports whether the platform's automatic OOB network is on.
// A missing field means enabled.
func (t *Topology) GlobalOOB() bool {
	if t.Content.OOB == nil {
		return true
	}
	return *t.Content.OOB
}

// ResolvePath maps the --topology argument to a topology file and the
// directory that holds its companion files (features.yaml, cmsh scripts).
// A directory resolves to dir/topology.json, a .json path is used as is,
// and anything else is tried with a .json suffix. file is "" when nothing
// exists; the caller decides whether that is fatal.
func ResolvePath(p string) (file, dir string) {
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		return filepath.Join(p, "topology.json"), p
	}
	if strings.EqualFold(filepath.Ext(p), ".json") {
		if _, err := os.Stat(p); err == nil {
			return p, filepath.Dir(p)
		}
	}
	candidate := p + ".json"
	if _, err := os.Stat(candidate); err == nil {
		return candidate, filepath.Dir(p)
	}
	return "", filepath.Dir(p)
}
