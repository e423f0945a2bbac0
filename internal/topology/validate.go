package topology

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Report collects validation findings for one topology file.
type Report struct {
	Path     string
	Title    string
	Nodes    int
	Links    int
	Errors   []string
	Warnings []string
	Info     []string
}

// OK reports whether validation found no errors.
func (r *Report) OK() bool { return len(r.Errors) == 0 }

func (r *Report) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *Report) infof(format string, args ...any) {
	r.Info = append(r.Info, fmt.Sprintf(format, args...))
}

// Validate checks a topology file against what a head node deployment needs.
func Validate(path string) *Report {
	r := &Report{Path: path}

	if _, err := os.Stat(path); err != nil {
		r.errorf("File not found: %s", path)
		return r
	}
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		r.errorf("Not a JSON file: %s", path)
		return r
	}
	t, err := Load(path)
	if err != nil {
		if errors.Is(err, ErrNotJSON) {
			r.errorf("Not a JSON file: %s", path)
		} else {
			r.errorf("Invalid JSON: %v", err)
		}
		return r
	}

	ValidateTopology(t, r)
	return r
}

// ValidateTopology fills r with findings for an already parsed topology.
func ValidateTopology(t *Topology, r *Report) {
	r.Title = t.Title
	if r.Title == "" {
		r.Title = "Untitled"
	}
	r.Nodes = len(t.Content.Nodes)
	r.Links = len(t.Content.Links)

	heads := HeadNodes(t.NodeNames())
	if len(heads) == 0 {
		r.errorf("No BCM node found (name must start with 'bcm')")
	} else {
		if len(heads) > 1 {
			r.infof("Multiple BCM nodes found: %s", strings.Join(heads, ", "))
		}
		head := heads[0]
		r.infof("BCM node: %s", head)

		if iface := t.OutboundInterface(head); iface != "" {
			r.infof("BCM outbound interface: %s:%s", head, iface)
		} else {
			r.errorf("BCM node '%s' has no interface connected to 'outbound' (required for SSH access and external connectivity)", head)
		}

		mgmt := ""
		for iface, target := range t.Connections(head) {
			if target == OOBSwitch && (mgmt == "" || iface < mgmt) {
				mgmt = iface
			}
		}
		if mgmt != "" {
			r.infof("BCM management interface: %s:%s -> %s", head, mgmt, OOBSwitch)
		} else {
			r.warnf("BCM node '%s' has no interface connected to '%s'; internalnet will use %s",
				head, OOBSwitch, fallbackIface(SelectInternalnetInterface(t.HeadInterfaces(head))))
		}
	}

	if t.GlobalOOB() {
		r.warnf("Global OOB is enabled ('oob': true); consider 'oob': false for full interface control")
	} else {
		r.infof("Global OOB is disabled (recommended)")
	}

	names := t.NodeNames()
	sort.Strings(names)

	var pxe, switches []string
	for _, name := range names {
		n := t.Content.Nodes[name]
		if IsPXEClient(n) {
			pxe = append(pxe, fmt.Sprintf("%s: os=%s, boot=%s", name, orNA(n.OS()), orNA(n.Boot())))
		}
		if IsSwitch(name, n) {
			switches = append(switches, name)
		}
	}
	if len(pxe) > 0 {
		r.infof("PXE boot nodes detected: %d", len(pxe))
		for _, p := range pxe {
			r.infof("  - %s", p)
		}
	}
	if len(switches) > 0 {
		r.infof("Switch nodes detected: %d (%s)", len(switches), strings.Join(switches, ", "))
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func fallbackIface(s string) string {
	if s == "" {
		return "eth1"
	}
	return s
}
