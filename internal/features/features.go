// Package features loads a topology's features.yaml and turns it into the
// ordered list of post-install actions run on the BCM head node.
package features

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"airbcm/internal/logging"

	"gopkg.in/yaml.v3"
)

// FileName is looked up in the topology directory.
const FileName = "features.yaml"

// Action types.
const (
	TypeCmsh      = "cmsh"
	TypeUploadZTP = "upload_ztp"
	TypeReboot    = "reboot"
	TypeWLMSetup  = "wlm_setup"
)

// Versioned is either a plain string or a mapping keyed by BCM major
// version ("10" or 10 both work).
type Versioned struct {
	Value   string
	ByMajor map[string]string
}

// UnmarshalYAML accepts a scalar or a mapping.
func (v *Versioned) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		v.Value = n.Value
	case yaml.MappingNode:
		v.ByMajor = make(map[string]string, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if val.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: versioned value for %q must be a string", val.Line, key.Value)
			}
			v.ByMajor[key.Value] = val.Value
		}
	default:
		return fmt.Errorf("line %d: expected a string or a map keyed by BCM major version", n.Line)
	}
	return nil
}

// Resolve picks the value for major.
func (v Versioned) Resolve(major string) string {
	if v.ByMajor != nil {
		return v.ByMajor[major]
	}
	return v.Value
}

// IsZero reports whether nothing was configured.
func (v Versioned) IsZero() bool {
	return v.Value == "" && len(v.ByMajor) == 0
}

// Feature is one named entry of features.yaml.
type Feature struct {
	Name        string    `yaml:"-"`
	Enabled     bool      `yaml:"enabled"`
	ConfigFile  Versioned `yaml:"config_file"`
	ZTPScript   Versioned `yaml:"ztp_script"`
	RebootAfter bool      `yaml:"reboot_after"`
}

// Action is one post-install step.
type Action struct {
	Type    string    `yaml:"type"`
	Name    string    `yaml:"name"`
	Script  Versioned `yaml:"script"`
	Path    Versioned `yaml:"path"`
	Config  Versioned `yaml:"config"`
	WLMType string    `yaml:"wlm_type"`
}

// Label names the action for output.
func (a Action) Label(i int) string {
	if a.Name != "" {
		return a.Name
	}
	return fmt.Sprintf("action-%d", i+1)
}

// Summary is the checkpoint form of the action.
func (a Action) Summary() map[string]any {
	return map[string]any{"type": a.Type, "name": a.Name}
}

// File is a parsed features.yaml. Features keep their file order.
type File struct {
	Features []Feature
	// Actions is the explicit actions list; nil when absent.
	Actions []Action
}

// Enabled returns the enabled features in file order.
func (f *File) Enabled() []Feature {
	if f == nil {
		return nil
	}
	var out []Feature
	for _, ft := range f.Features {
		if ft.Enabled {
			out = append(out, ft)
		}
	}
	return out
}

// Load reads <dir>/features.yaml. A missing file yields an empty File.
func Load(dir string) (*File, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logging.FeaturesDebug("No %s in %s", FileName, dir)
		return &File{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes features.yaml content.
func Parse(data []byte) (*File, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	f := &File{}
	if len(doc.Content) == 0 {
		return f, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: top level must be a mapping", root.Line)
	}

	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if key.Value == "actions" {
			if val.Kind != yaml.SequenceNode {
				logging.FeaturesWarn("features.yaml: actions is not a list, ignoring")
				continue
			}
			actions := []Action{}
			if err := val.Decode(&actions); err != nil {
				return nil, fmt.Errorf("actions: %w", err)
			}
			f.Actions = actions
			continue
		}
		if val.Kind != yaml.MappingNode {
			logging.FeaturesDebug("features.yaml: skipping non-mapping entry %q", key.Value)
			continue
		}
		ft := Feature{Name: key.Value}
		if err := val.Decode(&ft); err != nil {
			return nil, fmt.Errorf("%s: %w", key.Value, err)
		}
		f.Features = append(f.Features, ft)
	}
	return f, nil
}

// Plan builds the ordered action list for major. Nothing runs unless at
// least one feature is enabled. An explicit actions list is then returned
// as is; otherwise each enabled feature contributes, in file order, an
// optional upload_ztp, its cmsh config and an optional reboot.
func Plan(f *File, major string) []Action {
	enabled := f.Enabled()
	if len(enabled) == 0 {
		return nil
	}
	if f.Actions != nil {
		return append([]Action(nil), f.Actions...)
	}

	var actions []Action
	for _, ft := range enabled {
		var cmsh *Action
		if cfg := ft.ConfigFile.Resolve(major); cfg != "" {
			cmsh = &Action{Type: TypeCmsh, Name: ft.Name, Script: Versioned{Value: cfg}}
		}
		if ft.Name == "bcm_switches" {
			if ztp := ft.ZTPScript.Resolve(major); ztp != "" {
				actions = append(actions, Action{Type: TypeUploadZTP, Name: ft.Name, Path: Versioned{Value: ztp}})
			}
		}
		if cmsh != nil {
			actions = append(actions, *cmsh)
		}
		if ft.RebootAfter {
			actions = append(actions, Action{Type: TypeReboot, Name: ft.Name + "-reboot"})
		}
	}
	return actions
}

// Major extracts the major version, defaulting to "10".
func Major(version string) string {
	major, _, _ := strings.Cut(strings.TrimSpace(version), ".")
	if major == "" {
		return "10"
	}
	return major
}
