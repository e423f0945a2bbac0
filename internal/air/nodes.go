package air

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"airbcm/internal/logging"
)

// Node is a simulation node.
type Node struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

var readyStates = map[string]bool{
	"READY": true, "RUNNING": true, "LOADED": true,
	"STARTED": true, "BOOTED": true, "UP": true,
}

// Ready reports whether the node state means it has booted.
func (n Node) Ready() bool {
	return readyStates[strings.ToUpper(n.State)]
}

// ListNodes returns the nodes of a simulation.
func (c *Client) ListNodes(ctx context.Context, simID string) ([]Node, error) {
	nodes, err := listAll[Node](ctx, c, withQuery("/api/v2/simulations/nodes/", "simulation", simID))
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}

// SetCloudInitAssignment attaches a user-data UserConfig to a node.
func (c *Client) SetCloudInitAssignment(ctx context.Context, nodeID, userDataID string) error {
	body := map[string]any{"user_data": userDataID}
	_, err := c.do(ctx, http.MethodPatch, "/api/v2/simulations/nodes/"+nodeID+"/cloud-init/", body, nil,
		http.StatusOK, http.StatusNoContent)
	if err != nil {
		return fmt.Errorf("failed to assign cloud-init: %w", err)
	}
	return nil
}

// Service is an exposed port on a simulation node interface, normalized from
// the v1 service object.
type Service struct {
	ID          string
	Name        string
	ServiceType string
	NodeName    string
	Interface   string
	Host        string
	SrcPort     int
	DestPort    int
	Link        string
}

// ListServicesV1 returns services with their external host and port.
func (c *Client) ListServicesV1(ctx context.Context, simID string) ([]Service, error) {
	rows, err := listAll[map[string]any](ctx, c, withQuery("/api/v1/service/", "simulation", simID))
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	out := make([]Service, 0, len(rows))
	for _, r := range rows {
		out = append(out, Service{
			ID:          firstString(r, "id"),
			Name:        firstString(r, "name"),
			ServiceType: firstString(r, "service_type"),
			NodeName:    firstString(r, "node_name"),
			Interface:   firstString(r, "interface", "node_interface", "interface_name"),
			Host:        firstString(r, "host"),
			SrcPort:     intField(r, "src_port"),
			DestPort:    intField(r, "dest_port"),
			Link:        firstString(r, "link"),
		})
	}
	return out, nil
}

// ListInterfaceServices returns the v2 aggregate rows untouched. Field names
// vary between sites, so callers probe several keys.
func (c *Client) ListInterfaceServices(ctx context.Context, simID string) ([]map[string]any, error) {
	rows, err := listAll[map[string]any](ctx, c,
		withQuery("/api/v2/simulations/nodes/interfaces/services/", "simulation", simID))
	if err != nil {
		return nil, fmt.Errorf("failed to list interface services: %w", err)
	}
	return rows, nil
}

// CreateService exposes destPort on interface ("node:eth0").
func (c *Client) CreateService(ctx context.Context, simID, name, iface string, destPort int, serviceType string) (*Service, error) {
	body := map[string]any{
		"name":         name,
		"simulation":   simID,
		"interface":    iface,
		"dest_port":    destPort,
		"service_type": serviceType,
	}
	var raw map[string]any
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/service/", body, &raw, http.StatusOK, http.StatusCreated); err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	svc := &Service{
		ID:          firstString(raw, "id"),
		Name:        name,
		ServiceType: serviceType,
		Interface:   iface,
		Host:        firstString(raw, "host"),
		SrcPort:     intField(raw, "src_port"),
		DestPort:    destPort,
		Link:        firstString(raw, "link"),
	}
	svc.NodeName, _, _ = strings.Cut(iface, ":")
	logging.API("Created %s service %s on %s (%s:%d)", serviceType, svc.ID, iface, svc.Host, svc.SrcPort)
	return svc, nil
}

// SSHInfo is what the deployer needs to reach a node.
type SSHInfo struct {
	Host      string
	Port      int
	User      string
	Link      string
	ServiceID string
}

// FindSSHService picks the SSH service for node, preferring one bound to
// iface. Returns nil when none exists.
func (c *Client) FindSSHService(ctx context.Context, simID, node, iface string) (*SSHInfo, error) {
	services, err := c.ListServicesV1(ctx, simID)
	if err != nil {
		return nil, err
	}
	svc := pickSSHService(services, node, iface)
	if svc == nil {
		return nil, nil
	}
	return &SSHInfo{
		Host:      svc.Host,
		Port:      svc.SrcPort,
		User:      "root",
		Link:      svc.Link,
		ServiceID: svc.ID,
	}, nil
}

func pickSSHService(services []Service, node, iface string) *Service {
	var fallback *Service
	for i := range services {
		s := &services[i]
		if s.ServiceType != "ssh" || s.NodeName != node {
			continue
		}
		if iface == "" || s.Interface == iface || strings.HasSuffix(s.Interface, ":"+iface) {
			return s
		}
		if fallback == nil {
			fallback = s
		}
	}
	return fallback
}

// NodeInterfaces lists eth* interface names of node, discovered from the v2
// services aggregate. Values like "bcm-01:eth1" contribute their tail.
func (c *Client) NodeInterfaces(ctx context.Context, simID, node string) ([]string, error) {
	rows, err := c.ListInterfaceServices(ctx, simID)
	if err != nil {
		return nil, err
	}
	return interfacesFromRows(rows, node), nil
}

func interfacesFromRows(rows []map[string]any, node string) []string {
	set := map[string]bool{}
	for _, row := range rows {
		if firstString(row, "node_name", "node", "nodeTitle", "nodeName") != node {
			continue
		}
		for _, k := range []string{"interface_name", "interface", "node_interface", "iface", "name"} {
			v, _ := row[k].(string)
			if strings.HasPrefix(v, "eth") {
				set[v] = true
			}
			if i := strings.LastIndex(v, ":"); i >= 0 {
				if tail := v[i+1:]; strings.HasPrefix(tail, "eth") {
					set[tail] = true
				}
			}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// firstString returns the first non-empty string value among keys. Numeric
// IDs are formatted.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
