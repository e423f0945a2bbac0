package air

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"airbcm/internal/logging"
)

// UserConfigName is the fixed name of the cloud-init user-data config the
// deployer creates and reuses.
const UserConfigName = "bcm-cloudinit-password"

// UserConfigKindCloudInit is the kind used for user-data configs.
const UserConfigKindCloudInit = "cloud-init-user-data"

// ErrUserConfigForbidden means the account may not create UserConfigs,
// typically a free-tier limitation.
var ErrUserConfigForbidden = errors.New("air: UserConfig creation not permitted (free tier?)")

// UserConfig is a stored cloud-init document.
type UserConfig struct {
	ID           string  `json:"id,omitempty"`
	Name         string  `json:"name"`
	Kind         string  `json:"kind"`
	Organization *string `json:"organization"`
	Content      string  `json:"content,omitempty"`
}

// ListUserConfigs returns all UserConfigs of the account.
func (c *Client) ListUserConfigs(ctx context.Context) ([]UserConfig, error) {
	cfgs, err := listAll[UserConfig](ctx, c, "/api/v2/userconfigs/")
	if err != nil {
		return nil, fmt.Errorf("failed to list userconfigs: %w", err)
	}
	return cfgs, nil
}

// CreateUserConfig stores a new config. Organization is sent as an explicit
// null; the API rejects requests that omit it.
func (c *Client) CreateUserConfig(ctx context.Context, name, kind, content string) (*UserConfig, error) {
	in := UserConfig{Name: name, Kind: kind, Content: content}
	var out UserConfig
	status, err := c.do(ctx, http.MethodPost, "/api/v2/userconfigs/", in, &out, http.StatusCreated)
	if err != nil {
		var apiErr *APIError
		if status == http.StatusForbidden || (errors.As(err, &apiErr) && deniedBody(apiErr.Body)) {
			return nil, fmt.Errorf("%w: %v", ErrUserConfigForbidden, err)
		}
		return nil, fmt.Errorf("failed to create userconfig: %w", err)
	}
	return &out, nil
}

func deniedBody(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "forbidden") || strings.Contains(b, "permission")
}

// UpdateUserConfig replaces the content of a config.
func (c *Client) UpdateUserConfig(ctx context.Context, id, content string) error {
	body := map[string]any{"content": content}
	if _, err := c.do(ctx, http.MethodPatch, "/api/v2/userconfigs/"+id+"/", body, nil); err != nil {
		return fmt.Errorf("failed to update userconfig: %w", err)
	}
	return nil
}

// DeleteUserConfig removes a config.
func (c *Client) DeleteUserConfig(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v2/userconfigs/"+id+"/", nil, nil,
		http.StatusOK, http.StatusAccepted, http.StatusNoContent)
	if err != nil {
		return fmt.Errorf("failed to delete userconfig: %w", err)
	}
	return nil
}

// EnsureUserConfig finds the deployer's cloud-init config by name and
// refreshes its content, or creates it. Listing failures fall through to
// creation.
func (c *Client) EnsureUserConfig(ctx context.Context, content string) (string, error) {
	cfgs, err := c.ListUserConfigs(ctx)
	if err != nil {
		logging.APIWarn("Cannot list UserConfigs: %v", err)
	}
	for _, cfg := range cfgs {
		if cfg.Name != UserConfigName {
			continue
		}
		if err := c.UpdateUserConfig(ctx, cfg.ID, content); err != nil {
			logging.APIWarn("Found UserConfig %s but could not update it: %v", cfg.ID, err)
		} else {
			logging.API("Updated UserConfig %s", cfg.ID)
		}
		return cfg.ID, nil
	}

	created, err := c.CreateUserConfig(ctx, UserConfigName, UserConfigKindCloudInit, content)
	if err != nil {
		return "", err
	}
	logging.API("Created UserConfig %s", created.ID)
	return created.ID, nil
}

// testConfigPrefixes mark throwaway configs left by probe scripts.
var testConfigPrefixes = []string{"test-", "line-test-", "waf-test-", "size-test-", "content-test-", "bcm-password-config-"}

// CleanupPlan sorts an account's UserConfigs for `userconfigs --delete`.
type CleanupPlan struct {
	Keep       *UserConfig
	Duplicates []UserConfig
	Tests      []UserConfig
	Others     []UserConfig
}

// Delete lists every config the plan removes.
func (p CleanupPlan) Delete() []UserConfig {
	return append(append([]UserConfig(nil), p.Duplicates...), p.Tests...)
}

// PlanCleanup keeps the first config named keep, marks later copies of any
// name as duplicates and flags test-prefixed configs. Input order decides
// which copy survives.
func PlanCleanup(cfgs []UserConfig, keep string) CleanupPlan {
	var plan CleanupPlan
	seen := map[string]bool{}
	for _, cfg := range cfgs {
		first := !seen[cfg.Name]
		seen[cfg.Name] = true
		switch {
		case cfg.Name == keep && first:
			c := cfg
			plan.Keep = &c
		case cfg.Name == keep:
			plan.Duplicates = append(plan.Duplicates, cfg)
		case hasTestPrefix(cfg.Name):
			plan.Tests = append(plan.Tests, cfg)
		case !first:
			plan.Duplicates = append(plan.Duplicates, cfg)
		default:
			plan.Others = append(plan.Others, cfg)
		}
	}
	return plan
}

func hasTestPrefix(name string) bool {
	for _, p := range testConfigPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
