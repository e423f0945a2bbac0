package air

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(cfgs []UserConfig) []string {
	var out []string
	for _, c := range cfgs {
		out = append(out, c.Name)
	}
	return out
}

func TestPlanCleanup(t *testing.T) {
	cfgs := []UserConfig{
		{ID: "1", Name: UserConfigName},
		{ID: "2", Name: "test-abc"},
		{ID: "3", Name: UserConfigName},
		{ID: "4", Name: "my-config"},
		{ID: "5", Name: "my-config"},
		{ID: "6", Name: "waf-test-9"},
		{ID: "7", Name: "other"},
	}
	plan := PlanCleanup(cfgs, UserConfigName)

	require.NotNil(t, plan.Keep)
	assert.Equal(t, "1", plan.Keep.ID)
	if diff := cmp.Diff([]string{UserConfigName, "my-config"}, names(plan.Duplicates)); diff != "" {
		t.Errorf("duplicates (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"test-abc", "waf-test-9"}, names(plan.Tests))
	assert.Equal(t, []string{"my-config", "other"}, names(plan.Others))
	assert.Len(t, plan.Delete(), 4)
}

func TestPlanCleanupNothingToKeep(t *testing.T) {
	plan := PlanCleanup([]UserConfig{{ID: "1", Name: "a"}}, UserConfigName)
	assert.Nil(t, plan.Keep)
	assert.Empty(t, plan.Delete())
}

func TestDeleteUserConfig(t *testing.T) {
	var path string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	require.NoError(t, c.DeleteUserConfig(context.Background(), "uc-9"))
	assert.Equal(t, "/api/v2/userconfigs/uc-9/", path)
}
