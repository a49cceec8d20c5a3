package approval_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kazz187/accessguard/internal/agent"
	"github.com/kazz187/accessguard/internal/approval"
	"github.com/kazz187/accessguard/internal/permission"
)

func TestRenderPrompt(t *testing.T) {
	req := &approval.Request{
		Token:       "tok",
		AgentID:     "a1",
		Reason:      "needs the dataset",
		Permissions: []permission.Access{permission.Read("/data"), permission.Web()},
		Requester:   approval.Requester{ID: "a1", Kind: agent.KindBackground, Label: "nightly"},
		TimeoutAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	got := approval.RenderPrompt(req)
	assert.Equal(t, `Permission request from nightly (background)
Reason: needs the dataset
Requested:
  - read files under /data (@read:/data)
  - access the web (@web)
Token: tok
Expires: 2026-01-02T03:04:05Z
Reply approve or deny, with scope now or always.`, got)
}

func TestRenderPrompt_FallsBackToAgentID(t *testing.T) {
	got := approval.RenderPrompt(&approval.Request{
		Token:       "tok",
		AgentID:     "a1",
		Permissions: []permission.Access{permission.Network()},
	})
	assert.Contains(t, got, "Permission request from a1\n")
	assert.NotContains(t, got, "Reason:")
	assert.NotContains(t, got, "Expires:")
}
