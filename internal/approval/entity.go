package approval

import (
	"time"

	"github.com/kazz187/accessguard/internal/agent"
	"github.com/kazz187/accessguard/internal/permission"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// Requester identifies who asked. Background and system agents are answered
// by a foreground agent of the same user.
type Requester struct {
	ID         string     `yaml:"id" json:"id"`
	Kind       agent.Kind `yaml:"kind" json:"kind"`
	Label      string     `yaml:"label" json:"label"`
	Foreground bool       `yaml:"foreground" json:"foreground"`
}

// Decision is the human answer for one token. Permissions may name a subset
// of the requested ones; empty means all of them.
type Decision struct {
	Token       string      `yaml:"token" json:"token"`
	AgentID     string      `yaml:"agent_id,omitempty" json:"agentId,omitempty"`
	Approved    bool        `yaml:"approved" json:"approved"`
	Permissions []string    `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Scope       agent.Scope `yaml:"scope,omitempty" json:"scope,omitempty"`
}

type Request struct {
	ID                 string              `yaml:"id" json:"id"`
	Token              string              `yaml:"token" json:"token"`
	AgentID            string              `yaml:"agent_id" json:"agentId"`
	UserID             string              `yaml:"user_id" json:"userId"`
	Status             Status              `yaml:"status" json:"status"`
	Permissions        []permission.Access `yaml:"permissions" json:"permissions"`
	Reason             string              `yaml:"reason" json:"reason"`
	Message            string              `yaml:"message,omitempty" json:"message,omitempty"`
	Requester          Requester           `yaml:"requester" json:"requester"`
	ResponsibleAgentID string              `yaml:"responsible_agent_id" json:"responsibleAgentId"`
	Connector          string              `yaml:"connector" json:"connector"`
	Scope              agent.Scope         `yaml:"scope,omitempty" json:"scope,omitempty"`
	Decision           *Decision           `yaml:"decision,omitempty" json:"decision,omitempty"`
	FailureReason      string              `yaml:"failure_reason,omitempty" json:"failureReason,omitempty"`
	TimeoutAt          time.Time           `yaml:"timeout_at" json:"timeoutAt"`
	CreatedAt          time.Time           `yaml:"created_at" json:"createdAt"`
	UpdatedAt          time.Time           `yaml:"updated_at" json:"updatedAt"`
}

// PermissionStrings returns the grammar form of the requested permissions.
func (r *Request) PermissionStrings() []string {
	out := make([]string, len(r.Permissions))
	for i, a := range r.Permissions {
		out[i] = a.String()
	}
	return out
}
