package agent

import (
	"errors"
	"slices"
	"time"

	"github.com/kazz187/accessguard/internal/permission"
)

type Kind string

const (
	KindForeground Kind = "foreground"
	KindBackground Kind = "background"
	KindSystem     Kind = "system"
)

type Scope string

const (
	ScopeNow    Scope = "now"
	ScopeAlways Scope = "always"
)

// Grant records where a persisted permission came from.
type Grant struct {
	Access       permission.Access `yaml:"access" json:"access"`
	Source       string            `yaml:"source" json:"source"`
	Scope        Scope             `yaml:"scope" json:"scope"`
	RequestToken string            `yaml:"request_token,omitempty" json:"requestToken,omitempty"`
	GrantedAt    time.Time         `yaml:"granted_at" json:"grantedAt"`
}

type Agent struct {
	ID           string                        `yaml:"id" json:"id"`
	UserID       string                        `yaml:"user_id" json:"userId"`
	Name         string                        `yaml:"name" json:"name"`
	Kind         Kind                          `yaml:"kind" json:"kind"`
	Connector    string                        `yaml:"connector" json:"connector"`
	TargetID     string                        `yaml:"target_id" json:"targetId"`
	Permissions  permission.SessionPermissions `yaml:"permissions" json:"permissions"`
	Grants       []Grant                       `yaml:"grants,omitempty" json:"grants,omitempty"`
	LastActiveAt time.Time                     `yaml:"last_active_at" json:"lastActiveAt"`
	CreatedAt    time.Time                     `yaml:"created_at" json:"createdAt"`
	UpdatedAt    time.Time                     `yaml:"updated_at" json:"updatedAt"`
}

func (a *Agent) IsForeground() bool {
	return a.Kind == "" || a.Kind == KindForeground
}

// Label is how the agent is named in prompts shown to a human.
func (a *Agent) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

func (a *Agent) Clone() *Agent {
	c := *a
	c.Permissions = a.Permissions.Clone()
	c.Grants = slices.Clone(a.Grants)
	return &c
}

// ValidateID accepts IDs usable as storage keys: letters, digits, '.', '_'
// and '-', not starting with a dot.
func ValidateID(id string) error {
	if id == "" || id[0] == '.' || len(id) > 128 {
		return errors.New("invalid agent id")
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return errors.New("invalid agent id")
		}
	}
	return nil
}
