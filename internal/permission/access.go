package permission

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var ErrMalformed = errors.New("malformed permission")

type Kind int

const (
	KindRead Kind = iota + 1
	KindWrite
	KindNetwork
	KindEvents
	KindWorkspace
	KindWeb
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindNetwork:
		return "network"
	case KindEvents:
		return "events"
	case KindWorkspace:
		return "workspace"
	case KindWeb:
		return "web"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// HasPath reports whether accesses of this kind carry a path.
func (k Kind) HasPath() bool {
	return k == KindRead || k == KindWrite
}

// Access is one thing an operation wants. It is a comparable value; Path is
// set only for read and write.
type Access struct {
	Kind Kind
	Path string
}

func Read(path string) Access  { return Access{Kind: KindRead, Path: filepath.Clean(path)} }
func Write(path string) Access { return Access{Kind: KindWrite, Path: filepath.Clean(path)} }
func Network() Access          { return Access{Kind: KindNetwork} }
func Events() Access           { return Access{Kind: KindEvents} }
func Workspace() Access        { return Access{Kind: KindWorkspace} }
func Web() Access              { return Access{Kind: KindWeb} }

const (
	tokenPrefix  = "@"
	readPrefix   = "@read:"
	writePrefix  = "@write:"
	tokenNetwork = "@network"
	tokenEvents  = "@events"
	tokenWeb     = "@web"
	tokenWs      = "@workspace"
)

// Parse turns the agent-facing grammar into an Access:
//
//	@web | @network | @events | @workspace | @read:<abs-path> | @write:<abs-path>
func Parse(s string) (Access, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == tokenWeb:
		return Web(), nil
	case s == tokenNetwork:
		return Network(), nil
	case s == tokenEvents:
		return Events(), nil
	case s == tokenWs:
		return Workspace(), nil
	case strings.HasPrefix(s, readPrefix):
		p, err := parsePath(s, strings.TrimPrefix(s, readPrefix))
		if err != nil {
			return Access{}, err
		}
		return Read(p), nil
	case strings.HasPrefix(s, writePrefix):
		p, err := parsePath(s, strings.TrimPrefix(s, writePrefix))
		if err != nil {
			return Access{}, err
		}
		return Write(p), nil
	case !strings.HasPrefix(s, tokenPrefix):
		return Access{}, fmt.Errorf("%w: %q must start with %q", ErrMalformed, s, tokenPrefix)
	default:
		return Access{}, fmt.Errorf("%w: unknown permission %q", ErrMalformed, s)
	}
}

func parsePath(raw, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: %q is missing a path", ErrMalformed, raw)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q contains a null byte", ErrMalformed, raw)
	}
	if !filepath.IsAbs(p) {
		return "", fmt.Errorf("%w: %q must use an absolute path", ErrMalformed, raw)
	}
	return p, nil
}

// ParseAll parses every string, reporting all malformed entries together.
func ParseAll(raw []string) ([]Access, error) {
	out := make([]Access, 0, len(raw))
	var errs []error
	for _, s := range raw {
		a, err := Parse(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, a)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// String renders the grammar form accepted by Parse.
func (a Access) String() string {
	switch a.Kind {
	case KindRead:
		return readPrefix + a.Path
	case KindWrite:
		return writePrefix + a.Path
	case KindNetwork:
		return tokenNetwork
	case KindEvents:
		return tokenEvents
	case KindWorkspace:
		return tokenWs
	case KindWeb:
		return tokenWeb
	default:
		return fmt.Sprintf("@invalid(%d)", int(a.Kind))
	}
}

// Describe is the human-readable line shown in approval prompts.
func (a Access) Describe() string {
	switch a.Kind {
	case KindRead:
		return "read files under " + a.Path
	case KindWrite:
		return "write files under " + a.Path
	case KindNetwork:
		return "make network connections"
	case KindEvents:
		return "subscribe to runtime events"
	case KindWorkspace:
		return "write to the shared workspace"
	case KindWeb:
		return "access the web"
	default:
		return a.String()
	}
}

func (a Access) MarshalText() ([]byte, error) {
	if a.Kind < KindRead || a.Kind > KindWeb {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, int(a.Kind))
	}
	return []byte(a.String()), nil
}

func (a *Access) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
