package enforce

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// homeSensitivePatterns are matched against paths relative to the OS home
// directory.
var homeSensitivePatterns = []string{
	".ssh", ".ssh/**",
	".gnupg", ".gnupg/**",
	".aws", ".aws/**",
	".azure", ".azure/**",
	".config/gcloud", ".config/gcloud/**",
	".kube", ".kube/**",
	".docker/config.json",
	".password-store", ".password-store/**",
	".netrc", ".npmrc", ".pypirc", ".git-credentials",
	".bashrc", ".bash_profile", ".bash_login", ".bash_logout",
	".profile", ".zshrc", ".zprofile", ".zshenv", ".zlogin",
	".config/fish", ".config/fish/**",
}

// anywherePatterns are matched against absolute paths, wherever they live.
var anywherePatterns = []string{
	"**/.git/hooks", "**/.git/hooks/**",
	"**/.git/config",
	"**/.bashrc", "**/.bash_profile", "**/.profile",
	"**/.zshrc", "**/.zprofile", "**/.zshenv",
	"**/.ssh/authorized_keys",
}

type sensitiveMatcher struct {
	home     string
	relative []string
	absolute []string
}

func newSensitiveMatcher(home string, extra []string) *sensitiveMatcher {
	m := &sensitiveMatcher{
		home:     home,
		relative: append([]string(nil), homeSensitivePatterns...),
		absolute: append([]string(nil), anywherePatterns...),
	}
	for _, p := range extra {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case strings.HasPrefix(p, "/"):
			m.absolute = append(m.absolute, strings.TrimPrefix(p, "/"))
		case strings.HasPrefix(p, "~/"):
			m.relative = append(m.relative, strings.TrimPrefix(p, "~/"))
		default:
			m.relative = append(m.relative, p)
		}
	}
	return m
}

// matches reports whether the canonical path is on the sensitive list.
func (m *sensitiveMatcher) matches(path string) bool {
	slashed := strings.TrimPrefix(filepath.ToSlash(path), "/")
	for _, p := range m.absolute {
		if ok, _ := doublestar.Match(p, slashed); ok {
			return true
		}
	}
	rel, ok := m.relativeToHome(path)
	if !ok {
		return false
	}
	for _, p := range m.relative {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (m *sensitiveMatcher) relativeToHome(path string) (string, bool) {
	if m.home == "" {
		return "", false
	}
	rel, err := filepath.Rel(m.home, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (m *sensitiveMatcher) underHome(path string) bool {
	_, ok := m.relativeToHome(path)
	return ok
}
