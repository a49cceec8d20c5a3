package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Access
	}{
		{"@web", Web()},
		{"@network", Network()},
		{"@events", Events()},
		{"@workspace", Workspace()},
		{"@read:/home/me/docs", Access{Kind: KindRead, Path: "/home/me/docs"}},
		{"@write:/tmp/out/", Access{Kind: KindWrite, Path: "/tmp/out"}},
		{"  @read:/a/../b  ", Access{Kind: KindRead, Path: "/b"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, in := range []string{
		"",
		"web",
		"@",
		"@admin",
		"@read:",
		"@read:relative/path",
		"@write:/tmp/a\x00b",
		"@READ:/tmp",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestParse_RoundTrip(t *testing.T) {
	for _, a := range []Access{
		Read("/srv/data"),
		Write("/srv/out"),
		Network(),
		Events(),
		Workspace(),
		Web(),
	} {
		t.Run(a.String(), func(t *testing.T) {
			got, err := Parse(a.String())
			require.NoError(t, err)
			assert.Equal(t, a, got)
		})
	}
}

func TestParseAll_ReportsEveryError(t *testing.T) {
	_, err := ParseAll([]string{"@web", "@bogus", "@read:rel"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "@bogus")
	assert.Contains(t, err.Error(), "@read:rel")

	got, err := ParseAll([]string{"@web", "@write:/x"})
	require.NoError(t, err)
	assert.Equal(t, []Access{Web(), Write("/x")}, got)
}

func TestAccess_YAML(t *testing.T) {
	type doc struct {
		Permissions []Access `yaml:"permissions"`
	}
	in := doc{Permissions: []Access{Read("/a"), Web()}}
	data, err := yaml.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), "@read:/a")

	var out doc
	require.NoError(t, yaml.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	assert.Error(t, yaml.Unmarshal([]byte("permissions: ['@nope']"), &out))
}
