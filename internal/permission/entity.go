package permission

import "slices"

// SessionPermissions is the capability set bound to one agent.
// An empty ReadDirs places no extra read restriction beyond deny-rules.
type SessionPermissions struct {
	WorkingDir   string   `yaml:"working_dir" json:"workingDir"`
	WriteDirs    []string `yaml:"write_dirs" json:"writeDirs"`
	ReadDirs     []string `yaml:"read_dirs" json:"readDirs"`
	WorkspaceDir string   `yaml:"workspace_dir,omitempty" json:"workspaceDir,omitempty"`
	Network      bool     `yaml:"network" json:"network"`
	Events       bool     `yaml:"events" json:"events"`
}

// Clone returns a deep copy so speculative grants never alias the live record.
func (p SessionPermissions) Clone() SessionPermissions {
	c := p
	c.WriteDirs = slices.Clone(p.WriteDirs)
	c.ReadDirs = slices.Clone(p.ReadDirs)
	return c
}

// Equal compares two permission sets field by field, treating nil and empty
// directory lists alike.
func (p SessionPermissions) Equal(o SessionPermissions) bool {
	return p.WorkingDir == o.WorkingDir &&
		p.WorkspaceDir == o.WorkspaceDir &&
		p.Network == o.Network &&
		p.Events == o.Events &&
		slices.Equal(p.WriteDirs, o.WriteDirs) &&
		slices.Equal(p.ReadDirs, o.ReadDirs)
}
