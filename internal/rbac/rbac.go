// Package rbac maps roles to a closed set of permissions. The matrix is
// loaded once at startup and is read-only afterwards.
package rbac

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

type Permission string

const (
	ProfileRead         Permission = "profile:read"
	ProfileUpdate       Permission = "profile:update"
	DashboardView       Permission = "dashboard:view"
	DocumentsView       Permission = "documents:view"
	DocumentsUpload     Permission = "documents:upload"
	DocumentsReview     Permission = "documents:review"
	DocumentsApprove    Permission = "documents:approve"
	AnnouncementsManage Permission = "announcements:manage"
	UsersManage         Permission = "users:manage"
	ActivityView        Permission = "activity:view"
)

var known = []Permission{
	ProfileRead,
	ProfileUpdate,
	DashboardView,
	DocumentsView,
	DocumentsUpload,
	DocumentsReview,
	DocumentsApprove,
	AnnouncementsManage,
	UsersManage,
	ActivityView,
}

// ParsePermission accepts only members of the closed set.
func ParsePermission(raw string) (Permission, error) {
	p := Permission(strings.TrimSpace(strings.ToLower(raw)))
	if !slices.Contains(known, p) {
		return "", fmt.Errorf("unknown permission %q", raw)
	}
	return p, nil
}

type Role string

//go:embed roles.yaml
var defaultMatrix []byte

type matrixFile struct {
	DefaultRole string              `yaml:"default_role"`
	Roles       map[string][]string `yaml:"roles"`
}

type Matrix struct {
	defaultRole Role
	roles       map[Role][]Permission
}

// Load parses the role matrix at path, or the embedded default when path is
// empty.
func Load(path string) (*Matrix, error) {
	raw := defaultMatrix
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read roles file: %w", err)
		}
		raw = data
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Matrix, error) {
	var file matrixFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse roles: %w", err)
	}
	if len(file.Roles) == 0 {
		return nil, errors.New("roles: at least one role is required")
	}

	m := &Matrix{roles: make(map[Role][]Permission, len(file.Roles))}
	for name, permissions := range file.Roles {
		role := Role(strings.TrimSpace(strings.ToLower(name)))
		if role == "" {
			return nil, errors.New("roles: empty role name")
		}
		set := make([]Permission, 0, len(permissions))
		for _, raw := range permissions {
			p, err := ParsePermission(raw)
			if err != nil {
				return nil, fmt.Errorf("role %s: %w", role, err)
			}
			if !slices.Contains(set, p) {
				set = append(set, p)
			}
		}
		slices.Sort(set)
		m.roles[role] = set
	}

	m.defaultRole = Role(strings.TrimSpace(strings.ToLower(file.DefaultRole)))
	if _, ok := m.roles[m.defaultRole]; !ok {
		return nil, fmt.Errorf("roles: default role %q is not defined", file.DefaultRole)
	}
	return m, nil
}

// DefaultRole is assigned to self-registered accounts.
func (m *Matrix) DefaultRole() Role {
	return m.defaultRole
}

func (m *Matrix) Has(role Role) bool {
	_, ok := m.roles[role]
	return ok
}

// Permissions returns a copy of the permissions granted to role. Unknown
// roles have none.
func (m *Matrix) Permissions(role Role) []Permission {
	return slices.Clone(m.roles[role])
}

func (m *Matrix) Allows(role Role, permission Permission) bool {
	_, found := slices.BinarySearch(m.roles[role], permission)
	return found
}
