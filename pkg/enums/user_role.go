package enums

import "fmt"

// UserRole is the studio-wide role carried in access tokens.
type UserRole string

const (
	UserRoleMember UserRole = "member"
	UserRoleStaff  UserRole = "staff"
)

var validUserRoles = []UserRole{UserRoleMember, UserRoleStaff}

func (r UserRole) String() string {
	return string(r)
}

func (r UserRole) IsValid() bool {
	for _, candidate := range validUserRoles {
		if candidate == r {
			return true
		}
	}
	return false
}

func ParseUserRole(value string) (UserRole, error) {
	for _, candidate := range validUserRoles {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid user role %q", value)
}
