package model

// Role is the caller role carried by the access token.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"

	// RoleSystem is used by server-side components (escalation, reviewer
	// actions recorded into a log). It is never issued in a token.
	RoleSystem Role = "system"
)

// Valid reports whether r can appear in an access token.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// IsReviewer reports whether r may use review operations.
func (r Role) IsReviewer() bool {
	return r == RoleTeacher || r == RoleAdmin
}

// Identity is the authenticated caller passed explicitly into every
// session operation.
type Identity struct {
	UserID int
	Role   Role
}

// SystemIdentity returns the identity used by internal components.
func SystemIdentity() Identity {
	return Identity{Role: RoleSystem}
}

// IsZero reports whether no identity was supplied.
func (i Identity) IsZero() bool {
	return i.Role == ""
}
