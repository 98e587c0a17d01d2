package models

import "strings"

// Roles are supplied by the external identity provider. The engine only
// normalizes and authorizes; it never authenticates.
const (
	RoleAdmin        = "administrador"
	RoleFlebotomista = "flebotomista"
	RoleUser         = "usuario"
)

// NormalizeRole maps the identity provider's role string (historically sent
// with inconsistent casing) to its canonical form. Unknown roles return
// empty and must be rejected at the boundary.
func NormalizeRole(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case RoleAdmin:
		return RoleAdmin
	case RoleFlebotomista:
		return RoleFlebotomista
	case RoleUser:
		return RoleUser
	default:
		return ""
	}
}
