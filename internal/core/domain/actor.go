package domain

// Role is the capacity in which an actor participates in a lot.
type Role string

const (
	RolePregoeiro Role = "pregoeiro"
	RoleSupplier  Role = "supplier"
	RoleCitizen   Role = "citizen"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePregoeiro || r == RoleSupplier || r == RoleCitizen
}

// Actor is an authenticated caller.
type Actor struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Role  Role   `json:"role"`
	MEEPP bool   `json:"me_epp,omitempty"`
}

// Anonymous is the read-only observer used when a request carries no credentials.
var Anonymous = Actor{ID: "anonymous", Role: RoleCitizen}

// Viewer returns the stream viewer for the actor.
func (a Actor) Viewer() Viewer {
	v := Viewer{Role: a.Role}
	if a.Role == RoleSupplier {
		v.SupplierID = a.ID
	}
	return v
}

// Viewer identifies who an event is rendered for.
type Viewer struct {
	Role       Role
	SupplierID string
}
