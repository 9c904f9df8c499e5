package models

import (
	"time"
)

// CompanyKind is the organizational category of a company.
type CompanyKind string

const (
	CompanyHQ    CompanyKind = "hq"
	CompanyMaker CompanyKind = "maker"
	CompanyPlant CompanyKind = "plant"
)

// Company is resolved from an actor's e-mail domain.
type Company struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Domain    string      `json:"domain"`
	Kind      CompanyKind `json:"kind"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// DefaultRole returns the role granted to members of the company when the
// identity token carries no explicit role.
func (c *Company) DefaultRole() Role {
	switch c.Kind {
	case CompanyMaker:
		return RoleMaker
	case CompanyPlant:
		return RolePlant
	default:
		return RoleDeveloper
	}
}

// Scopes reports whether role-addressed notifications about the company's
// records stay within the company. HQ roles see every company's work.
func (c *Company) Scopes(role Role) bool {
	return c.Kind != CompanyHQ && c.DefaultRole() == role
}
