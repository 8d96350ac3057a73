package models

// Credential is an account identifier and secret. Passed by value, never
// mutated after construction.
type Credential struct {
	Username string
	Password string
}

// Valid reports whether both fields are set.
func (c Credential) Valid() bool {
	return c.Username != "" && c.Password != ""
}
