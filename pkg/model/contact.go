package model

// Contact is the flattened view of a People API person.
type Contact struct {
	ResourceName string `json:"resourceName,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	GivenName    string `json:"givenName,omitempty"`
	Email        string `json:"email,omitempty"`
	Mobile       string `json:"mobile,omitempty"`
}
