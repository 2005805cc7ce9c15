package models

// Token pair issued by the authentication and refresh endpoints.
// Both values are opaque to everything except the token codec.
type CredentialPair struct {
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
}

// A pair without access token is never persisted or loaded
func (p CredentialPair) IsZero() bool {
	return p.AccessToken == ""
}
