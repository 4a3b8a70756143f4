package models

// TeamMapping maps a tier id to the team slugs it grants.
type TeamMapping map[int64][]string

// Settings is the admin-edited global configuration, read fresh on every pass.
type Settings struct {
	OwnerToken string      `json:"-"` // sealed at rest
	Org        string      `json:"org"`
	Mapping    TeamMapping `json:"team_mappings"`
}

// HasOwnerToken reports whether an owner credential is configured.
func (s *Settings) HasOwnerToken() bool {
	return s != nil && s.OwnerToken != ""
}
