package access

import (
	"fmt"

	"sitegate/auth"
)

// Site is a link shown on the dashboard to callers matching its rules.
type Site struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	URL         string      `yaml:"url" json:"url"`
	ClaimRules  []ClaimRule `yaml:"claim_rules" json:"-"`
}

// SiteList is the configured set of sites.
type SiteList struct {
	Sites []Site `yaml:"sites" json:"sites"`
}

// Validate checks that every site has a name and a URL.
func (l SiteList) Validate() error {
	for i, s := range l.Sites {
		if s.Name == "" {
			return fmt.Errorf("sites[%d]: name is required", i)
		}
		if s.URL == "" {
			return fmt.Errorf("sites[%d] %q: url is required", i, s.Name)
		}
	}
	return nil
}

// IsVisible decides whether site is shown. Without claims the site is shown
// only when authentication is disabled. With claims, any satisfied rule
// grants access; a site without rules is hidden.
func IsVisible(site Site, claims *auth.Claims, authEnabled bool) bool {
	if claims == nil {
		return !authEnabled
	}
	for _, rule := range site.ClaimRules {
		if rule.Evaluate(claims) {
			return true
		}
	}
	return false
}

// VisibleSites filters list down to the sites the caller may see.
func VisibleSites(list SiteList, claims *auth.Claims, authEnabled bool) []Site {
	out := make([]Site, 0, len(list.Sites))
	for _, s := range list.Sites {
		if IsVisible(s, claims, authEnabled) {
			out = append(out, s)
		}
	}
	return out
}
