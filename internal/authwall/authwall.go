// Package authwall flags URLs that most likely need a login to view.
// The result is advisory only; it never gates a capture.
package authwall

import "regexp"

// Rule is one named URL pattern. Patterns are matched from the start of the URL.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Classifier holds an immutable rule set.
type Classifier struct {
	rules []Rule
}

var defaultRules = []Rule{
	{Name: "telegram_private_channel", Pattern: regexp.MustCompile(`^https://t\.me/c/.+/\d+`)},
	{Name: "instagram", Pattern: regexp.MustCompile(`^https://www\.instagram\.com`)},
}

// Default is the classifier with the built-in rules.
var Default = New(defaultRules...)

// New builds a Classifier over a private copy of rules.
func New(rules ...Rule) Classifier {
	copied := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Pattern == nil {
			continue
		}
		copied = append(copied, r)
	}
	return Classifier{rules: copied}
}

// Match returns the name of the first rule matching rawURL.
func (c Classifier) Match(rawURL string) (string, bool) {
	if rawURL == "" {
		return "", false
	}
	for _, r := range c.rules {
		if loc := r.Pattern.FindStringIndex(rawURL); loc != nil && loc[0] == 0 {
			return r.Name, true
		}
	}
	return "", false
}

// IsLikelyAuthwalled reports whether any rule matches rawURL.
func (c Classifier) IsLikelyAuthwalled(rawURL string) bool {
	_, ok := c.Match(rawURL)
	return ok
}

// IsLikelyAuthwalled classifies rawURL with the default rules.
func IsLikelyAuthwalled(rawURL string) bool {
	return Default.IsLikelyAuthwalled(rawURL)
}
