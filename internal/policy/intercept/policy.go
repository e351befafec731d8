// Package intercept decides which browser requests are aborted during a page
// analysis. The lists are data, loaded from configuration or a YAML file that
// can be swapped while the service runs.
package intercept

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Policy is the serializable block list.
type Policy struct {
	BlockedResourceTypes []string `yaml:"blocked_resource_types" mapstructure:"blocked_resource_types"`
	BlockedURLPatterns   []string `yaml:"blocked_url_patterns" mapstructure:"blocked_url_patterns"`
	BlockedDomains       []string `yaml:"blocked_domains" mapstructure:"blocked_domains"`
}

// DefaultResourceTypes are CDP resource types that never carry page scripts.
var DefaultResourceTypes = []string{
	"image", "media", "stylesheet", "fetch", "other", "font",
	"texttrack", "ping", "cspviolationreport",
}

// DefaultURLPatterns are substrings of ad, analytics and widget endpoints.
var DefaultURLPatterns = []string{
	"quantserve", "adzerk", "doubleclick", "adition", "exelator",
	"sharethrough", "cdn.api.twitter", "cdn.jsdelivr.net", "google-analytics",
	"googletagmanager", "fontawesome", "facebook", "analytics", "optimizely",
	"clicktale", "mixpanel", "zedo", "clicksor", "tiqcdn",
	"platform.twitter.com/widgets", "youtube.com/embed", "youtube.com/s/player",
	"subscribewithgoogle", "cdn.sift.com", "google.com/js/bg/",
	"contextual.media.net", ".criteo.com", ".rubiconproject.com", ".geoedge.be",
	"amazon-adsystem.com", "news.google.com/swg/", "/dfp.min.js", "polyfill.io/",
}

// Default returns the built-in policy.
func Default() Policy {
	return Policy{
		BlockedResourceTypes: append([]string(nil), DefaultResourceTypes...),
		BlockedURLPatterns:   append([]string(nil), DefaultURLPatterns...),
	}
}

// withDefaults fills lists that were omitted entirely.
func (p Policy) withDefaults() Policy {
	if p.BlockedResourceTypes == nil {
		p.BlockedResourceTypes = append([]string(nil), DefaultResourceTypes...)
	}
	if p.BlockedURLPatterns == nil {
		p.BlockedURLPatterns = append([]string(nil), DefaultURLPatterns...)
	}
	return p
}

// LoadFile reads a YAML policy. Omitted lists keep their defaults; an explicit
// empty list disables that rule.
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return p.withDefaults(), nil
}

// Matcher is a compiled Policy.
type Matcher struct {
	types    map[string]struct{}
	patterns []string
	domains  *domainPatternBlocklist
}

// Compile prepares p for matching.
func Compile(p Policy) *Matcher {
	m := &Matcher{
		types:   make(map[string]struct{}, len(p.BlockedResourceTypes)),
		domains: newDomainPatternBlocklist(p.BlockedDomains),
	}
	for _, t := range p.BlockedResourceTypes {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			m.types[t] = struct{}{}
		}
	}
	for _, pat := range p.BlockedURLPatterns {
		if pat = strings.TrimSpace(pat); pat != "" {
			m.patterns = append(m.patterns, pat)
		}
	}
	return m
}

// Blocks reports whether a request of resourceType for rawURL should be
// aborted. Query strings and fragments are ignored when matching patterns.
func (m *Matcher) Blocks(resourceType, rawURL string) bool {
	if m == nil {
		return false
	}
	if _, ok := m.types[strings.ToLower(resourceType)]; ok {
		return true
	}
	bare := rawURL
	if i := strings.IndexAny(bare, "?#"); i >= 0 {
		bare = bare[:i]
	}
	for _, pat := range m.patterns {
		if strings.Contains(bare, pat) {
			return true
		}
	}
	if m.domains != nil {
		if u, err := url.Parse(bare); err == nil && m.domains.IsBlocked(u.Hostname()) {
			return true
		}
	}
	return false
}

// Holder publishes the active Matcher to concurrent readers.
type Holder struct {
	current atomic.Pointer[Matcher]
}

// NewHolder returns a Holder serving p.
func NewHolder(p Policy) *Holder {
	h := &Holder{}
	h.Set(p)
	return h
}

// Set replaces the active policy.
func (h *Holder) Set(p Policy) {
	h.current.Store(Compile(p))
}

// Matcher returns the active matcher.
func (h *Holder) Matcher() *Matcher {
	return h.current.Load()
}
