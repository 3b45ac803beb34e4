// Package routes decides the caching strategy for requests from a list of rules.
package routes

import (
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	routecache "github.com/always-cache/route-cache"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Rules []Rule

type Rule struct {
	Prefix  string            `yaml:"prefix"`
	Path    string            `yaml:"path"`
	Pattern string            `yaml:"pattern"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	// One of CacheFirst, NetworkFirst and StaleWhileRevalidate.
	Strategy string `yaml:"strategy"`
	// Seconds. The default max age if zero.
	MaxAge int `yaml:"maxAge"`

	re *regexp.Regexp
}

// Load reads and validates the rules in a yaml file.
func Load(filename string) (Rules, error) {
	var rules Rules
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &rules); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

// Validate checks the strategies and compiles the patterns.
// It must be called before Match on rules with patterns.
func (r Rules) Validate() error {
	for i := range r {
		switch routecache.Strategy(r[i].Strategy) {
		case routecache.CacheFirst, routecache.NetworkFirst, routecache.StaleWhileRevalidate:
		default:
			return fmt.Errorf("rule %d: unknown strategy %q", i, r[i].Strategy)
		}
		if r[i].MaxAge < 0 {
			return fmt.Errorf("rule %d: negative max age", i)
		}
		if r[i].Pattern != "" {
			re, err := regexp.Compile(r[i].Pattern)
			if err != nil {
				return fmt.Errorf("rule %d: %w", i, err)
			}
			r[i].re = re
		}
	}
	return nil
}

// Match returns the route of the first rule matching the request.
// It has the signature of routecache.RouteMatcher.
func (r Rules) Match(req *http.Request) (routecache.Route, bool) {
	rule := r.find(req)
	if rule == nil {
		return routecache.Route{}, false
	}
	return routecache.Route{
		Strategy: routecache.Strategy(rule.Strategy),
		Options:  routecache.Options{MaxAge: time.Duration(rule.MaxAge) * time.Second},
	}, true
}

func (r Rules) find(req *http.Request) *Rule {
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Method == "" && req.Method != http.MethodGet {
			continue
		}
		if rule.Method != "" && !strings.EqualFold(rule.Method, req.Method) {
			continue
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if rule.Pattern != "" && (rule.re == nil || !rule.re.MatchString(req.URL.String())) {
			continue
		}
		for name, value := range rule.Headers {
			if value == "" && req.Header.Get(name) == "" {
				continue rulesLoop
			} else if value != "" && req.Header.Get(name) != value {
				continue rulesLoop
			}
		}
		return rule
	}
	return nil
}
