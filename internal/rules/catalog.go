package rules

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/davidahmann/covenant/internal/crypto"
	"gopkg.in/yaml.v3"
)

// Catalog is an immutable set of rules loaded once at startup.
type Catalog struct {
	rules map[RuleID]Rule
	hash  string
	path  string
}

type catalogFile struct {
	Rules map[string]*string `yaml:"rules"`
}

// Load reads a catalog of the form {rules: {name: description}}.
func Load(path string) (*Catalog, error) {
	// #nosec G304 -- path comes from operator-configured rules path.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Reason: "read catalog", Err: err}
	}
	c, err := parse(path, data)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Parse builds a catalog from raw YAML bytes.
func Parse(data []byte) (*Catalog, error) {
	return parse("", data)
}

func parse(path string, data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigError{Path: path, Reason: "malformed yaml", Err: err}
	}
	if len(file.Rules) == 0 {
		return nil, &ConfigError{Path: path, Reason: "no rules defined"}
	}

	out := make(map[RuleID]Rule, len(file.Rules))
	for name, desc := range file.Rules {
		id, ok := ParseRuleID(name)
		if !ok {
			return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("unknown rule %q", name)}
		}
		if desc == nil || strings.TrimSpace(*desc) == "" {
			return nil, &ConfigError{Path: path, Reason: fmt.Sprintf("rule %q is missing a description", name)}
		}
		out[id] = Rule{ID: id, Description: strings.TrimSpace(*desc)}
	}

	return &Catalog{rules: out, hash: crypto.DigestWithPrefix(data), path: path}, nil
}

// Lookup returns the rule registered under name.
func (c *Catalog) Lookup(name string) (Rule, bool) {
	id, ok := ParseRuleID(name)
	if !ok {
		return Rule{}, false
	}
	r, ok := c.rules[id]
	return r, ok
}

// Rules returns a copy of the catalogued rules in name order.
func (c *Catalog) Rules() []Rule {
	out := make([]Rule, 0, len(c.rules))
	for _, r := range c.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Hash is the digest of the raw catalog bytes.
func (c *Catalog) Hash() string {
	return c.hash
}

func (c *Catalog) Path() string {
	return c.path
}
