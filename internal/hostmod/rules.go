// Package hostmod decides which environment modules to load on a host and
// loads them.
//
// HPC clusters expose compilers and interpreters through an environment
// module system (`module load python/2.7.11`). Whether a host needs a module
// is a property of the host, so the decision is a lookup: a Descriptor of
// the current host is matched against an ordered list of Rules, and the
// first matching rule yields the modules. The lookup has no side effects and
// is tested on its own; Loader performs the actual load.
package hostmod

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/mmr-tortoise/daliugebuild/internal/model"
)

// Descriptor describes the host the pipeline runs on.
type Descriptor struct {
	// Hostname is the host's name as reported by the OS or the configured hostname
	// override.
	Hostname string
}

// CurrentDescriptor describes the current host. A non-empty override
// replaces os.Hostname().
func CurrentDescriptor(override string) (Descriptor, error) {
	if override != "" {
		return Descriptor{Hostname: override}, nil
	}
	name, err := os.Hostname()
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to determine hostname: %w", err)
	}
	return Descriptor{Hostname: name}, nil
}

// Rule maps a hostname glob pattern to the modules to load.
type Rule struct {
	// Pattern is a path.Match glob matched case-insensitively against the
	// hostname, e.g. "*hyades*" or "nid0*".
	Pattern string `yaml:"pattern" json:"pattern"`

	// Modules are passed one by one to `module load`, in order.
	Modules []string `yaml:"modules" json:"modules"`
}

// Validate checks that the pattern is a well-formed glob and that at least
// one module is listed.
func (r Rule) Validate() error {
	if r.Pattern == "" {
		return errors.New("host rule: pattern must not be empty")
	}
	if _, err := path.Match(r.Pattern, ""); err != nil {
		return fmt.Errorf("host rule %q: %w", r.Pattern, err)
	}
	if len(r.Modules) == 0 {
		return fmt.Errorf("host rule %q: at least one module is required", r.Pattern)
	}
	for _, m := range r.Modules {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("host rule %q: module names must not be empty", r.Pattern)
		}
	}
	return nil
}

// Matches reports whether the rule applies to the host.
func (r Rule) Matches(d Descriptor) bool {
	ok, err := path.Match(strings.ToLower(r.Pattern), strings.ToLower(d.Hostname))
	return err == nil && ok
}

// DefaultRules are used when no rules file is configured. The hyades
// cluster ships Python 2.7 only as a module.
func DefaultRules() []Rule {
	return []Rule{
		{Pattern: "*hyades*", Modules: []string{"python/2.7.11"}},
	}
}

// Registry is an ordered list of host rules.
type Registry struct {
	rules []Rule
}

// NewRegistry validates rules and builds a Registry. The slice is copied.
func NewRegistry(rules []Rule) (*Registry, error) {
	copied := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		copied = append(copied, Rule{Pattern: r.Pattern, Modules: append([]string(nil), r.Modules...)})
	}
	return &Registry{rules: copied}, nil
}

// Rules returns a copy of the registry's rules.
func (r *Registry) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// Lookup returns the modules for the host and the rule that selected them.
// The first matching rule wins. ok is false when no rule matches.
func (r *Registry) Lookup(d Descriptor) (modules []string, rule Rule, ok bool) {
	for _, candidate := range r.rules {
		if candidate.Matches(d) {
			return append([]string(nil), candidate.Modules...), candidate, true
		}
	}
	return nil, Rule{}, false
}

// rulesFile is the on-disk layout of a rules file:
//
//	hosts:
//	  - pattern: "*hyades*"
//	    modules: [python/2.7.11]
type rulesFile struct {
	Hosts []Rule `yaml:"hosts" json:"hosts"`
}

// LoadRegistry reads a rules file. Files ending in .json or .jsonc are
// parsed as JSON with comments; everything else is parsed as YAML.
// Returns a CLIError with ExitConfigError for unreadable or invalid files.
func LoadRegistry(rulesPath string) (*Registry, error) {
	data, err := os.ReadFile(rulesPath)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to read host rules file %s", rulesPath), err)
	}

	var parsed rulesFile
	switch strings.ToLower(filepath.Ext(rulesPath)) {
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), &parsed)
	default:
		err = yaml.Unmarshal(data, &parsed)
	}
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("failed to parse host rules file %s", rulesPath), err)
	}

	reg, err := NewRegistry(parsed.Hosts)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("invalid host rules file %s", rulesPath), err)
	}
	return reg, nil
}
