// Package catalog is the service registry: the table of MCP services the
// control plane can run, keyed by service name. Worker dispatch, OAuth
// provider selection, default scopes, and version constraints all resolve
// through here. Runtime port assignment stays with the port allocator;
// the catalog carries no port numbers.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Credential kinds a service can require.
const (
	KindOAuth  = "oauth"
	KindAPIKey = "api_key"
	KindNone   = "none"
)

// Entry describes one runnable MCP service.
type Entry struct {
	Name          string            `yaml:"name" json:"name"`
	Binary        string            `yaml:"binary" json:"binary"`
	Kind          string            `yaml:"kind" json:"kind"`
	Provider      string            `yaml:"provider,omitempty" json:"provider,omitempty"`
	DefaultScopes []string          `yaml:"default_scopes,omitempty" json:"default_scopes,omitempty"`
	MinVersion    string            `yaml:"min_version,omitempty" json:"min_version,omitempty"`
	Disabled      bool              `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Metadata      map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	versionConstraint *semver.Constraints
}

// CheckVersion validates a worker-reported version against the entry's
// minimum version constraint. Entries without a constraint accept any
// version, including none.
func (e *Entry) CheckVersion(version string) error {
	if e.versionConstraint == nil {
		return nil
	}
	if version == "" {
		return fmt.Errorf("catalog: service %s requires version %s, worker reported none", e.Name, e.MinVersion)
	}
	v, err := semver.NewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return fmt.Errorf("catalog: service %s reported unparseable version %q: %w", e.Name, version, err)
	}
	if !e.versionConstraint.Check(v) {
		return fmt.Errorf("catalog: service %s version %s does not satisfy %s", e.Name, version, e.MinVersion)
	}
	return nil
}

// Catalog is the indexed registry.
type Catalog struct {
	entries map[string]*Entry
}

type document struct {
	Services []*Entry `yaml:"services" json:"services"`
}

// Load reads, validates, and indexes a catalog document from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and indexes a catalog document.
func Parse(data []byte) (*Catalog, error) {
	if err := validateDocument(data); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	return build(doc.Services)
}

func build(entries []*Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		if _, dup := c.entries[e.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate service %q", e.Name)
		}
		if e.Kind == KindOAuth && e.Provider == "" {
			e.Provider = e.Name
		}
		if e.MinVersion != "" {
			cons, err := semver.NewConstraint(">= " + e.MinVersion)
			if err != nil {
				return nil, fmt.Errorf("catalog: service %s min_version %q: %w", e.Name, e.MinVersion, err)
			}
			e.versionConstraint = cons
		}
		c.entries[e.Name] = e
	}
	return c, nil
}

// Lookup returns the entry for a service name.
func (c *Catalog) Lookup(service string) (*Entry, bool) {
	e, ok := c.entries[service]
	return e, ok
}

// Services returns all registered service names, sorted.
func (c *Catalog) Services() []string {
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered services.
func (c *Catalog) Len() int { return len(c.entries) }

func validateDocument(data []byte) error {
	// Round-trip through JSON so the schema validator sees JSON-typed
	// values regardless of YAML decoding quirks.
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("catalog: parse: %w", err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("catalog: canonicalize: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return fmt.Errorf("catalog: canonicalize: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("catalog.schema.json", strings.NewReader(documentSchema)); err != nil {
		return fmt.Errorf("catalog: schema load: %w", err)
	}
	schema, err := compiler.Compile("catalog.schema.json")
	if err != nil {
		return fmt.Errorf("catalog: schema compile: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("catalog: document invalid: %w", err)
	}
	return nil
}

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["services"],
  "properties": {
    "services": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "binary", "kind"],
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z0-9_-]+$"},
          "binary": {"type": "string", "minLength": 1},
          "kind": {"enum": ["oauth", "api_key", "none"]},
          "provider": {"type": "string"},
          "default_scopes": {"type": "array", "items": {"type": "string"}},
          "min_version": {"type": "string"},
          "disabled": {"type": "boolean"},
          "metadata": {"type": "object", "additionalProperties": {"type": "string"}}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`
