package routes

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a route table file.
//
//	excluded: [/api, /_next/static]
//	assetExtensions: [png, css, js]
//	authOnly: [/auth/signin, /auth/signup]
//	alwaysPublic: [/, /terms]
//	roles:
//	  - prefix: /admin
//	    roles: [admin]
type File struct {
	Excluded        []string   `yaml:"excluded"`
	AssetExtensions []string   `yaml:"assetExtensions"`
	AuthOnly        []string   `yaml:"authOnly"`
	AlwaysPublic    []string   `yaml:"alwaysPublic"`
	Roles           []RoleRule `yaml:"roles"`
}

// Load reads a route table from a YAML file. Lists left out of the file keep their
// built-in defaults.
func Load(filename string) (*Table, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	return Parse(data)
}

// Parse builds a route table from YAML bytes.
func Parse(data []byte) (*Table, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse routes file: %w", err)
	}
	return f.Table()
}

// Table validates the file and merges it over the default table.
func (f *File) Table() (*Table, error) {
	t := Default()

	if f.Excluded != nil {
		t.excluded = f.Excluded
	}
	if f.AssetExtensions != nil {
		t.assetExtensions = make([]string, 0, len(f.AssetExtensions))
		for _, ext := range f.AssetExtensions {
			t.assetExtensions = append(t.assetExtensions, strings.ToLower(strings.TrimPrefix(ext, ".")))
		}
	}
	if f.AuthOnly != nil {
		t.authOnly = f.AuthOnly
	}
	if f.AlwaysPublic != nil {
		t.alwaysPublic = f.AlwaysPublic
	}
	if f.Roles != nil {
		t.roleRules = f.Roles
	}

	var errs []error
	for _, list := range [][]string{t.excluded, t.authOnly, t.alwaysPublic} {
		for _, prefix := range list {
			if err := validatePrefix(prefix); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, ext := range t.assetExtensions {
		if ext == "" || strings.ContainsAny(ext, "./") {
			errs = append(errs, fmt.Errorf("asset extension %q is invalid", ext))
		}
	}
	for _, rule := range t.roleRules {
		if err := validatePrefix(rule.Prefix); err != nil {
			errs = append(errs, err)
		}
		if len(rule.Roles) == 0 {
			errs = append(errs, fmt.Errorf("role rule %q has no roles", rule.Prefix))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid routes file: %w", errors.Join(errs...))
	}

	return t, nil
}

func validatePrefix(prefix string) error {
	if !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("prefix %q must start with /", prefix)
	}
	if prefix != "/" && strings.HasSuffix(prefix, "/") {
		return fmt.Errorf("prefix %q must not end with /", prefix)
	}
	return nil
}
