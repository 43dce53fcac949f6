package schema

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidSchema  = errors.New("invalid schema")
	ErrDomainNotFound = errors.New("domain not found")
)

// Parse decodes and validates a single schema document.
func Parse(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads and validates the schema document at path.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	s.Path = path
	return s, nil
}

// ListDomains returns the sorted names of the domain directories under root.
func ListDomains(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema root: %w", err)
	}
	var domains []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			domains = append(domains, e.Name())
		}
	}
	sort.Strings(domains)
	return domains, nil
}

// DomainPath resolves the directory of domain under root. Domain names are single path elements.
func DomainPath(root, domain string) (string, error) {
	if domain == "" || domain == "." || domain == ".." || strings.ContainsAny(domain, `/\`) {
		return "", fmt.Errorf("%w: invalid domain name %q", ErrDomainNotFound, domain)
	}
	dir := filepath.Join(root, domain)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrDomainNotFound, domain)
		}
		return "", fmt.Errorf("failed to stat domain: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrDomainNotFound, domain)
	}
	return dir, nil
}

// LoadDomain loads every .yml/.yaml schema of domain in file-name order.
func LoadDomain(root, domain string) ([]*Schema, error) {
	dir, err := DomainPath(root, domain)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read domain %s: %w", domain, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yml", ".yaml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	schemas := make([]*Schema, 0, len(names))
	tables := make(map[string]string, len(names))
	for _, name := range names {
		s, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, dup := tables[s.Table]; dup {
			return nil, fmt.Errorf("%w: table %q declared in both %s and %s", ErrInvalidSchema, s.Table, prev, name)
		}
		tables[s.Table] = name
		schemas = append(schemas, s)
	}
	return schemas, nil
}
