package template

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

// ParseFile reads and compiles one YAML template. The file stem is the
// name when the file does not set one.
func ParseFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read template %s", path)
	}

	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "invalid template YAML"), "file: %s", path)
	}
	if t.Name == "" {
		t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	t.Source = path

	if err := t.Compile(); err != nil {
		return nil, errors.WithDetailf(err, "file: %s", path)
	}
	return &t, nil
}

// IsTemplateFile reports whether path has a YAML extension
func IsTemplateFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadDir parses every YAML file in dir (not recursive), sorted by name.
// Duplicate template names are an error.
func LoadDir(dir string) ([]*Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read template dir %s", dir)
	}

	seen := make(map[string]string)
	var templates []*Template
	for _, entry := range entries {
		if entry.IsDir() || !IsTemplateFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		t, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[t.Name]; dup {
			return nil, errors.Newf("template %q defined in both %s and %s", t.Name, prev, path)
		}
		seen[t.Name] = path
		templates = append(templates, t)
	}

	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates, nil
}
