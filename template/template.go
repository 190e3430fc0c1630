// Package template loads prompt templates from YAML files and renders them
// against a pipeline context.
package template

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/lukinterlab/idealimage-ru-sub001/errors"
)

// DefaultCategory names the resource of templates without a category
const DefaultCategory = "content"

// Rotation picks one value per day of month under Key
type Rotation struct {
	Key    string   `yaml:"key"`
	Values []string `yaml:"values"`
}

// Template is one prompt template file
type Template struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`

	Prompt       string `yaml:"prompt"`
	TitlePrompt  string `yaml:"title_prompt"`
	DefaultTitle string `yaml:"default_title"`
	ImagePrompt  string `yaml:"image_prompt"`
	TagPrompt    string `yaml:"tag_prompt"`

	Tags      []string  `yaml:"tags"`
	Variables []string  `yaml:"variables"`
	Rotation  *Rotation `yaml:"rotation"`

	Author           string `yaml:"author"`
	ContentCategory  string `yaml:"content_category"`
	TargetDateOffset int    `yaml:"target_date_offset"`
	NotifyTarget     string `yaml:"notify_target"`
	DailyLimit       int    `yaml:"daily_limit"` // 0 = unlimited

	// Source is the file the template was loaded from
	Source string `yaml:"-"`

	compiled map[string]*template.Template
}

// Prompt fields that can be rendered
const (
	FieldPrompt      = "prompt"
	FieldTitlePrompt = "title_prompt"
	FieldImagePrompt = "image_prompt"
	FieldTagPrompt   = "tag_prompt"
)

// Resource returns the lease/cooldown resource key for this template
func (t *Template) Resource() string {
	category := strings.TrimSpace(t.Category)
	if category == "" {
		category = DefaultCategory
	}
	return category + "_generation"
}

// Has reports whether the named prompt field is set
func (t *Template) Has(field string) bool {
	return strings.TrimSpace(t.raw(field)) != ""
}

func (t *Template) raw(field string) string {
	switch field {
	case FieldPrompt:
		return t.Prompt
	case FieldTitlePrompt:
		return t.TitlePrompt
	case FieldImagePrompt:
		return t.ImagePrompt
	case FieldTagPrompt:
		return t.TagPrompt
	}
	return ""
}

// Compile validates the template and parses its prompt fields
func (t *Template) Compile() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("template name is required")
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return errors.Newf("template %s: prompt is required", t.Name)
	}
	if t.Rotation != nil && (t.Rotation.Key == "" || len(t.Rotation.Values) == 0) {
		return errors.Newf("template %s: rotation needs a key and at least one value", t.Name)
	}
	if t.DailyLimit < 0 {
		return errors.Newf("template %s: daily_limit must be >= 0", t.Name)
	}

	t.compiled = make(map[string]*template.Template)
	for _, field := range []string{FieldPrompt, FieldTitlePrompt, FieldImagePrompt, FieldTagPrompt} {
		src := t.raw(field)
		if strings.TrimSpace(src) == "" {
			continue
		}
		parsed, err := template.New(t.Name + "." + field).Option("missingkey=zero").Parse(src)
		if err != nil {
			return errors.Wrapf(err, "template %s: parse %s", t.Name, field)
		}
		t.compiled[field] = parsed
	}
	return nil
}

// Render executes the named prompt field against vars. Unknown variables render empty.
func (t *Template) Render(field string, vars map[string]any) (string, error) {
	if t.compiled == nil {
		if err := t.Compile(); err != nil {
			return "", err
		}
	}
	tmpl, ok := t.compiled[field]
	if !ok {
		return "", nil
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", errors.Wrapf(err, "template %s: render %s", t.Name, field)
	}
	// missingkey=zero on a map renders "<no value>"
	return strings.TrimSpace(strings.ReplaceAll(buf.String(), "<no value>", "")), nil
}
