// Package templates resolves named prompt templates and renders them with
// placeholder substitution.
//
// A template is looked up by logical name (for example "coding_prompt") in an
// ordered list of directories, trying each configured extension in turn, and
// finally in the prompts embedded in the binary. The first match wins.
package templates

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

//go:embed prompts/*.md
var embeddedFS embed.FS

// Logical template names.
const (
	InitializerPrompt = "initializer_prompt"
	CodingPrompt      = "coding_prompt"
	FeaturePrompt     = "feature_prompt"
	AppSpec           = "app_spec"
)

// EmbeddedSource is the Template.Source value for built-in prompts.
const EmbeddedSource = "embedded"

// DefaultExtensions is the extension priority list used when none is configured.
//
//nolint:gochecknoglobals // default configuration
var DefaultExtensions = []string{".md", ".txt"}

// ErrTemplateNotFound is returned when no source holds the named template.
var ErrTemplateNotFound = errors.New("template not found")

// Template is a loaded template. Content is opaque text with placeholders.
type Template struct {
	Name    string
	Source  string // file path, or EmbeddedSource
	Content string
}

// Vars maps placeholder names to replacement text.
type Vars map[string]string

// Options configures a Composer.
type Options struct {
	// Dirs are searched in order before the embedded prompts.
	Dirs []string
	// Extensions is the priority list tried within each source. Empty means DefaultExtensions.
	Extensions []string
	// DisableEmbedded skips the built-in prompts.
	DisableEmbedded bool
}

// Composer loads and renders prompt templates.
type Composer struct {
	dirs       []string
	extensions []string
	embedded   fs.FS
}

// NewComposer creates a composer from opts.
func NewComposer(opts Options) *Composer {
	c := &Composer{
		extensions: normalizeExtensions(opts.Extensions),
	}
	for _, dir := range opts.Dirs {
		if strings.TrimSpace(dir) != "" {
			c.dirs = append(c.dirs, dir)
		}
	}
	if !opts.DisableEmbedded {
		sub, err := fs.Sub(embeddedFS, "prompts")
		if err == nil {
			c.embedded = sub
		}
	}
	return c
}

func normalizeExtensions(exts []string) []string {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	out := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// Extensions returns the extension priority list.
func (c *Composer) Extensions() []string {
	return append([]string(nil), c.extensions...)
}

// Load resolves the named template. Directories are searched first, in
// order, then the embedded prompts; within each source the extensions are
// tried in priority order.
func (c *Composer) Load(name string) (*Template, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("%w: invalid template name %q", ErrTemplateNotFound, name)
	}

	for _, dir := range c.dirs {
		for _, ext := range c.extensions {
			p := filepath.Join(dir, name+ext)
			data, err := os.ReadFile(p)
			if err == nil {
				return &Template{Name: name, Source: p, Content: string(data)}, nil
			}
			if !errors.Is(err, fs.ErrNotExist) && !isDirError(p) {
				return nil, fmt.Errorf("failed to read template %s: %w", p, err)
			}
		}
	}

	if c.embedded != nil {
		for _, ext := range c.extensions {
			data, err := fs.ReadFile(c.embedded, path.Clean(name+ext))
			if err == nil {
				return &Template{Name: name, Source: EmbeddedSource, Content: string(data)}, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %s (extensions %s)", ErrTemplateNotFound, name, strings.Join(c.extensions, ", "))
}

func isDirError(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// placeholderPattern matches {{name}} or {name}. The double-brace form is
// tried first so it is consumed whole.
var placeholderPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}|\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Render substitutes every {name} and {{name}} placeholder whose name is in
// vars. Placeholders without a value are left verbatim. Substitution is a
// single pass, so placeholder-like text inside a value is not expanded.
func Render(tmpl *Template, vars Vars) string {
	if tmpl == nil {
		return ""
	}
	return RenderString(tmpl.Content, vars)
}

// RenderString is Render for raw template text.
func RenderString(content string, vars Vars) string {
	if len(vars) == 0 {
		return content
	}
	return placeholderPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}

// Compose loads the named template and renders it.
func (c *Composer) Compose(name string, vars Vars) (string, error) {
	tmpl, err := c.Load(name)
	if err != nil {
		return "", err
	}
	return Render(tmpl, vars), nil
}
