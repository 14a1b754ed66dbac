// Package specs turns operator input into a feature description for the
// single-feature runner. Input is plain text, a file that may open with YAML
// frontmatter, or lines typed at the terminal.
package specs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrSpecFileMissing is returned when a --spec file does not exist.
	ErrSpecFileMissing = errors.New("spec file not found")
	// ErrEmptyFeature is returned when the feature description is blank.
	ErrEmptyFeature = errors.New("feature description is empty")
)

var frontmatterDelimiter = regexp.MustCompile(`^---\s*$`)

// Metadata is the optional YAML frontmatter of a feature spec file.
type Metadata struct {
	Title    string   `yaml:"title"`
	Priority string   `yaml:"priority"`
	Tags     []string `yaml:"tags"`
}

// FeatureSpec is a parsed feature request.
type FeatureSpec struct {
	Metadata
	Body string
	// Source is the file the spec came from, empty for inline text.
	Source string
}

// Description renders the text handed to the agent: the title as a heading
// (when set) followed by the body.
func (s *FeatureSpec) Description() string {
	body := strings.TrimSpace(s.Body)
	if s.Title == "" {
		return body
	}
	if body == "" {
		return s.Title
	}
	return "# " + s.Title + "\n\n" + body
}

// FromText builds a spec from inline text.
func FromText(text string) (*FeatureSpec, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyFeature
	}
	return &FeatureSpec{Body: text}, nil
}

// LoadFile reads a spec file.
func LoadFile(path string) (*FeatureSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSpecFileMissing, path)
		}
		return nil, fmt.Errorf("failed to read spec file %s: %w", path, err)
	}
	spec, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	spec.Source = path
	return spec, nil
}

// Parse parses spec text. Frontmatter is optional; without it the whole text is the body.
func Parse(text string) (*FeatureSpec, error) {
	frontmatter, body, found := splitFrontmatter(text)

	spec := &FeatureSpec{Body: body}
	if found {
		if err := yaml.Unmarshal([]byte(frontmatter), &spec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse YAML frontmatter: %w", err)
		}
		spec.Title = strings.TrimSpace(spec.Title)
	}

	if strings.TrimSpace(spec.Description()) == "" {
		return nil, ErrEmptyFeature
	}
	return spec, nil
}

// splitFrontmatter splits text into YAML frontmatter and body. found is false
// when the text does not open with a complete frontmatter block.
//
//nolint:gocritic // Separate return values are clearer than a struct for this simple case.
func splitFrontmatter(text string) (frontmatter, body string, found bool) {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 || !frontmatterDelimiter.MatchString(strings.TrimSpace(lines[0])) {
		return "", text, false
	}

	for i := 1; i < len(lines); i++ {
		if frontmatterDelimiter.MatchString(strings.TrimSpace(lines[i])) {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), true
		}
	}
	return "", text, false
}

// ReadInteractive reads a description line by line from r until the first
// blank line or EOF. Prompts are written to w when it is non-nil.
func ReadInteractive(r io.Reader, w io.Writer) (string, error) {
	if w != nil {
		fmt.Fprintln(w, "Describe the feature you want to implement:")
		fmt.Fprintln(w, "(Press Enter on an empty line when done)")
		fmt.Fprintln(w)
	}

	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			break
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read feature description: %w", err)
	}

	text := strings.Join(lines, "\n")
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyFeature
	}
	return text, nil
}
