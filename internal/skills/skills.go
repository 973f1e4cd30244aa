// Package skills loads SKILL.md definitions from the workspace and
// injects the ones matching a prompt into the composed context.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// SkillFilename is the expected filename inside each skill folder.
	SkillFilename = "SKILL.md"

	frontmatterDelimiter = "---"
)

// Skill is one parsed SKILL.md: YAML front matter plus a markdown body.
type Skill struct {
	// Name is the unique skill identifier (lowercase, hyphens allowed).
	Name string `json:"name" yaml:"name"`

	// Description explains what the skill does and when to use it.
	Description string `json:"description" yaml:"description"`

	// Triggers are case-insensitive substrings; a prompt containing one
	// pulls the skill into context.
	Triggers []string `json:"triggers,omitempty" yaml:"triggers"`

	// Content is the markdown body injected into context.
	Content string `json:"-" yaml:"-"`

	// Path is the directory the skill was loaded from.
	Path string `json:"path" yaml:"-"`
}

// ParseFile parses one SKILL.md from disk.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse parses SKILL.md content rooted at dir.
func Parse(data []byte, dir string) (*Skill, error) {
	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("split frontmatter: %w", err)
	}

	var s Skill
	if err := yaml.Unmarshal(front, &s); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	if err := validate(&s); err != nil {
		return nil, err
	}

	s.Content = strings.TrimSpace(string(body))
	s.Path = dir
	return &s, nil
}

func validate(s *Skill) error {
	if s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	for _, r := range s.Name {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-') {
			return fmt.Errorf("skill name must be lowercase alphanumeric with hyphens: got %q", s.Name)
		}
	}
	if s.Description == "" {
		return fmt.Errorf("skill description is required")
	}
	return nil
}

// Matches reports whether the prompt should pull this skill into
// context. A skill without triggers matches only by explicit request.
func (s *Skill) Matches(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, trigger := range s.Triggers {
		trigger = strings.ToLower(strings.TrimSpace(trigger))
		if trigger != "" && strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

// splitFrontmatter separates the YAML front matter from the body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var front []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		front = append(front, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for scanner.Scan() {
		body = append(body, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan skill file: %w", err)
	}
	return []byte(strings.Join(front, "\n")), []byte(strings.Join(body, "\n")), nil
}
