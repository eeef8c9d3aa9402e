// Package prompt renders the instructions sent to the architect, developer
// and reviewer collaborators.
package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var (
	varRe   = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifRe    = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	endIfTk = "{{/if}}"
)

// Template names.
const (
	Architect = "architect"
	Developer = "developer"
	Reviewer  = "reviewer"
)

// Vars maps placeholder names to values.
type Vars map[string]string

// Render expands tmpl. {{name}} is replaced by its value and every
// placeholder must be set. {{#if name}}...{{/if}} keeps its body only when
// name is set and non-empty; blocks nest. Values are inserted literally and
// never re-expanded.
func Render(tmpl string, vars Vars) (string, error) {
	out, err := resolveBlocks(tmpl, vars)
	if err != nil {
		return "", err
	}

	missing := map[string]struct{}{}
	out = varRe.ReplaceAllStringFunc(out, func(tok string) string {
		name := tok[2 : len(tok)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		missing[name] = struct{}{}
		return tok
	})
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return "", fmt.Errorf("missing template variables: %s", strings.Join(names, ", "))
	}
	return out, nil
}

// resolveBlocks collapses conditionals innermost first: the opening tag
// closest before the first {{/if}} is always its partner.
func resolveBlocks(tmpl string, vars Vars) (string, error) {
	for {
		end := strings.Index(tmpl, endIfTk)
		if end < 0 {
			break
		}
		opens := ifRe.FindAllStringSubmatchIndex(tmpl[:end], -1)
		if len(opens) == 0 {
			return "", errors.New("{{/if}} without matching {{#if}}")
		}
		o := opens[len(opens)-1]
		name := tmpl[o[2]:o[3]]

		body := ""
		if vars[name] != "" {
			body = tmpl[o[1]:end]
		}
		tmpl = tmpl[:o[0]] + body + tmpl[end+len(endIfTk):]
	}
	if tag := ifRe.FindString(tmpl); tag != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", tag)
	}
	return tmpl, nil
}

// Library resolves templates by name, preferring <dir>/<name>.md over the
// built-in text.
type Library struct {
	dir string
}

// NewLibrary returns a library with optional overrides under dir.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Load returns the template called name.
func (l *Library) Load(name string) (string, error) {
	if l != nil && l.dir != "" {
		path, err := overridePath(l.dir, name)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("read template %s: %w", path, err)
		}
	}
	if t, ok := builtinTemplates[name]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown template %q", name)
}

// Render loads name and renders it with vars.
func (l *Library) Render(name string, vars Vars) (string, error) {
	t, err := l.Load(name)
	if err != nil {
		return "", err
	}
	out, err := Render(t, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return out, nil
}

// overridePath rejects names that would resolve outside dir.
func overridePath(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("template name %q must be relative", name)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve prompt dir: %w", err)
	}
	p := filepath.Join(absDir, name+".md")
	if !strings.HasPrefix(p, absDir+string(filepath.Separator)) {
		return "", fmt.Errorf("template name %q escapes %s", name, dir)
	}
	return p, nil
}

// Names lists the built-in templates.
func Names() []string {
	names := make([]string, 0, len(builtinTemplates))
	for n := range builtinTemplates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Install writes the built-in templates into dir without overwriting
// existing files, so they can be edited as overrides.
func Install(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}
	for name, content := range builtinTemplates {
		path := filepath.Join(dir, name+".md")
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write template %q: %w", name, err)
		}
	}
	return nil
}
