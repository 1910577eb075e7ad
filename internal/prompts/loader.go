package prompts

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// funcMap is available to every template.
var funcMap = template.FuncMap{
	// param reads a step parameter with a fallback for absent keys.
	"param": func(params map[string]string, key, fallback string) string {
		if v, ok := params[key]; ok && v != "" {
			return v
		}
		return fallback
	},
}

// Loader resolves template names to content, preferring override
// directories over the embedded defaults. Parsed templates are cached.
type Loader struct {
	overrideDirs []string

	mu    sync.RWMutex
	cache map[string]*template.Template
}

// NewLoader creates a loader with the given override directories, checked
// in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
	}
}

// DefaultLoader creates a loader with the standard override paths:
// project-local .lab-orchestrator/prompts/, then the user config dir.
func DefaultLoader(projectRoot string) *Loader {
	var dirs []string
	if projectRoot != "" {
		dirs = append(dirs, filepath.Join(projectRoot, ".lab-orchestrator", "prompts"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", "lab-orchestrator", "prompts"))
	}
	return NewLoader(dirs...)
}

// ScriptTemplate returns the template name for an action's built-in script.
func ScriptTemplate(action string) string {
	return "codegen/" + action + ".py.tmpl"
}

// Raw returns a template's unrendered content.
func (l *Loader) Raw(name string) (string, error) {
	data, err := l.loadContent(name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Render executes the named template with the given data.
func (l *Loader) Render(name string, data any) (string, error) {
	tmpl, err := l.template(name)
	if err != nil {
		return "", err
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering template %s: %w", name, err)
	}
	return buf.String(), nil
}

// Names lists the built-in template names.
func (l *Loader) Names() []string {
	var names []string
	fs.WalkDir(embeddedFS, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		names = append(names, p)
		return nil
	})
	sort.Strings(names)
	return names
}

func (l *Loader) template(name string) (*template.Template, error) {
	l.mu.RLock()
	tmpl, ok := l.cache[name]
	l.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	data, err := l.loadContent(name)
	if err != nil {
		return nil, err
	}
	tmpl, err = template.New(path.Base(name)).Funcs(funcMap).Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parsing template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.mu.Unlock()
	return tmpl, nil
}

// loadContent reads a template from the override dirs, falling back to the
// embedded defaults.
func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name))); err == nil {
			return data, nil
		}
	}
	data, err := fs.ReadFile(embeddedFS, name)
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", name, err)
	}
	return data, nil
}
