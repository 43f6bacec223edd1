// Package runtime maps plugin languages to the commands that launch them.
//
// A Registry holds one Runtime per language. Plugins either declare their
// language in the manifest or have it detected from marker files in the
// plugin directory.
package runtime

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/flytohub/flyto-core-sub001/internal/config"
	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
)

// EntryPlaceholder is replaced in Runtime.Args by the resolved entry point.
const EntryPlaceholder = "{entry}"

// Runtime describes how to launch plugins written in one language.
type Runtime struct {
	Language string

	// Executable is the interpreter. Empty means the entry point itself
	// is executed.
	Executable string

	// Args follow Executable. EntryPlaceholder marks where the entry point goes;
	// when absent the entry point is appended.
	Args []string

	// Markers are file names whose presence in a plugin dir selects this runtime.
	Markers []string
}

// Command returns the program and arguments that launch entry.
func (rt *Runtime) Command(entry string) (string, []string) {
	if rt.Executable == "" {
		return entry, substitute(rt.Args, entry, false)
	}
	return rt.Executable, substitute(rt.Args, entry, true)
}

func substitute(args []string, entry string, appendIfMissing bool) []string {
	out := make([]string, 0, len(args)+1)
	found := false
	for _, a := range args {
		if strings.Contains(a, EntryPlaceholder) {
			found = true
			a = strings.ReplaceAll(a, EntryPlaceholder, entry)
		}
		out = append(out, a)
	}
	if !found && appendIfMissing {
		out = append(out, entry)
	}
	return out
}

// Builtins returns the runtimes shipped with flyto, in detection order.
func Builtins() []Runtime {
	return []Runtime{
		{Language: "python", Executable: "python3", Args: []string{"-u", EntryPlaceholder}, Markers: []string{"pyproject.toml", "requirements.txt", "setup.py"}},
		{Language: "node", Executable: "node", Args: []string{EntryPlaceholder}, Markers: []string{"package.json"}},
		{Language: "deno", Executable: "deno", Args: []string{"run", EntryPlaceholder}, Markers: []string{"deno.json"}},
		{Language: "go", Markers: []string{"go.mod"}},
		{Language: "rust", Markers: []string{"Cargo.toml"}},
		{Language: "java", Executable: "java", Args: []string{"-jar", EntryPlaceholder}, Markers: []string{"pom.xml", "build.gradle"}},
		{Language: "ruby", Executable: "ruby", Args: []string{EntryPlaceholder}, Markers: []string{"Gemfile"}},
		{Language: "binary"},
	}
}

// Registry holds the runtimes known to one flyto instance.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
	order    []string // detection order
}

// NewRegistry creates a registry preloaded with Builtins.
func NewRegistry() *Registry {
	r := &Registry{runtimes: make(map[string]*Runtime)}
	for _, rt := range Builtins() {
		r.Register(rt)
	}
	return r
}

// NewRegistryFromConfig creates a registry with builtins plus config overrides.
func NewRegistryFromConfig(cfg *config.Config) *Registry {
	r := NewRegistry()
	if cfg == nil {
		return r
	}
	langs := make([]string, 0, len(cfg.Runtimes))
	for lang := range cfg.Runtimes {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	for _, lang := range langs {
		rc := cfg.Runtimes[lang]
		r.Register(Runtime{Language: lang, Executable: rc.Executable, Args: rc.Args, Markers: rc.Markers})
	}
	return r
}

// Register adds or replaces the runtime for rt.Language.
func (r *Registry) Register(rt Runtime) {
	lang := normalize(rt.Language)
	rt.Language = lang

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runtimes[lang]; !exists {
		r.order = append(r.order, lang)
	}
	r.runtimes[lang] = &rt
}

// Get returns the runtime for lang.
func (r *Registry) Get(lang string) (*Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[normalize(lang)]
	if !ok {
		return nil, ferrors.NewLanguageUnsupported(lang)
	}
	return rt, nil
}

// Languages returns registered languages in detection order.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Detect returns the language whose marker file exists in dir, or "".
func (r *Registry) Detect(dir string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, lang := range r.order {
		for _, marker := range r.runtimes[lang].Markers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return lang
			}
		}
	}
	return ""
}

// Command resolves the launch command for entry in lang.
func (r *Registry) Command(lang, entry string) (string, []string, error) {
	rt, err := r.Get(lang)
	if err != nil {
		return "", nil, err
	}
	exe, args := rt.Command(entry)
	return exe, args, nil
}

// Available reports whether the runtime's interpreter can be found on PATH.
// Runtimes that execute the entry directly are always available.
func (r *Registry) Available(lang string) bool {
	rt, err := r.Get(lang)
	if err != nil {
		return false
	}
	if rt.Executable == "" {
		return true
	}
	_, err = exec.LookPath(rt.Executable)
	return err == nil
}

var aliases = map[string]string{
	"python3":    "python",
	"py":         "python",
	"javascript": "node",
	"js":         "node",
	"nodejs":     "node",
	"typescript": "deno",
	"golang":     "go",
	"exe":        "binary",
	"native":     "binary",
}

func normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if canonical, ok := aliases[lang]; ok {
		return canonical
	}
	return lang
}
