package runtime

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flytohub/flyto-core-sub001/internal/config"
	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
)

func TestRegistry_Builtins(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		lang     string
		wantExe  string
		wantArgs []string
	}{
		{"python", "python3", []string{"-u", "/p/main.py"}},
		{"node", "node", []string{"/p/main.py"}},
		{"deno", "deno", []string{"run", "/p/main.py"}},
		{"java", "java", []string{"-jar", "/p/main.py"}},
		{"ruby", "ruby", []string{"/p/main.py"}},
		{"go", "/p/main.py", []string{}},
		{"rust", "/p/main.py", []string{}},
		{"binary", "/p/main.py", []string{}},
		{"Python3", "python3", []string{"-u", "/p/main.py"}},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			exe, args, err := r.Command(tt.lang, "/p/main.py")
			require.NoError(t, err)
			assert.Equal(t, tt.wantExe, exe)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestRegistry_UnknownLanguage(t *testing.T) {
	_, _, err := NewRegistry().Command("cobol", "main.cbl")
	require.Error(t, err)
	assert.True(t, ferrors.HasCode(err, ferrors.CodeLanguageUnsupported))
}

func TestRegistry_ConfigOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Runtimes = map[string]config.RuntimeConfig{
		"python": {Executable: "/opt/py/bin/python", Args: []string{"-X", "utf8"}},
		"lua":    {Executable: "lua", Args: []string{"{entry}", "--serve"}, Markers: []string{"init.lua"}},
	}
	r := NewRegistryFromConfig(cfg)

	exe, args, err := r.Command("python", "main.py")
	require.NoError(t, err)
	assert.Equal(t, "/opt/py/bin/python", exe)
	assert.Equal(t, []string{"-X", "utf8", "main.py"}, args, "entry is appended when no placeholder")

	exe, args, err = r.Command("lua", "main.lua")
	require.NoError(t, err)
	assert.Equal(t, "lua", exe)
	assert.Equal(t, []string{"main.lua", "--serve"}, args)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init.lua"), nil, 0644))
	assert.Equal(t, "lua", r.Detect(dir))
}

func TestRegistry_Detect(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		marker string
		want   string
	}{
		{"pyproject.toml", "python"},
		{"requirements.txt", "python"},
		{"setup.py", "python"},
		{"package.json", "node"},
		{"go.mod", "go"},
		{"Cargo.toml", "rust"},
		{"pom.xml", "java"},
		{"build.gradle", "java"},
		{"Gemfile", "ruby"},
		{"deno.json", "deno"},
	}
	for _, tt := range tests {
		t.Run(tt.marker, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, tt.marker), nil, 0644))
			assert.Equal(t, tt.want, r.Detect(dir))
		})
	}

	assert.Equal(t, "", r.Detect(t.TempDir()))
}

func TestRegistry_Available(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Available("binary"))
	assert.False(t, r.Available("cobol"))

	r.Register(Runtime{Language: "ghost", Executable: "definitely-not-on-path-flyto"})
	assert.False(t, r.Available("ghost"))
}

func newPluginDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print()"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "plugin"), []byte("#!/bin/sh"), 0755))
	return dir
}

func TestResolveEntryPoint_Valid(t *testing.T) {
	dir := newPluginDir(t)
	realDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)

	got, err := ResolveEntryPoint(dir, "main.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(realDir, "main.py"), got)

	got, err = ResolveEntryPoint(dir, "bin/plugin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(realDir, "bin", "plugin"), got)

	got, err = ResolveEntryPoint(dir, "./main.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(realDir, "main.py"), got)
}

func TestResolveEntryPoint_Rejections(t *testing.T) {
	dir := newPluginDir(t)

	tests := []struct {
		name  string
		entry string
		check func(error) bool
	}{
		{"empty", "", isType[*ferrors.ValidationError]},
		{"blank", "   ", isType[*ferrors.ValidationError]},
		{"nul byte", "main.py\x00.sh", isType[*ferrors.SecurityError]},
		{"absolute", "/etc/passwd", isType[*ferrors.PathTraversalError]},
		{"backslash absolute", `\windows\system32`, isType[*ferrors.PathTraversalError]},
		{"drive letter", `C:\evil.exe`, isType[*ferrors.PathTraversalError]},
		{"parent", "../main.py", isType[*ferrors.PathTraversalError]},
		{"nested parent", "bin/../../x", isType[*ferrors.PathTraversalError]},
		{"backslash parent", `bin\..\..\x`, isType[*ferrors.PathTraversalError]},
		{"missing", "nope.py", isType[*ferrors.ValidationError]},
		{"directory", "bin", isType[*ferrors.ValidationError]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveEntryPoint(dir, tt.entry)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error type %T: %v", err, err)
		})
	}
}

func TestResolveEntryPoint_SymlinkEscape(t *testing.T) {
	dir := newPluginDir(t)
	outside := filepath.Join(t.TempDir(), "evil.sh")
	require.NoError(t, os.WriteFile(outside, []byte("#!/bin/sh"), 0755))
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link.sh")))

	_, err := ResolveEntryPoint(dir, "link.sh")
	require.Error(t, err)
	var secErr *ferrors.SecurityError
	assert.True(t, errors.As(err, &secErr))

	// A symlink that stays inside the plugin dir is fine.
	require.NoError(t, os.Symlink(filepath.Join(dir, "main.py"), filepath.Join(dir, "alias.py")))
	_, err = ResolveEntryPoint(dir, "alias.py")
	assert.NoError(t, err)
}

func TestResolveEntryPoint_SymlinkedPluginDir(t *testing.T) {
	dir := newPluginDir(t)
	link := filepath.Join(t.TempDir(), "plugin-link")
	require.NoError(t, os.Symlink(dir, link))

	_, err := ResolveEntryPoint(link, "main.py")
	assert.NoError(t, err)
}

func isType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
