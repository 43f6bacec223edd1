// Package plugin supervises out-of-process plugins: it reads their
// manifests, launches them through the runtime registry, speaks the
// protocol over their stdio or a Unix socket, and restarts or
// quarantines them when they crash.
package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	ferrors "github.com/flytohub/flyto-core-sub001/internal/errors"
	"github.com/flytohub/flyto-core-sub001/internal/protocol"
)

// ManifestFiles are the file names recognised in a plugin directory, in
// lookup order. JSON manifests are parsed by the YAML decoder.
var ManifestFiles = []string{"plugin.yaml", "plugin.yml", "plugin.json", "manifest.json"}

// Permissions a manifest may declare.
const (
	PermissionSecrets = "secrets"
	PermissionBrowser = "browser"
)

// Transports a manifest may select. Stdio is the default.
const (
	TransportStdio = "stdio"
	TransportUnix  = "unix"
)

// RuntimeSpec selects how a plugin is launched.
type RuntimeSpec struct {
	Language string `yaml:"language" json:"language"`
	Entry    string `yaml:"entry" json:"entry"`
}

// StepSpec describes one step a plugin offers.
type StepSpec struct {
	ID           string         `yaml:"id" json:"id"`
	Label        string         `yaml:"label,omitempty" json:"label,omitempty"`
	InputSchema  map[string]any `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`
	OutputSchema map[string]any `yaml:"outputSchema,omitempty" json:"outputSchema,omitempty"`
	Cost         float64        `yaml:"cost,omitempty" json:"cost,omitempty"`
}

// Manifest is a parsed plugin.yaml / plugin.json.
type Manifest struct {
	ID              string            `yaml:"id" json:"id"`
	Name            string            `yaml:"name,omitempty" json:"name,omitempty"`
	Version         string            `yaml:"version" json:"version"`
	Vendor          string            `yaml:"vendor,omitempty" json:"vendor,omitempty"`
	Description     string            `yaml:"description,omitempty" json:"description,omitempty"`
	EntryPoint      string            `yaml:"entryPoint,omitempty" json:"entryPoint,omitempty"`
	Runtime         RuntimeSpec       `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	Transport       string            `yaml:"transport,omitempty" json:"transport,omitempty"`
	Permissions     []string          `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Steps           []StepSpec        `yaml:"steps,omitempty" json:"steps,omitempty"`
	RequiredSecrets []string          `yaml:"requiredSecrets,omitempty" json:"requiredSecrets,omitempty"`
	Env             map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Dir is the directory the manifest was read from. Not serialized.
	Dir string `yaml:"-" json:"-"`
	// File is the manifest's path.
	File string `yaml:"-" json:"-"`
}

// FindManifest returns the manifest file in dir, or "" if there is none.
func FindManifest(dir string) string {
	for _, name := range ManifestFiles {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// LoadManifest reads and validates the manifest in dir.
func LoadManifest(dir string) (*Manifest, error) {
	path := FindManifest(dir)
	if path == "" {
		return nil, ferrors.NewValidation("manifest", fmt.Sprintf("no %s in %s", strings.Join(ManifestFiles, ", "), dir))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ferrors.IOReadError(path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	m.Dir = abs
	m.File = path
	return m, nil
}

// ParseManifest decodes and validates manifest bytes (YAML or JSON).
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, ferrors.NewValidation("manifest", err.Error())
	}
	if m.ID == "" {
		m.ID = m.Name
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the id, entry point and step names.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return ferrors.NewValidation("id", "manifest must declare id or name")
	}
	if !protocol.ValidPluginID(m.ID) {
		return ferrors.NewValidation("id", fmt.Sprintf("%q must match [a-z0-9][a-z0-9._-]*", m.ID))
	}
	if m.Entry() == "" {
		return ferrors.NewValidation("entryPoint", "manifest must declare entryPoint or runtime.entry")
	}
	switch m.Transport {
	case "", TransportStdio, TransportUnix:
	default:
		return ferrors.NewValidation("transport", fmt.Sprintf("unknown transport %q (expected stdio or unix)", m.Transport))
	}
	seen := make(map[string]bool, len(m.Steps))
	for i, s := range m.Steps {
		if err := protocol.ValidateStepName(s.ID); err != nil {
			return ferrors.NewValidation(fmt.Sprintf("steps[%d].id", i), err.Error())
		}
		if seen[s.ID] {
			return ferrors.NewValidation(fmt.Sprintf("steps[%d].id", i), "duplicate step "+s.ID)
		}
		seen[s.ID] = true
	}
	for k := range m.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return ferrors.NewValidation("env", fmt.Sprintf("invalid variable name %q", k))
		}
	}
	return nil
}

// Entry returns the declared entry point. runtime.entry wins.
func (m *Manifest) Entry() string {
	if m.Runtime.Entry != "" {
		return m.Runtime.Entry
	}
	return m.EntryPoint
}

// UsesSocket reports whether the plugin talks over a Unix socket instead
// of its stdio.
func (m *Manifest) UsesSocket() bool {
	return m.Transport == TransportUnix
}

// Language returns the declared language, or "" to detect from markers.
func (m *Manifest) Language() string {
	return m.Runtime.Language
}

// HasStep reports whether step is offered. A manifest that lists no
// steps accepts any step and leaves the decision to the plugin.
func (m *Manifest) HasStep(step string) bool {
	if len(m.Steps) == 0 {
		return true
	}
	for _, s := range m.Steps {
		if s.ID == step {
			return true
		}
	}
	return false
}

// StepIDs returns the declared step ids, sorted.
func (m *Manifest) StepIDs() []string {
	ids := make([]string, 0, len(m.Steps))
	for _, s := range m.Steps {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

// HasPermission reports whether perm is declared.
func (m *Manifest) HasPermission(perm string) bool {
	for _, p := range m.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// AllowsSecret reports whether ref (with or without the secret:// prefix)
// is listed in requiredSecrets.
func (m *Manifest) AllowsSecret(ref string) bool {
	name := strings.TrimPrefix(ref, "secret://")
	for _, s := range m.RequiredSecrets {
		if strings.TrimPrefix(s, "secret://") == name {
			return true
		}
	}
	return false
}

// CandidateDirs lists where plugin id may live under root, in lookup order.
func CandidateDirs(root, id string) []string {
	names := []string{
		id,
		"flyto-plugin-" + id,
		strings.ReplaceAll(id, ".", "-"),
		strings.ReplaceAll(id, ".", "_"),
	}
	seen := make(map[string]bool, len(names))
	dirs := make([]string, 0, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		dirs = append(dirs, filepath.Join(root, n))
	}
	return dirs
}
