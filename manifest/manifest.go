// Package manifest handles weave.toml configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/litweave/weaver"
)

// FileName is the name of the configuration file.
const FileName = "weave.toml"

// DefaultLedgerPath is the ledger location relative to the manifest.
const DefaultLedgerPath = ".litweave/ledger.db"

// Manifest represents a weave.toml configuration.
type Manifest struct {
	Weave  Weave  `toml:"weave"`
	Ledger Ledger `toml:"ledger"`
	Log    Log    `toml:"log"`

	// Dir is the directory containing the weave.toml file (set at load time).
	Dir string `toml:"-"`
}

// Weave selects which literals are moved and how they are stored.
type Weave struct {
	MinLen           int  `toml:"min-len"`
	MaxLen           int  `toml:"max-len"`
	Encrypt          bool `toml:"encrypt"`
	RandomOrder      bool `toml:"random-order"`
	RemoveDuplicates bool `toml:"remove-duplicates"`
	EmbedKey         bool `toml:"embed-key"`
}

// Ledger configures the weave ledger.
type Ledger struct {
	Path     string `toml:"path"`
	Disabled bool   `toml:"disabled"`
}

// Log configures logging.
type Log struct {
	Verbosity int `toml:"verbosity"`
}

// Default returns the manifest used when no weave.toml exists.
func Default(dir string) *Manifest {
	cfg := weaver.DefaultConfig()
	return &Manifest{
		Weave: Weave{
			MinLen:           cfg.MinLen,
			MaxLen:           cfg.MaxLen,
			Encrypt:          cfg.Encrypt,
			RandomOrder:      cfg.RandomOrder,
			RemoveDuplicates: cfg.RemoveDuplicates,
			EmbedKey:         cfg.EmbedKey,
		},
		Ledger: Ledger{Path: DefaultLedgerPath},
		Dir:    dir,
	}
}

// Load parses a weave.toml file from the given directory. Keys missing
// from the file keep their defaults.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	m, err := Parse(data, abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates weave.toml contents. dir becomes the
// manifest's Dir.
func Parse(data []byte, dir string) (*Manifest, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	m := Default(dir)
	if _, err := toml.Decode(string(data), m); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if err := m.WeaverConfig().Validate(); err != nil {
		return nil, fmt.Errorf("[weave]: %w", err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find a weave.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// WeaverConfig returns the [weave] table as a weaver configuration.
func (m *Manifest) WeaverConfig() weaver.Config {
	return weaver.Config{
		MinLen:           m.Weave.MinLen,
		MaxLen:           m.Weave.MaxLen,
		Encrypt:          m.Weave.Encrypt,
		RandomOrder:      m.Weave.RandomOrder,
		RemoveDuplicates: m.Weave.RemoveDuplicates,
		EmbedKey:         m.Weave.EmbedKey,
	}
}

// LedgerPath returns the ledger location, resolved against Dir. It is
// empty when the ledger is disabled.
func (m *Manifest) LedgerPath() string {
	if m.Ledger.Disabled || m.Ledger.Path == "" {
		return ""
	}
	if filepath.IsAbs(m.Ledger.Path) {
		return m.Ledger.Path
	}
	return filepath.Join(m.Dir, m.Ledger.Path)
}
