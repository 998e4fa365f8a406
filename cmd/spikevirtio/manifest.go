package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// maxManifestSize bounds how large a manifest file this process will
// read, matching tinyrange-cc's own cap on its site-config.yml.
const maxManifestSize = 1 << 20

// Manifest declares a machine's device set as an alternative to passing
// -blk/-net/-uart flags individually, for scripted or checked-in machine
// definitions.
type Manifest struct {
	RAM   uint64 `yaml:"ram"`
	Block string `yaml:"block"`
	Net   string `yaml:"net"`
	UART  *bool  `yaml:"uart"` // pointer to distinguish unset from explicitly disabled
}

// LoadManifest reads and parses a machine manifest. It refuses files
// above maxManifestSize the same way tinyrange-cc's LoadSiteConfig
// refuses an oversized site-config.yml.
func LoadManifest(path string) (Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Manifest{}, err
	}
	if info.Size() > maxManifestSize {
		return Manifest{}, fmt.Errorf("manifest %s is %d bytes, exceeds %d byte limit", path, info.Size(), maxManifestSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return m, nil
}
