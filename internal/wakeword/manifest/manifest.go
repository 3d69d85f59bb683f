package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the manifest name expected inside each model directory.
const FileName = "model.yaml"

// ABIVersion is the guest interface the wasm detector implements.
const ABIVersion = "v1"

// Manifest describes a packaged keyword-spotting model.
type Manifest struct {
	Metadata Metadata  `yaml:"metadata"`
	Model    ModelSpec `yaml:"model"`

	// Dir is the directory the manifest was loaded from.
	Dir string `yaml:"-"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

type ModelSpec struct {
	Mode        string   `yaml:"mode"`
	Module      string   `yaml:"module"`
	ABI         string   `yaml:"abi"`
	Keywords    []string `yaml:"keywords"`
	SampleRate  int      `yaml:"sample_rate"`
	FrameLength int      `yaml:"frame_length"`
}

// Load reads a manifest from disk.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}

// ModulePath resolves the wasm module relative to the manifest directory.
func (m Manifest) ModulePath() string {
	if filepath.IsAbs(m.Model.Module) || m.Dir == "" {
		return m.Model.Module
	}
	return filepath.Join(m.Dir, m.Model.Module)
}

// KeywordIndex returns the position of keyword in the model's keyword list.
func (m Manifest) KeywordIndex(keyword string) int {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	for i, k := range m.Model.Keywords {
		if strings.ToLower(k) == keyword {
			return i
		}
	}
	return -1
}

// Validate ensures the manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	switch m.Model.Mode {
	case "wasm":
		if m.Model.Module == "" {
			return fmt.Errorf("model.module is required for wasm")
		}
	case "":
		return fmt.Errorf("model.mode is required")
	default:
		return fmt.Errorf("model.mode %q not supported", m.Model.Mode)
	}
	if m.Model.ABI != "" && m.Model.ABI != ABIVersion {
		return fmt.Errorf("model.abi %q not supported (want %s)", m.Model.ABI, ABIVersion)
	}
	if len(m.Model.Keywords) == 0 {
		return fmt.Errorf("model.keywords must list at least one keyword")
	}
	if m.Model.SampleRate <= 0 {
		return fmt.Errorf("model.sample_rate must be positive")
	}
	if m.Model.FrameLength <= 0 {
		return fmt.Errorf("model.frame_length must be positive")
	}
	return nil
}

// CheckFormat reports whether the model was trained for the given audio
// format.
func CheckFormat(m Manifest, sampleRate, frameLength int) error {
	if m.Model.SampleRate != sampleRate {
		return fmt.Errorf("model %s expects %d Hz audio, got %d", m.Metadata.Name, m.Model.SampleRate, sampleRate)
	}
	if m.Model.FrameLength != frameLength {
		return fmt.Errorf("model %s expects %d-sample frames, got %d", m.Metadata.Name, m.Model.FrameLength, frameLength)
	}
	return nil
}
