package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `metadata:
  name: jarvis-kws
  version: 0.1.0
  description: Jarvis keyword model
  author: Loqa Labs
model:
  mode: wasm
  module: jarvis.wasm
  abi: v1
  keywords:
    - Jarvis
  sample_rate: 16000
  frame_length: 512
`

func TestValidateValidManifest(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, FileName)
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.ModulePath() != filepath.Join(tmp, "jarvis.wasm") {
		t.Fatalf("module path not resolved against manifest dir: %s", m.ModulePath())
	}
	if m.KeywordIndex("jarvis") != 0 || m.KeywordIndex("alexa") != -1 {
		t.Fatalf("unexpected keyword index lookup")
	}
}

func TestValidateMissingFields(t *testing.T) {
	if err := Validate(Manifest{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateUnsupportedMode(t *testing.T) {
	m := Manifest{
		Metadata: Metadata{Name: "x", Version: "1"},
		Model:    ModelSpec{Mode: "onnx", Keywords: []string{"jarvis"}, SampleRate: 16000, FrameLength: 512},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestCheckFormat(t *testing.T) {
	m := Manifest{
		Metadata: Metadata{Name: "jarvis-kws"},
		Model:    ModelSpec{SampleRate: 16000, FrameLength: 512},
	}
	if err := CheckFormat(m, 16000, 512); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := CheckFormat(m, 8000, 512); err == nil {
		t.Fatal("expected sample rate mismatch")
	}
	if err := CheckFormat(m, 16000, 480); err == nil {
		t.Fatal("expected frame length mismatch")
	}
}
