package models

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleVersion = `{
  "id": 128713,
  "modelId": 4201,
  "name": "v5.1 (VAE)",
  "model": {"name": "Realistic Vision", "type": "Checkpoint"},
  "files": [
    {"id": 1, "name": "config.yaml", "sizeKB": 2, "downloadUrl": "https://example.com/d/1"},
    {"id": 2, "name": "realisticVision_v51.safetensors", "sizeKB": 2082642.5, "primary": true, "downloadUrl": "https://example.com/d/2"}
  ],
  "images": [
    {"id": 10, "url": "https://image.example.com/abc/width=450/preview.jpeg"},
    {"id": 11, "url": "https://image.example.com/"}
  ]
}`

func TestLoadVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version.json")
	if err := os.WriteFile(path, []byte(sampleVersion), 0644); err != nil {
		t.Fatal(err)
	}

	v, err := LoadVersion(path)
	if err != nil {
		t.Fatalf("LoadVersion failed: %v", err)
	}
	if v.ID != 128713 || v.Model.Name != "Realistic Vision" {
		t.Errorf("unexpected version: %+v", v)
	}

	primary, ok := v.PrimaryFile()
	if !ok {
		t.Fatal("expected a primary file")
	}
	if primary.Name != "realisticVision_v51.safetensors" {
		t.Errorf("expected flagged primary file, got %s", primary.Name)
	}
	if primary.SizeBytes() != 2132625920 {
		t.Errorf("expected 2132625920 bytes, got %d", primary.SizeBytes())
	}

	if got := v.Images[0].FileName(); got != "preview.jpeg" {
		t.Errorf("expected preview.jpeg, got %s", got)
	}
	if got := v.Images[1].FileName(); got != "11.jpeg" {
		t.Errorf("expected id fallback, got %s", got)
	}
}

func TestPrimaryFileFallsBackToFirst(t *testing.T) {
	v := ModelVersion{Files: []ModelFile{{Name: "a.bin"}, {Name: "b.bin"}}}
	f, ok := v.PrimaryFile()
	if !ok || f.Name != "a.bin" {
		t.Errorf("expected first file, got %+v, %v", f, ok)
	}

	if _, ok := (ModelVersion{}).PrimaryFile(); ok {
		t.Error("expected no primary file for empty version")
	}
}

func TestLoadVersionInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadVersion(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestImageFileNameStaysInDirectory(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://cdn.example.com/a/b/..", "7.jpeg"},
		{"https://cdn.example.com/", "7.jpeg"},
		{"https://cdn.example.com/x/evil%5Cname.png", "evil_name.png"},
		{"https://cdn.example.com/x/ok.png?width=450", "ok.png"},
	}

	for _, tt := range tests {
		if got := (Image{ID: 7, URL: tt.url}).FileName(); got != tt.want {
			t.Errorf("FileName(%q): expected %q, got %q", tt.url, tt.want, got)
		}
	}
}
