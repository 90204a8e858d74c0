package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"strconv"

	"github.com/modelkeeper/modelkeeper/internal/util/sanitize"
)

// ModelVersion is one published version of a model as returned by the
// content API (GET /model-versions/{id}).
type ModelVersion struct {
	ID          int64       `json:"id"`
	ModelID     int64       `json:"modelId"`
	Name        string      `json:"name"`
	BaseModel   string      `json:"baseModel,omitempty"`
	DownloadURL string      `json:"downloadUrl,omitempty"`
	Model       ModelRef    `json:"model"`
	Files       []ModelFile `json:"files"`
	Images      []Image     `json:"images"`
}

// ModelRef is the parent model summary embedded in a version.
type ModelRef struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ModelFile is one downloadable file of a version.
type ModelFile struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Type        string  `json:"type,omitempty"`
	SizeKB      float64 `json:"sizeKB"`
	Primary     bool    `json:"primary,omitempty"`
	DownloadURL string  `json:"downloadUrl"`
}

// SizeBytes converts the reported size to bytes. The API rounds sizes, which
// is why downloads are validated with a tolerance.
func (f ModelFile) SizeBytes() int64 {
	return int64(f.SizeKB * 1024)
}

// Image is a preview image attached to a version.
type Image struct {
	ID     int64  `json:"id"`
	URL    string `json:"url"`
	Type   string `json:"type,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// FileName returns the last path segment of the image URL as a safe file
// name, falling back to the image id when the URL has none.
func (img Image) FileName() string {
	if u, err := url.Parse(img.URL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != ".." && base != "/" {
			return sanitize.Filename(base)
		}
	}
	return strconv.FormatInt(img.ID, 10) + ".jpeg"
}

// PrimaryFile returns the file flagged primary, or the first file.
func (v ModelVersion) PrimaryFile() (ModelFile, bool) {
	for _, f := range v.Files {
		if f.Primary {
			return f, true
		}
	}
	if len(v.Files) > 0 {
		return v.Files[0], true
	}
	return ModelFile{}, false
}

// LoadVersion reads a version record from a JSON file.
func LoadVersion(filename string) (*ModelVersion, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read version metadata: %w", err)
	}

	var v ModelVersion
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse version metadata %s: %w", filename, err)
	}
	return &v, nil
}
