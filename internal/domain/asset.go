package domain

import (
	"fmt"
	"net/url"
	"strings"
)

// Variant selects which build of the asset archives is downloaded
type Variant int

const (
	VariantFull Variant = iota // Default: full resolution textures
	VariantLow                 // Reduced textures for low-end machines
)

func (v Variant) String() string {
	switch v {
	case VariantFull:
		return "full"
	case VariantLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParseVariant converts a string to Variant
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "", "full":
		return VariantFull, nil
	case "low":
		return VariantLow, nil
	default:
		return VariantFull, fmt.Errorf("%w: unknown download variant %q", ErrInvalidConfig, s)
	}
}

// Asset is one installable content package
type Asset struct {
	Username string `json:"username"`
	Kuid     Kuid   `json:"kuid"`
	SHA1     string `json:"sha1"`
	FileID   string `json:"fileId"`
	Revision int    `json:"revision"`
}

// URL returns the archive location of the asset below baseURL.
func (a Asset) URL(baseURL string, v Variant) string {
	return fmt.Sprintf("%s/%s/%s.zip?r=%d",
		strings.TrimRight(baseURL, "/"), v, url.PathEscape(a.FileID), a.Revision)
}

// ArchiveName is the file name the archive is stored under locally.
func (a Asset) ArchiveName() string {
	return a.FileID + ".zip"
}

// Manifest is the versioned list of assets published by the server
type Manifest struct {
	Assets       []Asset `json:"assets"`
	LastRevision int     `json:"lastRevision"`
}

// Since returns the assets newer than revision, preserving order.
func (m *Manifest) Since(revision int) []Asset {
	var out []Asset
	for _, a := range m.Assets {
		if a.Revision > revision {
			out = append(out, a)
		}
	}
	return out
}

// Merge returns a manifest holding the assets of m updated by next. Assets
// are matched by Kuid; entries of next replace those of m and new ones are
// appended in next's order. LastRevision is taken from next.
func (m *Manifest) Merge(next *Manifest) *Manifest {
	merged := &Manifest{LastRevision: next.LastRevision}
	index := make(map[Kuid]int)
	if m != nil {
		for _, a := range m.Assets {
			index[a.Kuid] = len(merged.Assets)
			merged.Assets = append(merged.Assets, a)
		}
	}
	for _, a := range next.Assets {
		if i, ok := index[a.Kuid]; ok {
			merged.Assets[i] = a
			continue
		}
		index[a.Kuid] = len(merged.Assets)
		merged.Assets = append(merged.Assets, a)
	}
	return merged
}
