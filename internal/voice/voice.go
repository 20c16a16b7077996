// Package voice provides the domain model for Piper TTS voices: catalog
// parsing and validation, filtering, the deterministic on-disk layout, and
// the installed-state store.
package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Static errors for catalog parsing.
var (
	// ErrMalformedCatalog is returned when the catalog document is not valid JSON
	// or does not follow the expected structure.
	ErrMalformedCatalog = errors.New("voice: malformed catalog document")
	// ErrEmptyCatalog is returned when no valid voice entries were found.
	ErrEmptyCatalog = errors.New("voice: catalog contains no valid voices")
	// ErrVoiceNotFound is returned when a voice key is not present in the catalog.
	ErrVoiceNotFound = errors.New("voice: voice not found")
)

// File suffixes that make up a voice bundle: the ONNX model and its
// JSON parameter sidecar.
const (
	SuffixModel  = ".onnx"
	SuffixConfig = ".onnx.json"
)

// validate checks catalog entries; the remote document is untrusted input.
var validate = validator.New()

// FileInfo describes one file belonging to a voice bundle.
type FileInfo struct {
	// SizeBytes is the expected file size as declared by the catalog.
	SizeBytes int64 `json:"size_bytes" validate:"gte=0"`
	// MD5 is the catalog-declared digest. It is parsed and kept but not
	// verified; installation integrity is a size comparison.
	MD5 string `json:"md5_digest,omitempty"`
}

// Descriptor describes a single Piper voice as listed in the catalog.
// Descriptors are immutable once parsed.
type Descriptor struct {
	// Key is the unique identifier, e.g. "en_US-ryan-high".
	Key string `json:"key" validate:"required"`
	// Name is the human-readable speaker name, e.g. "Ryan".
	Name string `json:"name" validate:"required"`
	// Language is the language code, e.g. "en_US".
	Language string `json:"language" validate:"required"`
	// Quality is the quality tier.
	Quality string `json:"quality" validate:"required,oneof=x_low low medium high"`
	// Files maps the normalised suffix (".onnx", ".onnx.json") to file metadata.
	Files map[string]FileInfo `json:"files" validate:"required,min=1"`
	// SizeBytes is the total size of all files in the bundle.
	SizeBytes int64 `json:"size_bytes"`
}

// InstalledState is the derived installation state for one descriptor.
// It is recomputed from the filesystem on demand and never persisted.
type InstalledState struct {
	// Installed is true when every file exists locally with the declared size.
	Installed bool
	// MissingFiles lists the suffixes that are absent or size-mismatched.
	MissingFiles []string
}

// Catalog is the full set of known voices keyed by identifier, plus
// freshness metadata.
type Catalog struct {
	// Voices maps voice key to descriptor.
	Voices map[string]Descriptor
	// FetchedAt is when the catalog document was retrieved.
	FetchedAt time.Time
	// Stale is true when the catalog was served from an expired cache
	// because a network fetch failed.
	Stale bool
}

// rawEntry is the per-voice object in the upstream voices.json document.
type rawEntry struct {
	Key   string                 `json:"key"`
	Name  string                 `json:"name"`
	Files map[string]rawFileInfo `json:"files"`
}

type rawFileInfo struct {
	SizeBytes int64  `json:"size_bytes"`
	MD5Digest string `json:"md5_digest"`
}

// ParseCatalog parses the upstream voices.json document. The structure is
// nested language → speaker → quality → entry; file names are normalised to
// the ".onnx" / ".onnx.json" suffixes. Entries that fail validation are
// skipped: the document is untrusted input and a single bad entry must not
// poison the catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var doc map[string]map[string]map[string]rawEntry
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCatalog, err)
	}

	voices := make(map[string]Descriptor)
	for lang, speakers := range doc {
		for speaker, qualities := range speakers {
			for quality, entry := range qualities {
				desc, err := buildDescriptor(lang, speaker, quality, entry)
				if err != nil {
					continue
				}
				voices[desc.Key] = desc
			}
		}
	}

	if len(voices) == 0 {
		return nil, ErrEmptyCatalog
	}

	return &Catalog{Voices: voices, FetchedAt: time.Now()}, nil
}

// buildDescriptor converts one raw catalog entry into a validated Descriptor.
func buildDescriptor(lang, speaker, quality string, entry rawEntry) (Descriptor, error) {
	key := entry.Key
	if key == "" {
		key = fmt.Sprintf("%s-%s-%s", lang, speaker, quality)
	}
	name := entry.Name
	if name == "" {
		name = titleCase(speaker)
	}

	files := make(map[string]FileInfo)
	var total int64
	for filename, info := range entry.Files {
		var suffix string
		switch {
		case strings.HasSuffix(filename, SuffixConfig):
			suffix = SuffixConfig
		case strings.HasSuffix(filename, SuffixModel):
			suffix = SuffixModel
		default:
			// Licences, samples and other extras are not part of the bundle.
			continue
		}
		files[suffix] = FileInfo{SizeBytes: info.SizeBytes, MD5: info.MD5Digest}
		total += info.SizeBytes
	}

	desc := Descriptor{
		Key:       key,
		Name:      name,
		Language:  lang,
		Quality:   quality,
		Files:     files,
		SizeBytes: total,
	}

	if err := validate.Struct(desc); err != nil {
		return Descriptor{}, fmt.Errorf("invalid catalog entry %q: %w", key, err)
	}

	return desc, nil
}

// Get looks up a voice by its key.
func (c *Catalog) Get(key string) (Descriptor, error) {
	desc, ok := c.Voices[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrVoiceNotFound, key)
	}
	return desc, nil
}

// Filter returns descriptors matching all non-empty criteria, sorted by key.
func (c *Catalog) Filter(language, quality string) []Descriptor {
	var result []Descriptor
	for _, desc := range c.Voices {
		if language != "" && desc.Language != language {
			continue
		}
		if quality != "" && desc.Quality != quality {
			continue
		}
		result = append(result, desc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result
}

// Languages returns the sorted set of language codes present in the catalog.
func (c *Catalog) Languages() []string {
	seen := make(map[string]struct{})
	for _, desc := range c.Voices {
		seen[desc.Language] = struct{}{}
	}
	langs := make([]string, 0, len(seen))
	for lang := range seen {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}

// titleCase capitalises the first letter of an ASCII speaker name.
func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// DescriptorFromKey derives a minimal descriptor from a voice key alone.
// Keys follow the "language-speaker-quality" convention; this is used for
// degraded-mode listing when no catalog is available, so declared sizes are
// unknown (zero).
func DescriptorFromKey(key string) (Descriptor, error) {
	parts := strings.Split(key, "-")
	if len(parts) < 3 {
		return Descriptor{}, fmt.Errorf("%w: malformed key %q", ErrVoiceNotFound, key)
	}
	quality := parts[len(parts)-1]
	speaker := strings.Join(parts[1:len(parts)-1], "-")
	return Descriptor{
		Key:      key,
		Name:     titleCase(speaker),
		Language: parts[0],
		Quality:  quality,
		Files: map[string]FileInfo{
			SuffixModel:  {},
			SuffixConfig: {},
		},
	}, nil
}
