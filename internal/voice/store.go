package voice

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store reconciles the catalog against the voice files actually on disk.
// The filesystem is the source of truth: nothing is cached across calls.
type Store struct {
	voicesDir string
}

// NewStore creates a Store over the given voices directory.
func NewStore(voicesDir string) *Store {
	return &Store{voicesDir: voicesDir}
}

// VoicesDir returns the directory the store scans.
func (s *Store) VoicesDir() string {
	return s.voicesDir
}

// Reconcile computes the installed state for every descriptor in the
// catalog. A voice is installed if and only if every one of its files
// exists at the expected path with the declared size. The size comparison
// is a cheap integrity check, not a checksum.
func (s *Store) Reconcile(catalog *Catalog) map[string]InstalledState {
	states := make(map[string]InstalledState, len(catalog.Voices))
	for key, desc := range catalog.Voices {
		states[key] = s.Check(desc)
	}
	return states
}

// Check computes the installed state for a single descriptor.
func (s *Store) Check(desc Descriptor) InstalledState {
	state := InstalledState{Installed: true}
	for suffix, info := range desc.Files {
		path := FilePath(s.voicesDir, desc, suffix)
		st, err := os.Stat(path)
		if err != nil || (info.SizeBytes > 0 && st.Size() != info.SizeBytes) {
			state.Installed = false
			state.MissingFiles = append(state.MissingFiles, suffix)
		}
	}
	sort.Strings(state.MissingFiles)
	return state
}

// ListInstalled reverse-scans the voices directory independent of any
// catalog, so installed voices can be listed even when the catalog is
// unavailable. A voice counts as installed when both the model and its
// config sidecar are present.
func (s *Store) ListInstalled() ([]Descriptor, error) {
	entries, err := os.ReadDir(s.voicesDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan voices directory: %w", err)
	}

	var installed []Descriptor
	for _, langEntry := range entries {
		if !langEntry.IsDir() {
			continue
		}
		langDir := filepath.Join(s.voicesDir, langEntry.Name())
		voiceEntries, err := os.ReadDir(langDir)
		if err != nil {
			continue
		}
		for _, voiceEntry := range voiceEntries {
			if !voiceEntry.IsDir() {
				continue
			}
			key := voiceEntry.Name()
			desc, err := DescriptorFromKey(key)
			if err != nil {
				continue
			}
			if !s.hasBundle(langDir, key) {
				continue
			}
			desc.Language = langEntry.Name()
			installed = append(installed, desc)
		}
	}

	sort.Slice(installed, func(i, j int) bool { return installed[i].Key < installed[j].Key })
	return installed, nil
}

// hasBundle reports whether both bundle files exist under dir/key.
func (s *Store) hasBundle(langDir, key string) bool {
	for _, suffix := range []string{SuffixModel, SuffixConfig} {
		if _, err := os.Stat(filepath.Join(langDir, key, key+suffix)); err != nil {
			return false
		}
	}
	return true
}

// Remove deletes an installed voice's directory. Removing a voice that is
// not installed is not an error.
func (s *Store) Remove(desc Descriptor) error {
	dir := Dir(s.voicesDir, desc)
	// Refuse to remove anything outside the voices directory.
	if !strings.HasPrefix(filepath.Clean(dir), filepath.Clean(s.voicesDir)+string(filepath.Separator)) {
		return fmt.Errorf("voice directory %q escapes voices root", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove voice %s: %w", desc.Key, err)
	}
	return nil
}
