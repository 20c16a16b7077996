package voice

import "path/filepath"

// Voices are stored one directory per voice:
//
//	<voicesDir>/<language>/<key>/<key>.onnx
//	<voicesDir>/<language>/<key>/<key>.onnx.json
//
// The layout is deterministic from the voice key so the store and the
// downloader agree without coordination.

// Dir returns the directory holding the files for a voice.
func Dir(voicesDir string, desc Descriptor) string {
	return filepath.Join(voicesDir, desc.Language, desc.Key)
}

// FilePath returns the full path of one of a voice's files.
func FilePath(voicesDir string, desc Descriptor, suffix string) string {
	return filepath.Join(Dir(voicesDir, desc), desc.Key+suffix)
}

// ModelPath returns the path of the voice's ONNX model file, which is what
// the synthesis engine is pointed at.
func ModelPath(voicesDir string, desc Descriptor) string {
	return FilePath(voicesDir, desc, SuffixModel)
}
