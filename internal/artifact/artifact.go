// Package artifact reads the protected blob released by the download gate.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// Artifact is one read of the protected file. Data is returned unmodified.
type Artifact struct {
	Data    []byte
	Version string
	SHA256  string
}

// FileSource reads the artifact from disk on every call so an operator can
// replace the file without a restart.
type FileSource struct {
	path    string
	version string
}

// NewFileSource returns a source for path reporting version.
func NewFileSource(path, version string) *FileSource {
	return &FileSource{path: path, version: version}
}

// Path returns the artifact file path.
func (s *FileSource) Path() string { return s.path }

// Read loads the artifact bytes and computes their digest.
func (s *FileSource) Read(ctx context.Context) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	sum := sha256.Sum256(data)
	return Artifact{
		Data:    data,
		Version: s.version,
		SHA256:  hex.EncodeToString(sum[:]),
	}, nil
}

// Available reports whether the artifact file exists and is a regular file.
func (s *FileSource) Available() bool {
	info, err := os.Stat(s.path)
	return err == nil && info.Mode().IsRegular()
}
