// Package upload pushes result files to the backend in resumable chunks.
// Progress survives process restarts through a hidden sidecar file next to
// the source file.
package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

const sidecarSuffix = ".upload"

// Session is the persisted state of one upload. The server owns the chunk
// layout; UploadedChunks is only a local hint that gets reconciled against
// the server on resume.
type Session struct {
	UploadID       string `json:"upload_id"`
	Filename       string `json:"filename"`
	FilePath       string `json:"file_path"`
	Platform       string `json:"platform"`
	Version        string `json:"version"`
	TotalSize      int64  `json:"total_size"`
	ChunkSize      int64  `json:"chunk_size"`
	TotalChunks    int    `json:"total_chunks"`
	UploadedChunks []int  `json:"uploaded_chunks"`
}

// Matches reports whether the session belongs to this exact file and build.
// Any mismatch means the session is stale and must be discarded.
func (s *Session) Matches(filePath, platform, version string, totalSize int64) bool {
	return s.FilePath == filePath &&
		s.Platform == platform &&
		s.Version == version &&
		s.TotalSize == totalSize
}

// Has reports whether a chunk index is recorded as uploaded.
func (s *Session) Has(index int) bool {
	for _, uploaded := range s.UploadedChunks {
		if uploaded == index {
			return true
		}
	}
	return false
}

// MarkUploaded records a chunk index, keeping the list sorted and unique.
func (s *Session) MarkUploaded(index int) {
	if s.Has(index) {
		return
	}
	s.UploadedChunks = append(s.UploadedChunks, index)
	sort.Ints(s.UploadedChunks)
}

// SetUploaded replaces the local chunk hint with the server's view.
func (s *Session) SetUploaded(indices []int) {
	s.UploadedChunks = append([]int(nil), indices...)
	sort.Ints(s.UploadedChunks)
}

// MissingChunks returns the chunk indices still to send, in order.
func (s *Session) MissingChunks() []int {
	missing := make([]int, 0, s.TotalChunks-len(s.UploadedChunks))
	for index := 0; index < s.TotalChunks; index++ {
		if !s.Has(index) {
			missing = append(missing, index)
		}
	}
	return missing
}

// UploadedBytes returns the byte count covered by uploaded chunks. The last
// chunk may be short.
func (s *Session) UploadedBytes() int64 {
	if s.ChunkSize <= 0 {
		return 0
	}
	var total int64
	for _, index := range s.UploadedChunks {
		total += s.chunkLength(index)
	}
	return total
}

func (s *Session) chunkLength(index int) int64 {
	start := int64(index) * s.ChunkSize
	if start >= s.TotalSize {
		return 0
	}
	remaining := s.TotalSize - start
	if remaining < s.ChunkSize {
		return remaining
	}
	return s.ChunkSize
}

// SidecarPath returns the hidden session file path for a source file.
func SidecarPath(filePath string) string {
	dir := filepath.Dir(filePath)
	base := filepath.Base(filePath)
	return filepath.Join(dir, "."+base+sidecarSuffix)
}

// LoadSession reads the sidecar for a source file. A missing sidecar is not
// an error; an unreadable or corrupt one is reported so the caller can
// discard it.
func LoadSession(filePath string) (*Session, error) {
	raw, err := os.ReadFile(SidecarPath(filePath))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read upload session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode upload session: %w", err)
	}
	return &session, nil
}

// Save writes the sidecar atomically via temp-then-rename, so a crash mid
// write never leaves a truncated session behind.
func (s *Session) Save() error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode upload session: %w", err)
	}

	path := SidecarPath(s.FilePath)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, raw, 0o600); err != nil {
		return fmt.Errorf("write upload session: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("replace upload session: %w", err)
	}
	return nil
}

// DeleteSession removes the sidecar for a source file, if present.
func DeleteSession(filePath string) error {
	err := os.Remove(SidecarPath(filePath))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
