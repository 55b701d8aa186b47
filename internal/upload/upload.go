// Package upload sinks base64 file payloads received over the socket onto
// local disk, grouped by message type, and hands back the public path the
// HTTP layer serves under /uploads/.
package upload

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"realtime/internal/domain"
)

type Sink struct {
	dir string
}

func NewSink(dir string) *Sink {
	return &Sink{dir: dir}
}

type Result struct {
	URL          string // relative URL, e.g. uploads/image/<uuid>.png
	FileName     string // stored name
	OriginalName string
}

// Save decodes and writes one upload. The stored name is a fresh uuid with
// the original extension so client-chosen names never touch the filesystem.
func (s *Sink) Save(fileName, messageType, fileData string) (*Result, error) {
	if fileData == "" || fileName == "" {
		return nil, domain.ErrValidation
	}
	if messageType == "" {
		messageType = "file"
	}

	raw, err := base64.StdEncoding.DecodeString(fileData)
	if err != nil {
		return nil, fmt.Errorf("decode file data: %w", err)
	}

	dir := filepath.Join(s.dir, filepath.Base(messageType))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	stored := uuid.NewString() + filepath.Ext(fileName)
	path := filepath.Join(dir, stored)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}

	return &Result{
		URL:          filepath.ToSlash(filepath.Join("uploads", filepath.Base(messageType), stored)),
		FileName:     stored,
		OriginalName: fileName,
	}, nil
}
