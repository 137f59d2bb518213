package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// StorageError indicates the destination directory cannot be written.
// It is fatal: continuing would silently drop attachment data.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error at %s: %v", e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err chains to a StorageError.
func IsStorageError(err error) bool {
	var storageErr *StorageError
	return errors.As(err, &storageErr)
}

// summarySuffix is the fixed naming convention for summary artifacts:
// the summary for X.pdf lives beside it as X_summary.txt.
const summarySuffix = "_summary.txt"

// FileStore persists attachment payloads and summary text under a
// single destination directory. Writes are atomic (temp file + rename)
// and never overwrite an existing file.
type FileStore struct {
	dir string
	log zerolog.Logger
}

// NewFileStore creates the destination directory if needed and returns
// a store rooted there.
func NewFileStore(dir string, log zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Path: dir, Err: err}
	}
	return &FileStore{dir: dir, log: log}, nil
}

// Dir returns the destination directory.
func (s *FileStore) Dir() string { return s.dir }

// SaveAttachment writes the attachment bytes under a collision-safe
// name and returns the final path. When a file of the same name already
// exists the name is disambiguated deterministically: first by
// suffixing the message UID, then by an incrementing counter. The full
// payload reaches disk or no file is created.
func (s *FileStore) SaveAttachment(
	uid uint32, filename string, data []byte,
) (string, error) {
	name := sanitizeFilename(filename)

	path, err := s.reservePath(name, uid)
	if err != nil {
		return "", err
	}

	if err := s.writeAtomic(path, data); err != nil {
		return "", err
	}

	s.log.Info().
		Uint32("uid", uid).
		Str("file", filepath.Base(path)).
		Int("bytes", len(data)).
		Msg("attachment saved")

	return path, nil
}

// SaveSummary writes summary text beside the attachment it describes,
// using the fixed _summary.txt suffix convention. The header carries
// the message context; the body is the summary followed by a bounded
// preview of the extracted text.
func (s *FileStore) SaveSummary(
	attachmentPath string, content SummaryContent,
) (string, error) {
	path := SummaryPathFor(attachmentPath)

	if err := s.writeAtomic(path, []byte(content.Render())); err != nil {
		return "", err
	}

	s.log.Info().
		Str("file", filepath.Base(path)).
		Str("model", content.Model).
		Msg("summary saved")

	return path, nil
}

// SummaryPathFor derives the deterministic summary path for an
// attachment path: X.pdf → X_summary.txt.
func SummaryPathFor(attachmentPath string) string {
	ext := filepath.Ext(attachmentPath)
	stem := strings.TrimSuffix(attachmentPath, ext)
	return stem + summarySuffix
}

// SummaryContent is everything rendered into a summary file.
type SummaryContent struct {
	OriginalName string
	From         string
	Subject      string
	Model        string
	GeneratedAt  time.Time
	Summary      string
	Preview      string
}

// previewLimit bounds the extracted-text preview appended to the file.
const previewLimit = 1000

// Render formats the summary file body.
func (c SummaryContent) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Document summary for: %s\n", c.OriginalName)
	fmt.Fprintf(&b, "From: %s\n", c.From)
	fmt.Fprintf(&b, "Subject: %s\n", c.Subject)
	fmt.Fprintf(&b, "Model: %s\n", c.Model)
	fmt.Fprintf(&b, "Generated: %s\n", c.GeneratedAt.Format(time.RFC3339))
	b.WriteString(strings.Repeat("-", 50) + "\n\n")
	b.WriteString(c.Summary)
	b.WriteString("\n")

	if c.Preview != "" {
		preview := c.Preview
		truncated := false
		if len(preview) > previewLimit {
			preview = preview[:previewLimit]
			truncated = true
		}
		b.WriteString("\n" + strings.Repeat("-", 50) + "\n")
		b.WriteString("CONTENT PREVIEW:\n")
		b.WriteString(preview)
		if truncated {
			fmt.Fprintf(&b, "\n... (document continues, %d characters total)", len(c.Preview))
		}
		b.WriteString("\n")
	}

	return b.String()
}

// reservePath picks a destination path that does not exist yet.
// The disambiguation order is fixed so reruns are deterministic:
// name.ext, name_u<uid>.ext, name_u<uid>_2.ext, name_u<uid>_3.ext, ...
func (s *FileStore) reservePath(name string, uid uint32) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidates := func(n int) string {
		switch n {
		case 0:
			return filepath.Join(s.dir, stem+ext)
		case 1:
			return filepath.Join(s.dir, fmt.Sprintf("%s_u%d%s", stem, uid, ext))
		default:
			return filepath.Join(s.dir, fmt.Sprintf("%s_u%d_%d%s", stem, uid, n, ext))
		}
	}

	for n := 0; ; n++ {
		path := candidates(n)
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			return path, nil
		}
		if err != nil {
			return "", &StorageError{Path: path, Err: err}
		}
	}
}

// writeAtomic writes data to a temporary file in the destination
// directory and renames it into place. Rename within one directory is
// atomic on POSIX filesystems, so a crash leaves either the complete
// file or nothing.
func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".mailsift-*")
	if err != nil {
		return &StorageError{Path: s.dir, Err: err}
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &StorageError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &StorageError{Path: path, Err: err}
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &StorageError{Path: path, Err: err}
	}

	return nil
}

var unsafeChars = regexp.MustCompile(`[^\w\-.]`)

// sanitizeFilename strips path separators and characters unsafe for the
// local filesystem while keeping the extension recognizable.
func sanitizeFilename(filename string) string {
	name := filepath.Base(filename)
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "attachment"
	}
	return name
}
