package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("creating file store: %v", err)
	}
	return fs
}

func TestFileStore_SaveAttachment(t *testing.T) {
	fs := newTestFileStore(t)

	path, err := fs.SaveAttachment(1, "invoice.pdf", []byte("pdf-bytes"))
	if err != nil {
		t.Fatalf("SaveAttachment: %v", err)
	}
	if filepath.Base(path) != "invoice.pdf" {
		t.Fatalf("unexpected filename: %s", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved file: %v", err)
	}
	if string(data) != "pdf-bytes" {
		t.Fatalf("payload mismatch: %q", data)
	}
}

func TestFileStore_CollisionKeepsBothPayloads(t *testing.T) {
	fs := newTestFileStore(t)

	first, err := fs.SaveAttachment(10, "report.pdf", []byte("first payload"))
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	second, err := fs.SaveAttachment(11, "report.pdf", []byte("second payload, longer"))
	if err != nil {
		t.Fatalf("second save: %v", err)
	}

	if first == second {
		t.Fatalf("collision not disambiguated: both at %s", first)
	}
	if filepath.Base(second) != "report_u11.pdf" {
		t.Fatalf("unexpected disambiguated name: %s", filepath.Base(second))
	}

	d1, _ := os.ReadFile(first)
	d2, _ := os.ReadFile(second)
	if len(d1) != len("first payload") || len(d2) != len("second payload, longer") {
		t.Fatalf("payload lengths not recoverable: %d, %d", len(d1), len(d2))
	}

	// Same name and same UID again falls back to the counter suffix.
	third, err := fs.SaveAttachment(11, "report.pdf", []byte("third"))
	if err != nil {
		t.Fatalf("third save: %v", err)
	}
	if filepath.Base(third) != "report_u11_2.pdf" {
		t.Fatalf("unexpected counter name: %s", filepath.Base(third))
	}
}

func TestFileStore_SanitizesFilenames(t *testing.T) {
	fs := newTestFileStore(t)

	path, err := fs.SaveAttachment(3, "../../etc/pass wd?.pdf", []byte("x"))
	if err != nil {
		t.Fatalf("SaveAttachment: %v", err)
	}

	name := filepath.Base(path)
	if strings.ContainsAny(name, "/? ") || strings.Contains(name, "..") {
		t.Fatalf("unsafe characters survived sanitization: %q", name)
	}
	if filepath.Dir(path) != fs.Dir() {
		t.Fatalf("file escaped destination directory: %s", path)
	}
}

func TestFileStore_NoTempFilesLeftBehind(t *testing.T) {
	fs := newTestFileStore(t)

	if _, err := fs.SaveAttachment(1, "a.txt", []byte("aaa")); err != nil {
		t.Fatalf("SaveAttachment: %v", err)
	}

	entries, err := os.ReadDir(fs.Dir())
	if err != nil {
		t.Fatalf("reading dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".mailsift-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestFileStore_SaveSummarySiblingPath(t *testing.T) {
	fs := newTestFileStore(t)

	attPath, err := fs.SaveAttachment(5, "contract.pdf", []byte("pdf"))
	if err != nil {
		t.Fatalf("SaveAttachment: %v", err)
	}

	sumPath, err := fs.SaveSummary(attPath, SummaryContent{
		OriginalName: "contract.pdf",
		From:         "legal@example.com",
		Subject:      "Signed contract",
		Model:        "extractive-fast",
		GeneratedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Summary:      "This document is a legal agreement.",
		Preview:      "AGREEMENT between the parties...",
	})
	if err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}

	if filepath.Base(sumPath) != "contract_summary.txt" {
		t.Fatalf("unexpected summary name: %s", filepath.Base(sumPath))
	}

	data, err := os.ReadFile(sumPath)
	if err != nil {
		t.Fatalf("reading summary: %v", err)
	}
	body := string(data)
	for _, want := range []string{
		"contract.pdf",
		"legal@example.com",
		"This document is a legal agreement.",
		"CONTENT PREVIEW",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("summary file missing %q:\n%s", want, body)
		}
	}
}

func TestSummaryPathFor(t *testing.T) {
	cases := map[string]string{
		"/data/report.pdf":     "/data/report_summary.txt",
		"/data/report_u7.pdf":  "/data/report_u7_summary.txt",
		"/data/noextension":    "/data/noextension_summary.txt",
		"relative/invoice.PDF": "relative/invoice_summary.txt",
	}
	for in, want := range cases {
		if got := SummaryPathFor(in); got != want {
			t.Errorf("SummaryPathFor(%q) = %q, want %q", in, got, want)
		}
	}
}
