package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailsift/mailsift/internal/config"
	"github.com/mailsift/mailsift/internal/extract"
	"github.com/mailsift/mailsift/internal/mailbox"
	"github.com/mailsift/mailsift/internal/model"
	"github.com/mailsift/mailsift/internal/store"
	"github.com/mailsift/mailsift/internal/summarize"
	"github.com/mailsift/mailsift/tests/testutil"
)

type fakeSource struct {
	mu sync.Mutex

	connectErrs []error
	connects    int

	unseenErrs []error
	uids       []uint32
	unseens    int

	messages map[uint32]*model.MailMessage
	seen     map[uint32]bool
}

func newFakeSource(msgs ...*model.MailMessage) *fakeSource {
	s := &fakeSource{
		messages: make(map[uint32]*model.MailMessage),
		seen:     make(map[uint32]bool),
	}
	for _, m := range msgs {
		s.messages[m.UID] = m
		s.uids = append(s.uids, m.UID)
	}
	return s
}

func (s *fakeSource) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		return err
	}
	return nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) Unseen(context.Context, bool) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unseens++
	if len(s.unseenErrs) > 0 {
		err := s.unseenErrs[0]
		s.unseenErrs = s.unseenErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return append([]uint32(nil), s.uids...), nil
}

func (s *fakeSource) Fetch(_ context.Context, uid uint32) (*model.MailMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[uid]
	if !ok {
		return nil, &mailbox.NetworkError{Op: "fetch", Err: fmt.Errorf("no such uid %d", uid)}
	}
	return msg, nil
}

func (s *fakeSource) MarkSeen(_ context.Context, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[uid] = true
	return nil
}

func (s *fakeSource) seenUIDs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *fakeSource) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

type fakeExtractor struct {
	result extract.Result
	err    error
}

func (e fakeExtractor) Extract([]byte) (extract.Result, error) {
	return e.result, e.err
}

type fakeSummarizer struct {
	summary summarize.Summary
	err     error
	calls   int
}

func (s *fakeSummarizer) Summarize(context.Context, string) (summarize.Summary, error) {
	s.calls++
	if s.err != nil {
		return summarize.Summary{}, s.err
	}
	return s.summary, nil
}

func (s *fakeSummarizer) Model() string { return s.summary.Model }

func testConfig() *config.Config {
	return &config.Config{
		IMAPServer:           "mail.test",
		FetchMode:            "unseen",
		AllowedExtensions:    []string{".pdf", ".txt"},
		MaxAttachmentSize:    50 * 1024 * 1024,
		PollInterval:         5 * time.Millisecond,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 3,
	}
}

func pdfMessage(uid uint32, name string) *model.MailMessage {
	return &model.MailMessage{
		UID:     uid,
		From:    "sender@example.com",
		Subject: "invoice attached",
		Attachments: []model.Attachment{{
			Filename:    name,
			ContentType: "application/pdf",
			Data:        []byte("%PDF-1.4 payload"),
			MessageUID:  uid,
		}},
	}
}

func newTestWatcher(
	t *testing.T,
	src Source,
	ex Extractor,
	sum Summarizer,
) (*Watcher, *store.Tracker, *store.FileStore) {
	t.Helper()
	tracker := testutil.NewTestTracker(t)
	files := testutil.NewTestFileStore(t)
	w := New(src, tracker, files, ex, sum, testConfig(), zerolog.Nop())
	return w, tracker, files
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading %s: %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func outcomeOf(t *testing.T, tracker *store.Tracker, uid uint32) model.Outcome {
	t.Helper()
	rec, err := tracker.Record(context.Background(), uid)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec == nil {
		t.Fatalf("uid %d has no processed record", uid)
	}
	return rec.Outcome
}

func TestWatcher_SummarizesPDFAttachment(t *testing.T) {
	src := newFakeSource(pdfMessage(7, "report.pdf"))
	ex := fakeExtractor{result: extract.Result{Text: "Extracted body of the report.", Pages: 1}}
	sum := &fakeSummarizer{summary: summarize.Summary{
		Text:  "A concise abstract.",
		Model: "extractive-fast",
	}}

	w, tracker, files := newTestWatcher(t, src, ex, sum)
	if err := w.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	if got := outcomeOf(t, tracker, 7); got != model.OutcomeSummarized {
		t.Errorf("outcome = %q, want summarized", got)
	}
	if !src.seen[7] {
		t.Error("message should be flagged seen after processing")
	}

	names := dirEntries(t, files.Dir())
	wantFiles := map[string]bool{"report.pdf": false, "report_summary.txt": false}
	for _, n := range names {
		if _, ok := wantFiles[n]; ok {
			wantFiles[n] = true
		}
	}
	for n, found := range wantFiles {
		if !found {
			t.Errorf("expected %s in %v", n, names)
		}
	}

	data, err := os.ReadFile(filepath.Join(files.Dir(), "report_summary.txt"))
	if err != nil {
		t.Fatalf("reading summary: %v", err)
	}
	if !strings.Contains(string(data), "A concise abstract.") {
		t.Errorf("summary artifact missing text: %s", data)
	}
}

func TestWatcher_SavedWhenSummarySkipped(t *testing.T) {
	src := newFakeSource(pdfMessage(3, "scan.pdf"))
	ex := fakeExtractor{result: extract.Result{Text: "Some text.", Pages: 1}}
	sum := &fakeSummarizer{summary: summarize.Summary{
		Skipped: true,
		Reason:  "summarization disabled",
	}}

	w, tracker, files := newTestWatcher(t, src, ex, sum)
	if err := w.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	if got := outcomeOf(t, tracker, 3); got != model.OutcomeSaved {
		t.Errorf("outcome = %q, want saved", got)
	}
	for _, n := range dirEntries(t, files.Dir()) {
		if strings.HasSuffix(n, "_summary.txt") {
			t.Errorf("no summary artifact expected, found %s", n)
		}
	}
}

func TestWatcher_SavedWhenPDFHasNoText(t *testing.T) {
	src := newFakeSource(pdfMessage(4, "scanned.pdf"))
	ex := fakeExtractor{result: extract.Result{Pages: 2, HasImages: true}}
	sum := &fakeSummarizer{}

	w, tracker, _ := newTestWatcher(t, src, ex, sum)
	if err := w.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	if got := outcomeOf(t, tracker, 4); got != model.OutcomeSaved {
		t.Errorf("outcome = %q, want saved", got)
	}
	if sum.calls != 0 {
		t.Errorf("summarizer called %d times on empty extraction", sum.calls)
	}
}

func TestWatcher_FailedOnExtractionError(t *testing.T) {
	src := newFakeSource(pdfMessage(5, "broken.pdf"))
	ex := fakeExtractor{err: &extract.ParseError{Err: errors.New("malformed xref")}}
	sum := &fakeSummarizer{}

	w, tracker, files := newTestWatcher(t, src, ex, sum)
	if err := w.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	if got := outcomeOf(t, tracker, 5); got != model.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", got)
	}
	// The attachment itself is still persisted; only summarization failed.
	found := false
	for _, n := range dirEntries(t, files.Dir()) {
		if n == "broken.pdf" {
			found = true
		}
	}
	if !found {
		t.Error("attachment should be saved despite extraction failure")
	}
}

func TestWatcher_FailedOnInferenceError(t *testing.T) {
	src := newFakeSource(pdfMessage(6, "doc.pdf"))
	ex := fakeExtractor{result: extract.Result{Text: "Plenty of text here.", Pages: 1}}
	sum := &fakeSummarizer{err: &summarize.InferenceError{
		Model: "llama3",
		Err:   errors.New("timeout"),
	}}

	w, tracker, _ := newTestWatcher(t, src, ex, sum)
	if err := w.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	if got := outcomeOf(t, tracker, 6); got != model.OutcomeFailed {
		t.Errorf("outcome = %q, want failed", got)
	}
}

func TestWatcher_SkippedWhenNothingEligible(t *testing.T) {
	msg := &model.MailMessage{
		UID:  9,
		From: "sender@example.com",
		Attachments: []model.Attachment{{
			Filename:    "archive.zip",
			ContentType: "application/zip",
			Data:        []byte("zipzip"),
		}},
	}
	src := newFakeSource(msg)

	w, tracker, files := newTestWatcher(t, src, fakeExtractor{}, &fakeSummarizer{})
	if err := w.pollCycle(context.Background()); err != nil {
		t.Fatalf("pollCycle: %v", err)
	}

	if got := outcomeOf(t, tracker, 9); got != model.OutcomeSkipped {
		t.Errorf("outcome = %q, want skipped", got)
	}
	if n := dirEntries(t, files.Dir()); len(n) != 0 {
		t.Errorf("no files expected, found %v", n)
	}
}

func TestWatcher_SecondCycleIsIdempotent(t *testing.T) {
	src := newFakeSource(pdfMessage(11, "once.pdf"))
	ex := fakeExtractor{result: extract.Result{Text: "Document body text.", Pages: 1}}
	sum := &fakeSummarizer{summary: summarize.Summary{Text: "Abstract.", Model: "m"}}

	w, tracker, files := newTestWatcher(t, src, ex, sum)

	if err := w.pollCycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	firstFiles := dirEntries(t, files.Dir())
	firstCalls := sum.calls

	// The server may keep reporting the message; the tracker must not.
	if err := w.pollCycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if sum.calls != firstCalls {
		t.Errorf("summarizer re-invoked on processed message")
	}
	secondFiles := dirEntries(t, files.Dir())
	if len(secondFiles) != len(firstFiles) {
		t.Errorf("file count changed across cycles: %v -> %v", firstFiles, secondFiles)
	}
	count, err := tracker.CountProcessed(context.Background())
	if err != nil {
		t.Fatalf("CountProcessed: %v", err)
	}
	if count != 1 {
		t.Errorf("processed count = %d, want 1", count)
	}
}

func TestWatcher_AuthErrorIsFatal(t *testing.T) {
	src := newFakeSource()
	src.connectErrs = []error{&mailbox.AuthError{
		Account: "watcher@example.com",
		Message: "invalid credentials",
	}}

	w, _, _ := newTestWatcher(t, src, fakeExtractor{}, &fakeSummarizer{})

	err := w.Run(context.Background())
	if !mailbox.IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if w.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", w.State())
	}
	if src.connectCount() != 1 {
		t.Errorf("auth failure should not be retried, got %d attempts", src.connectCount())
	}
}

func TestWatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	src := newFakeSource()
	netErr := &mailbox.NetworkError{Op: "dial", Err: errors.New("connection refused")}
	src.connectErrs = []error{netErr, netErr, netErr, netErr}

	w, _, _ := newTestWatcher(t, src, fakeExtractor{}, &fakeSummarizer{})

	err := w.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "giving up") {
		t.Fatalf("expected give-up error, got %v", err)
	}
	if src.connectCount() != 3 {
		t.Errorf("connect attempts = %d, want 3", src.connectCount())
	}
	if w.State() != StateTerminated {
		t.Errorf("state = %s, want terminated", w.State())
	}
}

func TestWatcher_ReconnectsAfterNetworkError(t *testing.T) {
	src := newFakeSource(pdfMessage(21, "late.pdf"))
	src.unseenErrs = []error{
		&mailbox.NetworkError{Op: "search", Err: errors.New("broken pipe")},
	}
	ex := fakeExtractor{result: extract.Result{Text: "Body of the late arrival.", Pages: 1}}
	sum := &fakeSummarizer{summary: summarize.Summary{Text: "Late abstract.", Model: "m"}}

	w, tracker, _ := newTestWatcher(t, src, ex, sum)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for src.seenUIDs() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("message never processed after reconnect (run: %v)", <-done)
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := outcomeOf(t, tracker, 21); got != model.OutcomeSummarized {
		t.Errorf("outcome = %q, want summarized", got)
	}
	// First connect plus at least one reconnect after the poll fault.
	if src.connectCount() < 2 {
		t.Errorf("connect attempts = %d, want at least 2", src.connectCount())
	}
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	src := newFakeSource()
	w, _, _ := newTestWatcher(t, src, fakeExtractor{}, &fakeSummarizer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if w.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", w.State())
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 10 * time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{5, 160 * time.Second},
		{12, maxBackoff},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempt, base); got != c.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestIsPDF(t *testing.T) {
	cases := []struct {
		att  model.Attachment
		want bool
	}{
		{model.Attachment{Filename: "a.pdf"}, true},
		{model.Attachment{Filename: "A.PDF"}, true},
		{model.Attachment{Filename: "data", ContentType: "application/pdf"}, true},
		{model.Attachment{Filename: "a.txt", ContentType: "text/plain"}, false},
	}
	for _, c := range cases {
		if got := isPDF(c.att); got != c.want {
			t.Errorf("isPDF(%q/%s) = %v, want %v", c.att.Filename, c.att.ContentType, got, c.want)
		}
	}
}

func TestState_String(t *testing.T) {
	want := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateWatching:     "watching",
		StateReconnecting: "reconnecting",
		StateTerminated:   "terminated",
		State(99):         "unknown",
	}
	for s, name := range want {
		if s.String() != name {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), name)
		}
	}
}
