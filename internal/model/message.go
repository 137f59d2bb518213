package model

import "time"

// Outcome records how a mail message was handled by the pipeline.
type Outcome string

const (
	// OutcomeSaved means attachments were stored but no summary was produced.
	OutcomeSaved Outcome = "saved"

	// OutcomeSummarized means at least one attachment got a summary artifact.
	OutcomeSummarized Outcome = "summarized"

	// OutcomeSkipped means the message carried nothing the pipeline stores.
	OutcomeSkipped Outcome = "skipped"

	// OutcomeFailed means a per-document step failed after the attachment
	// bytes were already persisted. The message still counts as processed
	// so a permanently broken attachment never retries forever.
	OutcomeFailed Outcome = "failed"
)

// MailMessage is the pipeline's read-only view of a fetched mail message.
// The UID is assigned by the mail server and is unique per mailbox.
type MailMessage struct {
	UID         uint32
	From        string
	Subject     string
	Date        time.Time
	Seen        bool
	Attachments []Attachment
}

// Attachment holds one file payload carried by a mail message. The
// filename is whatever the sender declared and must not be trusted for
// uniqueness; collision handling belongs to the file store.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
	MessageUID  uint32
}

// ProcessedRecord is the durable mark that a message UID has been handled.
// A UID present in the record set is never reprocessed, even across
// restarts; this is the pipeline's exactly-once guarantee.
type ProcessedRecord struct {
	UID         uint32
	Outcome     Outcome
	ProcessedAt time.Time
}

// SummaryArtifact describes a generated summary for a stored attachment.
// It is derived data: deleting it and re-running the pipeline over the
// stored attachment regenerates it.
type SummaryArtifact struct {
	ID             string
	AttachmentPath string
	SummaryPath    string
	Model          string
	GeneratedAt    time.Time
}
