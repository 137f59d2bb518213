package mailbox

import (
	"bytes"
	"io"

	"github.com/emersion/go-message/mail"

	"github.com/mailsift/mailsift/internal/model"
)

// parseAttachments walks the raw RFC 2822 message with go-message and
// collects every part with an attachment disposition. Inline text and
// HTML bodies are ignored; the pipeline only consumes attachments.
// Parts that fail to read are skipped rather than failing the message.
func parseAttachments(raw []byte, uid uint32) []model.Attachment {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// A message the MIME reader cannot open carries no
		// recoverable attachments.
		return nil
	}
	defer mr.Close()

	var attachments []model.Attachment

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		h, ok := part.Header.(*mail.AttachmentHeader)
		if !ok {
			continue
		}

		filename, err := h.Filename()
		if err != nil || filename == "" {
			continue
		}
		contentType, _, _ := h.ContentType()

		data, err := io.ReadAll(part.Body)
		if err != nil || len(data) == 0 {
			continue
		}

		attachments = append(attachments, model.Attachment{
			Filename:    filename,
			ContentType: contentType,
			Data:        data,
			MessageUID:  uid,
		})
	}

	return attachments
}
