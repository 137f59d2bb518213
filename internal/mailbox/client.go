package mailbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/mailsift/mailsift/internal/model"
)

// Client wraps go-imap v2 and owns a single authenticated session to
// one mailbox. It is not safe for concurrent use; the watcher is the
// sole caller.
type Client struct {
	host     string
	port     int
	username string
	password string
	mailbox  string

	conn *imapclient.Client
}

// NewClient creates an IMAP client configuration for the INBOX of the
// given account. No connection is made until Connect.
func NewClient(host string, port int, username, password string) *Client {
	return &Client{
		host:     host,
		port:     port,
		username: username,
		password: password,
		mailbox:  "INBOX",
	}
}

// Connect dials the server over TLS, authenticates, and selects the
// mailbox. Bad credentials yield an AuthError; transport failures yield
// a NetworkError. Reconnecting over an existing session closes it first.
func (c *Client) Connect(_ context.Context) error {
	if c.conn != nil {
		c.Close()
	}

	addr := fmt.Sprintf("%s:%d", c.host, c.port)

	conn, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return &NetworkError{Op: "connect " + addr, Err: err}
	}

	if err := conn.Login(c.username, c.password).Wait(); err != nil {
		_ = conn.Logout().Wait()
		return &AuthError{
			Account: c.username,
			Message: fmt.Sprintf("login rejected: %v", err),
		}
	}

	if _, err := conn.Select(c.mailbox, nil).Wait(); err != nil {
		_ = conn.Logout().Wait()
		return &NetworkError{Op: "select " + c.mailbox, Err: err}
	}

	c.conn = conn
	return nil
}

// Close logs out and drops the session. Safe to call when disconnected.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Logout().Wait()
	c.conn = nil
	return err
}

// Unseen returns the UIDs of messages the current poll cycle should
// consider, in mailbox order. In "unseen" mode (the default) only
// messages without the \Seen flag are listed; in "all" mode every
// message in the mailbox is.
func (c *Client) Unseen(_ context.Context, all bool) ([]uint32, error) {
	if c.conn == nil {
		return nil, &NetworkError{Op: "search", Err: errNotConnected}
	}

	criteria := &imap.SearchCriteria{}
	if !all {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}

	data, err := c.conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, &NetworkError{Op: "search", Err: err}
	}

	uids := data.AllUIDs()
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint32(uid))
	}
	return out, nil
}

// Fetch downloads the full message for uid and parses its MIME
// structure into attachments. The body section is fetched with Peek so
// listing and fetching never set \Seen as a side effect; the flag is
// only stored after the pipeline fully processes the message.
func (c *Client) Fetch(_ context.Context, uid uint32) (*model.MailMessage, error) {
	if c.conn == nil {
		return nil, &NetworkError{Op: "fetch", Err: errNotConnected}
	}

	uidSet := imap.UIDSetNum(imap.UID(uid))

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	fetchCmd := c.conn.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msgData := fetchCmd.Next()
	if msgData == nil {
		return nil, &NetworkError{
			Op:  "fetch",
			Err: fmt.Errorf("message UID %d not found", uid),
		}
	}

	buf, err := msgData.Collect()
	if err != nil {
		return nil, &NetworkError{Op: "fetch", Err: err}
	}

	msg := messageFromBuffer(buf)

	if raw := buf.FindBodySection(bodySection); raw != nil {
		msg.Attachments = parseAttachments(raw, msg.UID)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, &NetworkError{Op: "fetch", Err: err}
	}

	return msg, nil
}

// MarkSeen adds the \Seen flag to a message. Called only after the
// pipeline has durably recorded the message as processed.
func (c *Client) MarkSeen(_ context.Context, uid uint32) error {
	if c.conn == nil {
		return &NetworkError{Op: "store flags", Err: errNotConnected}
	}

	uidSet := imap.UIDSetNum(imap.UID(uid))

	storeCmd := c.conn.Store(uidSet, &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return &NetworkError{Op: "store flags", Err: err}
	}
	return nil
}

var errNotConnected = fmt.Errorf("not connected")

// messageFromBuffer extracts envelope data from a FetchMessageBuffer.
func messageFromBuffer(buf *imapclient.FetchMessageBuffer) *model.MailMessage {
	msg := &model.MailMessage{
		UID: uint32(buf.UID),
	}

	if buf.Envelope != nil {
		msg.Subject = buf.Envelope.Subject
		msg.Date = buf.Envelope.Date

		if len(buf.Envelope.From) > 0 {
			from := buf.Envelope.From[0]
			if from.Name != "" {
				msg.From = fmt.Sprintf("%s <%s>", from.Name, from.Addr())
			} else {
				msg.From = from.Addr()
			}
		}
	}

	for _, flag := range buf.Flags {
		if strings.EqualFold(string(flag), string(imap.FlagSeen)) {
			msg.Seen = true
		}
	}

	return msg
}
