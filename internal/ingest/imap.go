package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"realty-mail-engine/internal/config"
	"realty-mail-engine/internal/model"
)

// imapSession is the part of *client.Client the fetcher drives
type imapSession interface {
	Authenticate(auth sasl.Client) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
	Terminate() error
}

// IMAPFetcher reads the inbox over IMAP, authenticating with OAUTHBEARER.
// Its cursor is the highest UID seen.
type IMAPFetcher struct {
	host        string
	port        int
	maxMessages int64
	dialTimeout time.Duration
	dial        func(addr string, timeout time.Duration) (imapSession, error)
	now         func() time.Time
}

// NewIMAPFetcher creates an IMAPFetcher for the configured host
func NewIMAPFetcher(cfg config.GoogleConfig) *IMAPFetcher {
	limit := cfg.MaxMessages
	if limit <= 0 {
		limit = 50
	}
	return &IMAPFetcher{
		host:        cfg.IMAPHost,
		port:        cfg.IMAPPort,
		maxMessages: limit,
		dialTimeout: 15 * time.Second,
		dial:        dialTLS,
		now:         time.Now,
	}
}

func dialTLS(addr string, timeout time.Duration) (imapSession, error) {
	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: timeout}, addr, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (f *IMAPFetcher) Fetch(ctx context.Context, mb Mailbox, since string) (*Batch, error) {
	addr := net.JoinHostPort(f.host, strconv.Itoa(f.port))
	c, err := f.dial(addr, f.dialTimeout)
	if err != nil {
		return nil, &IngestionError{Kind: KindNetworkFailure, Err: fmt.Errorf("failed to connect to IMAP server: %w", err)}
	}
	defer c.Logout()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Terminate()
		case <-done:
		}
	}()

	bearer := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: mb.Email,
		Token:    mb.AccessToken,
		Host:     f.host,
		Port:     f.port,
	})
	if err := c.Authenticate(bearer); err != nil {
		return nil, reauth("IMAP server rejected the access token", err)
	}

	if _, err := c.Select("INBOX", true); err != nil {
		return nil, &IngestionError{Kind: KindNetworkFailure, Err: fmt.Errorf("failed to select INBOX: %w", err)}
	}

	lastUID, _ := strconv.ParseUint(since, 10, 32)
	criteria := imap.NewSearchCriteria()
	if lastUID > 0 {
		criteria.Uid = new(imap.SeqSet)
		criteria.Uid.AddRange(uint32(lastUID)+1, 0)
	} else {
		criteria.Since = f.now().Add(-defaultLookback)
	}

	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, &IngestionError{Kind: KindNetworkFailure, Err: fmt.Errorf("failed to search messages: %w", err)}
	}

	batch := &Batch{Mailbox: mb.Email, NextSinceToken: since}
	uids = newerThan(uids, uint32(lastUID), f.maxMessages)
	if len(uids) == 0 {
		return batch, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchUid, imap.FetchInternalDate}

	messages := make(chan *imap.Message, len(uids))
	fetchDone := make(chan error, 1)
	go func() {
		fetchDone <- c.UidFetch(seqset, items, messages)
	}()

	highest := uint32(lastUID)
	for msg := range messages {
		if msg.Uid > highest {
			highest = msg.Uid
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		email, err := parseRFC822(body)
		if err != nil {
			logrus.WithField("uid", msg.Uid).Warnf("Failed to parse IMAP message: %v", err)
			continue
		}
		if email.ID == "" {
			email.ID = "uid-" + strconv.FormatUint(uint64(msg.Uid), 10)
		}
		if email.ReceivedAt.IsZero() {
			email.ReceivedAt = msg.InternalDate
		}
		if len(email.Attachments) > 0 {
			batch.Messages = append(batch.Messages, email)
		}
	}

	if err := <-fetchDone; err != nil {
		return nil, &IngestionError{Kind: KindNetworkFailure, Err: fmt.Errorf("failed to fetch messages: %w", err)}
	}

	batch.NextSinceToken = strconv.FormatUint(uint64(highest), 10)
	return batch, nil
}

// newerThan drops UIDs at or below last. A UID range "n:*" always matches the
// newest message even when its UID is below n.
func newerThan(uids []uint32, last uint32, limit int64) []uint32 {
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid > last {
			out = append(out, uid)
		}
	}
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out
}

// parseRFC822 normalizes a raw MIME message
func parseRFC822(r io.Reader) (model.EmailMessage, error) {
	var email model.EmailMessage

	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return email, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	email.Subject, _ = h.Subject()
	if id, err := h.MessageID(); err == nil {
		email.ID = id
	}
	if date, err := h.Date(); err == nil {
		email.ReceivedAt = date.UTC()
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.From = model.Address{Name: from[0].Name, Email: strings.ToLower(from[0].Address)}
	}

	var plain, htmlBody string
	index := 0
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return email, fmt.Errorf("failed to read part: %w", err)
		}

		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			content, err := io.ReadAll(p.Body)
			if err != nil {
				return email, fmt.Errorf("failed to read part body: %w", err)
			}
			switch {
			case ct == "text/plain" && plain == "":
				plain = string(content)
			case ct == "text/html" && htmlBody == "":
				htmlBody = string(content)
			}
		case *mail.AttachmentHeader:
			index++
			filename, _ := ph.Filename()
			ct, _, _ := ph.ContentType()
			size, err := io.Copy(io.Discard, p.Body)
			if err != nil {
				return email, fmt.Errorf("failed to read attachment: %w", err)
			}
			email.Attachments = append(email.Attachments, model.Attachment{
				ID:        "part-" + strconv.Itoa(index),
				FileName:  filename,
				MIMEType:  ct,
				SizeBytes: size,
			})
		}
	}

	email.BodyText = strings.TrimSpace(plain)
	if email.BodyText == "" && htmlBody != "" {
		email.BodyText = htmlToText(htmlBody)
	}
	return email, nil
}
