package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"realty-mail-engine/internal/config"
	"realty-mail-engine/internal/model"
)

const (
	defaultLookback = 24 * time.Hour
	listPageSize    = 500
)

// GmailFetcher reads messages with attachments through the Gmail REST API.
// Its cursor is the unix time of the newest message handed out. When more
// than maxMessages are pending, the oldest ones are returned first and the
// cursor stops short of the rest.
type GmailFetcher struct {
	apiEndpoint string
	maxMessages int64
	now         func() time.Time
}

// NewGmailFetcher creates a GmailFetcher
func NewGmailFetcher(cfg config.GoogleConfig) *GmailFetcher {
	limit := cfg.MaxMessages
	if limit <= 0 {
		limit = 50
	}
	return &GmailFetcher{
		apiEndpoint: cfg.APIEndpoint,
		maxMessages: limit,
		now:         time.Now,
	}
}

func (f *GmailFetcher) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})),
	}
	if f.apiEndpoint != "" {
		opts = append(opts, option.WithEndpoint(f.apiEndpoint))
	}
	return gmail.NewService(ctx, opts...)
}

// Fetch lists messages with attachments received after the cursor
func (f *GmailFetcher) Fetch(ctx context.Context, mb Mailbox, since string) (*Batch, error) {
	svc, err := f.service(ctx, mb.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	after := f.now().Add(-defaultLookback).Unix()
	if since != "" {
		if v, err := strconv.ParseInt(since, 10, 64); err == nil {
			after = v
		}
	}

	// Listing returns newest first; page to the end so the oldest pending
	// messages can be taken first.
	var ids []string
	call := svc.Users.Messages.List("me").
		Q(fmt.Sprintf("has:attachment after:%d", after)).
		MaxResults(listPageSize)
	err = call.Pages(ctx, func(resp *gmail.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, classifyAPIError(fmt.Errorf("failed to list messages: %w", err))
	}

	truncated := int64(len(ids)) > f.maxMessages
	if truncated {
		ids = ids[int64(len(ids))-f.maxMessages:]
	}

	batch := &Batch{Mailbox: mb.Email}
	newest := after
	for _, id := range ids {
		msg, err := svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		if err != nil {
			if mapped := classifyAPIError(err); abortsBatch(mapped) {
				return nil, fmt.Errorf("failed to get message %s: %w", id, mapped)
			}
			logrus.WithField("message_id", id).Warnf("Skipping unreadable message: %v", err)
			continue
		}

		if sec := msg.InternalDate / 1000; sec > newest {
			newest = sec
		}

		email := parseGmailMessage(msg)
		if len(email.Attachments) == 0 {
			continue
		}
		batch.Messages = append(batch.Messages, email)
	}

	// after: has second granularity. Unfetched messages may share the newest
	// fetched second, so step back one; the processed-message ledger absorbs
	// the overlap.
	if truncated && newest-1 > after {
		newest--
	}

	sort.SliceStable(batch.Messages, func(i, j int) bool {
		return batch.Messages[i].ReceivedAt.Before(batch.Messages[j].ReceivedAt)
	})
	batch.NextSinceToken = strconv.FormatInt(newest, 10)
	return batch, nil
}

// parseGmailMessage normalizes a full-format Gmail message
func parseGmailMessage(msg *gmail.Message) model.EmailMessage {
	email := model.EmailMessage{
		ID:         msg.Id,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}
	if msg.Payload == nil {
		return email
	}

	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			email.Subject = h.Value
		case "from":
			email.From = parseAddress(h.Value)
		}
	}

	var plain, htmlBody string
	var walk func(p *gmail.MessagePart)
	walk = func(p *gmail.MessagePart) {
		if p.Filename != "" {
			att := model.Attachment{
				ID:       p.PartId,
				FileName: p.Filename,
				MIMEType: p.MimeType,
			}
			if p.Body != nil {
				att.SizeBytes = p.Body.Size
			}
			email.Attachments = append(email.Attachments, att)
			return
		}
		if p.Body != nil && p.Body.Data != "" {
			switch {
			case strings.HasPrefix(p.MimeType, "text/plain") && plain == "":
				plain = decodeBase64URL(p.Body.Data)
			case strings.HasPrefix(p.MimeType, "text/html") && htmlBody == "":
				htmlBody = decodeBase64URL(p.Body.Data)
			}
		}
		for _, child := range p.Parts {
			walk(child)
		}
	}
	walk(msg.Payload)

	email.BodyText = plain
	if email.BodyText == "" && htmlBody != "" {
		email.BodyText = htmlToText(htmlBody)
	}
	return email
}

func decodeBase64URL(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

func parseAddress(v string) model.Address {
	addr, err := mail.ParseAddress(v)
	if err != nil {
		return model.Address{Email: strings.ToLower(strings.Trim(strings.TrimSpace(v), "<>"))}
	}
	return model.Address{Name: addr.Name, Email: strings.ToLower(addr.Address)}
}
