package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realty-mail-engine/internal/auth"
	"realty-mail-engine/internal/config"
	"realty-mail-engine/internal/model"
)

func gmailServer(t *testing.T, mux *http.ServeMux) *GmailFetcher {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := NewGmailFetcher(config.GoogleConfig{APIEndpoint: srv.URL + "/", MaxMessages: 10})
	f.now = func() time.Time { return time.Unix(1714500000, 0) }
	return f
}

const messageWithAttachment = `{
  "id": "m1",
  "internalDate": "1714550400000",
  "payload": {
    "mimeType": "multipart/mixed",
    "headers": [
      {"name": "Subject", "value": "Signed purchase agreement for 12 Oak Street"},
      {"name": "From", "value": "Pat Buyer <Buyer@Example.com>"}
    ],
    "parts": [
      {"partId": "0", "mimeType": "text/html", "body": {"data": "%s"}},
      {"partId": "1", "mimeType": "application/pdf", "filename": "purchase_agreement.pdf", "body": {"attachmentId": "ANGj"}}
    ]
  }
}`

const messageWithoutAttachment = `{
  "id": "m2",
  "internalDate": "1714550500000",
  "payload": {"mimeType": "text/plain", "headers": [{"name": "Subject", "value": "hi"}], "body": {"data": "aGk="}}
}`

func TestGmailFetchNormalizesMessages(t *testing.T) {
	var query string
	body := base64.URLEncoding.EncodeToString([]byte("<p>Signed copy attached</p>"))

	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("q")
		assert.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"messages":[{"id":"m1"},{"id":"m2"}]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		fmt.Fprintf(w, messageWithAttachment, body)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, messageWithoutAttachment)
	})

	f := gmailServer(t, mux)
	batch, err := f.Fetch(context.Background(), Mailbox{Email: "agent@example.com", AccessToken: "at-1"}, "")
	require.NoError(t, err)

	assert.Equal(t, "has:attachment after:1714413600", query)
	require.Len(t, batch.Messages, 1)

	msg := batch.Messages[0]
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, model.Address{Name: "Pat Buyer", Email: "buyer@example.com"}, msg.From)
	assert.Equal(t, "Signed copy attached", msg.BodyText)
	assert.Equal(t, time.Unix(1714550400, 0).UTC(), msg.ReceivedAt)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "1", msg.Attachments[0].ID)
	assert.Equal(t, "purchase_agreement.pdf", msg.Attachments[0].FileName)

	assert.Equal(t, "1714550500", batch.NextSinceToken)
}

func TestGmailFetchUsesCursor(t *testing.T) {
	var query string
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query().Get("q")
		fmt.Fprint(w, `{}`)
	})

	f := gmailServer(t, mux)
	batch, err := f.Fetch(context.Background(), Mailbox{AccessToken: "at-1"}, "1714550400")
	require.NoError(t, err)
	assert.Equal(t, "has:attachment after:1714550400", query)
	assert.Empty(t, batch.Messages)
	assert.Equal(t, "1714550400", batch.NextSinceToken)
}

// backlogMailbox serves messages honouring the after: query, newest first,
// two ids per list page.
func backlogMailbox(t *testing.T, dates map[string]int64) *http.ServeMux {
	t.Helper()
	afterRE := regexp.MustCompile(`after:(\d+)`)

	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		m := afterRE.FindStringSubmatch(r.URL.Query().Get("q"))
		require.Len(t, m, 2)
		after, _ := strconv.ParseInt(m[1], 10, 64)

		var ids []string
		for _, id := range []string{"m3", "m2", "m1"} {
			if dates[id] > after {
				ids = append(ids, fmt.Sprintf(`{"id":%q}`, id))
			}
		}
		if r.URL.Query().Get("pageToken") == "" && len(ids) > 2 {
			fmt.Fprintf(w, `{"messages":[%s],"nextPageToken":"p2"}`, strings.Join(ids[:2], ","))
			return
		}
		if r.URL.Query().Get("pageToken") == "p2" {
			ids = ids[2:]
		}
		fmt.Fprintf(w, `{"messages":[%s]}`, strings.Join(ids, ","))
	})
	for id, sec := range dates {
		id, sec := id, sec
		mux.HandleFunc("/gmail/v1/users/me/messages/"+id, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{
  "id": %q,
  "internalDate": "%d",
  "payload": {
    "mimeType": "multipart/mixed",
    "headers": [{"name": "Subject", "value": "Disclosure %s"}, {"name": "From", "value": "seller@oakhomes.com"}],
    "parts": [{"partId": "1", "mimeType": "application/pdf", "filename": "%s.pdf", "body": {"attachmentId": "x"}}]
  }
}`, id, sec*1000, id, id)
		})
	}
	return mux
}

func TestGmailBacklogLargerThanLimitIsDrained(t *testing.T) {
	dates := map[string]int64{"m1": 1714500100, "m2": 1714500200, "m3": 1714500300}
	f := gmailServer(t, backlogMailbox(t, dates))
	f.maxMessages = 2
	mb := Mailbox{Email: "agent@example.com", AccessToken: "at-1"}

	first, err := f.Fetch(context.Background(), mb, "")
	require.NoError(t, err)
	require.Len(t, first.Messages, 2)
	assert.Equal(t, "m1", first.Messages[0].ID)
	assert.Equal(t, "m2", first.Messages[1].ID)
	assert.Equal(t, "1714500199", first.NextSinceToken)

	second, err := f.Fetch(context.Background(), mb, first.NextSinceToken)
	require.NoError(t, err)
	assert.Equal(t, "1714500300", second.NextSinceToken)

	third, err := f.Fetch(context.Background(), mb, second.NextSinceToken)
	require.NoError(t, err)
	assert.Empty(t, third.Messages)
	assert.Equal(t, "1714500300", third.NextSinceToken)

	seen := map[string]bool{}
	for _, b := range []*Batch{first, second, third} {
		for _, m := range b.Messages {
			seen[m.ID] = true
		}
	}
	assert.Equal(t, map[string]bool{"m1": true, "m2": true, "m3": true}, seen)
}

func TestGmailErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, `{"error":{"code":401,"message":"Invalid Credentials"}}`, auth.ErrReauthRequired},
		{http.StatusTooManyRequests, `{"error":{"code":429,"message":"slow down"}}`, ErrRateLimited},
		{http.StatusForbidden, `{"error":{"code":403,"message":"quota","errors":[{"reason":"userRateLimitExceeded"}]}}`, ErrRateLimited},
		{http.StatusServiceUnavailable, `{"error":{"code":503,"message":"backend"}}`, ErrNetworkFailure},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			})

			f := gmailServer(t, mux)
			_, err := f.Fetch(context.Background(), Mailbox{AccessToken: "at-1"}, "1")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestParseRFC822(t *testing.T) {
	raw := strings.Join([]string{
		"From: Pat Buyer <Buyer@Example.com>",
		"Subject: Inspection report",
		"Message-Id: <abc123@example.com>",
		"Date: Wed, 01 May 2024 08:00:00 +0000",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="XYZ"`,
		"",
		"--XYZ",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Report for 12 Oak Street attached.",
		"--XYZ",
		"Content-Type: application/pdf",
		`Content-Disposition: attachment; filename="inspection_report.pdf"`,
		"",
		"%PDF-1.4 fake",
		"--XYZ--",
		"",
	}, "\r\n")

	msg, err := parseRFC822(strings.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "abc123@example.com", msg.ID)
	assert.Equal(t, "Inspection report", msg.Subject)
	assert.Equal(t, "buyer@example.com", msg.From.Email)
	assert.Equal(t, "Report for 12 Oak Street attached.", msg.BodyText)
	assert.Equal(t, time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), msg.ReceivedAt)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "inspection_report.pdf", msg.Attachments[0].FileName)
	assert.Equal(t, "application/pdf", msg.Attachments[0].MIMEType)
	assert.Equal(t, "part-1", msg.Attachments[0].ID)
}

func TestNewerThan(t *testing.T) {
	assert.Equal(t, []uint32{11, 12}, newerThan([]uint32{10, 11, 12, 13}, 10, 2))
	assert.Empty(t, newerThan([]uint32{7}, 10, 5))
}
