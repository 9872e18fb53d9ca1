// Package classify labels attachments with a real-estate document type.
package classify

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"realty-mail-engine/internal/model"
)

// ErrUnavailable is returned by classifiers that cannot produce a result
var ErrUnavailable = errors.New("classifier unavailable")

// Classifier maps an attachment to a document type and confidence.
// Implementations must be pure with respect to their inputs.
type Classifier interface {
	Classify(ctx context.Context, msg model.EmailMessage, att model.Attachment) (model.Classification, error)
}

type rule struct {
	docType model.DocumentType
	phrases []string
}

// Rules are checked in order; more specific phrases come first.
var defaultRules = []rule{
	{model.DocClosingDisclosure, []string{"closing disclosure", "settlement statement", "alta statement"}},
	{model.DocPurchaseAgreement, []string{"purchase agreement", "purchase and sale", "purchase contract", "offer to purchase", "sales contract", "psa"}},
	{model.DocListingAgreement, []string{"listing agreement", "exclusive right to sell", "listing contract"}},
	{model.DocPreApproval, []string{"pre approval", "preapproval", "pre qualification", "prequalification"}},
	{model.DocInspectionReport, []string{"inspection report", "home inspection", "inspection"}},
	{model.DocAppraisal, []string{"appraisal report", "appraisal"}},
	{model.DocTitleReport, []string{"title commitment", "preliminary title", "title report", "title"}},
	{model.DocAddendum, []string{"addendum", "amendment", "counter offer", "counteroffer"}},
	{model.DocDisclosure, []string{"seller disclosure", "lead based paint", "disclosure"}},
}

// KeywordClassifier is a deterministic classifier matching filename and subject phrases
type KeywordClassifier struct {
	rules []rule
}

// NewKeywordClassifier creates a KeywordClassifier with the built-in rules
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{rules: defaultRules}
}

// Classify prefers filename evidence; a subject-only match is reported with lower confidence
func (k *KeywordClassifier) Classify(_ context.Context, msg model.EmailMessage, att model.Attachment) (model.Classification, error) {
	name := normalize(strings.TrimSuffix(att.FileName, extension(att.FileName)))
	subject := normalize(msg.Subject)

	for _, r := range k.rules {
		for _, phrase := range r.phrases {
			if containsPhrase(name, phrase) {
				conf := 0.85
				if strings.Contains(phrase, " ") {
					conf = 0.95
				}
				return model.Classification{DocumentType: r.docType, Confidence: conf}, nil
			}
		}
	}

	for _, r := range k.rules {
		for _, phrase := range r.phrases {
			if containsPhrase(subject, phrase) {
				return model.Classification{DocumentType: r.docType, Confidence: 0.6}, nil
			}
		}
	}

	return model.Unknown(), nil
}

func extension(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[i:]
	}
	return ""
}

// normalize lowercases s and turns every non-alphanumeric run into one space
func normalize(s string) string {
	var b strings.Builder
	space := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func containsPhrase(text, phrase string) bool {
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

// Safe wraps a Classifier so that failures degrade to an unknown document
// type. Transient failures are retried with exponential backoff first.
type Safe struct {
	inner   Classifier
	timeout time.Duration
	retries int
	backoff time.Duration
}

// NewSafe creates a Safe classifier
func NewSafe(inner Classifier, timeout time.Duration, retries int, backoff time.Duration) *Safe {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Safe{inner: inner, timeout: timeout, retries: retries, backoff: backoff}
}

// Classify never fails; an unavailable classifier yields model.Unknown()
func (s *Safe) Classify(ctx context.Context, msg model.EmailMessage, att model.Attachment) model.Classification {
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			delay := s.backoff * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return model.Unknown()
			}
		}

		c, err := s.classifyOnce(ctx, msg, att)
		if err == nil {
			if c.Confidence < 0 {
				c.Confidence = 0
			} else if c.Confidence > 1 {
				c.Confidence = 1
			}
			if c.DocumentType == "" {
				c.DocumentType = model.DocUnknown
			}
			return c
		}
		lastErr = err
	}

	logrus.WithFields(logrus.Fields{
		"message_id":    msg.ID,
		"attachment_id": att.ID,
	}).Warnf("Classification unavailable, treating attachment as unknown: %v", lastErr)
	return model.Unknown()
}

func (s *Safe) classifyOnce(ctx context.Context, msg model.EmailMessage, att model.Attachment) (c model.Classification, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrUnavailable
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.inner.Classify(ctx, msg, att)
}
