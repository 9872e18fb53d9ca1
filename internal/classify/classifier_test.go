package classify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"realty-mail-engine/internal/model"
)

func TestKeywordClassifier(t *testing.T) {
	k := NewKeywordClassifier()
	ctx := context.Background()

	cases := []struct {
		file    string
		subject string
		want    model.DocumentType
		conf    float64
	}{
		{"Purchase_Agreement-12-Oak-St.pdf", "", model.DocPurchaseAgreement, 0.95},
		{"signed PSA.pdf", "", model.DocPurchaseAgreement, 0.85},
		{"Closing Disclosure final.pdf", "", model.DocClosingDisclosure, 0.95},
		{"seller-disclosure.pdf", "", model.DocDisclosure, 0.95},
		{"inspection.pdf", "", model.DocInspectionReport, 0.85},
		{"Pre-Approval Letter.pdf", "", model.DocPreApproval, 0.95},
		{"scan0001.pdf", "Appraisal for 44 Elm Ave", model.DocAppraisal, 0.6},
		{"scan0001.pdf", "Lunch on Friday?", model.DocUnknown, 0},
		{"entitled.pdf", "", model.DocUnknown, 0},
	}

	for _, tc := range cases {
		t.Run(tc.file+"/"+tc.subject, func(t *testing.T) {
			got, err := k.Classify(ctx, model.EmailMessage{Subject: tc.subject}, model.Attachment{FileName: tc.file})
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got.DocumentType)
			assert.InDelta(t, tc.conf, got.Confidence, 1e-9)
		})
	}
}

type flakyClassifier struct {
	failures int
	calls    int
	panics   bool
}

func (f *flakyClassifier) Classify(ctx context.Context, msg model.EmailMessage, att model.Attachment) (model.Classification, error) {
	f.calls++
	if f.panics {
		panic("model crashed")
	}
	if f.calls <= f.failures {
		return model.Classification{}, ErrUnavailable
	}
	return model.Classification{DocumentType: model.DocAppraisal, Confidence: 1.4}, nil
}

func TestSafeRetriesThenSucceeds(t *testing.T) {
	inner := &flakyClassifier{failures: 2}
	s := NewSafe(inner, time.Second, 2, time.Millisecond)

	got := s.Classify(context.Background(), model.EmailMessage{}, model.Attachment{})
	assert.Equal(t, model.DocAppraisal, got.DocumentType)
	assert.Equal(t, 1.0, got.Confidence)
	assert.Equal(t, 3, inner.calls)
}

func TestSafeDegradesToUnknown(t *testing.T) {
	inner := &flakyClassifier{failures: 10}
	s := NewSafe(inner, time.Second, 1, time.Millisecond)

	got := s.Classify(context.Background(), model.EmailMessage{}, model.Attachment{})
	assert.Equal(t, model.Unknown(), got)
	assert.Equal(t, 2, inner.calls)
}

func TestSafeRecoversPanics(t *testing.T) {
	s := NewSafe(&flakyClassifier{panics: true}, time.Second, 0, 0)

	assert.NotPanics(t, func() {
		got := s.Classify(context.Background(), model.EmailMessage{}, model.Attachment{})
		assert.Equal(t, model.DocUnknown, got.DocumentType)
	})
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "pre approval letter", normalize("  Pre-Approval__Letter!! "))
	assert.True(t, errors.Is(ErrUnavailable, ErrUnavailable))
}
