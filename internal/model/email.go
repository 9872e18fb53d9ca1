package model

import (
	"strings"
	"time"
)

// DocumentType is the label the classifier assigns to an attachment
type DocumentType string

const (
	DocPurchaseAgreement DocumentType = "purchase_agreement"
	DocListingAgreement  DocumentType = "listing_agreement"
	DocInspectionReport  DocumentType = "inspection_report"
	DocAppraisal         DocumentType = "appraisal"
	DocClosingDisclosure DocumentType = "closing_disclosure"
	DocTitleReport       DocumentType = "title_report"
	DocAddendum          DocumentType = "addendum"
	DocDisclosure        DocumentType = "disclosure"
	DocPreApproval       DocumentType = "pre_approval"
	DocUnknown           DocumentType = "unknown"
)

// Address is a parsed mailbox address
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Domain returns the lowercased domain part of the address
func (a Address) Domain() string {
	at := strings.LastIndex(a.Email, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(a.Email[at+1:])
}

// EmailMessage is a provider-agnostic inbound message
type EmailMessage struct {
	ID          string       `json:"id"`
	From        Address      `json:"from"`
	Subject     string       `json:"subject"`
	BodyText    string       `json:"body_text"`
	ReceivedAt  time.Time    `json:"received_at"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is a file carried by an EmailMessage
type Attachment struct {
	ID                       string       `json:"id"`
	FileName                 string       `json:"file_name"`
	MIMEType                 string       `json:"mime_type"`
	SizeBytes                int64        `json:"size_bytes"`
	DocumentType             DocumentType `json:"document_type,omitempty"`
	ClassificationConfidence *float64     `json:"classification_confidence,omitempty"`
}

// Classification is the classifier output for one attachment
type Classification struct {
	DocumentType DocumentType `json:"document_type"`
	Confidence   float64      `json:"confidence"`
}

// Unknown returns the classification used when nothing better is available
func Unknown() Classification {
	return Classification{DocumentType: DocUnknown}
}

// Apply records the classification on the attachment
func (a *Attachment) Apply(c Classification) {
	a.DocumentType = c.DocumentType
	conf := c.Confidence
	a.ClassificationConfidence = &conf
}
