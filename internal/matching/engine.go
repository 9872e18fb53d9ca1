// Package matching ranks existing transactions and workspaces an inbound
// attachment plausibly belongs to.
package matching

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"realty-mail-engine/internal/model"
)

// Signal weights. weightSenderContact must stay strictly above the sum of
// the other three: an entity the sender is a contact of outranks any entity
// it is not.
const (
	weightSenderContact = 0.60
	weightSenderDomain  = 0.15
	weightTextOverlap   = 0.20
	weightStageFit      = 0.20
)

// Directory lists the entities matching reads from
type Directory interface {
	ListEntities(ctx context.Context) ([]model.EntitySnapshot, error)
}

// MatchError reports that candidates could not be computed. It is never fatal.
type MatchError struct {
	Err error
}

func (e *MatchError) Error() string {
	return fmt.Sprintf("matching unavailable: %v", e.Err)
}

func (e *MatchError) Unwrap() error {
	return e.Err
}

// Engine scores entities against a message and attachment
type Engine struct {
	dir      Directory
	minScore float64
}

// NewEngine creates an Engine. Candidates scoring below minScore are dropped.
func NewEngine(dir Directory, minScore float64) *Engine {
	return &Engine{dir: dir, minScore: minScore}
}

// stageFit lists the lifecycle stages each document type is expected in
var stageFit = map[model.DocumentType][]string{
	model.DocPurchaseAgreement: {model.StageLead, model.StageActive, model.StageUnderContract},
	model.DocListingAgreement:  {model.StageLead, model.StageActive},
	model.DocPreApproval:       {model.StageLead, model.StageActive},
	model.DocDisclosure:        {model.StageActive, model.StageUnderContract},
	model.DocInspectionReport:  {model.StageUnderContract},
	model.DocAppraisal:         {model.StageUnderContract},
	model.DocAddendum:          {model.StageUnderContract},
	model.DocTitleReport:       {model.StageUnderContract, model.StageClosing},
	model.DocClosingDisclosure: {model.StageUnderContract, model.StageClosing},
}

var freeMailDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"yahoo.com":      true,
	"outlook.com":    true,
	"hotmail.com":    true,
	"icloud.com":     true,
	"aol.com":        true,
	"proton.me":      true,
}

var stopWords = map[string]bool{
	"the": true, "and": true, "of": true, "for": true, "at": true, "on": true,
	"st": true, "street": true, "ave": true, "avenue": true, "rd": true, "road": true,
	"dr": true, "drive": true, "ln": true, "lane": true, "blvd": true, "ct": true,
	"way": true, "unit": true, "apt": true, "family": true, "home": true, "search": true,
}

// MatchAttachment returns candidates ranked by score, then most recent
// activity, then entity id. An empty result is valid.
func (e *Engine) MatchAttachment(ctx context.Context, msg model.EmailMessage, att model.Attachment, c model.Classification) ([]model.MatchCandidate, error) {
	entities, err := e.dir.ListEntities(ctx)
	if err != nil {
		return []model.MatchCandidate{}, &MatchError{Err: err}
	}

	sender := strings.ToLower(strings.TrimSpace(msg.From.Email))
	domain := msg.From.Domain()
	text := tokenSet(msg.Subject + " " + msg.BodyText + " " + att.FileName)

	candidates := make([]model.MatchCandidate, 0)
	for _, ent := range entities {
		var score float64
		var reasons []string

		contact, sameDomain := contactSignal(ent.ContactEmails, sender, domain)
		switch {
		case contact:
			score += weightSenderContact
			reasons = append(reasons, fmt.Sprintf("sender %s is a contact", sender))
		case sameDomain:
			score += weightSenderDomain
			reasons = append(reasons, fmt.Sprintf("sender domain %s matches a contact", domain))
		}

		if overlap, matched := textOverlap(ent.Label, text); overlap > 0 {
			score += weightTextOverlap * overlap
			reasons = append(reasons, fmt.Sprintf("message mentions %q", strings.Join(matched, " ")))
		}

		if c.DocumentType != model.DocUnknown && fits(c.DocumentType, ent.Stage) {
			score += weightStageFit * c.Confidence
			reasons = append(reasons, fmt.Sprintf("%s fits stage %s", c.DocumentType, ent.Stage))
		}

		score = round(math.Min(score, 1))
		if score <= 0 || score < e.minScore {
			continue
		}

		candidates = append(candidates, model.MatchCandidate{
			EntityType:     ent.Type,
			EntityID:       ent.ID,
			Label:          ent.Label,
			Score:          score,
			Rationale:      strings.Join(reasons, "; "),
			LastActivityAt: ent.LastActivityAt,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.EntityType < b.EntityType
	})

	return candidates, nil
}

var streetAddress = regexp.MustCompile(`(?i)\b\d{1,6}\s+(?:[a-z0-9]+\.?\s+){1,4}?(?:st|street|ave|avenue|rd|road|blvd|boulevard|dr|drive|ln|lane|ct|court|way|pl|place|ter|terrace|cir|circle)\b\.?`)

// ProposeNew builds the "create new" option offered alongside any candidates
func (e *Engine) ProposeNew(msg model.EmailMessage, att model.Attachment, c model.Classification) model.NewEntityProposal {
	address := streetAddress.FindString(msg.Subject)
	if address == "" {
		address = streetAddress.FindString(msg.BodyText)
	}

	switch c.DocumentType {
	case model.DocPurchaseAgreement, model.DocListingAgreement:
		if address != "" {
			stage := model.StageUnderContract
			if c.DocumentType == model.DocListingAgreement {
				stage = model.StageActive
			}
			return model.NewEntityProposal{
				Kind:      model.ActionCreateTransaction,
				Address:   strings.TrimSpace(address),
				Stage:     stage,
				Rationale: fmt.Sprintf("%s references %s", c.DocumentType, strings.TrimSpace(address)),
			}
		}
	}

	name := msg.From.Name
	if name == "" {
		name = msg.From.Email
	}
	return model.NewEntityProposal{
		Kind:      model.ActionCreateWorkspace,
		Name:      name,
		Stage:     model.StageLead,
		Rationale: fmt.Sprintf("no existing entity is linked to %s", msg.From.Email),
	}
}

func contactSignal(contacts []string, sender, domain string) (contact, sameDomain bool) {
	if sender == "" {
		return false, false
	}
	for _, c := range contacts {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == sender {
			return true, false
		}
		if domain != "" && !freeMailDomains[domain] && strings.HasSuffix(c, "@"+domain) {
			sameDomain = true
		}
	}
	return false, sameDomain
}

// textOverlap returns the share of the label's distinctive tokens found in text
func textOverlap(label string, text map[string]bool) (float64, []string) {
	tokens := tokens(label)
	if len(tokens) == 0 {
		return 0, nil
	}

	var matched []string
	for _, tok := range tokens {
		if text[tok] {
			matched = append(matched, tok)
		}
	}
	return float64(len(matched)) / float64(len(tokens)), matched
}

func tokens(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if stopWords[f] || seen[f] || (len(f) < 3 && !isNumber(f)) {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, t := range tokens(s) {
		set[t] = true
	}
	return set
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

func fits(docType model.DocumentType, stage string) bool {
	for _, s := range stageFit[docType] {
		if s == stage {
			return true
		}
	}
	return false
}

func round(f float64) float64 {
	return math.Round(f*10000) / 10000
}
