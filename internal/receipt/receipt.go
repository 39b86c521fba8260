// Package receipt reads confirmation receipts from the execution service and
// applies them to the payment ledger.
package receipt

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"disburse/internal/domain"
)

var ErrMalformed = errors.New("malformed receipt")

const namespace = "http://www.trygdeetaten.no/skjema/oppdrag"

type Receipt struct {
	Key         domain.PaymentKey
	Severity    string
	Code        string
	Description string
}

// Status is the confirmation the receipt reports. A receipt without a
// message block cannot be trusted and needs review.
func (r Receipt) Status() domain.PaymentStatus {
	if r.Severity == "" {
		return domain.PaymentConfirmedUnknown
	}
	return domain.StatusForSeverity(r.Severity)
}

// Fault is the detail to keep for a receipt that reports a problem.
func (r Receipt) Fault() *domain.Fault {
	if !r.Status().NeedsReview() {
		return nil
	}
	text := r.Description
	if text == "" {
		text = r.Code
	}
	return &domain.Fault{Code: r.Severity, Text: text}
}

type document struct {
	XMLName xml.Name `xml:"oppdrag"`
	Mmel    *struct {
		Alvorlighetsgrad string `xml:"alvorlighetsgrad"`
		KodeMelding      string `xml:"kodeMelding"`
		BeskrMelding     string `xml:"beskrMelding"`
	} `xml:"mmel"`
	Oppdrag struct {
		KodeFagomraade string `xml:"kodeFagomraade"`
		FagsystemID    string `xml:"fagsystemId"`
		IverksettingID string `xml:"iverksettingId"`
		Linjer         []struct {
			Henvisning string `xml:"henvisning"`
		} `xml:"oppdrags-linje-150"`
	} `xml:"oppdrag-110"`
}

func Parse(body []byte) (Receipt, error) {
	var doc document
	if err := xml.Unmarshal(normalize(body), &doc); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc.XMLName.Space != namespace {
		return Receipt{}, fmt.Errorf("%w: unexpected namespace %q", ErrMalformed, doc.XMLName.Space)
	}

	o := doc.Oppdrag
	system, err := domain.ParseSystem(strings.TrimSpace(o.KodeFagomraade))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	caseID := strings.TrimSpace(o.FagsystemID)
	if caseID == "" {
		return Receipt{}, fmt.Errorf("%w: missing fagsystemId", ErrMalformed)
	}
	var decisionID string
	for _, l := range o.Linjer {
		if h := strings.TrimSpace(l.Henvisning); h != "" {
			decisionID = h
			break
		}
	}
	if decisionID == "" {
		return Receipt{}, fmt.Errorf("%w: no line references a decision", ErrMalformed)
	}

	r := Receipt{Key: domain.PaymentKey{
		System:        system,
		CaseID:        caseID,
		DecisionID:    decisionID,
		InstructionID: strings.TrimSpace(o.IverksettingID),
	}}
	if doc.Mmel != nil {
		r.Severity = strings.TrimSpace(doc.Mmel.Alvorlighetsgrad)
		r.Code = strings.TrimSpace(doc.Mmel.KodeMelding)
		r.Description = strings.TrimSpace(doc.Mmel.BeskrMelding)
	}
	return r, nil
}

// normalize rewrites the default-namespace root some producers send into the
// prefixed form.
func normalize(body []byte) []byte {
	lower := bytes.ToLower(body)
	start := bytes.Index(lower, []byte("<oppdrag xmlns="))
	if start < 0 {
		return body
	}
	out := make([]byte, 0, len(body)+16)
	out = append(out, body[:start]...)
	out = append(out, "<ns2:oppdrag xmlns:ns2="...)
	rest := body[start+len("<oppdrag xmlns="):]
	if end := bytes.LastIndex(bytes.ToLower(rest), []byte("</oppdrag>")); end >= 0 {
		out = append(out, rest[:end]...)
		out = append(out, "</ns2:oppdrag>"...)
		out = append(out, rest[end+len("</oppdrag>"):]...)
	} else {
		out = append(out, rest...)
	}
	return out
}
