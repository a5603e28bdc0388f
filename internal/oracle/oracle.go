// Package oracle defines the natural-language interpretation contract used by
// the collector, with a local heuristic implementation and an HTTP client.
package oracle

import (
	"context"

	"bunkcore/pkg/domain"
)

// Context describes who wrote the text being interpreted.
type Context struct {
	SessionID   domain.SessionID `json:"session_id"`
	RequesterID domain.PersonID  `json:"requester_id"`
	AgeMonths   int              `json:"age_months,omitempty"`
	Grade       int              `json:"grade,omitempty"`
	// Roster lists the full names of the requester's session.
	Roster []string `json:"roster,omitempty"`
}

// Request is one raw intake field to interpret.
type Request struct {
	Text      string             `json:"text"`
	FieldType domain.SourceField `json:"field_type"`
	Context   Context            `json:"context"`
}

// Intent is one structured request candidate found in the text.
type Intent struct {
	RequestType domain.RequestType `json:"request_type"`
	// TargetName is empty when the intent names nobody (age preferences,
	// clarification requests).
	TargetName string `json:"target_name,omitempty"`
	// TargetID is set when the source already carries a person id, e.g.
	// prior-year bunkmates exported from the system of record.
	TargetID           domain.PersonID     `json:"target_id,omitempty"`
	Keywords           []string            `json:"keywords_found,omitempty"`
	ConfidenceHint     *float64            `json:"confidence_hint,omitempty"`
	ListPosition       int                 `json:"list_position"`
	NeedsClarification bool                `json:"needs_clarification"`
	TemporalInfo       string              `json:"temporal_info,omitempty"`
	Reasoning          string              `json:"reasoning,omitempty"`
	AgeDirection       domain.AgeDirection `json:"age_direction,omitempty"`
}

// Hint returns the confidence hint, 1 when the oracle gave none.
func (i Intent) Hint() float64 {
	if i.ConfidenceHint == nil {
		return 1
	}
	return domain.ClampConfidence(*i.ConfidenceHint)
}

// Oracle interprets request text. Implementations must be safe for
// concurrent use.
type Oracle interface {
	Parse(ctx context.Context, req Request) ([]Intent, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, req Request) ([]Intent, error)

// Parse implements Oracle.
func (f Func) Parse(ctx context.Context, req Request) ([]Intent, error) { return f(ctx, req) }

func confidence(v float64) *float64 { return &v }
