package domain

// RequestSource identifies who expressed a request.
type RequestSource string

// Request sources.
const (
	SourceFamily    RequestSource = "family"
	SourceParent    RequestSource = "parent"
	SourceStaff     RequestSource = "staff"
	SourceCounselor RequestSource = "counselor"
	SourceSystem    RequestSource = "system"
)

// Authoritative reports whether the source is camp staff.
func (s RequestSource) Authoritative() bool {
	return s == SourceStaff || s == SourceCounselor
}

// SourceField is the raw intake field a request was parsed from.
type SourceField string

// Raw intake fields.
const (
	FieldShareBunkWith      SourceField = "share_bunk_with"
	FieldDoNotShareBunkWith SourceField = "do_not_share_bunk_with"
	FieldBunkingNotes       SourceField = "bunking_notes"
	FieldInternalNotes      SourceField = "internal_notes"
	FieldCounselorNotes     SourceField = "counselor_notes"
	FieldSocializeWith      SourceField = "socialize_with_best"
	FieldPriorYearBunkmates SourceField = "prior_year_bunkmates"
	// FieldGraph marks records synthesized by the graph analyzer.
	FieldGraph SourceField = "graph_analysis"
)

type fieldSpec struct {
	source  RequestSource
	allowed []RequestType
}

var noteTypes = []RequestType{RequestBunkWith, RequestNotBunkWith, RequestAgePreference}

var fieldSpecs = map[SourceField]fieldSpec{
	FieldShareBunkWith:      {source: SourceFamily, allowed: []RequestType{RequestBunkWith, RequestAgePreference}},
	FieldDoNotShareBunkWith: {source: SourceFamily, allowed: []RequestType{RequestNotBunkWith}},
	FieldBunkingNotes:       {source: SourceStaff, allowed: noteTypes},
	FieldInternalNotes:      {source: SourceStaff, allowed: noteTypes},
	FieldCounselorNotes:     {source: SourceCounselor, allowed: noteTypes},
	FieldSocializeWith:      {source: SourceParent, allowed: []RequestType{RequestAgePreference}},
	FieldPriorYearBunkmates: {source: SourceSystem, allowed: []RequestType{RequestPriorYearContinuity}},
}

// Known reports whether the field is a recognised intake field.
func (f SourceField) Known() bool {
	_, ok := fieldSpecs[f]
	return ok
}

// Source returns the author of the field.
func (f SourceField) Source() RequestSource {
	return fieldSpecs[f].source
}

// AllowedTypes returns the request types the field may yield.
func (f SourceField) AllowedTypes() []RequestType {
	return append([]RequestType(nil), fieldSpecs[f].allowed...)
}

// Allows reports whether a parsed type may originate from the field.
// spread_limited is derived from bunk_with and is accepted wherever bunk_with is.
func (f SourceField) Allows(t RequestType) bool {
	if f == FieldGraph {
		return false
	}
	if t == RequestSpreadLimited {
		t = RequestBunkWith
	}
	for _, allowed := range fieldSpecs[f].allowed {
		if allowed == t {
			return true
		}
	}
	return false
}

// Precedence ranks sources for deduplicating the same ordered pair across
// fields. Higher wins:
//
//	family bunk_with > family not_bunk_with > staff not_bunk_with >
//	staff notes > family age_preference > parent age_preference
func Precedence(source RequestSource, t RequestType) int {
	switch {
	case source == SourceFamily && (t == RequestBunkWith || t == RequestSpreadLimited):
		return 6
	case source == SourceFamily && t == RequestNotBunkWith:
		return 5
	case source.Authoritative() && t == RequestNotBunkWith:
		return 4
	case source.Authoritative():
		return 3
	case source == SourceFamily && t == RequestAgePreference:
		return 2
	case source == SourceParent && t == RequestAgePreference:
		return 1
	}
	return 0
}
