package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrecedenceOrdering(t *testing.T) {
	ordered := []struct {
		source RequestSource
		typ    RequestType
	}{
		{SourceFamily, RequestBunkWith},
		{SourceFamily, RequestNotBunkWith},
		{SourceStaff, RequestNotBunkWith},
		{SourceStaff, RequestBunkWith},
		{SourceFamily, RequestAgePreference},
		{SourceParent, RequestAgePreference},
	}
	for i := 1; i < len(ordered); i++ {
		hi := Precedence(ordered[i-1].source, ordered[i-1].typ)
		lo := Precedence(ordered[i].source, ordered[i].typ)
		assert.Greater(t, hi, lo, "%v/%v should outrank %v/%v", ordered[i-1].source, ordered[i-1].typ, ordered[i].source, ordered[i].typ)
	}
	assert.Equal(t, Precedence(SourceStaff, RequestNotBunkWith), Precedence(SourceCounselor, RequestNotBunkWith))
}

func TestSourceFieldAllowList(t *testing.T) {
	cases := []struct {
		field SourceField
		typ   RequestType
		want  bool
	}{
		{FieldShareBunkWith, RequestBunkWith, true},
		{FieldShareBunkWith, RequestNotBunkWith, false},
		{FieldShareBunkWith, RequestSpreadLimited, true},
		{FieldDoNotShareBunkWith, RequestBunkWith, false},
		{FieldDoNotShareBunkWith, RequestNotBunkWith, true},
		{FieldBunkingNotes, RequestNotBunkWith, true},
		{FieldSocializeWith, RequestBunkWith, false},
		{FieldSocializeWith, RequestAgePreference, true},
		{FieldPriorYearBunkmates, RequestPriorYearContinuity, true},
		{FieldPriorYearBunkmates, RequestBunkWith, false},
		{SourceField("unknown"), RequestBunkWith, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.field.Allows(tc.typ), "%s allows %s", tc.field, tc.typ)
	}
	assert.Equal(t, SourceCounselor, FieldCounselorNotes.Source())
	assert.True(t, FieldCounselorNotes.Source().Authoritative())
}

func TestFromCoarseIsMonotonicAndCoversEndpoints(t *testing.T) {
	assert.Equal(t, PriorityMin, FromCoarse(1))
	assert.Equal(t, PriorityMax, FromCoarse(4))
	prev := 0
	for tier := 1; tier <= 4; tier++ {
		got := FromCoarse(tier)
		assert.Greater(t, got, prev)
		prev = got
	}
	assert.Equal(t, PriorityMax, FromCoarse(9))
	assert.Equal(t, 10, ClampPriority(42))
	assert.Equal(t, 1, ClampPriority(-3))
}

func TestErrorMatching(t *testing.T) {
	err := error(UnsatisfiableLockGroupError{GroupID: "g1", Members: 13, Capacity: 12, Reason: "larger than every bunk"})
	require.True(t, errors.Is(err, ErrUnsatisfiableLockGroup))
	assert.Contains(t, err.Error(), "13 members")

	cfgErr := error(ConfigError{Field: "priority.top", Reason: "must be 10"})
	assert.True(t, errors.Is(cfgErr, ErrInvalidConfig))
	assert.False(t, errors.Is(cfgErr, ErrUnsatisfiableLockGroup))
}

func TestRuleViolationErrorNamesBlockingRule(t *testing.T) {
	err := RuleViolationError{Result: Result{Violations: []Violation{
		{Rule: "warn_only", Severity: SeverityWarn, Message: "meh"},
		{Rule: "request_self_reference", Severity: SeverityBlock, Message: "requester 3 targets itself"},
	}}}
	assert.Contains(t, err.Error(), "request_self_reference")
	assert.True(t, err.Result.HasBlocking())
}

func TestFlagForReviewKeepsReasonsUnique(t *testing.T) {
	var req BunkRequest
	req.FlagForReview("low confidence")
	req.FlagForReview("low confidence")
	req.FlagForReview("conflict")
	assert.True(t, req.RequiresManualReview)
	assert.Equal(t, []string{"low confidence", "conflict"}, req.ReviewReasons)
}
