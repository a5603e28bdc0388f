package config

import (
	"fmt"
	"time"

	"bunkcore/pkg/domain"
)

// PriorityConfig tunes the deduplicator and priority resolver.
type PriorityConfig struct {
	// Keywords are matched case-insensitively as substrings.
	Keywords []string `yaml:"keywords" env:"KEYWORDS" envSeparator:"," validate:"min=1"`
	// PositionFloor is the lowest priority list position can reach.
	PositionFloor int `yaml:"position_floor" env:"POSITION_FLOOR" validate:"min=1,max=10"`
	// KeywordDemoted is the priority of non-keyword requests in keyword mode.
	KeywordDemoted int `yaml:"keyword_demoted" env:"KEYWORD_DEMOTED" validate:"min=1,max=9"`
	// MultiSourceBoost is added to confidence per extra corroborating source.
	MultiSourceBoost float64 `yaml:"multi_source_boost" env:"MULTI_SOURCE_BOOST" validate:"min=0,max=0.5"`
	// ReviewThreshold routes lower confidence requests to pending review.
	ReviewThreshold    float64 `yaml:"review_threshold" env:"REVIEW_THRESHOLD" validate:"min=0,max=1"`
	MaxGradeSpread     int     `yaml:"max_grade_spread" env:"MAX_GRADE_SPREAD" validate:"min=0"`
	MaxAgeSpreadMonths int     `yaml:"max_age_spread_months" env:"MAX_AGE_SPREAD_MONTHS" validate:"min=0"`
}

// DefaultPriority returns the documented priority defaults.
func DefaultPriority() PriorityConfig {
	return PriorityConfig{
		Keywords: []string{
			"must have", "very important", "top priority", "essential",
			"critical", "urgent", "first choice", "most important",
		},
		PositionFloor:      5,
		KeywordDemoted:     5,
		MultiSourceBoost:   0.05,
		ReviewThreshold:    0.6,
		MaxGradeSpread:     2,
		MaxAgeSpreadMonths: 24,
	}
}

func (c PriorityConfig) validate() error {
	if c.KeywordDemoted >= domain.PriorityMax {
		return domain.ConfigError{Field: "priority.keyword_demoted", Reason: "must be below the top tier"}
	}
	return nil
}

// PositionPriority maps a 1-based list position onto the priority scale.
// Position 1 is the top tier; the value never increases with position.
func (c PriorityConfig) PositionPriority(position int) int {
	if position < 1 {
		position = 1
	}
	p := domain.PriorityMax + 1 - position
	if p < c.PositionFloor {
		p = c.PositionFloor
	}
	return domain.ClampPriority(p)
}

// ResolverConfig tunes name resolution.
type ResolverConfig struct {
	MinConfidence   float64 `yaml:"min_confidence" env:"MIN_CONFIDENCE" validate:"min=0,max=1"`
	FuzzyRatio      float64 `yaml:"fuzzy_ratio" env:"FUZZY_RATIO" validate:"min=0,max=1"`
	SchoolBoost     float64 `yaml:"school_boost" env:"SCHOOL_BOOST" validate:"min=0,max=0.2"`
	SocialBoost     float64 `yaml:"social_boost" env:"SOCIAL_BOOST" validate:"min=0,max=0.2"`
	AgeBoost        float64 `yaml:"age_boost" env:"AGE_BOOST" validate:"min=0,max=0.2"`
	AmbiguityMargin float64 `yaml:"ambiguity_margin" env:"AMBIGUITY_MARGIN" validate:"min=0,max=0.5"`
	TieBreakTopN    int     `yaml:"tie_break_top_n" env:"TIE_BREAK_TOP_N" validate:"min=2,max=50"`
	CacheSize       int     `yaml:"cache_size" env:"CACHE_SIZE" validate:"min=1"`
	// Nicknames maps a canonical first name to its accepted short forms.
	Nicknames map[string][]string `yaml:"nicknames"`
}

// DefaultResolver returns the default resolver tuning.
func DefaultResolver() ResolverConfig {
	return ResolverConfig{
		MinConfidence:   0.65,
		FuzzyRatio:      0.8,
		SchoolBoost:     0.05,
		SocialBoost:     0.05,
		AgeBoost:        0.03,
		AmbiguityMargin: 0.05,
		TieBreakTopN:    10,
		CacheSize:       4096,
		Nicknames: map[string][]string{
			"alexander":   {"alex", "xander", "sasha"},
			"alexandra":   {"alex", "lexi", "sasha"},
			"benjamin":    {"ben", "benji", "benny"},
			"catherine":   {"cat", "cathy", "kate", "katie"},
			"charles":     {"charlie", "chuck"},
			"christopher": {"chris", "topher"},
			"daniel":      {"dan", "danny"},
			"elizabeth":   {"liz", "lizzie", "beth", "eliza", "betsy"},
			"emily":       {"em", "emmy"},
			"isabella":    {"bella", "izzy", "isa"},
			"jacob":       {"jake"},
			"jonathan":    {"jon", "jonny"},
			"joseph":      {"joe", "joey"},
			"katherine":   {"kate", "katie", "kat", "kathy"},
			"margaret":    {"maggie", "meg", "peggy"},
			"matthew":     {"matt"},
			"michael":     {"mike", "mikey"},
			"nicholas":    {"nick", "nicky"},
			"rebecca":     {"becca", "becky"},
			"robert":      {"rob", "bob", "bobby"},
			"samantha":    {"sam", "sammy"},
			"samuel":      {"sam", "sammy"},
			"william":     {"will", "billy", "liam"},
		},
	}
}

func (c ResolverConfig) validate() error {
	if c.MinConfidence > 1 || c.MinConfidence < 0 {
		return domain.ConfigError{Field: "resolver.min_confidence", Reason: "must be within [0,1]"}
	}
	return nil
}

// SplitStrategy names how oversized friend groups are split.
type SplitStrategy string

// Split strategies.
const (
	SplitBalanced   SplitStrategy = "balanced"
	SplitSequential SplitStrategy = "sequential"
)

// GraphConfig tunes the graph analyzer.
type GraphConfig struct {
	ReciprocalBoost float64 `yaml:"reciprocal_boost" env:"RECIPROCAL_BOOST" validate:"min=0,max=0.5"`
	// NoteMinConfidence and NoteMaxAge qualify a "resolved with family" note.
	NoteMinConfidence   float64       `yaml:"note_min_confidence" env:"NOTE_MIN_CONFIDENCE" validate:"min=0,max=1"`
	NoteMaxAge          time.Duration `yaml:"note_max_age" env:"NOTE_MAX_AGE"`
	GroupMinSize        int           `yaml:"group_min_size" env:"GROUP_MIN_SIZE" validate:"min=2"`
	GroupMaxSize        int           `yaml:"group_max_size" env:"GROUP_MAX_SIZE" validate:"min=2"`
	GroupCompleteness   float64       `yaml:"group_completeness" env:"GROUP_COMPLETENESS" validate:"min=0,max=1"`
	SubgroupMinSize     int           `yaml:"subgroup_min_size" env:"SUBGROUP_MIN_SIZE" validate:"min=2"`
	SplitStrategy       SplitStrategy `yaml:"split_strategy" env:"SPLIT_STRATEGY" validate:"oneof=balanced sequential"`
	FriendGroupPriority int           `yaml:"friend_group_priority" env:"FRIEND_GROUP_PRIORITY" validate:"min=1,max=10"`
}

// DefaultGraph returns the default graph tuning.
func DefaultGraph() GraphConfig {
	return GraphConfig{
		ReciprocalBoost:     0.05,
		NoteMinConfidence:   0.90,
		NoteMaxAge:          365 * 24 * time.Hour,
		GroupMinSize:        3,
		GroupMaxSize:        8,
		GroupCompleteness:   0.5,
		SubgroupMinSize:     2,
		SplitStrategy:       SplitBalanced,
		FriendGroupPriority: 7,
	}
}

func (c GraphConfig) validate() error {
	if c.GroupMaxSize < c.GroupMinSize {
		return domain.ConfigError{Field: "graph.group_max_size", Reason: "must not be below group_min_size"}
	}
	if c.SubgroupMinSize > c.GroupMaxSize {
		return domain.ConfigError{Field: "graph.subgroup_min_size", Reason: "must not exceed group_max_size"}
	}
	return nil
}

// ConstraintConfig tunes constraint construction.
type ConstraintConfig struct {
	SourceMultipliers map[domain.RequestSource]float64 `yaml:"source_multipliers"`
	// Diminishing weights the 1st, 2nd and 3rd-onward request of one requester.
	Diminishing           []float64 `yaml:"diminishing" env:"DIMINISHING" envSeparator:"," validate:"min=1"`
	HardCapacity          bool      `yaml:"hard_capacity" env:"HARD_CAPACITY"`
	CapacityPenalty       float64   `yaml:"capacity_penalty" env:"CAPACITY_PENALTY" validate:"min=0"`
	MustSatisfyOne        bool      `yaml:"must_satisfy_one" env:"MUST_SATISFY_ONE"`
	MustSatisfyOnePenalty float64   `yaml:"must_satisfy_one_penalty" env:"MUST_SATISFY_ONE_PENALTY" validate:"min=0"`
	AgeFlowWeight         float64   `yaml:"age_flow_weight" env:"AGE_FLOW_WEIGHT" validate:"min=0"`
	GradeCohesionWeight   float64   `yaml:"grade_cohesion_weight" env:"GRADE_COHESION_WEIGHT" validate:"min=0"`
	// MutualHardPairConfidence promotes mutual staff positives to HardPair.
	MutualHardPairConfidence float64 `yaml:"mutual_hard_pair_confidence" env:"MUTUAL_HARD_PAIR_CONFIDENCE" validate:"min=0,max=1"`
}

// DefaultConstraint returns the default constraint tuning.
func DefaultConstraint() ConstraintConfig {
	return ConstraintConfig{
		SourceMultipliers: map[domain.RequestSource]float64{
			domain.SourceFamily:    1.0,
			domain.SourceParent:    0.8,
			domain.SourceStaff:     1.5,
			domain.SourceCounselor: 1.5,
			domain.SourceSystem:    0.9,
		},
		Diminishing:              []float64{1.0, 0.7, 0.5},
		HardCapacity:             true,
		CapacityPenalty:          1000,
		MustSatisfyOne:           true,
		MustSatisfyOnePenalty:    50,
		AgeFlowWeight:            1.0,
		GradeCohesionWeight:      2.0,
		MutualHardPairConfidence: 0.95,
	}
}

func (c ConstraintConfig) validate() error {
	prev := 1.0
	for i, f := range c.Diminishing {
		if f <= 0 || f > prev {
			return domain.ConfigError{Field: fmt.Sprintf("constraint.diminishing[%d]", i), Reason: "factors must be in (0,1] and non-increasing"}
		}
		prev = f
	}
	for source, m := range c.SourceMultipliers {
		if m < 0 {
			return domain.ConfigError{Field: "constraint.source_multipliers." + string(source), Reason: "must not be negative"}
		}
	}
	return nil
}

// Multiplier returns the weight multiplier of a source, 1 when unset.
func (c ConstraintConfig) Multiplier(source domain.RequestSource) float64 {
	if m, ok := c.SourceMultipliers[source]; ok {
		return m
	}
	return 1
}

// DiminishingFactor returns the factor of the n-th (0-based) request of a requester.
func (c ConstraintConfig) DiminishingFactor(n int) float64 {
	if len(c.Diminishing) == 0 {
		return 1
	}
	if n >= len(c.Diminishing) {
		n = len(c.Diminishing) - 1
	}
	return c.Diminishing[n]
}

// SolverConfig tunes the solver and orchestrator.
type SolverConfig struct {
	TimeLimit     time.Duration `yaml:"time_limit" env:"TIME_LIMIT"`
	MaxIterations int           `yaml:"max_iterations" env:"MAX_ITERATIONS" validate:"min=0"`
	Seed          int64         `yaml:"seed" env:"SEED"`
	Workers       int           `yaml:"workers" env:"WORKERS" validate:"min=1,max=64"`
	PollInterval  time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	PollAttempts  int           `yaml:"poll_attempts" env:"POLL_ATTEMPTS" validate:"min=1"`
	LockTTL       time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
}

// DefaultSolver returns the default solver tuning.
func DefaultSolver() SolverConfig {
	return SolverConfig{
		TimeLimit:     30 * time.Second,
		MaxIterations: 20000,
		Seed:          1,
		Workers:       2,
		PollInterval:  time.Second,
		PollAttempts:  60,
		LockTTL:       10 * time.Minute,
	}
}

func (c SolverConfig) validate() error {
	if c.TimeLimit <= 0 {
		return domain.ConfigError{Field: "solver.time_limit", Reason: "must be positive"}
	}
	if c.PollInterval <= 0 {
		return domain.ConfigError{Field: "solver.poll_interval", Reason: "must be positive"}
	}
	if c.LockTTL < c.TimeLimit {
		return domain.ConfigError{Field: "solver.lock_ttl", Reason: "must cover the time limit"}
	}
	return nil
}
