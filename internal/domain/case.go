package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Stage is one phase of the pipeline state machine.
type Stage string

const (
	StageDetection  Stage = "Detection"
	StageAnalysis   Stage = "Analysis"
	StagePrevention Stage = "Prevention"
	StageLearning   Stage = "Learning"
)

// Rank returns the position of the stage in the pipeline order, or -1.
func (s Stage) Rank() int {
	switch s {
	case StageDetection:
		return 0
	case StageAnalysis:
		return 1
	case StagePrevention:
		return 2
	case StageLearning:
		return 3
	}
	return -1
}

// Classification is the disposition of a case.
type Classification string

const (
	// ClassificationUnclassified marks a case that has not reached a verdict yet.
	ClassificationUnclassified Classification = "Unclassified"

	ClassificationAutoPrevented      Classification = "AutoPrevented"
	ClassificationNeedsInvestigation Classification = "NeedsInvestigation"
	ClassificationReleased           Classification = "Released"
)

// Valid reports whether c is a known classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationUnclassified, ClassificationAutoPrevented,
		ClassificationNeedsInvestigation, ClassificationReleased:
		return true
	}
	return false
}

// CaseStatus is the externally visible status of a case.
type CaseStatus string

const (
	// StatusProcessing marks an in-flight case.
	StatusProcessing CaseStatus = "Processing"

	StatusPrevented     CaseStatus = "Prevented"
	StatusPendingReview CaseStatus = "PendingReview"
	StatusReleased      CaseStatus = "Released"
)

// ActionKind is the fixed kind of automated or reviewed action.
type ActionKind string

const (
	ActionBlocked       ActionKind = "Blocked"
	ActionPaymentHeld   ActionKind = "PaymentHeld"
	ActionAccountLocked ActionKind = "AccountLocked"
	ActionEscalated     ActionKind = "Escalated"
	ActionNone          ActionKind = "None"
)

// ActionKinds lists every action kind in a stable order.
var ActionKinds = []ActionKind{
	ActionBlocked,
	ActionPaymentHeld,
	ActionAccountLocked,
	ActionEscalated,
	ActionNone,
}

// Blocked action variants.
const (
	VariantReject = "reject"
	VariantClaim  = "claim"
)

// Action is the action taken on a case.
type Action struct {
	Kind        ActionKind `json:"kind"`
	Variant     string     `json:"variant,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Transition is one entry of a case's append-only history.
type Transition struct {
	Stage          Stage          `json:"stage"`
	Classification Classification `json:"classification"`
	Status         CaseStatus     `json:"status"`
	Actor          string         `json:"actor"`
	Note           string         `json:"note,omitempty"`
	At             time.Time      `json:"at"`
}

// Actors recorded in case history.
const (
	ActorPipeline = "pipeline"
	ActorRecovery = "recovery"
)

// Case is the record of a single event's journey through the pipeline.
type Case struct {
	ID      string `json:"id"`
	EventID string `json:"eventId"`
	Domain  string `json:"domain"`

	Stage          Stage          `json:"stage"`
	Classification Classification `json:"classification"`
	Status         CaseStatus     `json:"status"`
	Action         Action         `json:"action"`
	Rule           RuleName       `json:"rule,omitempty"`

	Assessment     *RiskAssessment `json:"assessment,omitempty"`
	ComplexPattern bool            `json:"complexPattern"`
	RequiresReview bool            `json:"requiresReview"`
	CanOverride    bool            `json:"canOverride"`

	// Set when the Prevention stage resolves
	ResponseLatency time.Duration `json:"responseLatency"`
	DecidedAt       *time.Time    `json:"decidedAt,omitempty"`

	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`

	ReviewedBy string       `json:"reviewedBy,omitempty"`
	History    []Transition `json:"history"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewCase creates an in-flight case at the Detection stage.
func NewCase(id string, ev Event, now time.Time) *Case {
	c := &Case{
		ID:             id,
		EventID:        ev.ID,
		Domain:         ev.Domain,
		Stage:          StageDetection,
		Classification: ClassificationUnclassified,
		Status:         StatusProcessing,
		Action:         Action{Kind: ActionNone},
		Amount:         ev.Amount,
		Currency:       ev.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c.Record(ActorPipeline, "event accepted", now)
	return c
}

// Record appends the current state to the case history.
func (c *Case) Record(actor, note string, at time.Time) {
	c.History = append(c.History, Transition{
		Stage:          c.Stage,
		Classification: c.Classification,
		Status:         c.Status,
		Actor:          actor,
		Note:           note,
		At:             at,
	})
	c.UpdatedAt = at
}

// Terminal reports whether no further automated or reviewed transition applies.
func (c *Case) Terminal() bool {
	return c.Classification == ClassificationReleased
}

// InFlight reports whether the case has not reached a verdict yet.
func (c *Case) InFlight() bool {
	return c.Classification == ClassificationUnclassified
}

// Clone returns a deep copy of the case.
func (c *Case) Clone() *Case {
	out := *c
	out.History = slices.Clone(c.History)
	if c.Assessment != nil {
		a := *c.Assessment
		a.Factors = slices.Clone(c.Assessment.Factors)
		out.Assessment = &a
	}
	if c.DecidedAt != nil {
		t := *c.DecidedAt
		out.DecidedAt = &t
	}
	return &out
}

// LearningState holds the process-wide retraining feedback counters.
type LearningState struct {
	RetrainCount        int64      `json:"retrainCount"`
	LastRetrain         *time.Time `json:"lastRetrain,omitempty"`
	AccuracyImprovement float64    `json:"accuracyImprovement"` // percentage points
}
