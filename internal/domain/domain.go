package domain

import (
	"strings"
	"time"
)

// Work unit statuses as reported by the marketplace, plus Disposed, which is
// derived locally when a unit disappears from a full remote listing.
const (
	UnitAssignable   = "Assignable"
	UnitUnassignable = "Unassignable"
	UnitReviewable   = "Reviewable"
	UnitReviewing    = "Reviewing"
	UnitDisposed     = "Disposed"
)

const (
	AssignmentSubmitted = "Submitted"
	AssignmentApproved  = "Approved"
	AssignmentRejected  = "Rejected"
)

type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// WorkUnitType is immutable once registered. Identical attribute sets resolve
// to the same remote id, so equality of ids implies equality of attributes.
type WorkUnitType struct {
	ID             string                     `json:"id"`
	Title          string                     `json:"title"`
	Description    string                     `json:"description"`
	Reward         Price                      `json:"reward"`
	TimeLimit      time.Duration              `json:"time_limit"`
	AutopayDelay   time.Duration              `json:"autopay_delay"`
	Keywords       []string                   `json:"keywords,omitempty"`
	Qualifications []QualificationRequirement `json:"qualifications,omitempty"`
}

type QualificationRequirement struct {
	QualificationTypeID string  `json:"qualification_type_id"`
	Comparator          string  `json:"comparator"`
	IntegerValue        *int    `json:"integer_value,omitempty"`
	LocaleValue         *string `json:"locale_value,omitempty"`
	RequiredToPreview   bool    `json:"required_to_preview"`
}

type WorkUnit struct {
	ID             string    `json:"id"`
	TypeID         string    `json:"type_id"`
	Status         string    `json:"status"`
	CreationTime   time.Time `json:"creation_time"`
	ExpirationTime time.Time `json:"expiration_time"`
	// ApproxExpirationTime holds the locally computed expiration after an
	// extend or force-expire call, until the next sync learns the exact
	// server value.
	ApproxExpirationTime *time.Time `json:"approximate_expiration_time,omitempty"`
	MaxAssignments       int        `json:"max_assignments"`
	NumPending           int        `json:"num_pending"`
	NumAvailable         int        `json:"num_available"`
	NumCompleted         int        `json:"num_completed"`
	Annotation           string     `json:"annotation,omitempty"`
	Question             string     `json:"question,omitempty"`
}

// Expiration returns the best known expiration time. While a local
// approximation is outstanding it wins over the last exact server value, so
// consecutive extends accumulate instead of restarting from a stale baseline.
func (u WorkUnit) Expiration() time.Time {
	if u.ApproxExpirationTime != nil {
		return *u.ApproxExpirationTime
	}
	return u.ExpirationTime
}

// SubmittedCount is the unit's own bookkeeping of how many assignments have
// been turned in (completed plus those awaiting review).
func (u WorkUnit) SubmittedCount() int {
	return u.MaxAssignments - u.NumPending - u.NumAvailable
}

type Assignment struct {
	ID            string     `json:"id"`
	WorkUnitID    string     `json:"work_unit_id"`
	WorkerID      string     `json:"worker_id"`
	Status        string     `json:"status"`
	AcceptTime    time.Time  `json:"accept_time"`
	SubmitTime    time.Time  `json:"submit_time"`
	ApprovalTime  *time.Time `json:"approval_time,omitempty"`
	RejectionTime *time.Time `json:"rejection_time,omitempty"`
	AutopayTime   *time.Time `json:"autopay_time,omitempty"`
	Feedback      string     `json:"feedback,omitempty"`
	Answers       []Answer   `json:"answers,omitempty"`
}

// Final reports whether the assignment has reached a terminal status.
func (a Assignment) Final() bool {
	return a.Status == AssignmentApproved || a.Status == AssignmentRejected
}

// EffectiveStatus derives the status the caller should see: a submitted
// assignment whose autopay deadline has passed is already approved as far as
// the marketplace is concerned, even before the stored row catches up.
func (a Assignment) EffectiveStatus(now time.Time) string {
	if a.Status == AssignmentSubmitted && a.AutopayTime != nil && !now.Before(*a.AutopayTime) {
		return AssignmentApproved
	}
	return a.Status
}

// Answer kinds.
const (
	AnswerBlank        = "blank"
	AnswerFreeText     = "free_text"
	AnswerSelection    = "selection"
	AnswerUploadedFile = "uploaded_file"
)

// Answer is a closed sum over the four answer kinds. Kind selects which of
// the payload fields are meaningful. Identity is (assignment id, question id).
type Answer struct {
	AssignmentID   string `json:"assignment_id"`
	QuestionID     string `json:"question_id"`
	Kind           string `json:"kind"`
	FreeText       string `json:"free_text,omitempty"`
	SelectionID    string `json:"selection_id,omitempty"`
	OtherSelection string `json:"other_selection,omitempty"`
	UploadedKey    string `json:"uploaded_key,omitempty"`
	UploadedSize   int64  `json:"uploaded_size,omitempty"`
}

// ID returns the answer's composite identity.
func (a Answer) ID() string {
	return a.QuestionID + "-" + a.AssignmentID
}

// Worker carries only the id. Blocked state, message history and bonuses are
// derived by querying the mirror.
type Worker struct {
	ID string `json:"id"`
}

type QualificationType struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Description      string        `json:"description"`
	Keywords         []string      `json:"keywords,omitempty"`
	CreationTime     time.Time     `json:"creation_time"`
	Status           string        `json:"status"`
	Test             string        `json:"test,omitempty"`
	AnswerKey        string        `json:"answer_key,omitempty"`
	TestDuration     time.Duration `json:"test_duration,omitempty"`
	RetryDelay       time.Duration `json:"retry_delay,omitempty"`
	AutoGranted      bool          `json:"auto_granted"`
	AutoGrantedValue int           `json:"auto_granted_value,omitempty"`
	IsRequestable    bool          `json:"is_requestable"`
}

type Bonus struct {
	WorkerID     string    `json:"worker_id"`
	AssignmentID string    `json:"assignment_id"`
	Amount       float64   `json:"amount"`
	Currency     string    `json:"currency"`
	PaymentTime  time.Time `json:"payment_time"`
	Reason       string    `json:"reason,omitempty"`
}

type WorkerBlock struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

type WorkerMessage struct {
	WorkerID string    `json:"worker_id"`
	SendTime time.Time `json:"send_time"`
	Subject  string    `json:"subject"`
	Text     string    `json:"text"`
}

type NotificationRegistration struct {
	TypeID           string     `json:"type_id"`
	RegisteredTime   time.Time  `json:"registered_time"`
	Connected        bool       `json:"connected"`
	LastReceivedTime *time.Time `json:"last_received_time,omitempty"`
}

// NotificationEvent is one event delivered to the notification endpoint.
type NotificationEvent struct {
	EventType    string    `json:"event_type"`
	EventTime    time.Time `json:"event_time"`
	TypeID       string    `json:"type_id,omitempty"`
	WorkUnitID   string    `json:"work_unit_id,omitempty"`
	AssignmentID string    `json:"assignment_id,omitempty"`
}

// JoinKeywords flattens a keyword set into its stored comma form.
func JoinKeywords(keywords []string) string {
	return strings.Join(keywords, ",")
}

// SplitKeywords parses the stored comma form back into a keyword set.
func SplitKeywords(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
