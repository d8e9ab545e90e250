package wire

import (
	"time"

	"crowdmirror/internal/domain"
)

// WorkUnitRecord is the flat projection of one remote work unit. Listing and
// point-fetch responses inline the owning type's attributes, so the record
// carries both.
type WorkUnitRecord struct {
	ID             string
	TypeID         string
	Status         string
	CreationTime   time.Time
	ExpirationTime time.Time
	MaxAssignments int
	NumPending     int
	NumAvailable   int
	NumCompleted   int
	Annotation     string
	Question       string

	Title          string
	Description    string
	Reward         domain.Price
	TimeLimit      time.Duration
	AutopayDelay   time.Duration
	Keywords       []string
	Qualifications []domain.QualificationRequirement
}

// Unit converts the record into its work-unit entity.
func (r WorkUnitRecord) Unit() domain.WorkUnit {
	return domain.WorkUnit{
		ID:             r.ID,
		TypeID:         r.TypeID,
		Status:         r.Status,
		CreationTime:   r.CreationTime,
		ExpirationTime: r.ExpirationTime,
		MaxAssignments: r.MaxAssignments,
		NumPending:     r.NumPending,
		NumAvailable:   r.NumAvailable,
		NumCompleted:   r.NumCompleted,
		Annotation:     r.Annotation,
		Question:       r.Question,
	}
}

// Type converts the record's inlined type attributes into a work-unit type.
// Listing responses omit qualification requirements, so the result may be
// partial; callers needing full detail must point-fetch.
func (r WorkUnitRecord) Type() domain.WorkUnitType {
	return domain.WorkUnitType{
		ID:             r.TypeID,
		Title:          r.Title,
		Description:    r.Description,
		Reward:         r.Reward,
		TimeLimit:      r.TimeLimit,
		AutopayDelay:   r.AutopayDelay,
		Keywords:       r.Keywords,
		Qualifications: r.Qualifications,
	}
}

// AssignmentRecord is the flat projection of one remote assignment, answers
// included.
type AssignmentRecord struct {
	ID            string
	WorkUnitID    string
	WorkerID      string
	Status        string
	AcceptTime    time.Time
	SubmitTime    time.Time
	ApprovalTime  *time.Time
	RejectionTime *time.Time
	AutopayTime   *time.Time
	Feedback      string
	Answers       []domain.Answer
}

// Assignment converts the record into its entity.
func (r AssignmentRecord) Assignment() domain.Assignment {
	return domain.Assignment{
		ID:            r.ID,
		WorkUnitID:    r.WorkUnitID,
		WorkerID:      r.WorkerID,
		Status:        r.Status,
		AcceptTime:    r.AcceptTime,
		SubmitTime:    r.SubmitTime,
		ApprovalTime:  r.ApprovalTime,
		RejectionTime: r.RejectionTime,
		AutopayTime:   r.AutopayTime,
		Feedback:      r.Feedback,
		Answers:       r.Answers,
	}
}
