package wire

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"time"

	"crowdmirror/internal/domain"
)

// The marketplace wraps every response in an operation-specific root element,
// so decoding walks the token stream for elements by local name instead of
// matching a fixed document shape.

func decodeElements(body []byte, name string, decode func(dec *xml.Decoder, start xml.StartElement) error) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != name {
			continue
		}
		if err := decode(dec, start); err != nil {
			return err
		}
	}
}

func firstText(body []byte, name string) (string, bool) {
	var out string
	found := false
	_ = decodeElements(body, name, func(dec *xml.Decoder, start xml.StartElement) error {
		if found {
			return dec.Skip()
		}
		var s string
		if err := dec.DecodeElement(&s, &start); err != nil {
			return err
		}
		out, found = s, true
		return nil
	})
	return out, found
}

func firstInt(body []byte, name string) (int, bool) {
	s, ok := firstText(body, name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

const timeLayout = "2006-01-02T15:04:05Z"

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

type rewardXML struct {
	Amount       float64 `xml:"Amount"`
	CurrencyCode string  `xml:"CurrencyCode"`
}

type qreqXML struct {
	QualificationTypeID string `xml:"QualificationTypeId"`
	Comparator          string `xml:"Comparator"`
	IntegerValue        string `xml:"IntegerValue"`
	LocaleValue         struct {
		Country string `xml:"Country"`
	} `xml:"LocaleValue"`
	RequiredToPreview string `xml:"RequiredToPreview"`
}

func (q qreqXML) requirement() domain.QualificationRequirement {
	req := domain.QualificationRequirement{
		QualificationTypeID: q.QualificationTypeID,
		Comparator:          q.Comparator,
		RequiredToPreview:   q.RequiredToPreview == "true",
	}
	if q.IntegerValue != "" {
		if n, err := strconv.Atoi(q.IntegerValue); err == nil {
			req.IntegerValue = &n
		}
	}
	if q.LocaleValue.Country != "" {
		lv := q.LocaleValue.Country
		req.LocaleValue = &lv
	}
	return req
}

type hitXML struct {
	HITId                        string    `xml:"HITId"`
	HITTypeId                    string    `xml:"HITTypeId"`
	CreationTime                 string    `xml:"CreationTime"`
	Title                        string    `xml:"Title"`
	Description                  string    `xml:"Description"`
	Question                     string    `xml:"Question"`
	Keywords                     string    `xml:"Keywords"`
	HITStatus                    string    `xml:"HITStatus"`
	MaxAssignments               int       `xml:"MaxAssignments"`
	Reward                       rewardXML `xml:"Reward"`
	AutoApprovalDelayInSeconds   int64     `xml:"AutoApprovalDelayInSeconds"`
	Expiration                   string    `xml:"Expiration"`
	AssignmentDurationInSeconds  int64     `xml:"AssignmentDurationInSeconds"`
	RequesterAnnotation          string    `xml:"RequesterAnnotation"`
	QualificationRequirement     []qreqXML `xml:"QualificationRequirement"`
	NumberOfAssignmentsPending   int       `xml:"NumberOfAssignmentsPending"`
	NumberOfAssignmentsAvailable int       `xml:"NumberOfAssignmentsAvailable"`
	NumberOfAssignmentsCompleted int       `xml:"NumberOfAssignmentsCompleted"`
}

func (h hitXML) record() WorkUnitRecord {
	rec := WorkUnitRecord{
		ID:             h.HITId,
		TypeID:         h.HITTypeId,
		Status:         h.HITStatus,
		CreationTime:   parseTime(h.CreationTime),
		ExpirationTime: parseTime(h.Expiration),
		MaxAssignments: h.MaxAssignments,
		NumPending:     h.NumberOfAssignmentsPending,
		NumAvailable:   h.NumberOfAssignmentsAvailable,
		NumCompleted:   h.NumberOfAssignmentsCompleted,
		Annotation:     h.RequesterAnnotation,
		Question:       h.Question,
		Title:          h.Title,
		Description:    h.Description,
		Reward:         domain.Price{Amount: h.Reward.Amount, Currency: h.Reward.CurrencyCode},
		TimeLimit:      time.Duration(h.AssignmentDurationInSeconds) * time.Second,
		AutopayDelay:   time.Duration(h.AutoApprovalDelayInSeconds) * time.Second,
		Keywords:       domain.SplitKeywords(h.Keywords),
	}
	for _, q := range h.QualificationRequirement {
		rec.Qualifications = append(rec.Qualifications, q.requirement())
	}
	return rec
}

type assignmentXML struct {
	AssignmentId      string `xml:"AssignmentId"`
	WorkerId          string `xml:"WorkerId"`
	HITId             string `xml:"HITId"`
	AssignmentStatus  string `xml:"AssignmentStatus"`
	AutoApprovalTime  string `xml:"AutoApprovalTime"`
	AcceptTime        string `xml:"AcceptTime"`
	SubmitTime        string `xml:"SubmitTime"`
	ApprovalTime      string `xml:"ApprovalTime"`
	RejectionTime     string `xml:"RejectionTime"`
	RequesterFeedback string `xml:"RequesterFeedback"`
	Answer            string `xml:"Answer"`
}

func (a assignmentXML) record() (AssignmentRecord, error) {
	rec := AssignmentRecord{
		ID:            a.AssignmentId,
		WorkUnitID:    a.HITId,
		WorkerID:      a.WorkerId,
		Status:        a.AssignmentStatus,
		AcceptTime:    parseTime(a.AcceptTime),
		SubmitTime:    parseTime(a.SubmitTime),
		ApprovalTime:  parseTimePtr(a.ApprovalTime),
		RejectionTime: parseTimePtr(a.RejectionTime),
		AutopayTime:   parseTimePtr(a.AutoApprovalTime),
		Feedback:      a.RequesterFeedback,
	}
	if a.Answer != "" {
		answers, err := parseAnswers(a.Answer, a.AssignmentId)
		if err != nil {
			return rec, err
		}
		rec.Answers = answers
	}
	return rec, nil
}

type answerXML struct {
	QuestionIdentifier      string  `xml:"QuestionIdentifier"`
	FreeText                *string `xml:"FreeText"`
	SelectionIdentifier     *string `xml:"SelectionIdentifier"`
	OtherSelection          string  `xml:"OtherSelection"`
	UploadedFileKey         *string `xml:"UploadedFileKey"`
	UploadedFileSizeInBytes int64   `xml:"UploadedFileSizeInBytes"`
}

// parseAnswers decodes the answer payload, which is itself an XML document
// embedded as text inside the assignment element.
func parseAnswers(answerDoc, assignmentID string) ([]domain.Answer, error) {
	var answers []domain.Answer
	err := decodeElements([]byte(answerDoc), "Answer", func(dec *xml.Decoder, start xml.StartElement) error {
		var ax answerXML
		if err := dec.DecodeElement(&ax, &start); err != nil {
			return err
		}
		ans := domain.Answer{
			AssignmentID: assignmentID,
			QuestionID:   ax.QuestionIdentifier,
			Kind:         domain.AnswerBlank,
		}
		switch {
		case ax.FreeText != nil:
			ans.Kind = domain.AnswerFreeText
			ans.FreeText = *ax.FreeText
		case ax.SelectionIdentifier != nil:
			ans.Kind = domain.AnswerSelection
			ans.SelectionID = *ax.SelectionIdentifier
			ans.OtherSelection = ax.OtherSelection
		case ax.UploadedFileKey != nil:
			ans.Kind = domain.AnswerUploadedFile
			ans.UploadedKey = *ax.UploadedFileKey
			ans.UploadedSize = ax.UploadedFileSizeInBytes
		}
		answers = append(answers, ans)
		return nil
	})
	return answers, err
}

type qualTypeXML struct {
	QualificationTypeId     string `xml:"QualificationTypeId"`
	CreationTime            string `xml:"CreationTime"`
	Name                    string `xml:"Name"`
	Description             string `xml:"Description"`
	Keywords                string `xml:"Keywords"`
	QualificationTypeStatus string `xml:"QualificationTypeStatus"`
	Test                    string `xml:"Test"`
	AnswerKey               string `xml:"AnswerKey"`
	TestDurationInSeconds   int64  `xml:"TestDurationInSeconds"`
	RetryDelayInSeconds     int64  `xml:"RetryDelayInSeconds"`
	AutoGranted             string `xml:"AutoGranted"`
	AutoGrantedValue        int    `xml:"AutoGrantedValue"`
	IsRequestable           string `xml:"IsRequestable"`
}

func (q qualTypeXML) qualType() domain.QualificationType {
	return domain.QualificationType{
		ID:               q.QualificationTypeId,
		Name:             q.Name,
		Description:      q.Description,
		Keywords:         domain.SplitKeywords(q.Keywords),
		CreationTime:     parseTime(q.CreationTime),
		Status:           q.QualificationTypeStatus,
		Test:             q.Test,
		AnswerKey:        q.AnswerKey,
		TestDuration:     time.Duration(q.TestDurationInSeconds) * time.Second,
		RetryDelay:       time.Duration(q.RetryDelayInSeconds) * time.Second,
		AutoGranted:      q.AutoGranted == "true",
		AutoGrantedValue: q.AutoGrantedValue,
		IsRequestable:    q.IsRequestable != "false",
	}
}
