package wire

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crowdmirror/internal/domain"
	"crowdmirror/internal/transport"
)

const pageSize = 100

// Facade exposes one method per remote operation. Each method validates its
// arguments before the round trip and converts the XML response into flat
// wire records; pagination of listing calls lives here too.
type Facade struct {
	T *transport.Transport
}

func (f Facade) send(ctx context.Context, operation string, params url.Values) ([]byte, error) {
	return f.T.Send(ctx, operation, params)
}

// Notification event types accepted by the marketplace.
const (
	EventAssignmentAccepted  = "AssignmentAccepted"
	EventAssignmentAbandoned = "AssignmentAbandoned"
	EventAssignmentReturned  = "AssignmentReturned"
	EventAssignmentSubmitted = "AssignmentSubmitted"
	EventUnitReviewable      = "HITReviewable"
	EventUnitExpired         = "HITExpired"
)

var AllEventTypes = []string{
	EventAssignmentAccepted,
	EventAssignmentAbandoned,
	EventAssignmentReturned,
	EventAssignmentSubmitted,
	EventUnitReviewable,
	EventUnitExpired,
}

const notificationSchemaVersion = "2006-05-05"

var responseGroups = url.Values{
	"ResponseGroup.0": {"HITDetail"},
	"ResponseGroup.1": {"HITQuestion"},
	"ResponseGroup.2": {"Minimal"},
	"ResponseGroup.3": {"HITAssignmentSummary"},
}

func withResponseGroups(params url.Values) url.Values {
	for k, vs := range responseGroups {
		params[k] = vs
	}
	return params
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}

// RegisterWorkUnitType registers a reusable work-unit template and returns
// its remote id. Identical attribute sets yield the same id.
func (f Facade) RegisterWorkUnitType(ctx context.Context, title, description string, reward domain.Price, timeLimit, autopayDelay time.Duration, keywords []string, quals []domain.QualificationRequirement) (string, error) {
	if title == "" {
		return "", fmt.Errorf("register work unit type: title is required")
	}
	if description == "" {
		return "", fmt.Errorf("register work unit type: description is required")
	}
	if reward.Amount < 0 {
		return "", fmt.Errorf("register work unit type: reward must not be negative")
	}
	if timeLimit <= 0 || autopayDelay < 0 {
		return "", fmt.Errorf("register work unit type: durations must be positive")
	}
	params := url.Values{
		"Title":                       {title},
		"Description":                 {description},
		"Reward.1.Amount":             {strconv.FormatFloat(reward.Amount, 'f', -1, 64)},
		"Reward.1.CurrencyCode":       {reward.Currency},
		"AssignmentDurationInSeconds": {seconds(timeLimit)},
		"Keywords":                    {domain.JoinKeywords(keywords)},
		"AutoApprovalDelayInSeconds":  {seconds(autopayDelay)},
	}
	for i, q := range quals {
		prefix := fmt.Sprintf("QualificationRequirement.%d.", i+1)
		params.Set(prefix+"QualificationTypeId", q.QualificationTypeID)
		params.Set(prefix+"Comparator", q.Comparator)
		if q.IntegerValue != nil {
			params.Set(prefix+"IntegerValue", strconv.Itoa(*q.IntegerValue))
		}
		if q.LocaleValue != nil {
			params.Set(prefix+"LocaleValue.Country", *q.LocaleValue)
		}
	}
	body, err := f.send(ctx, "RegisterHITType", params)
	if err != nil {
		return "", err
	}
	id, ok := firstText(body, "HITTypeId")
	if !ok {
		return "", &ResponseError{Operation: "RegisterHITType", Reason: "response carries no HITTypeId"}
	}
	return id, nil
}

// CreateWorkUnit posts one work unit under an existing type. requestToken is
// optional; when non-empty it must be at most 64 characters and makes the
// create idempotent on the remote side.
func (f Facade) CreateWorkUnit(ctx context.Context, typeID, question string, lifetime time.Duration, maxAssignments int, annotation, requestToken string) (WorkUnitRecord, error) {
	if typeID == "" {
		return WorkUnitRecord{}, fmt.Errorf("create work unit: type id is required")
	}
	if question == "" {
		return WorkUnitRecord{}, fmt.Errorf("create work unit: question payload is required")
	}
	if maxAssignments < 1 {
		return WorkUnitRecord{}, fmt.Errorf("create work unit: max assignments must be at least 1")
	}
	if len(requestToken) > 64 {
		return WorkUnitRecord{}, fmt.Errorf("create work unit: request token must be at most 64 characters, got %d", len(requestToken))
	}
	params := withResponseGroups(url.Values{
		"HITTypeId":         {typeID},
		"Question":          {question},
		"LifetimeInSeconds": {seconds(lifetime)},
		"MaxAssignments":    {strconv.Itoa(maxAssignments)},
	})
	if annotation != "" {
		params.Set("RequesterAnnotation", annotation)
	}
	if requestToken != "" {
		params.Set("UniqueRequestToken", requestToken)
	}
	body, err := f.send(ctx, "CreateHIT", params)
	if err != nil {
		return WorkUnitRecord{}, err
	}
	recs, err := decodeHITs(body)
	if err != nil {
		return WorkUnitRecord{}, err
	}
	if len(recs) != 1 {
		return WorkUnitRecord{}, &ResponseError{Operation: "CreateHIT", Reason: fmt.Sprintf("expected exactly one HIT in response, got %d", len(recs))}
	}
	return recs[0], nil
}

func decodeHITs(body []byte) ([]WorkUnitRecord, error) {
	var recs []WorkUnitRecord
	err := decodeElements(body, "HIT", func(dec *xml.Decoder, start xml.StartElement) error {
		var h hitXML
		if err := dec.DecodeElement(&h, &start); err != nil {
			return err
		}
		recs = append(recs, h.record())
		return nil
	})
	return recs, err
}

// SearchWorkUnits pages through the full remote listing of the account's
// work units. Listing records omit qualification requirements.
func (f Facade) SearchWorkUnits(ctx context.Context) ([]WorkUnitRecord, error) {
	var results []WorkUnitRecord
	for page := 1; ; page++ {
		params := withResponseGroups(url.Values{
			"PageSize":     {strconv.Itoa(pageSize)},
			"SortProperty": {"Enumeration"},
			"PageNumber":   {strconv.Itoa(page)},
		})
		body, err := f.send(ctx, "SearchHITs", params)
		if err != nil {
			return nil, err
		}
		total, ok := firstInt(body, "TotalNumResults")
		if !ok {
			return nil, &ResponseError{Operation: "SearchHITs", Reason: "response carries no TotalNumResults"}
		}
		echoed, _ := firstInt(body, "PageNumber")
		if echoed != page {
			return nil, &ResponseError{Operation: "SearchHITs", Reason: fmt.Sprintf("reported page %d does not match requested page %d", echoed, page)}
		}
		recs, err := decodeHITs(body)
		if err != nil {
			return nil, err
		}
		results = append(results, recs...)
		if total <= page*pageSize {
			return results, nil
		}
	}
}

// GetWorkUnit point-fetches one work unit with full detail.
func (f Facade) GetWorkUnit(ctx context.Context, id string) (WorkUnitRecord, error) {
	if id == "" {
		return WorkUnitRecord{}, fmt.Errorf("get work unit: id is required")
	}
	body, err := f.send(ctx, "GetHIT", withResponseGroups(url.Values{"HITId": {id}}))
	if err != nil {
		return WorkUnitRecord{}, err
	}
	recs, err := decodeHITs(body)
	if err != nil {
		return WorkUnitRecord{}, err
	}
	if len(recs) != 1 {
		return WorkUnitRecord{}, &ResponseError{Operation: "GetHIT", Reason: fmt.Sprintf("expected exactly one HIT in response, got %d", len(recs))}
	}
	return recs[0], nil
}

// ReviewableWorkUnitIDs pages through ids of units awaiting review,
// optionally restricted to one type.
func (f Facade) ReviewableWorkUnitIDs(ctx context.Context, typeID string) ([]string, error) {
	var ids []string
	for page := 1; ; page++ {
		params := url.Values{
			"PageSize":     {strconv.Itoa(pageSize)},
			"SortProperty": {"Enumeration"},
			"PageNumber":   {strconv.Itoa(page)},
		}
		if typeID != "" {
			params.Set("HITTypeId", typeID)
		}
		body, err := f.send(ctx, "GetReviewableHITs", params)
		if err != nil {
			return nil, err
		}
		total, _ := firstInt(body, "TotalNumResults")
		echoed, _ := firstInt(body, "PageNumber")
		if echoed != page {
			return nil, &ResponseError{Operation: "GetReviewableHITs", Reason: fmt.Sprintf("reported page %d does not match requested page %d", echoed, page)}
		}
		err = decodeElements(body, "HITId", func(dec *xml.Decoder, start xml.StartElement) error {
			var id string
			if err := dec.DecodeElement(&id, &start); err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if total <= page*pageSize {
			return ids, nil
		}
	}
}

// AssignmentsPage fetches one page of assignments for a work unit, returning
// the page's records and the remote-reported total. Pages are 1-based.
func (f Facade) AssignmentsPage(ctx context.Context, unitID string, page int) ([]AssignmentRecord, int, error) {
	if unitID == "" {
		return nil, 0, fmt.Errorf("list assignments: work unit id is required")
	}
	params := url.Values{
		"HITId":      {unitID},
		"PageSize":   {strconv.Itoa(pageSize)},
		"PageNumber": {strconv.Itoa(page)},
	}
	body, err := f.send(ctx, "GetAssignmentsForHIT", params)
	if err != nil {
		return nil, 0, err
	}
	total, _ := firstInt(body, "TotalNumResults")
	echoed, _ := firstInt(body, "PageNumber")
	if echoed != page {
		return nil, 0, &ResponseError{Operation: "GetAssignmentsForHIT", Reason: fmt.Sprintf("reported page %d does not match requested page %d", echoed, page)}
	}
	var recs []AssignmentRecord
	err = decodeElements(body, "Assignment", func(dec *xml.Decoder, start xml.StartElement) error {
		var ax assignmentXML
		if err := dec.DecodeElement(&ax, &start); err != nil {
			return err
		}
		rec, err := ax.record()
		if err != nil {
			return err
		}
		if rec.WorkUnitID != unitID {
			return &ResponseError{Operation: "GetAssignmentsForHIT", Reason: fmt.Sprintf("assignment %s belongs to unit %s, requested %s", rec.ID, rec.WorkUnitID, unitID)}
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// ListAssignments accumulates every assignment page for a work unit.
func (f Facade) ListAssignments(ctx context.Context, unitID string) ([]AssignmentRecord, error) {
	var results []AssignmentRecord
	for page := 1; ; page++ {
		recs, total, err := f.AssignmentsPage(ctx, unitID, page)
		if err != nil {
			return nil, err
		}
		results = append(results, recs...)
		if total <= page*pageSize || len(recs) == 0 {
			return results, nil
		}
	}
}

func (f Facade) finalize(ctx context.Context, operation, assignmentID, feedback string) error {
	if assignmentID == "" {
		return fmt.Errorf("%s: assignment id is required", operation)
	}
	params := url.Values{"AssignmentId": {assignmentID}}
	if feedback != "" {
		params.Set("RequesterFeedback", feedback)
	}
	_, err := f.send(ctx, operation, params)
	var pe *transport.ProtocolError
	if errors.As(err, &pe) && pe.Code == "AWS.MechanicalTurk.InvalidAssignmentState" {
		return &AlreadyFinalizedError{AssignmentID: assignmentID}
	}
	return err
}

// ApproveAssignment approves a submitted assignment, paying the worker.
func (f Facade) ApproveAssignment(ctx context.Context, assignmentID, feedback string) error {
	return f.finalize(ctx, "ApproveAssignment", assignmentID, feedback)
}

// RejectAssignment rejects a submitted assignment.
func (f Facade) RejectAssignment(ctx context.Context, assignmentID, feedback string) error {
	return f.finalize(ctx, "RejectAssignment", assignmentID, feedback)
}

// ExtendWorkUnit adds assignments, lifetime or both to a posted unit.
func (f Facade) ExtendWorkUnit(ctx context.Context, id string, incAssignments int, incExpiration time.Duration) error {
	if id == "" {
		return fmt.Errorf("extend work unit: id is required")
	}
	if incAssignments < 0 || incExpiration < 0 {
		return fmt.Errorf("extend work unit: increments must not be negative")
	}
	if incAssignments == 0 && incExpiration == 0 {
		return fmt.Errorf("extend work unit: at least one increment is required")
	}
	params := url.Values{"HITId": {id}}
	if incAssignments > 0 {
		params.Set("MaxAssignmentsIncrement", strconv.Itoa(incAssignments))
	}
	if incExpiration > 0 {
		params.Set("ExpirationIncrementInSeconds", seconds(incExpiration))
	}
	_, err := f.send(ctx, "ExtendHIT", params)
	return err
}

// ForceExpireWorkUnit expires a unit immediately. Expiring an already
// expired unit is not an error.
func (f Facade) ForceExpireWorkUnit(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("force expire work unit: id is required")
	}
	_, err := f.send(ctx, "ForceExpireHIT", url.Values{"HITId": {id}})
	var pe *transport.ProtocolError
	if errors.As(err, &pe) && strings.HasSuffix(pe.Code, "InvalidHITState") {
		return nil
	}
	return err
}

// GrantBonus pays a worker a bonus against one of their assignments.
func (f Facade) GrantBonus(ctx context.Context, assignmentID, workerID string, amount domain.Price, reason string) error {
	if assignmentID == "" || workerID == "" {
		return fmt.Errorf("grant bonus: assignment id and worker id are required")
	}
	if amount.Amount <= 0 {
		return fmt.Errorf("grant bonus: amount must be positive")
	}
	params := url.Values{
		"AssignmentId":               {assignmentID},
		"WorkerId":                   {workerID},
		"BonusAmount.1.Amount":       {strconv.FormatFloat(amount.Amount, 'f', -1, 64)},
		"BonusAmount.1.CurrencyCode": {amount.Currency},
	}
	if reason != "" {
		params.Set("Reason", reason)
	}
	_, err := f.send(ctx, "GrantBonus", params)
	return err
}

// BlockWorker bars a worker from taking the account's work units.
func (f Facade) BlockWorker(ctx context.Context, workerID, reason string) error {
	if workerID == "" {
		return fmt.Errorf("block worker: worker id is required")
	}
	params := url.Values{"WorkerId": {workerID}}
	if reason != "" {
		params.Set("Reason", reason)
	}
	_, err := f.send(ctx, "BlockWorker", params)
	return err
}

// UnblockWorker lifts a block.
func (f Facade) UnblockWorker(ctx context.Context, workerID, reason string) error {
	if workerID == "" {
		return fmt.Errorf("unblock worker: worker id is required")
	}
	params := url.Values{"WorkerId": {workerID}}
	if reason != "" {
		params.Set("Reason", reason)
	}
	_, err := f.send(ctx, "UnblockWorker", params)
	return err
}

// NotifyWorkers emails a message to the given workers, splitting into the
// batches of at most 100 the operation accepts.
func (f Facade) NotifyWorkers(ctx context.Context, workerIDs []string, subject, text string) error {
	if len(workerIDs) == 0 {
		return fmt.Errorf("notify workers: at least one worker id is required")
	}
	if subject == "" || text == "" {
		return fmt.Errorf("notify workers: subject and message text are required")
	}
	for start := 0; start < len(workerIDs); start += pageSize {
		end := start + pageSize
		if end > len(workerIDs) {
			end = len(workerIDs)
		}
		params := url.Values{
			"Subject":     {subject},
			"MessageText": {text},
		}
		for i, id := range workerIDs[start:end] {
			params.Set(fmt.Sprintf("WorkerId.%d", i+1), id)
		}
		if _, err := f.send(ctx, "NotifyWorkers", params); err != nil {
			return err
		}
	}
	return nil
}

// QualTypeParams describes a qualification type to register.
type QualTypeParams struct {
	Name             string
	Description      string
	Keywords         []string
	InitiallyActive  bool
	RetryDelay       time.Duration
	Test             string
	AnswerKey        string
	TestDuration     time.Duration
	AutoGranted      bool
	AutoGrantedValue int
}

// CreateQualificationType registers a qualification type and returns its id.
// A name collision surfaces as transport.DuplicateNameError.
func (f Facade) CreateQualificationType(ctx context.Context, p QualTypeParams) (string, error) {
	if p.Name == "" {
		return "", fmt.Errorf("create qualification type: name is required")
	}
	if p.Description == "" {
		return "", fmt.Errorf("create qualification type: description is required")
	}
	status := "Inactive"
	if p.InitiallyActive {
		status = "Active"
	}
	params := url.Values{
		"Name":                    {p.Name},
		"Description":             {p.Description},
		"Keywords":                {domain.JoinKeywords(p.Keywords)},
		"RetryDelayInSeconds":     {seconds(p.RetryDelay)},
		"QualificationTypeStatus": {status},
		"AutoGranted":             {strconv.FormatBool(p.AutoGranted)},
	}
	if p.Test != "" {
		params.Set("Test", p.Test)
		params.Set("TestDurationInSeconds", seconds(p.TestDuration))
	}
	if p.AnswerKey != "" {
		params.Set("AnswerKey", p.AnswerKey)
	}
	if p.AutoGranted {
		params.Set("AutoGrantedValue", strconv.Itoa(p.AutoGrantedValue))
	}
	body, err := f.send(ctx, "CreateQualificationType", params)
	if err != nil {
		return "", err
	}
	id, ok := firstText(body, "QualificationTypeId")
	if !ok {
		return "", &ResponseError{Operation: "CreateQualificationType", Reason: "response carries no QualificationTypeId"}
	}
	return id, nil
}

// ListQualificationTypes returns the account's own qualification types.
// Paging is not implemented for this listing: the call fetches a single page
// of 100 and fails loudly if more exist, rather than silently truncating.
func (f Facade) ListQualificationTypes(ctx context.Context) ([]domain.QualificationType, error) {
	params := url.Values{
		"MustBeRequestable":   {"false"},
		"MustBeOwnedByCaller": {"true"},
		"PageSize":            {strconv.Itoa(pageSize)},
	}
	body, err := f.send(ctx, "SearchQualificationTypes", params)
	if err != nil {
		return nil, err
	}
	if total, ok := firstInt(body, "TotalNumResults"); ok && total > pageSize {
		return nil, &ResponseError{Operation: "SearchQualificationTypes", Reason: fmt.Sprintf("%d qualification types exist but only one page of %d is supported", total, pageSize)}
	}
	var out []domain.QualificationType
	err = decodeElements(body, "QualificationType", func(dec *xml.Decoder, start xml.StartElement) error {
		var qx qualTypeXML
		if err := dec.DecodeElement(&qx, &start); err != nil {
			return err
		}
		out = append(out, qx.qualType())
		return nil
	})
	return out, err
}

// RegisterNotificationHandler points work-unit-type events at a destination.
func (f Facade) RegisterNotificationHandler(ctx context.Context, typeID, destination, transportName string, eventTypes []string) error {
	if typeID == "" || destination == "" {
		return fmt.Errorf("register notification handler: type id and destination are required")
	}
	if len(eventTypes) == 0 {
		eventTypes = AllEventTypes
	}
	params := url.Values{
		"HITTypeId":                  {typeID},
		"Notification.1.Destination": {destination},
		"Notification.1.Transport":   {transportName},
		"Notification.1.Version":     {notificationSchemaVersion},
		"Notification.1.Active":      {"true"},
	}
	if len(eventTypes) == 1 {
		params.Set("Notification.1.EventType", eventTypes[0])
	} else {
		for i, et := range eventTypes {
			params.Set(fmt.Sprintf("Notification.1.EventType.%d", i+1), et)
		}
	}
	_, err := f.send(ctx, "SetHITTypeNotification", params)
	return err
}

// DisableNotificationHandler deactivates a type's notifications.
func (f Facade) DisableNotificationHandler(ctx context.Context, typeID string) error {
	if typeID == "" {
		return fmt.Errorf("disable notification handler: type id is required")
	}
	_, err := f.send(ctx, "SetHITTypeNotification", url.Values{
		"HITTypeId": {typeID},
		"Active":    {"false"},
	})
	return err
}

// SendTestNotification asks the marketplace to deliver a synthetic event.
func (f Facade) SendTestNotification(ctx context.Context, destination, transportName, eventType string) error {
	valid := false
	for _, et := range AllEventTypes {
		if et == eventType {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("send test notification: unknown event type %q", eventType)
	}
	_, err := f.send(ctx, "SendTestEventNotification", url.Values{
		"Notification.1.Destination": {destination},
		"Notification.1.Transport":   {transportName},
		"Notification.1.EventType":   {eventType},
		"Notification.1.Version":     {notificationSchemaVersion},
		"Notification.1.Active":      {"true"},
		"TestEventType":              {eventType},
	})
	return err
}

// AccountBalance returns the account's available balance.
func (f Facade) AccountBalance(ctx context.Context) (domain.Price, error) {
	body, err := f.send(ctx, "GetAccountBalance", url.Values{})
	if err != nil {
		return domain.Price{}, err
	}
	amountStr, ok := firstText(body, "Amount")
	if !ok {
		return domain.Price{}, &ResponseError{Operation: "GetAccountBalance", Reason: "response carries no Amount"}
	}
	amount, err := strconv.ParseFloat(amountStr, 64)
	if err != nil {
		return domain.Price{}, &ResponseError{Operation: "GetAccountBalance", Reason: "unparseable Amount " + amountStr}
	}
	currency, _ := firstText(body, "CurrencyCode")
	return domain.Price{Amount: amount, Currency: currency}, nil
}

// FileUploadURL returns a temporary URL for an uploaded-file answer.
func (f Facade) FileUploadURL(ctx context.Context, assignmentID, questionID string) (string, error) {
	if assignmentID == "" || questionID == "" {
		return "", fmt.Errorf("file upload url: assignment id and question id are required")
	}
	body, err := f.send(ctx, "GetFileUploadURL", url.Values{
		"AssignmentId":       {assignmentID},
		"QuestionIdentifier": {questionID},
	})
	if err != nil {
		return "", err
	}
	u, ok := firstText(body, "FileUploadURL")
	if !ok {
		return "", &ResponseError{Operation: "GetFileUploadURL", Reason: "response carries no FileUploadURL"}
	}
	return u, nil
}
