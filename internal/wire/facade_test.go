package wire_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"crowdmirror/internal/domain"
	"crowdmirror/internal/transport"
	"crowdmirror/internal/wire"
)

// newFacade wires a facade to a fake marketplace that dispatches on the
// Operation form field.
func newFacade(t *testing.T, respond func(op string, form url.Values) string) wire.Facade {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		w.Write([]byte(respond(r.PostForm.Get("Operation"), r.PostForm)))
	}))
	t.Cleanup(srv.Close)
	tr, err := transport.New("AKEXAMPLE", "secret", "sandbox")
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	tr.SetEndpoint(srv.URL)
	tr.Sleep = func(time.Duration) {}
	return wire.Facade{T: tr}
}

func hitElement(id string) string {
	return fmt.Sprintf(`<HIT>
  <HITId>%s</HITId>
  <HITTypeId>T1</HITTypeId>
  <CreationTime>2013-04-01T10:00:00Z</CreationTime>
  <HITStatus>Assignable</HITStatus>
  <MaxAssignments>3</MaxAssignments>
  <Expiration>2013-04-08T10:00:00Z</Expiration>
  <NumberOfAssignmentsPending>0</NumberOfAssignmentsPending>
  <NumberOfAssignmentsAvailable>3</NumberOfAssignmentsAvailable>
  <NumberOfAssignmentsCompleted>0</NumberOfAssignmentsCompleted>
</HIT>`, id)
}

func searchPage(page, total, count int) string {
	var b strings.Builder
	b.WriteString("<SearchHITsResponse><SearchHITsResult>")
	fmt.Fprintf(&b, "<Request><IsValid>True</IsValid></Request>")
	fmt.Fprintf(&b, "<NumResults>%d</NumResults><TotalNumResults>%d</TotalNumResults><PageNumber>%d</PageNumber>", count, total, page)
	for i := 0; i < count; i++ {
		b.WriteString(hitElement(fmt.Sprintf("H%d_%d", page, i)))
	}
	b.WriteString("</SearchHITsResult></SearchHITsResponse>")
	return b.String()
}

func TestSearchWorkUnitsPaginates(t *testing.T) {
	pages := map[int]int{1: 100, 2: 100, 3: 50}
	var requested []int
	f := newFacade(t, func(op string, form url.Values) string {
		if op != "SearchHITs" {
			t.Fatalf("unexpected operation %s", op)
		}
		page := 0
		fmt.Sscanf(form.Get("PageNumber"), "%d", &page)
		requested = append(requested, page)
		return searchPage(page, 250, pages[page])
	})
	recs, err := f.SearchWorkUnits(context.Background())
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(recs) != 250 {
		t.Fatalf("records: got %d want 250", len(recs))
	}
	if len(requested) != 3 || requested[0] != 1 || requested[2] != 3 {
		t.Errorf("pages requested: %v", requested)
	}
	if recs[0].ID != "H1_0" || recs[249].ID != "H3_49" {
		t.Errorf("ordering: first %s last %s", recs[0].ID, recs[249].ID)
	}
}

func TestSearchWorkUnitsRejectsPageEchoMismatch(t *testing.T) {
	f := newFacade(t, func(op string, form url.Values) string {
		return searchPage(7, 10, 10)
	})
	_, err := f.SearchWorkUnits(context.Background())
	var re *wire.ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("want ResponseError, got %v", err)
	}
}

func TestGetWorkUnitParsesDetail(t *testing.T) {
	const resp = `<GetHITResponse><HIT>
  <HITId>HDETAIL</HITId>
  <HITTypeId>TDETAIL</HITTypeId>
  <CreationTime>2013-04-01T10:00:00Z</CreationTime>
  <Title>Tag a photo</Title>
  <Description>Pick the best label</Description>
  <Question>&lt;QuestionForm&gt;&lt;/QuestionForm&gt;</Question>
  <Keywords>photos, tagging</Keywords>
  <HITStatus>Reviewable</HITStatus>
  <MaxAssignments>5</MaxAssignments>
  <Reward><Amount>0.25</Amount><CurrencyCode>USD</CurrencyCode></Reward>
  <AutoApprovalDelayInSeconds>86400</AutoApprovalDelayInSeconds>
  <Expiration>2013-04-08T10:00:00Z</Expiration>
  <AssignmentDurationInSeconds>600</AssignmentDurationInSeconds>
  <RequesterAnnotation>batch-7</RequesterAnnotation>
  <QualificationRequirement>
    <QualificationTypeId>Q1</QualificationTypeId>
    <Comparator>EqualTo</Comparator>
    <IntegerValue>1</IntegerValue>
    <RequiredToPreview>true</RequiredToPreview>
  </QualificationRequirement>
  <QualificationRequirement>
    <QualificationTypeId>Q2</QualificationTypeId>
    <Comparator>In</Comparator>
    <LocaleValue><Country>US</Country></LocaleValue>
  </QualificationRequirement>
  <NumberOfAssignmentsPending>1</NumberOfAssignmentsPending>
  <NumberOfAssignmentsAvailable>0</NumberOfAssignmentsAvailable>
  <NumberOfAssignmentsCompleted>4</NumberOfAssignmentsCompleted>
</HIT></GetHITResponse>`
	f := newFacade(t, func(op string, form url.Values) string {
		if form.Get("HITId") != "HDETAIL" {
			t.Errorf("HITId param: got %q", form.Get("HITId"))
		}
		return resp
	})
	rec, err := f.GetWorkUnit(context.Background(), "HDETAIL")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ID != "HDETAIL" || rec.TypeID != "TDETAIL" || rec.Status != "Reviewable" {
		t.Errorf("identity: %+v", rec)
	}
	if rec.Title != "Tag a photo" || rec.Reward.Amount != 0.25 || rec.Reward.Currency != "USD" {
		t.Errorf("type attributes: %+v", rec)
	}
	if rec.TimeLimit != 10*time.Minute || rec.AutopayDelay != 24*time.Hour {
		t.Errorf("durations: limit %v autopay %v", rec.TimeLimit, rec.AutopayDelay)
	}
	if rec.MaxAssignments != 5 || rec.NumPending != 1 || rec.NumAvailable != 0 || rec.NumCompleted != 4 {
		t.Errorf("counts: %+v", rec)
	}
	if rec.Question != "<QuestionForm></QuestionForm>" {
		t.Errorf("question: %q", rec.Question)
	}
	if len(rec.Keywords) != 2 || rec.Keywords[0] != "photos" {
		t.Errorf("keywords: %v", rec.Keywords)
	}
	if len(rec.Qualifications) != 2 {
		t.Fatalf("qualifications: %v", rec.Qualifications)
	}
	q1 := rec.Qualifications[0]
	if q1.QualificationTypeID != "Q1" || q1.IntegerValue == nil || *q1.IntegerValue != 1 || !q1.RequiredToPreview {
		t.Errorf("first requirement: %+v", q1)
	}
	q2 := rec.Qualifications[1]
	if q2.LocaleValue == nil || *q2.LocaleValue != "US" || q2.RequiredToPreview {
		t.Errorf("second requirement: %+v", q2)
	}
}

const answerDoc = `&lt;QuestionFormAnswers&gt;
&lt;Answer&gt;&lt;QuestionIdentifier&gt;comment&lt;/QuestionIdentifier&gt;&lt;FreeText&gt;looks fine&lt;/FreeText&gt;&lt;/Answer&gt;
&lt;Answer&gt;&lt;QuestionIdentifier&gt;verdict&lt;/QuestionIdentifier&gt;&lt;SelectionIdentifier&gt;yes&lt;/SelectionIdentifier&gt;&lt;/Answer&gt;
&lt;Answer&gt;&lt;QuestionIdentifier&gt;photo&lt;/QuestionIdentifier&gt;&lt;UploadedFileKey&gt;k123&lt;/UploadedFileKey&gt;&lt;UploadedFileSizeInBytes&gt;2048&lt;/UploadedFileSizeInBytes&gt;&lt;/Answer&gt;
&lt;/QuestionFormAnswers&gt;`

func assignmentsResponse(unitID string) string {
	return `<GetAssignmentsForHITResponse><GetAssignmentsForHITResult>
  <Request><IsValid>True</IsValid></Request>
  <NumResults>1</NumResults><TotalNumResults>1</TotalNumResults><PageNumber>1</PageNumber>
  <Assignment>
    <AssignmentId>A1</AssignmentId>
    <WorkerId>W1</WorkerId>
    <HITId>` + unitID + `</HITId>
    <AssignmentStatus>Submitted</AssignmentStatus>
    <AutoApprovalTime>2013-04-03T10:00:00Z</AutoApprovalTime>
    <AcceptTime>2013-04-02T09:00:00Z</AcceptTime>
    <SubmitTime>2013-04-02T10:00:00Z</SubmitTime>
    <Answer>` + answerDoc + `</Answer>
  </Assignment>
</GetAssignmentsForHITResult></GetAssignmentsForHITResponse>`
}

func TestListAssignmentsParsesAnswers(t *testing.T) {
	f := newFacade(t, func(op string, form url.Values) string {
		return assignmentsResponse("H1")
	})
	recs, err := f.ListAssignments(context.Background(), "H1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records: got %d", len(recs))
	}
	a := recs[0]
	if a.ID != "A1" || a.WorkerID != "W1" || a.Status != "Submitted" {
		t.Errorf("identity: %+v", a)
	}
	if a.AutopayTime == nil || !a.AutopayTime.Equal(time.Date(2013, 4, 3, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("autopay time: %v", a.AutopayTime)
	}
	if a.ApprovalTime != nil || a.RejectionTime != nil {
		t.Errorf("finalization times must be absent: %+v", a)
	}
	if len(a.Answers) != 3 {
		t.Fatalf("answers: %v", a.Answers)
	}
	if a.Answers[0].Kind != domain.AnswerFreeText || a.Answers[0].FreeText != "looks fine" {
		t.Errorf("free text answer: %+v", a.Answers[0])
	}
	if a.Answers[1].Kind != domain.AnswerSelection || a.Answers[1].SelectionID != "yes" {
		t.Errorf("selection answer: %+v", a.Answers[1])
	}
	if a.Answers[2].Kind != domain.AnswerUploadedFile || a.Answers[2].UploadedKey != "k123" || a.Answers[2].UploadedSize != 2048 {
		t.Errorf("uploaded file answer: %+v", a.Answers[2])
	}
	for _, ans := range a.Answers {
		if ans.AssignmentID != "A1" {
			t.Errorf("answer not tied to assignment: %+v", ans)
		}
	}
}

func TestAssignmentsPageRejectsForeignUnit(t *testing.T) {
	f := newFacade(t, func(op string, form url.Values) string {
		return assignmentsResponse("OTHER")
	})
	_, _, err := f.AssignmentsPage(context.Background(), "H1", 1)
	var re *wire.ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("want ResponseError, got %v", err)
	}
}

func TestAssignmentsPageRejectsPageEchoMismatch(t *testing.T) {
	f := newFacade(t, func(op string, form url.Values) string {
		return assignmentsResponse("H1")
	})
	_, _, err := f.AssignmentsPage(context.Background(), "H1", 2)
	var re *wire.ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("want ResponseError, got %v", err)
	}
}

func TestApproveAlreadyFinalized(t *testing.T) {
	f := newFacade(t, func(op string, form url.Values) string {
		return `<ApproveAssignmentResponse><OperationRequest><Errors><Error>
  <Code>AWS.MechanicalTurk.InvalidAssignmentState</Code>
  <Message>already approved</Message>
</Error></Errors></OperationRequest></ApproveAssignmentResponse>`
	})
	err := f.ApproveAssignment(context.Background(), "A1", "thanks")
	var fe *wire.AlreadyFinalizedError
	if !errors.As(err, &fe) {
		t.Fatalf("want AlreadyFinalizedError, got %v", err)
	}
	if fe.AssignmentID != "A1" {
		t.Errorf("assignment id: %q", fe.AssignmentID)
	}
}

func TestForceExpireToleratesAlreadyExpired(t *testing.T) {
	f := newFacade(t, func(op string, form url.Values) string {
		return `<ForceExpireHITResponse><OperationRequest><Errors><Error>
  <Code>AWS.MechanicalTurk.InvalidHITState</Code>
  <Message>already expired</Message>
</Error></Errors></OperationRequest></ForceExpireHITResponse>`
	})
	if err := f.ForceExpireWorkUnit(context.Background(), "H1"); err != nil {
		t.Fatalf("expire: %v", err)
	}
}

func TestListQualificationTypesRefusesOverflow(t *testing.T) {
	f := newFacade(t, func(op string, form url.Values) string {
		return `<SearchQualificationTypesResponse><SearchQualificationTypesResult>
  <TotalNumResults>150</TotalNumResults>
</SearchQualificationTypesResult></SearchQualificationTypesResponse>`
	})
	_, err := f.ListQualificationTypes(context.Background())
	var re *wire.ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("want ResponseError, got %v", err)
	}
}

func TestNotifyWorkersBatches(t *testing.T) {
	var batches []int
	f := newFacade(t, func(op string, form url.Values) string {
		if op != "NotifyWorkers" {
			t.Fatalf("unexpected operation %s", op)
		}
		n := 0
		for k := range form {
			if strings.HasPrefix(k, "WorkerId.") {
				n++
			}
		}
		batches = append(batches, n)
		return `<NotifyWorkersResponse><Request><IsValid>True</IsValid></Request></NotifyWorkersResponse>`
	})
	ids := make([]string, 230)
	for i := range ids {
		ids[i] = fmt.Sprintf("W%03d", i)
	}
	if err := f.NotifyWorkers(context.Background(), ids, "hello", "body"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(batches) != 3 || batches[0] != 100 || batches[1] != 100 || batches[2] != 30 {
		t.Errorf("batch sizes: %v", batches)
	}
}
