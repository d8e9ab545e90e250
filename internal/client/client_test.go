package client_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"crowdmirror/internal/client"
	"crowdmirror/internal/config"
	"crowdmirror/internal/db"
	"crowdmirror/internal/domain"
	"crowdmirror/internal/migrate"
	"crowdmirror/internal/transport"
	"crowdmirror/internal/wire"
)

// marketplace fakes the remote service: one responder per operation, with
// per-operation call counts.
type marketplace struct {
	t        *testing.T
	handlers map[string]func(form url.Values) string
	calls    map[string]int
}

func (m *marketplace) respond(op string, fn func(form url.Values) string) {
	m.handlers[op] = fn
}

func (m *marketplace) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	op := r.PostForm.Get("Operation")
	m.calls[op]++
	fn, ok := m.handlers[op]
	if !ok {
		m.t.Errorf("unexpected operation %s", op)
		w.Write([]byte(errorBody("AWS.MechanicalTurk.InvalidParameterValue")))
		return
	}
	w.Write([]byte(fn(r.PostForm)))
}

func errorBody(code string) string {
	return `<Response><OperationRequest><Errors><Error><Code>` + code + `</Code><Message>boom</Message></Error></Errors></OperationRequest></Response>`
}

var testNow = time.Date(2013, 4, 2, 12, 0, 0, 0, time.UTC)

func newClient(t *testing.T) (*client.Client, *marketplace) {
	t.Helper()
	m := &marketplace{t: t, handlers: map[string]func(url.Values) string{}, calls: map[string]int{}}
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	cfg := config.Default("AKTEST")
	cfg.Account.Key = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	conn, err := db.Open(db.Config{DataDir: t.TempDir(), AccountID: cfg.Account.ID, Service: cfg.Service})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cl, err := client.New(cfg, conn, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	cl.Now = func() time.Time { return testNow }
	cl.Transport().SetEndpoint(srv.URL)
	cl.Transport().Sleep = func(time.Duration) {}
	return cl, m
}

type hitFixture struct {
	ID, TypeID, Status            string
	Max, Pending, Avail, Complete int
	Question                      string
}

func (h hitFixture) xml() string {
	question := h.Question
	if question == "" {
		question = "&lt;QuestionForm&gt;what color is the sky&lt;/QuestionForm&gt;"
	}
	return fmt.Sprintf(`<HIT>
  <HITId>%s</HITId>
  <HITTypeId>%s</HITTypeId>
  <CreationTime>2013-04-01T10:00:00Z</CreationTime>
  <Title>Tag a photo</Title>
  <Description>Pick the best label</Description>
  <Question>%s</Question>
  <Keywords>photos</Keywords>
  <HITStatus>%s</HITStatus>
  <MaxAssignments>%d</MaxAssignments>
  <Reward><Amount>0.25</Amount><CurrencyCode>USD</CurrencyCode></Reward>
  <AutoApprovalDelayInSeconds>86400</AutoApprovalDelayInSeconds>
  <Expiration>2013-04-08T10:00:00Z</Expiration>
  <AssignmentDurationInSeconds>600</AssignmentDurationInSeconds>
  <QualificationRequirement>
    <QualificationTypeId>Q1</QualificationTypeId>
    <Comparator>Exists</Comparator>
  </QualificationRequirement>
  <NumberOfAssignmentsPending>%d</NumberOfAssignmentsPending>
  <NumberOfAssignmentsAvailable>%d</NumberOfAssignmentsAvailable>
  <NumberOfAssignmentsCompleted>%d</NumberOfAssignmentsCompleted>
</HIT>`, h.ID, h.TypeID, question, h.Status, h.Max, h.Pending, h.Avail, h.Complete)
}

func searchResult(hits ...hitFixture) string {
	body := fmt.Sprintf(`<SearchHITsResponse><SearchHITsResult>
<Request><IsValid>True</IsValid></Request>
<NumResults>%d</NumResults><TotalNumResults>%d</TotalNumResults><PageNumber>1</PageNumber>`, len(hits), len(hits))
	for _, h := range hits {
		body += h.xml()
	}
	return body + `</SearchHITsResult></SearchHITsResponse>`
}

func registerType(t *testing.T, cl *client.Client, m *marketplace, typeID string) *domain.WorkUnitType {
	t.Helper()
	m.respond("RegisterHITType", func(url.Values) string {
		return `<RegisterHITTypeResponse><HITTypeId>` + typeID + `</HITTypeId></RegisterHITTypeResponse>`
	})
	wt, err := cl.CreateWorkUnitType(context.Background(), client.TypeParams{
		Title:       "Tag a photo",
		Description: "Pick the best label",
		Reward:      domain.Price{Amount: 0.25, Currency: "USD"},
	})
	if err != nil {
		t.Fatalf("create type: %v", err)
	}
	return wt
}

func TestCreateWorkUnitRequiresFreshState(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	registerType(t, cl, m, "T1")

	m.respond("CreateHIT", func(form url.Values) string {
		if form.Get("HITTypeId") != "T1" {
			t.Errorf("type param: %q", form.Get("HITTypeId"))
		}
		return `<CreateHITResponse>` + hitFixture{ID: "H1", TypeID: "T1", Status: domain.UnitAssignable, Max: 2, Avail: 2}.xml() + `</CreateHITResponse>`
	})
	u, err := cl.CreateWorkUnit(ctx, "T1", "<QuestionForm/>", client.WithMaxAssignments(2))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.ID != "H1" || u.Status != domain.UnitAssignable || u.MaxAssignments != 2 {
		t.Errorf("unit: %+v", u)
	}
	if mirrored, err := cl.Store().GetWorkUnit(ctx, "H1"); err != nil || mirrored.ID != "H1" {
		t.Errorf("mirror copy: %+v %v", mirrored, err)
	}

	// A unit echoed back with slots already taken is refused.
	m.respond("CreateHIT", func(url.Values) string {
		return `<CreateHITResponse>` + hitFixture{ID: "H2", TypeID: "T1", Status: domain.UnitAssignable, Max: 2, Avail: 1, Pending: 1}.xml() + `</CreateHITResponse>`
	})
	if _, err := cl.CreateWorkUnit(ctx, "T1", "<QuestionForm/>", client.WithMaxAssignments(2)); err == nil {
		t.Error("want error for non-fresh unit")
	}
}

func TestGetWorkUnitServesRepeatsFromCache(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	m.respond("GetHIT", func(url.Values) string {
		return `<GetHITResponse>` + hitFixture{ID: "H1", TypeID: "T1", Status: domain.UnitAssignable, Max: 3, Avail: 3}.xml() + `</GetHITResponse>`
	})
	if _, err := cl.GetWorkUnit(ctx, "H1"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, err := cl.GetWorkUnit(ctx, "H1"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if m.calls["GetHIT"] != 1 {
		t.Errorf("GetHIT calls: %d", m.calls["GetHIT"])
	}
	// The detail fetch also adopted the type.
	wt, err := cl.GetWorkUnitType(ctx, "T1")
	if err != nil {
		t.Fatalf("type: %v", err)
	}
	if wt.Title != "Tag a photo" || len(wt.Qualifications) != 1 {
		t.Errorf("adopted type: %+v", wt)
	}
}

func TestSyncAdoptsUpdatesAndDisposes(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	registerType(t, cl, m, "T1")
	m.respond("CreateHIT", func(url.Values) string {
		return `<CreateHITResponse>` + hitFixture{ID: "H1", TypeID: "T1", Status: domain.UnitAssignable, Max: 3, Avail: 3}.xml() + `</CreateHITResponse>`
	})
	if _, err := cl.CreateWorkUnit(ctx, "T1", "<QuestionForm/>", client.WithMaxAssignments(3)); err != nil {
		t.Fatalf("create: %v", err)
	}

	// The listing moves H1 along and introduces H2; H1's old expiration
	// placeholder semantics do not apply here, only counts change.
	m.respond("SearchHITs", func(url.Values) string {
		return searchResult(
			hitFixture{ID: "H1", TypeID: "T1", Status: domain.UnitReviewable, Max: 3, Complete: 3},
			hitFixture{ID: "H2", TypeID: "T1", Status: domain.UnitAssignable, Max: 1, Avail: 1},
		)
	})
	if err := cl.SyncWithRemote(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	u1, err := cl.GetWorkUnit(ctx, "H1")
	if err != nil {
		t.Fatalf("H1: %v", err)
	}
	if u1.Status != domain.UnitReviewable || u1.NumCompleted != 3 || u1.NumAvailable != 0 {
		t.Errorf("H1 after sync: %+v", u1)
	}
	u2, err := cl.GetWorkUnit(ctx, "H2")
	if err != nil {
		t.Fatalf("H2: %v", err)
	}
	if u2.Status != domain.UnitAssignable {
		t.Errorf("H2 after sync: %+v", u2)
	}

	// H1 vanishes from the listing: it was disposed remotely.
	m.respond("SearchHITs", func(url.Values) string {
		return searchResult(hitFixture{ID: "H2", TypeID: "T1", Status: domain.UnitAssignable, Max: 1, Avail: 1})
	})
	if err := cl.SyncWithRemote(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	u1, err = cl.GetWorkUnit(ctx, "H1")
	if err != nil {
		t.Fatalf("H1 after dispose: %v", err)
	}
	if u1.Status != domain.UnitDisposed {
		t.Errorf("H1 must be disposed: %+v", u1)
	}
	if m.calls["GetHIT"] != 0 {
		t.Errorf("sync must not point-fetch known types: %d GetHIT calls", m.calls["GetHIT"])
	}
}

func TestAssignmentsMergeAcrossTiers(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	m.respond("GetHIT", func(url.Values) string {
		return `<GetHITResponse>` + hitFixture{ID: "H1", TypeID: "T1", Status: domain.UnitReviewable, Max: 2, Complete: 2}.xml() + `</GetHITResponse>`
	})
	m.respond("GetAssignmentsForHIT", func(url.Values) string {
		return `<GetAssignmentsForHITResponse><GetAssignmentsForHITResult>
<Request><IsValid>True</IsValid></Request>
<NumResults>2</NumResults><TotalNumResults>2</TotalNumResults><PageNumber>1</PageNumber>
<Assignment>
  <AssignmentId>A2</AssignmentId><WorkerId>W2</WorkerId><HITId>H1</HITId>
  <AssignmentStatus>Submitted</AssignmentStatus>
  <AcceptTime>2013-04-02T08:00:00Z</AcceptTime><SubmitTime>2013-04-02T09:00:00Z</SubmitTime>
</Assignment>
<Assignment>
  <AssignmentId>A1</AssignmentId><WorkerId>W1</WorkerId><HITId>H1</HITId>
  <AssignmentStatus>Submitted</AssignmentStatus>
  <AcceptTime>2013-04-02T07:00:00Z</AcceptTime><SubmitTime>2013-04-02T08:30:00Z</SubmitTime>
</Assignment>
</GetAssignmentsForHITResult></GetAssignmentsForHITResponse>`
	})
	got, err := cl.AssignmentsForWorkUnit(ctx, "H1")
	if err != nil {
		t.Fatalf("assignments: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("count: %d", len(got))
	}
	if got[0].ID != "A1" || got[1].ID != "A2" {
		t.Errorf("submit-time order: %s, %s", got[0].ID, got[1].ID)
	}

	// The merged set is now complete locally; a repeat stays off the wire.
	before := m.calls["GetAssignmentsForHIT"]
	if _, err := cl.AssignmentsForWorkUnit(ctx, "H1"); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if m.calls["GetAssignmentsForHIT"] != before {
		t.Errorf("repeat went remote: %d calls", m.calls["GetAssignmentsForHIT"])
	}
}

func TestAssignmentsReportInconsistency(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	// Two submitted per the unit's counters, but the remote only returns one.
	m.respond("GetHIT", func(url.Values) string {
		return `<GetHITResponse>` + hitFixture{ID: "H1", TypeID: "T1", Status: domain.UnitReviewable, Max: 2, Complete: 2}.xml() + `</GetHITResponse>`
	})
	m.respond("GetAssignmentsForHIT", func(url.Values) string {
		return `<GetAssignmentsForHITResponse><GetAssignmentsForHITResult>
<NumResults>1</NumResults><TotalNumResults>1</TotalNumResults><PageNumber>1</PageNumber>
<Assignment>
  <AssignmentId>A1</AssignmentId><WorkerId>W1</WorkerId><HITId>H1</HITId>
  <AssignmentStatus>Submitted</AssignmentStatus>
  <AcceptTime>2013-04-02T07:00:00Z</AcceptTime><SubmitTime>2013-04-02T08:30:00Z</SubmitTime>
</Assignment>
</GetAssignmentsForHITResult></GetAssignmentsForHITResponse>`
	})
	_, err := cl.AssignmentsForWorkUnit(ctx, "H1")
	var dce *client.DataConsistencyError
	if !errors.As(err, &dce) {
		t.Fatalf("want DataConsistencyError, got %v", err)
	}
	if dce.Fetched != 1 || dce.WorkUnitID != "H1" {
		t.Errorf("error detail: %+v", dce)
	}
}

func TestExtendWorkUnitAdjustsMirror(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	m.respond("GetHIT", func(url.Values) string {
		return `<GetHITResponse>` + hitFixture{ID: "H1", TypeID: "T1", Status: domain.UnitReviewable, Max: 2, Complete: 2}.xml() + `</GetHITResponse>`
	})
	m.respond("ExtendHIT", func(form url.Values) string {
		if form.Get("MaxAssignmentsIncrement") != "1" {
			t.Errorf("increment param: %q", form.Get("MaxAssignmentsIncrement"))
		}
		return `<ExtendHITResponse><Request><IsValid>True</IsValid></Request></ExtendHITResponse>`
	})
	u, err := cl.ExtendWorkUnit(ctx, "H1", 1, 24*time.Hour)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if u.MaxAssignments != 3 {
		t.Errorf("max assignments: %d", u.MaxAssignments)
	}
	if u.Status != domain.UnitAssignable {
		t.Errorf("status: %s", u.Status)
	}
	// Expiration was still in the future, so the estimate extends it.
	want := time.Date(2013, 4, 9, 10, 0, 0, 0, time.UTC)
	if u.ApproxExpirationTime == nil || !u.ApproxExpirationTime.Equal(want) {
		t.Errorf("approximate expiration: %v", u.ApproxExpirationTime)
	}
	mirrored, err := cl.Store().GetWorkUnit(ctx, "H1")
	if err != nil || mirrored.MaxAssignments != 3 {
		t.Errorf("mirror copy: %+v %v", mirrored, err)
	}
}

func TestExtendWorkUnitAccumulatesLifetime(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	m.respond("GetHIT", func(url.Values) string {
		return `<GetHITResponse>` + hitFixture{ID: "H1", TypeID: "T1", Status: domain.UnitReviewable, Max: 2, Complete: 2}.xml() + `</GetHITResponse>`
	})
	m.respond("ExtendHIT", func(url.Values) string {
		return `<ExtendHITResponse><Request><IsValid>True</IsValid></Request></ExtendHITResponse>`
	})
	if _, err := cl.ExtendWorkUnit(ctx, "H1", 0, 24*time.Hour); err != nil {
		t.Fatalf("first extend: %v", err)
	}
	u, err := cl.ExtendWorkUnit(ctx, "H1", 0, 24*time.Hour)
	if err != nil {
		t.Fatalf("second extend: %v", err)
	}
	// Each extend builds on the previous estimate, not on the last exact
	// server value, so two 24h extends move the 04-08 expiration to 04-10.
	want := time.Date(2013, 4, 10, 10, 0, 0, 0, time.UTC)
	if u.ApproxExpirationTime == nil || !u.ApproxExpirationTime.Equal(want) {
		t.Errorf("approximate expiration after two extends: %v, want %v", u.ApproxExpirationTime, want)
	}
}

func TestLookupsShareOneLiveUnit(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	registerType(t, cl, m, "T1")
	m.respond("CreateHIT", func(url.Values) string {
		return `<CreateHITResponse>` + hitFixture{ID: "H1", TypeID: "T1", Status: domain.UnitAssignable, Max: 1, Avail: 1}.xml() + `</CreateHITResponse>`
	})
	held, err := cl.CreateWorkUnit(ctx, "T1", "<QuestionForm/>")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// H1 is gone from the listing, so the sync disposes it. The handle the
	// caller kept from the create must observe the transition.
	m.respond("SearchHITs", func(url.Values) string { return searchResult() })
	if err := cl.SyncWithRemote(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if held.Status != domain.UnitDisposed {
		t.Errorf("held handle status: %s, want %s", held.Status, domain.UnitDisposed)
	}
	fresh, err := cl.GetWorkUnit(ctx, "H1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if fresh != held {
		t.Error("lookup returned a different object than the held handle")
	}
}

func TestCreateWorkUnitTypeRepeatReusesRecord(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	first := registerType(t, cl, m, "T1")
	second := registerType(t, cl, m, "T1")
	if second != first {
		t.Error("identical registration returned a second object")
	}
	if m.calls["RegisterHITType"] != 2 {
		t.Errorf("RegisterHITType calls: %d, want 2", m.calls["RegisterHITType"])
	}
	// The mirror holds exactly the one record.
	types, err := cl.Store().ListWorkUnitTypes(ctx)
	if err != nil || len(types) != 1 || types[0].ID != "T1" {
		t.Errorf("mirrored types: %+v %v", types, err)
	}
}

func TestForceExpireTransitionsStatus(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	m.respond("GetHIT", func(url.Values) string {
		return `<GetHITResponse>` + hitFixture{ID: "H1", TypeID: "T1", Status: domain.UnitAssignable, Max: 3, Avail: 3}.xml() + `</GetHITResponse>`
	})
	m.respond("ForceExpireHIT", func(url.Values) string {
		return `<ForceExpireHITResponse><Request><IsValid>True</IsValid></Request></ForceExpireHITResponse>`
	})
	u, err := cl.ForceExpire(ctx, "H1")
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if u.Status != domain.UnitReviewable {
		t.Errorf("status: %s", u.Status)
	}
	if u.ApproxExpirationTime == nil || !u.ApproxExpirationTime.Equal(testNow) {
		t.Errorf("approximate expiration: %v", u.ApproxExpirationTime)
	}
}

func TestCreateQualificationTypeReusesMatchingDuplicate(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	m.respond("CreateQualificationType", func(url.Values) string {
		return errorBody("AWS.MechanicalTurk.QualificationTypeAlreadyExists")
	})
	m.respond("SearchQualificationTypes", func(url.Values) string {
		return `<SearchQualificationTypesResponse><SearchQualificationTypesResult>
<TotalNumResults>1</TotalNumResults>
<QualificationType>
  <QualificationTypeId>QEXIST</QualificationTypeId>
  <Name>Agree to terms</Name>
  <Description>Read and accept the terms</Description>
  <QualificationTypeStatus>Active</QualificationTypeStatus>
</QualificationType>
</SearchQualificationTypesResult></SearchQualificationTypesResponse>`
	})

	qt, err := cl.CreateQualificationType(ctx, wire.QualTypeParams{
		Name:        "Agree to terms",
		Description: "Read and accept the terms",
	})
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if qt.ID != "QEXIST" {
		t.Errorf("reused id: %q", qt.ID)
	}

	// A different description means the collision is a real conflict.
	_, err = cl.CreateQualificationType(ctx, wire.QualTypeParams{
		Name:        "Agree to terms",
		Description: "Something else entirely",
	})
	var dup *transport.DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("want DuplicateNameError, got %v", err)
	}
}

func TestGetAssignmentAppliesAutopay(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	registerType(t, cl, m, "T1")
	m.respond("CreateHIT", func(url.Values) string {
		return `<CreateHITResponse>` + hitFixture{ID: "H1", TypeID: "T1", Status: domain.UnitAssignable, Max: 1, Avail: 1}.xml() + `</CreateHITResponse>`
	})
	if _, err := cl.CreateWorkUnit(ctx, "T1", "<QuestionForm/>"); err != nil {
		t.Fatalf("create: %v", err)
	}
	autopay := testNow.Add(-time.Hour)
	err := cl.Store().PutAssignment(ctx, domain.Assignment{
		ID:          "A1",
		WorkUnitID:  "H1",
		WorkerID:    "W1",
		Status:      domain.AssignmentSubmitted,
		AcceptTime:  testNow.Add(-3 * time.Hour),
		SubmitTime:  testNow.Add(-2 * time.Hour),
		AutopayTime: &autopay,
	})
	if err != nil {
		t.Fatalf("seed assignment: %v", err)
	}
	a, err := cl.GetAssignment(ctx, "A1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Status != domain.AssignmentApproved {
		t.Errorf("autopay status: %s", a.Status)
	}
}

func TestSuggestSyncSpacesRuns(t *testing.T) {
	cl, m := newClient(t)
	ctx := context.Background()
	m.respond("SearchHITs", func(url.Values) string { return searchResult() })

	ran, err := cl.SuggestSync(ctx, false)
	if err != nil || !ran {
		t.Fatalf("first suggest: ran=%v err=%v", ran, err)
	}
	ran, err = cl.SuggestSync(ctx, false)
	if err != nil || ran {
		t.Fatalf("second suggest within interval: ran=%v err=%v", ran, err)
	}
	ran, err = cl.SuggestSync(ctx, true)
	if err != nil || !ran {
		t.Fatalf("forced suggest: ran=%v err=%v", ran, err)
	}
	if m.calls["SearchHITs"] != 2 {
		t.Errorf("SearchHITs calls: %d", m.calls["SearchHITs"])
	}
}
