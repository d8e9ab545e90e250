package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"crowdmirror/internal/transport"
)

const okResponse = `<GetAccountBalanceResponse>
  <GetAccountBalanceResult>
    <Request><IsValid>True</IsValid></Request>
    <AvailableBalance><Amount>10.00</Amount><CurrencyCode>USD</CurrencyCode></AvailableBalance>
  </GetAccountBalanceResult>
</GetAccountBalanceResponse>`

func errorResponse(code string) string {
	return `<GetAccountBalanceResponse><OperationRequest><Errors><Error>
	<Code>` + code + `</Code><Message>boom</Message>
	</Error></Errors></OperationRequest></GetAccountBalanceResponse>`
}

func newTransport(t *testing.T, handler http.Handler) *transport.Transport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tr, err := transport.New("AKEXAMPLE", "secret", "sandbox")
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	tr.SetEndpoint(srv.URL)
	tr.Now = func() time.Time { return time.Date(2013, 4, 1, 12, 0, 0, 0, time.UTC) }
	tr.Sleep = func(time.Duration) {}
	return tr
}

func TestSendSignsEveryRequest(t *testing.T) {
	var got url.Values
	tr := newTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		got = r.PostForm
		w.Write([]byte(okResponse))
	}))
	if _, err := tr.Send(context.Background(), "GetAccountBalance", url.Values{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	for _, key := range []string{"Service", "Version", "AWSAccessKeyId", "Timestamp", "Signature", "Operation"} {
		if got.Get(key) == "" {
			t.Errorf("request missing %s", key)
		}
	}
	if got.Get("Timestamp") != "2013-04-01T12:00:00Z" {
		t.Errorf("timestamp format: got %q", got.Get("Timestamp"))
	}
	if got.Get("Operation") != "GetAccountBalance" {
		t.Errorf("operation: got %q", got.Get("Operation"))
	}
}

func TestSendMapsProtocolErrors(t *testing.T) {
	tr := newTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(errorResponse("AWS.MechanicalTurk.InvalidHITState")))
	}))
	_, err := tr.Send(context.Background(), "ForceExpireHIT", url.Values{})
	var pe *transport.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("want ProtocolError, got %v", err)
	}
	if pe.Code != "AWS.MechanicalTurk.InvalidHITState" || pe.Message != "boom" {
		t.Errorf("error fields: %+v", pe)
	}
	if pe.Retryable() {
		t.Error("InvalidHITState must not be retryable")
	}
}

func TestSendMapsDuplicateName(t *testing.T) {
	tr := newTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(errorResponse("AWS.MechanicalTurk.QualificationTypeAlreadyExists")))
	}))
	params := url.Values{"Name": {"Agree to terms"}}
	_, err := tr.Send(context.Background(), "CreateQualificationType", params)
	var dup *transport.DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("want DuplicateNameError, got %v", err)
	}
	if dup.Name != "Agree to terms" {
		t.Errorf("duplicate name: got %q", dup.Name)
	}
}

func TestSendRetriesServiceUnavailable(t *testing.T) {
	failures := 3
	calls := 0
	var delays []time.Duration
	tr := newTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= failures {
			w.Write([]byte(errorResponse("AWS.ServiceUnavailable")))
			return
		}
		w.Write([]byte(okResponse))
	}))
	tr.Sleep = func(d time.Duration) { delays = append(delays, d) }
	if _, err := tr.Send(context.Background(), "GetAccountBalance", url.Values{}); err != nil {
		t.Fatalf("send after retries: %v", err)
	}
	if calls != failures+1 {
		t.Fatalf("calls: got %d want %d", calls, failures+1)
	}
	want := []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays: got %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d: got %v want %v", i, delays[i], want[i])
		}
	}
}

func TestSendAbandonsPermanentlyUnavailable(t *testing.T) {
	calls := 0
	tr := newTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(errorResponse("ServiceUnavailable")))
	}))
	tr.SetRateLimit(1e6)
	var total, longest time.Duration
	tr.Sleep = func(d time.Duration) {
		total += d
		if d > longest {
			longest = d
		}
	}
	_, err := tr.Send(context.Background(), "GetAccountBalance", url.Values{})
	var pe *transport.ProtocolError
	if !errors.As(err, &pe) || pe.Code != "ServiceUnavailable" {
		t.Fatalf("want the final unavailable error, got %v", err)
	}
	// The attempt budget is 24h of cumulative capped delay: 24h / 5min.
	budget := int(24 * time.Hour / (5 * time.Minute))
	if calls != budget {
		t.Errorf("attempts: got %d want %d", calls, budget)
	}
	if longest != 5*time.Minute {
		t.Errorf("delay cap: got %v", longest)
	}
	if total > 24*time.Hour {
		t.Errorf("cumulative delay above budget: %v", total)
	}
	if total < 20*time.Hour {
		t.Errorf("cumulative delay suspiciously small: %v", total)
	}
}

func TestThrottleWalksDownOnUnavailable(t *testing.T) {
	calls := 0
	tr := newTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(errorResponse("ServiceUnavailable")))
			return
		}
		w.Write([]byte(okResponse))
	}))
	before := tr.Limit()
	if _, err := tr.Send(context.Background(), "GetAccountBalance", url.Values{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	after := tr.Limit()
	if after >= before {
		t.Errorf("limit should decrease: before %v after %v", before, after)
	}
	if diff := before - after; diff < 0.09 || diff > 0.11 {
		t.Errorf("limit step: got %v want 0.1", diff)
	}
}

func TestSendHonorsContextCancel(t *testing.T) {
	tr := newTransport(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(errorResponse("AWS.ServiceUnavailable")))
	}))
	ctx, cancel := context.WithCancel(context.Background())
	tr.Sleep = func(time.Duration) { cancel() }
	_, err := tr.Send(ctx, "GetAccountBalance", url.Values{})
	if err == nil {
		t.Fatal("want error after cancel")
	}
}
