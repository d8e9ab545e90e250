package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"crowdmirror/internal/config"
)

const (
	serviceName    = "AWSMechanicalTurkRequester"
	serviceVersion = "2012-03-25"

	duplicateNameSuffix = "AWS.MechanicalTurk.QualificationTypeAlreadyExists"
)

var serviceURLs = map[string]string{
	config.ServiceSandbox:    "https://mechanicalturk.sandbox.amazonaws.com/onca/xml",
	config.ServiceProduction: "https://mechanicalturk.amazonaws.com/onca/xml",
}

var previewURLStems = map[string]string{
	config.ServiceSandbox:    "http://workersandbox.mturk.com/mturk/preview?groupId=",
	config.ServiceProduction: "http://mturk.com/mturk/preview?groupId=",
}

// Retry parameters. The delay series is capped, and the attempt budget is
// sized so that a permanently unavailable service is abandoned after roughly
// 24 hours of cumulative capped delay.
const (
	retryInitialDelay = time.Second
	retryBackoff      = 1.5
	retryMaxDelay     = 5 * time.Minute
	retryAttempts     = int(24 * time.Hour / retryMaxDelay)
)

// Requests-per-second seeds per service. ServiceUnavailable responses walk
// the limit down by 0.1 rps with a floor of 0.01.
var maxRequestsPerSecond = map[string]float64{
	config.ServiceSandbox:    5,
	config.ServiceProduction: 100,
}

// RequestHook observes every attempted call, for the request log.
type RequestHook func(operation string, params url.Values, err error)

// Transport signs and submits marketplace requests, pacing them against the
// service rate limit and retrying transient failures with capped exponential
// backoff.
type Transport struct {
	AccountID string
	Service   string

	accountKey string
	endpoint   string
	limiter    *rate.Limiter

	HTTP  *http.Client
	Log   *slog.Logger
	Hook  RequestHook
	Now   func() time.Time
	Sleep func(time.Duration)
}

// New builds a Transport for the given credentials and service type.
func New(accountID, accountKey, service string) (*Transport, error) {
	endpoint, ok := serviceURLs[service]
	if !ok {
		return nil, &config.ValidationError{Field: "service", Reason: "must be 'sandbox' or 'production'"}
	}
	rps := maxRequestsPerSecond[service]
	return &Transport{
		AccountID:  accountID,
		Service:    service,
		accountKey: accountKey,
		endpoint:   endpoint,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		HTTP:       http.DefaultClient,
		Log:        slog.Default(),
		Now:        time.Now,
		Sleep:      time.Sleep,
	}, nil
}

// PreviewURLStem returns the public preview URL prefix for work-unit types.
func (t *Transport) PreviewURLStem() string {
	return previewURLStems[t.Service]
}

func (t *Transport) timestamp() string {
	return t.Now().UTC().Format("2006-01-02T15:04:05Z")
}

func (t *Transport) sign(operation, timestamp string) string {
	mac := hmac.New(sha1.New, []byte(t.accountKey))
	io.WriteString(mac, serviceName+operation+timestamp)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Send submits one signed operation and returns the raw XML response body.
// Transient failures (network errors, service-unavailable codes) are retried
// on the capped backoff schedule; any other marketplace error propagates
// immediately as a ProtocolError or DuplicateNameError.
func (t *Transport) Send(ctx context.Context, operation string, params url.Values) ([]byte, error) {
	delay := retryInitialDelay
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		started := t.Now()
		body, err := t.sendOnce(ctx, operation, params)
		if t.Hook != nil {
			t.Hook(operation, params, err)
		}
		if err == nil {
			t.Log.Debug("marketplace call", "operation", operation, "elapsed", t.Now().Sub(started), "attempt", attempt+1)
			return body, nil
		}
		if !retryable(err) {
			return nil, err
		}
		t.throttleDown(err)
		lastErr = err
		t.Log.Warn("marketplace call retrying", "operation", operation, "attempt", attempt+1, "delay", delay, "err", err)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t.Sleep(delay)
		delay = time.Duration(float64(delay) * retryBackoff)
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return nil, lastErr
}

func (t *Transport) sendOnce(ctx context.Context, operation string, params url.Values) ([]byte, error) {
	timestamp := t.timestamp()
	form := url.Values{}
	form.Set("Service", serviceName)
	form.Set("Version", serviceVersion)
	form.Set("AWSAccessKeyId", t.AccountID)
	form.Set("Timestamp", timestamp)
	form.Set("Signature", t.sign(operation, timestamp))
	form.Set("Operation", operation)
	for k, vs := range params {
		for _, v := range vs {
			form.Add(k, v)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &RequestError{Operation: operation, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.HTTP.Do(req)
	if err != nil {
		return nil, &RequestError{Operation: operation, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Operation: operation, Err: err}
	}
	if err := checkErrors(body, operation, params); err != nil {
		return nil, err
	}
	return body, nil
}

// checkErrors scans the response document for an <Errors> block, which the
// marketplace nests under a per-operation root element.
func checkErrors(body []byte, operation string, params url.Values) error {
	dec := xml.NewDecoder(strings.NewReader(string(body)))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &RequestError{Operation: operation, Err: fmt.Errorf("malformed response: %w", err)}
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "Errors" {
			continue
		}
		var block struct {
			Error []struct {
				Code    string `xml:"Code"`
				Message string `xml:"Message"`
			} `xml:"Error"`
		}
		if err := dec.DecodeElement(&block, &start); err != nil {
			return &RequestError{Operation: operation, Err: fmt.Errorf("malformed error block: %w", err)}
		}
		for _, e := range block.Error {
			pe := ProtocolError{Code: e.Code, Message: e.Message, Operation: operation}
			if strings.HasSuffix(e.Code, duplicateNameSuffix) {
				return &DuplicateNameError{ProtocolError: pe, Name: params.Get("Name")}
			}
			return &pe
		}
	}
}

func retryable(err error) bool {
	switch e := err.(type) {
	case *RequestError:
		return true
	case *ProtocolError:
		return e.Retryable()
	default:
		return false
	}
}

// throttleDown reduces the request pace after a service-unavailable response.
func (t *Transport) throttleDown(err error) {
	pe, ok := err.(*ProtocolError)
	if !ok || !pe.Retryable() {
		return
	}
	limit := float64(t.limiter.Limit()) - 0.1
	if limit < 0.01 {
		limit = 0.01
	}
	t.limiter.SetLimit(rate.Limit(limit))
}

// SetEndpoint points the transport at a different base URL. Used by tests to
// run against a local fake marketplace.
func (t *Transport) SetEndpoint(u string) { t.endpoint = u }

// Limit reports the current requests-per-second pace.
func (t *Transport) Limit() float64 { return float64(t.limiter.Limit()) }

// SetRateLimit overrides the requests-per-second pace.
func (t *Transport) SetRateLimit(rps float64) { t.limiter.SetLimit(rate.Limit(rps)) }
