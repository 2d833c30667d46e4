package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/beaconhq/beacon-delivery/internal/domain"
	"github.com/beaconhq/beacon-delivery/internal/fanout"
	"github.com/beaconhq/beacon-delivery/internal/http/middleware"
)

type fakeDispatcher struct {
	report *fanout.Report
	err    error
	last   *domain.Alert
}

func (f *fakeDispatcher) Dispatch(_ context.Context, alert *domain.Alert) (*fanout.Report, error) {
	f.last = alert
	if f.err != nil {
		return nil, f.err
	}
	return f.report, nil
}

type fakeContacts struct {
	recipients []string
	err        error
}

func (f fakeContacts) ListRecipients(context.Context, string) ([]string, error) {
	return f.recipients, f.err
}

func doSendAlert(t *testing.T, h *AlertHandler, body map[string]any, authenticated bool) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal alert body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", bytes.NewReader(raw))
	if authenticated {
		req = req.WithContext(middleware.WithUserID(req.Context(), "u1"))
	}
	rec := httptest.NewRecorder()
	h.Send(rec, req)
	return rec
}

func criticalBody() map[string]any {
	return map[string]any{"class": "critical", "message": "help needed now"}
}

func TestSendAlertRequiresIdentity(t *testing.T) {
	h := NewAlertHandler(&fakeDispatcher{}, fakeContacts{}, true, nil)
	rec := doSendAlert(t, h, criticalBody(), false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestSendAlertAccepted(t *testing.T) {
	disp := &fakeDispatcher{report: &fanout.Report{
		AlertID: "a1",
		Online:  []string{"u2"},
		Offline: []string{"u3"},
		Durable: fanout.DurableResult{Attempted: true},
	}}
	h := NewAlertHandler(disp, fakeContacts{recipients: []string{"u2", "u3"}}, true, nil)

	rec := doSendAlert(t, h, criticalBody(), true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", rec.Code, rec.Body.String())
	}
	if disp.last == nil {
		t.Fatal("dispatcher not called")
	}
	if disp.last.FromUserID != "u1" {
		t.Fatalf("FromUserID = %q, want u1", disp.last.FromUserID)
	}
	if len(disp.last.RecipientIDs) != 2 {
		t.Fatalf("recipients = %v, want contact graph fan-out", disp.last.RecipientIDs)
	}
	if disp.last.ID == "" {
		t.Fatal("alert id was not defaulted")
	}
}

func TestSendAlertKeepsClientID(t *testing.T) {
	disp := &fakeDispatcher{report: &fanout.Report{AlertID: "client-7"}}
	h := NewAlertHandler(disp, fakeContacts{recipients: []string{"u2"}}, true, nil)

	body := criticalBody()
	body["id"] = "client-7"
	rec := doSendAlert(t, h, body, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if disp.last.ID != "client-7" {
		t.Fatalf("alert id = %q, want client-7", disp.last.ID)
	}
}

func TestSendAlertDuplicateConflicts(t *testing.T) {
	disp := &fakeDispatcher{err: domain.ErrDuplicateAlert}
	h := NewAlertHandler(disp, fakeContacts{recipients: []string{"u2"}}, true, nil)

	rec := doSendAlert(t, h, criticalBody(), true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestSendAlertNoContacts(t *testing.T) {
	h := NewAlertHandler(&fakeDispatcher{}, fakeContacts{}, true, nil)
	rec := doSendAlert(t, h, criticalBody(), true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := rec.Body.String(); !bytes.Contains([]byte(got), []byte("NO_RECIPIENTS")) {
		t.Fatalf("body = %s, want NO_RECIPIENTS", got)
	}
}

func TestSendAlertContactGraphFailure(t *testing.T) {
	h := NewAlertHandler(&fakeDispatcher{}, fakeContacts{err: errors.New("db down")}, true, nil)
	rec := doSendAlert(t, h, criticalBody(), true)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestSendAlertInvalidRejected(t *testing.T) {
	disp := &fakeDispatcher{err: domain.ErrInvalidAlert}
	h := NewAlertHandler(disp, fakeContacts{recipients: []string{"u2"}}, true, nil)

	rec := doSendAlert(t, h, map[string]any{"class": "critical", "message": ""}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestSendAlertDurableRejectionSetsRetryAfter(t *testing.T) {
	disp := &fakeDispatcher{report: &fanout.Report{
		AlertID: "a1",
		Online:  []string{"u2"},
		Durable: fanout.DurableResult{Rejected: true, RetryAfterSeconds: 30, Reason: "rate limited"},
	}}
	h := NewAlertHandler(disp, fakeContacts{recipients: []string{"u2", "u3"}}, true, nil)

	rec := doSendAlert(t, h, criticalBody(), true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (realtime leg still ran)", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("Retry-After = %q, want 30", got)
	}
}

func TestSendAlertReportsPushUnavailable(t *testing.T) {
	disp := &fakeDispatcher{report: &fanout.Report{AlertID: "a1"}}
	h := NewAlertHandler(disp, fakeContacts{recipients: []string{"u2"}}, false, nil)

	rec := doSendAlert(t, h, criticalBody(), true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	var envelope struct {
		Data struct {
			DurableAvailable bool `json:"durable_available"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if envelope.Data.DurableAvailable {
		t.Fatal("durable_available = true with push unconfigured")
	}
}
