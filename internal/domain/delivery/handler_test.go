package delivery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/notify/internal/domain/notification"
)

func postReport(t *testing.T, h *Handler, body string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/deliveries/report", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return rec, h.Report(e.NewContext(req, rec))
}

func TestReportHandler(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelEmail, "a@example.com")
	h := NewHandler(f.tracker)

	rec, err := postReport(t, h, `{"notification_id":"`+id.String()+`","channel":"email","attempt_number":1,"status":"sent","provider_message_id":"re_9"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var result ReportResult
	json.Unmarshal(rec.Body.Bytes(), &result)
	if !result.Applied || result.Attempt.Status != StatusSent {
		t.Errorf("unexpected result: %s", rec.Body.String())
	}

	rec, err = postReport(t, h, `{"notification_id":"`+id.String()+`","channel":"email","attempt_number":1,"status":"sent"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	json.Unmarshal(rec.Body.Bytes(), &result)
	if result.Ignored != "duplicate" {
		t.Errorf("expected duplicate to be absorbed, got %s", rec.Body.String())
	}
}

func TestReportHandler_Errors(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.tracker)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"invalid status", `{"notification_id":"9b2f3c1e-0000-4000-8000-000000000001","channel":"email","attempt_number":1,"status":"queued"}`, http.StatusBadRequest},
		{"unknown attempt", `{"notification_id":"9b2f3c1e-0000-4000-8000-000000000001","channel":"email","attempt_number":1,"status":"sent"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := postReport(t, h, tt.body)
			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != tt.status {
				t.Errorf("expected %d, got %v", tt.status, err)
			}
		})
	}
}

func TestDeliveriesHandler(t *testing.T) {
	f := newFixture(t)
	id := f.enqueue(t, notification.ChannelEmail, "a@example.com")
	f.report(t, Report{NotificationID: id, Channel: notification.ChannelEmail, AttemptNumber: 1, Status: StatusSent})

	h := NewHandler(f.tracker)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(id.String())

	if err := h.Deliveries(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Attempts []Attempt    `json:"attempts"`
		Audit    []AuditEntry `json:"audit"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Attempts) != 1 || len(body.Audit) != 1 {
		t.Errorf("unexpected response: %s", rec.Body.String())
	}
}
