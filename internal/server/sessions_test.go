package server

import (
	"database/sql"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/aterekhin/sessionlens/internal/store"
)

func newSessionsTestHandler(t *testing.T) (*SessionsHandler, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	return &SessionsHandler{Store: &store.Store{DB: db}}, mock, func() { db.Close() }
}

func TestCreateSession(t *testing.T) {
	h, mock, done := newSessionsTestHandler(t)
	defer done()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO sessions")).
		WithArgs("debugging session", "user: hello").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	rec := doJSON(h.create, http.MethodPost, "/api/sessions",
		`{"title":"debugging session","transcript":"user: hello"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"id":7`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestCreateSessionRequiresTranscript(t *testing.T) {
	h, mock, done := newSessionsTestHandler(t)
	defer done()

	rec := doJSON(h.create, http.MethodPost, "/api/sessions", `{"title":"empty","transcript":"  "}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("rejected session must not touch the database: %v", err)
	}
}

func TestListSessionsOmitsTranscripts(t *testing.T) {
	h, mock, done := newSessionsTestHandler(t)
	defer done()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, created_at FROM sessions")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "created_at"}).
			AddRow(1, "first", time.Now()).
			AddRow(2, "second", time.Now()))

	rec := doJSON(h.list, http.MethodGet, "/api/sessions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"title":"first"`) || !strings.Contains(body, `"title":"second"`) {
		t.Fatalf("body = %s", body)
	}
	if strings.Contains(body, "transcript") {
		t.Fatalf("list must not include transcripts: %s", body)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	h, mock, done := newSessionsTestHandler(t)
	defer done()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, title, transcript, created_at FROM sessions")).
		WithArgs(int64(42)).WillReturnError(sql.ErrNoRows)

	rec := doJSON(h.get, http.MethodGet, "/api/sessions/42", "", map[string]string{"id": "42"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
