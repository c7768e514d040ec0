package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/sheetsage/sheetsage/internal/ask"
	"github.com/sheetsage/sheetsage/internal/feedback"
	"github.com/sheetsage/sheetsage/internal/planner"
	"github.com/sheetsage/sheetsage/internal/session"
)

const testToken = "test-token-12345"

// plannerFunc adapts a function to the planner interface.
type plannerFunc func(ctx context.Context, req planner.Request) (planner.Response, error)

func (f plannerFunc) Plan(ctx context.Context, req planner.Request) (planner.Response, error) {
	return f(ctx, req)
}

func setupAppHandler(t *testing.T, token string, p planner.Planner) (http.Handler, *feedback.Store) {
	t.Helper()
	store, err := feedback.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if p == nil {
		p = plannerFunc(func(ctx context.Context, req planner.Request) (planner.Response, error) {
			return planner.Response{SQL: "SELECT 1", Explanation: "constant"}, nil
		})
	}

	selector := feedback.NewSelector(store, 5)
	mgr := session.NewManager(time.Minute)
	handler := NewAppHandler(AppDeps{
		Sessions: mgr,
		Store:    store,
		Selector: selector,
		Ask:      ask.New(p, store, selector, 0, nil),
		Token:    token,
	})
	return handler, store
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func doJSON(t *testing.T, h http.Handler, req *http.Request, wantStatus int) map[string]any {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != wantStatus {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, wantStatus, rr.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response: %v; body = %s", err, rr.Body.String())
	}
	return out
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	out := doJSON(t, h, authReq(http.MethodPost, "/sessions", "", testToken), http.StatusOK)
	id, _ := out["session_id"].(string)
	if id == "" {
		t.Fatalf("no session_id in %v", out)
	}
	return id
}

// workbookBytes builds a one-sheet workbook with a header row and two rows.
func workbookBytes(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	f.SetSheetName("Sheet1", "Orders")
	rows := [][]any{
		{"region", "amount"},
		{"west", 10},
		{"east", 20},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow("Orders", cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadReq(t *testing.T, url, fileName string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, url, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func TestHealthNoAuth(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rr.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/sessions", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without a token", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sessions", "", "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 with a bad token", rr.Code)
	}
}

func TestAuthDisabledWhenNoToken(t *testing.T) {
	h, _ := setupAppHandler(t, "", nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/sessions", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", rr.Code)
	}
}

func TestUploadAndTables(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, nil)
	id := createSession(t, h)

	out := doJSON(t, h, uploadReq(t, "/sessions/"+id+"/files", "sales.xlsx", workbookBytes(t)), http.StatusOK)
	tables, _ := out["tables"].(map[string]any)
	if _, ok := tables["sales_Orders"]; !ok {
		t.Errorf("uploaded table missing from response: %v", out)
	}
	if out["fingerprint"] == "" {
		t.Error("no fingerprint in upload response")
	}

	out = doJSON(t, h, authReq(http.MethodGet, "/sessions/"+id+"/tables", "", testToken), http.StatusOK)
	tables, _ = out["tables"].(map[string]any)
	meta, ok := tables["sales_Orders"].(map[string]any)
	if !ok {
		t.Fatalf("table metadata missing: %v", out)
	}
	if meta["rows"] != float64(2) {
		t.Errorf("rows = %v, want 2", meta["rows"])
	}
}

func TestUploadGarbageRejected(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, nil)
	id := createSession(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, uploadReq(t, "/sessions/"+id+"/files", "junk.xlsx", []byte("definitely not a spreadsheet")))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unparseable bytes", rr.Code)
	}

	// Nothing was registered.
	out := doJSON(t, h, authReq(http.MethodGet, "/sessions/"+id+"/tables", "", testToken), http.StatusOK)
	if tables, _ := out["tables"].(map[string]any); len(tables) != 0 {
		t.Errorf("tables registered from garbage upload: %v", tables)
	}
}

func TestUploadUnknownSession(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, uploadReq(t, "/sessions/no-such-id/files", "sales.xlsx", workbookBytes(t)))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestAskFlow(t *testing.T) {
	p := plannerFunc(func(ctx context.Context, req planner.Request) (planner.Response, error) {
		return planner.Response{SQL: "SELECT region, amount FROM sales_Orders ORDER BY amount", Explanation: "sorted"}, nil
	})
	h, _ := setupAppHandler(t, testToken, p)
	id := createSession(t, h)
	doJSON(t, h, uploadReq(t, "/sessions/"+id+"/files", "sales.xlsx", workbookBytes(t)), http.StatusOK)

	out := doJSON(t, h, authReq(http.MethodPost, "/sessions/"+id+"/ask", `{"question":"show sales"}`, testToken), http.StatusOK)
	if out["record_id"] == float64(0) {
		t.Errorf("no record_id in answer: %v", out)
	}
	rows, _ := out["rows"].([]any)
	if len(rows) != 2 {
		t.Errorf("rows = %v, want 2 rows", out["rows"])
	}
	if out["error"] != nil {
		t.Errorf("unexpected error field: %v", out["error"])
	}
}

func TestAskEmptyCatalog(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, nil)
	id := createSession(t, h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sessions/"+id+"/ask", `{"question":"q"}`, testToken))
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 before any upload", rr.Code)
	}
}

func TestAskDestructivePlanRejected(t *testing.T) {
	p := plannerFunc(func(ctx context.Context, req planner.Request) (planner.Response, error) {
		return planner.Response{SQL: "DROP TABLE sales_Orders", Explanation: ""}, nil
	})
	h, _ := setupAppHandler(t, testToken, p)
	id := createSession(t, h)
	doJSON(t, h, uploadReq(t, "/sessions/"+id+"/files", "sales.xlsx", workbookBytes(t)), http.StatusOK)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sessions/"+id+"/ask", `{"question":"q"}`, testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422 for a destructive plan; body = %s", rr.Code, rr.Body.String())
	}
}

func TestAskPlannerDown(t *testing.T) {
	p := plannerFunc(func(ctx context.Context, req planner.Request) (planner.Response, error) {
		return planner.Response{}, &planner.Error{Op: "chat", Err: fmt.Errorf("connection refused")}
	})
	h, _ := setupAppHandler(t, testToken, p)
	id := createSession(t, h)
	doJSON(t, h, uploadReq(t, "/sessions/"+id+"/files", "sales.xlsx", workbookBytes(t)), http.StatusOK)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/sessions/"+id+"/ask", `{"question":"q"}`, testToken))
	if rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502 when the planner is down", rr.Code)
	}
}

// TestAskExecutionFailure verifies a valid-but-wrong query returns 200 with
// the error field set, so the client can still file feedback.
func TestAskExecutionFailure(t *testing.T) {
	p := plannerFunc(func(ctx context.Context, req planner.Request) (planner.Response, error) {
		return planner.Response{SQL: "SELECT * FROM no_such_table", Explanation: "typo"}, nil
	})
	h, _ := setupAppHandler(t, testToken, p)
	id := createSession(t, h)
	doJSON(t, h, uploadReq(t, "/sessions/"+id+"/files", "sales.xlsx", workbookBytes(t)), http.StatusOK)

	out := doJSON(t, h, authReq(http.MethodPost, "/sessions/"+id+"/ask", `{"question":"q"}`, testToken), http.StatusOK)
	if out["error"] == nil {
		t.Errorf("no error field for a failed execution: %v", out)
	}
	if out["record_id"] == float64(0) {
		t.Errorf("no record_id on partial answer: %v", out)
	}
}

func TestFeedbackRoundTrip(t *testing.T) {
	h, store := setupAppHandler(t, testToken, nil)
	id := createSession(t, h)
	doJSON(t, h, uploadReq(t, "/sessions/"+id+"/files", "sales.xlsx", workbookBytes(t)), http.StatusOK)

	out := doJSON(t, h, authReq(http.MethodPost, "/sessions/"+id+"/ask", `{"question":"q"}`, testToken), http.StatusOK)
	recordID := int64(out["record_id"].(float64))

	doJSON(t, h, authReq(http.MethodPost, fmt.Sprintf("/feedback/%d", recordID),
		`{"rating":1,"feedback_text":"nice","corrected_sql":"SELECT 2"}`, testToken), http.StatusOK)

	rec, err := store.Get(recordID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Rating == nil || *rec.Rating != feedback.RatingGood {
		t.Errorf("rating = %v, want +1", rec.Rating)
	}
	if rec.CorrectedSQL != "SELECT 2" {
		t.Errorf("corrected_sql = %q", rec.CorrectedSQL)
	}
}

func TestFeedbackValidation(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/feedback/1", `{"rating":5}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for an out-of-range rating", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/feedback/1", `{"corrected_sql":"DROP TABLE t"}`, testToken))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422 for a destructive corrected query", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/feedback/999", `{"rating":1}`, testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for an unknown record", rr.Code)
	}
}

func TestExamplesEndpoint(t *testing.T) {
	h, store := setupAppHandler(t, testToken, nil)
	id := createSession(t, h)
	doJSON(t, h, uploadReq(t, "/sessions/"+id+"/files", "sales.xlsx", workbookBytes(t)), http.StatusOK)

	// No examples yet: an empty array, not null.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sessions/"+id+"/examples", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if got := strings.TrimSpace(rr.Body.String()); got != "[]" {
		t.Errorf("empty examples = %q, want []", got)
	}

	// Ask and rate, then the example shows up.
	out := doJSON(t, h, authReq(http.MethodPost, "/sessions/"+id+"/ask", `{"question":"prior"}`, testToken), http.StatusOK)
	recordID := int64(out["record_id"].(float64))
	rating := feedback.RatingGood
	if err := store.SubmitFeedback(recordID, feedback.Feedback{Rating: &rating}); err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sessions/"+id+"/examples", "", testToken))
	var examples []feedback.Example
	if err := json.Unmarshal(rr.Body.Bytes(), &examples); err != nil {
		t.Fatalf("decoding examples: %v", err)
	}
	if len(examples) != 1 || examples[0].Question != "prior" {
		t.Errorf("examples = %+v, want the rated interaction", examples)
	}
}

func TestDeleteSession(t *testing.T) {
	h, _ := setupAppHandler(t, testToken, nil)
	id := createSession(t, h)

	doJSON(t, h, authReq(http.MethodDelete, "/sessions/"+id, "", testToken), http.StatusOK)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/sessions/"+id+"/tables", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 after delete", rr.Code)
	}
}
