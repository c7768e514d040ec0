package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sheetsage/sheetsage/internal/catalog"
	"github.com/sheetsage/sheetsage/internal/feedback"
)

func testRequest() Request {
	return Request{
		Question: "total sales by region?",
		Catalog: map[string]catalog.Table{
			"sales": {
				File:    "sales.xlsx",
				Sheet:   "Sheet1",
				Rows:    100,
				Columns: []string{"region", "amount"},
				Types:   []string{catalog.TypeVarchar, catalog.TypeDouble},
				Sample:  [][]string{{"west", "10.0"}},
			},
		},
		Examples: []feedback.Example{{Question: "prior q", SQL: "SELECT 1"}},
	}
}

func planResponse(sql, explanation string) string {
	content, _ := json.Marshal(Response{SQL: sql, Explanation: explanation})
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": string(content)}},
		},
	})
	return string(body)
}

func TestPlan(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		fmt.Fprint(w, planResponse("SELECT region, SUM(amount) FROM sales GROUP BY region", "groups rows by region"))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "test-key", BaseURL: srv.URL})
	resp, err := c.Plan(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !strings.HasPrefix(resp.SQL, "SELECT region") {
		t.Errorf("sql = %q", resp.SQL)
	}
	if resp.Explanation == "" {
		t.Error("explanation is empty")
	}

	if captured.Model != defaultModel {
		t.Errorf("model = %q, want %q", captured.Model, defaultModel)
	}
	if captured.ResponseFormat == nil || captured.ResponseFormat.JSONSchema.Name != "sql_plan" {
		t.Errorf("response_format = %+v, want strict sql_plan schema", captured.ResponseFormat)
	}
	if len(captured.Messages) != 4 {
		t.Fatalf("got %d messages, want system + examples + catalog + question", len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" {
		t.Errorf("first message role = %q", captured.Messages[0].Role)
	}
	if !strings.HasPrefix(captured.Messages[1].Content, "TRAINING_EXAMPLES:\n") {
		t.Errorf("examples message = %q", captured.Messages[1].Content)
	}
	if !strings.Contains(captured.Messages[2].Content, `"sales"`) {
		t.Errorf("catalog message missing table: %q", captured.Messages[2].Content)
	}
	if captured.Messages[3].Content != "QUESTION:\ntotal sales by region?" {
		t.Errorf("question message = %q", captured.Messages[3].Content)
	}
}

func TestPlanMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "not json at all"}},
			},
		})
		w.Write(body)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Plan(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected an error for a malformed plan payload")
	}
	if !IsPlannerError(err) {
		t.Errorf("err = %v, want a planner Error", err)
	}
}

func TestPlanMissingSQL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, planResponse("", "no query here"))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Plan(context.Background(), testRequest())
	if err == nil || !IsPlannerError(err) {
		t.Fatalf("err = %v, want a planner Error for a missing sql field", err)
	}
}

func TestPlanRetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, planResponse("SELECT 1", "constant"))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	resp, err := c.Plan(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if resp.SQL != "SELECT 1" {
		t.Errorf("sql = %q", resp.SQL)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestPlanServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Plan(context.Background(), testRequest())
	if err == nil || !IsPlannerError(err) {
		t.Fatalf("err = %v, want a planner Error on HTTP 500", err)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req embedRequest
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Model != defaultEmbedModel {
			t.Errorf("model = %q", req.Model)
		}
		if len(req.Input) != 1 || req.Input[0] != "some question" {
			t.Errorf("input = %v", req.Input)
		}
		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2,0.3]}]}`)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL})
	vec, err := c.Embed(context.Background(), "some question")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("vector length = %d, want 3", len(vec))
	}
}
