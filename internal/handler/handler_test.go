package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examhub/internal/auth"
	"github.com/pavelanni/examhub/internal/grading"
	appI18n "github.com/pavelanni/examhub/internal/i18n"
	"github.com/pavelanni/examhub/internal/importer"
	"github.com/pavelanni/examhub/internal/model"
	"github.com/pavelanni/examhub/internal/scoring"
	"github.com/pavelanni/examhub/internal/store"
	"github.com/pavelanni/examhub/internal/submission"
)

type stubProvider struct{}

func (stubProvider) Transcribe(ctx context.Context, url string) (string, error) {
	return "I went to Hanoi last summer.", nil
}

func (stubProvider) GradeText(ctx context.Context, req scoring.GradeRequest) (scoring.Assessment, error) {
	return scoring.Assessment{Score: 7, Feedback: "Clear and coherent."}, nil
}

const testExam = `{
  "name": "Mock test 1",
  "totalTime": 3600,
  "questions": [
    {"content": "What colour is the car?", "type": "LISTENING",
     "answers": [{"text": "Red", "isCorrect": true}, {"text": "Blue"}]},
    {"content": "Describe a festival.", "type": "WRITING"}
  ]
}`

type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	store  *store.Store
	examID int64
	qs     []model.QuestionView
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n init: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, u := range []struct {
		name  string
		admin bool
	}{{"admin", true}, {"alice", false}, {"bob", false}} {
		hash, err := auth.HashPassword(u.name + "-pass")
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		if _, err := s.CreateUser(ctx, model.User{Username: u.name, PasswordHash: hash, IsAdmin: u.admin, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}

	e, err := importer.DecodeExam([]byte(testExam), importer.FormatJSON)
	if err != nil {
		t.Fatalf("DecodeExam: %v", err)
	}
	im := importer.New(s)
	rep, err := im.ImportExam(ctx, e, "admin")
	if err != nil {
		t.Fatalf("ImportExam: %v", err)
	}

	tokens, err := auth.NewService("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	engine := grading.New(stubProvider{}, stubProvider{}, time.Second)
	proc := submission.New(s, engine, submission.WithExpectedCounts(submission.ExpectedCounts{
		Listening: 1, Reading: 1, Speaking: 1, Writing: 1,
	}))

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	New(s, proc, im, tokens).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{t: t, srv: srv, store: s, examID: rep.ExamID, qs: rep.Questions}
}

// do sends a request and decodes the envelope. data, when non-nil, receives
// the envelope's data field.
func (ts *testServer) do(method, path, token string, body any, data any) (int, Envelope) {
	ts.t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			ts.t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		ts.t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		ts.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var raw struct {
		Envelope
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		ts.t.Fatalf("decode %s %s: %v", method, path, err)
	}
	if raw.StatusCode != resp.StatusCode {
		ts.t.Errorf("envelope statusCode = %d, HTTP status = %d", raw.StatusCode, resp.StatusCode)
	}
	if data != nil && len(raw.Data) > 0 && string(raw.Data) != "null" {
		if err := json.Unmarshal(raw.Data, data); err != nil {
			ts.t.Fatalf("decode data: %v", err)
		}
	}
	return resp.StatusCode, raw.Envelope
}

func (ts *testServer) login(username string) string {
	ts.t.Helper()
	var lr loginResponse
	status, env := ts.do("POST", "/auth/login", "", map[string]string{
		"username": username, "password": username + "-pass",
	}, &lr)
	if status != http.StatusOK || lr.Token == "" {
		ts.t.Fatalf("login %s: status %d, %+v", username, status, env)
	}
	return lr.Token
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"wrong password", map[string]string{"username": "alice", "password": "nope"}, http.StatusUnauthorized},
		{"unknown user", map[string]string{"username": "carol", "password": "x"}, http.StatusUnauthorized},
		{"missing password", map[string]string{"username": "alice"}, http.StatusBadRequest},
		{"malformed", "{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := ts.do("POST", "/auth/login", "", tt.body, nil)
			if status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
		})
	}

	var lr loginResponse
	status, env := ts.do("POST", "/auth/login", "", map[string]string{"username": "alice", "password": "alice-pass"}, &lr)
	if status != http.StatusOK || env.Message != "Logged in" {
		t.Fatalf("login: %d %+v", status, env)
	}
	if lr.User == nil || lr.User.Username != "alice" || lr.User.IsAdmin {
		t.Errorf("unexpected user: %+v", lr.User)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	status, env := ts.do("GET", "/exams", "", nil, nil)
	if status != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", status)
	}
	if env.Message != "Authentication required" {
		t.Errorf("message = %q", env.Message)
	}
	if status, _ := ts.do("GET", "/exams", "garbage", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d", status)
	}

	student := ts.login("alice")
	for _, path := range []string{"/admin/users", "/admin/export", fmt.Sprintf("/exam-attempts/exams/%d", ts.examID)} {
		if status, _ := ts.do("GET", path, student, nil, nil); status != http.StatusForbidden {
			t.Errorf("GET %s as student: status = %d, want 403", path, status)
		}
	}
}

func TestAcceptLanguage(t *testing.T) {
	ts := newTestServer(t)
	req, _ := http.NewRequest("GET", ts.srv.URL+"/exams", nil)
	req.Header.Set("Accept-Language", "vi-VN,vi;q=0.9")
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Message != "Yêu cầu xác thực" {
		t.Errorf("message = %q", env.Message)
	}
}

func TestGetExamHidesCorrectAnswers(t *testing.T) {
	ts := newTestServer(t)
	path := fmt.Sprintf("/exams/%d", ts.examID)

	var sum model.ExamSummary
	if status, env := ts.do("GET", path, ts.login("alice"), nil, &sum); status != http.StatusOK {
		t.Fatalf("GET exam: %d %+v", status, env)
	}
	if sum.TotalQuestions != 2 || sum.TotalSkills != 2 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	for _, q := range sum.Questions {
		for _, a := range q.Answers {
			if a.IsCorrect {
				t.Errorf("student sees correct flag on answer %d", a.ID)
			}
		}
	}

	sum = model.ExamSummary{}
	ts.do("GET", path, ts.login("admin"), nil, &sum)
	if len(sum.Questions) == 0 || !sum.Questions[0].Answers[0].IsCorrect {
		t.Errorf("admin should see correct flags: %+v", sum.Questions)
	}

	if status, _ := ts.do("GET", "/exams/9999", ts.login("alice"), nil, nil); status != http.StatusNotFound {
		t.Errorf("missing exam: status = %d", status)
	}
	if status, _ := ts.do("GET", "/exams/abc", ts.login("alice"), nil, nil); status != http.StatusBadRequest {
		t.Errorf("bad id: status = %d", status)
	}
}

func TestAttemptAndSubmitFlow(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login("alice")
	bob := ts.login("bob")

	var a model.ExamAttempt
	status, env := ts.do("POST", "/exam-attempts", alice, map[string]int64{"examId": ts.examID}, &a)
	if status != http.StatusCreated || env.Message != "Attempt started" {
		t.Fatalf("create attempt: %d %+v", status, env)
	}
	var again model.ExamAttempt
	status, env = ts.do("POST", "/exam-attempts", alice, map[string]int64{"examId": ts.examID}, &again)
	if status != http.StatusOK || again.ID != a.ID {
		t.Fatalf("second create: %d %+v, attempt %d vs %d", status, env, again.ID, a.ID)
	}

	attemptPath := fmt.Sprintf("/exam-attempts/%d", a.ID)
	if status, _ := ts.do("GET", attemptPath, bob, nil, nil); status != http.StatusForbidden {
		t.Errorf("other user reading attempt: status = %d", status)
	}

	submit := map[string]any{
		"attemptId": a.ID,
		"submissionData": map[string]any{
			"answers": []map[string]any{
				{"questionId": ts.qs[0].ID, "selectedAnswer": "Red"},
				{"questionId": ts.qs[1].ID, "selectedAnswer": "Festivals bring people together."},
			},
		},
	}
	if status, _ := ts.do("POST", "/results/submit", bob, submit, nil); status != http.StatusForbidden {
		t.Errorf("other user submitting: status = %d", status)
	}

	var sr submitResponse
	status, env = ts.do("POST", "/results/submit", alice, submit, &sr)
	if status != http.StatusOK {
		t.Fatalf("submit: %d %+v", status, env)
	}
	want := model.SkillScores{Listening: 9, Writing: 7}
	if sr.Scores != want {
		t.Errorf("scores = %+v, want %+v", sr.Scores, want)
	}

	var got model.ExamAttempt
	ts.do("GET", attemptPath, alice, nil, &got)
	if got.Status != model.StatusCompleted || got.Scores == nil || *got.Scores != want {
		t.Errorf("attempt after submit: %+v", got)
	}

	var results []model.ResultView
	ts.do("GET", fmt.Sprintf("/results/attempts/%d", a.ID), alice, nil, &results)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].IsCorrect == nil || !*results[0].IsCorrect || results[1].IsCorrect != nil {
		t.Errorf("unexpected isCorrect values: %+v", results)
	}

	var overall submitResponse
	ts.do("GET", fmt.Sprintf("/results/attempts/%d/overall-score", a.ID), alice, nil, &overall)
	if overall.Scores != want {
		t.Errorf("overall = %+v, want %+v", overall.Scores, want)
	}

	// Completed attempts cannot be canceled.
	if status, _ := ts.do("POST", attemptPath+"/cancel", alice, nil, nil); status != http.StatusConflict {
		t.Errorf("cancel completed: status = %d", status)
	}

	var mine []model.ExamAttempt
	ts.do("GET", "/exam-attempts/users/2", alice, nil, &mine)
	if len(mine) != 1 {
		t.Errorf("got %d attempts for alice, want 1", len(mine))
	}
	if status, _ := ts.do("GET", "/exam-attempts/users/2", bob, nil, nil); status != http.StatusForbidden {
		t.Errorf("bob listing alice's attempts: status = %d", status)
	}
}

func TestSubmitErrors(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login("alice")
	var a model.ExamAttempt
	ts.do("POST", "/exam-attempts", alice, map[string]int64{"examId": ts.examID}, &a)

	answers := func(qid int64) map[string]any {
		return map[string]any{
			"attemptId":      a.ID,
			"submissionData": map[string]any{"answers": []map[string]any{{"questionId": qid, "selectedAnswer": "x"}}},
		}
	}
	tests := []struct {
		name string
		body any
		want int
	}{
		{"no answers", map[string]any{"attemptId": a.ID, "submissionData": map[string]any{"answers": []any{}}}, http.StatusBadRequest},
		{"missing attempt id", map[string]any{"submissionData": map[string]any{"answers": []map[string]any{{"questionId": 1}}}}, http.StatusBadRequest},
		{"unknown question", answers(9999), http.StatusNotFound},
		{"unknown attempt", map[string]any{
			"attemptId":      9999,
			"submissionData": map[string]any{"answers": []map[string]any{{"questionId": ts.qs[0].ID}}},
		}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := ts.do("POST", "/results/submit", alice, tt.body, nil)
			if status != tt.want {
				t.Errorf("status = %d, want %d (%+v)", status, tt.want, env)
			}
		})
	}

	n, err := ts.store.CountResults(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("CountResults: %v", err)
	}
	if n != 0 {
		t.Errorf("failed submissions stored %d results", n)
	}
}

func TestCancelAttempt(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login("alice")
	var a model.ExamAttempt
	ts.do("POST", "/exam-attempts", alice, map[string]int64{"examId": ts.examID}, &a)

	var canceled model.ExamAttempt
	status, env := ts.do("POST", fmt.Sprintf("/exam-attempts/%d/cancel", a.ID), alice, nil, &canceled)
	if status != http.StatusOK || canceled.Status != model.StatusCanceled {
		t.Fatalf("cancel: %d %+v %+v", status, env, canceled)
	}

	var next model.ExamAttempt
	status, _ = ts.do("POST", "/exam-attempts", alice, map[string]int64{"examId": ts.examID}, &next)
	if status != http.StatusCreated || next.ID == a.ID {
		t.Errorf("expected a fresh attempt after cancel, got %d id=%d", status, next.ID)
	}
}

func TestAdminImportAndUsers(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.login("admin")

	yamlBody := "- content: Talk about your hometown.\n  type: SPEAKING\n"
	req, _ := http.NewRequest("POST",
		fmt.Sprintf("%s/exams/%d/questions/import?name=speaking.yaml", ts.srv.URL, ts.examID),
		strings.NewReader(yamlBody))
	req.Header.Set("Authorization", "Bearer "+admin)
	req.Header.Set("Content-Type", "application/x-yaml")
	resp, err := ts.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	var env Envelope
	json.NewDecoder(resp.Body).Decode(&env)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || env.Message != "1 question imported" {
		t.Fatalf("import: %d %+v", resp.StatusCode, env)
	}

	var sum model.ExamSummary
	ts.do("GET", fmt.Sprintf("/exams/%d", ts.examID), admin, nil, &sum)
	if sum.TotalQuestions != 3 || sum.TotalSkills != 3 {
		t.Errorf("after import: %+v", sum)
	}

	var created importer.Report
	status, env := ts.do("POST", "/exams", admin, testExam, &created)
	if status != http.StatusCreated || created.ExamID == ts.examID || len(created.Questions) != 2 {
		t.Errorf("import exam: %d %+v %+v", status, env, created)
	}

	var u model.User
	status, _ = ts.do("POST", "/admin/users", admin, map[string]any{"username": "carol", "password": "secret1"}, &u)
	if status != http.StatusCreated || u.ID == 0 || u.IsAdmin {
		t.Errorf("create user: %d %+v", status, u)
	}
	if status, _ := ts.do("POST", "/admin/users", admin, map[string]any{"username": "carol", "password": "secret1"}, nil); status != http.StatusConflict {
		t.Errorf("duplicate user: status = %d", status)
	}
	if status, _ := ts.do("POST", "/admin/users", admin, map[string]any{"username": "dave", "password": "x"}, nil); status != http.StatusBadRequest {
		t.Errorf("short password: status = %d", status)
	}
	if tok := ts.login("carol"); tok == "" {
		t.Error("new user cannot log in")
	}

	var users []model.User
	ts.do("GET", "/admin/users", admin, nil, &users)
	if len(users) != 4 {
		t.Errorf("got %d users, want 4", len(users))
	}
}

func TestAdminExport(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.login("alice")
	var a model.ExamAttempt
	ts.do("POST", "/exam-attempts", alice, map[string]int64{"examId": ts.examID}, &a)
	ts.do("POST", "/results/submit", alice, map[string]any{
		"attemptId": a.ID,
		"submissionData": map[string]any{
			"answers": []map[string]any{{"questionId": ts.qs[0].ID, "selectedAnswer": "Blue"}},
		},
	}, nil)

	var export model.ResultsExport
	status, env := ts.do("GET", fmt.Sprintf("/admin/export?examId=%d", ts.examID), ts.login("admin"), nil, &export)
	if status != http.StatusOK {
		t.Fatalf("export: %d %+v", status, env)
	}
	if len(export.Attempts) != 1 {
		t.Fatalf("got %d attempts, want 1", len(export.Attempts))
	}
	ae := export.Attempts[0]
	if ae.Username != "alice" || ae.AttemptNumber != 1 || len(ae.Answers) != 1 {
		t.Errorf("unexpected export: %+v", ae)
	}
	if ae.Answers[0].IsCorrect == nil || *ae.Answers[0].IsCorrect {
		t.Errorf("expected incorrect answer, got %+v", ae.Answers[0])
	}

	if status, _ := ts.do("GET", "/admin/export?examId=x", ts.login("admin"), nil, nil); status != http.StatusBadRequest {
		t.Errorf("bad examId: status = %d", status)
	}
}

func TestEnvelopeAlwaysHasErrorField(t *testing.T) {
	ts := newTestServer(t)
	token := ts.login("alice")

	tests := []struct {
		path    string
		wantNil bool
	}{
		{"/healthz", true},
		{"/exams", true},
		{"/exams/9999", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req, _ := http.NewRequest("GET", ts.srv.URL+tt.path, nil)
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := ts.srv.Client().Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			for _, key := range []string{"statusCode", "message", "data", "error"} {
				if _, ok := body[key]; !ok {
					t.Errorf("missing key %q in %v", key, body)
				}
			}
			if got := body["error"] == nil; got != tt.wantNil {
				t.Errorf("error = %v, want nil: %v", body["error"], tt.wantNil)
			}
		})
	}
}

func TestImportRejectsOversizedUpload(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.login("admin")
	path := fmt.Sprintf("%s/exams/%d/questions/import", ts.srv.URL, ts.examID)
	big := bytes.Repeat([]byte("#"), maxUploadBytes+1)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	fw, err := mw.CreateFormFile("file", "questions.yaml")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(big)
	mw.Close()

	tests := []struct {
		name        string
		body        []byte
		contentType string
	}{
		{"multipart", form.Bytes(), mw.FormDataContentType()},
		{"raw", big, "application/x-yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", path, bytes.NewReader(tt.body))
			req.Header.Set("Authorization", "Bearer "+admin)
			req.Header.Set("Content-Type", tt.contentType)
			resp, err := ts.srv.Client().Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	var sum model.ExamSummary
	ts.do("GET", fmt.Sprintf("/exams/%d", ts.examID), admin, nil, &sum)
	if sum.TotalQuestions != 2 {
		t.Errorf("oversized upload changed the exam: %d questions", sum.TotalQuestions)
	}
}
