package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/realcheck/internal/auth"
	"github.com/example/realcheck/internal/inference"
	"github.com/example/realcheck/internal/repository"
	"github.com/example/realcheck/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubRepo struct {
	records   []repository.PredictionRecord
	insertErr error
}

func (s *stubRepo) Insert(ctx context.Context, record *repository.PredictionRecord) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	record.ID = uint(len(s.records) + 1)
	record.CreatedAt = time.Now().UTC()
	s.records = append(s.records, *record)
	return nil
}

func (s *stubRepo) ListByUser(ctx context.Context, userID string) ([]repository.PredictionRecord, error) {
	var matched []repository.PredictionRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].UserID == userID {
			matched = append(matched, s.records[i])
		}
	}
	return matched, nil
}

func (s *stubRepo) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{TotalCount: int64(len(s.records))}, nil
}

type noopCache struct{}

func (noopCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return nil
}
func (noopCache) Get(ctx context.Context, key string) (string, error) { return "", redis.Nil }
func (noopCache) Del(ctx context.Context, key string) error           { return nil }

type stubClassifier struct {
	result *inference.Result
	err    error
	calls  int
}

func (s *stubClassifier) Classify(ctx context.Context, imageBytes []byte, filename, mimeType string) (*inference.Result, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func setupRouter(t *testing.T, repo *stubRepo, classifier *stubClassifier) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = DefaultMaxUploadSize

	uc := usecase.NewPredictionUseCase(repo, noopCache{}, classifier, time.Minute, zap.NewNop())
	RegisterRoutes(router, uc, DefaultMaxUploadSize, auth.OptionalJWT(testJWTSecret, ""))
	return router
}

func TestPredictThenHistoryScenario(t *testing.T) {
	repo := &stubRepo{}
	classifier := &stubClassifier{result: &inference.Result{Label: inference.LabelReal, Confidence: 0.83}}
	router := setupRouter(t, repo, classifier)

	payload := bytes.Repeat([]byte("j"), 2<<20)
	body, contentType := buildMultipartBody(t, "portrait.jpg", "image/jpeg", payload, map[string]string{"userId": "u1"})

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", resp.Code, resp.Body.String())
	}
	var predictBody struct {
		RequestID  string  `json:"request_id"`
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		Recorded   bool    `json:"recorded"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &predictBody); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if predictBody.Label != "REAL" || predictBody.Confidence != 0.83 {
		t.Fatalf("unexpected prediction response: %+v", predictBody)
	}
	if !predictBody.Recorded {
		t.Fatal("expected recorded=true")
	}

	historyReq := httptest.NewRequest(http.MethodGet, "/history?userId=u1", nil)
	historyResp := httptest.NewRecorder()
	router.ServeHTTP(historyResp, historyReq)

	if historyResp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", historyResp.Code, historyResp.Body.String())
	}
	var entries []struct {
		Date       time.Time `json:"date"`
		ImageName  string    `json:"imageName"`
		Label      string    `json:"label"`
		Confidence float64   `json:"confidence"`
	}
	if err := json.Unmarshal(historyResp.Body.Bytes(), &entries); err != nil {
		t.Fatalf("failed to decode history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one history entry, got %d", len(entries))
	}
	if entries[0].ImageName != "portrait.jpg" || entries[0].Label != "REAL" || entries[0].Confidence != 0.83 {
		t.Fatalf("unexpected history entry: %+v", entries[0])
	}
}

func TestPredictRejectsLargeUpload(t *testing.T) {
	classifier := &stubClassifier{result: &inference.Result{Label: inference.LabelReal, Confidence: 0.5}}
	router := setupRouter(t, &stubRepo{}, classifier)

	body, contentType := buildMultipartBody(t, "big.jpg", "image/jpeg", bytes.Repeat([]byte("a"), DefaultMaxUploadSize+1), nil)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if classifier.calls != 0 {
		t.Fatalf("oversize upload must be rejected before any network call, got %d calls", classifier.calls)
	}
}

func TestPredictRejectsUnsupportedContentType(t *testing.T) {
	classifier := &stubClassifier{result: &inference.Result{Label: inference.LabelReal, Confidence: 0.5}}
	router := setupRouter(t, &stubRepo{}, classifier)

	body, contentType := buildMultipartBody(t, "note.txt", "text/plain", []byte("hello"), nil)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
	if classifier.calls != 0 {
		t.Fatalf("unsupported type must be rejected before any network call, got %d calls", classifier.calls)
	}
}

func TestPredictRequiresImageField(t *testing.T) {
	repo := &stubRepo{}
	classifier := &stubClassifier{result: &inference.Result{Label: inference.LabelReal, Confidence: 0.5}}
	router := setupRouter(t, repo, classifier)

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("userId", "u1"); err != nil {
		t.Fatalf("failed to write field: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
	if classifier.calls != 0 || len(repo.records) != 0 {
		t.Fatal("missing image must short-circuit before inference and persistence")
	}
}

func TestPredictInferenceFailureIsGenericServerError(t *testing.T) {
	repo := &stubRepo{}
	classifier := &stubClassifier{err: inference.ErrRemoteUnavailable}
	router := setupRouter(t, repo, classifier)

	body, contentType := buildMultipartBody(t, "a.jpg", "image/jpeg", []byte("bytes"), nil)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, resp.Code)
	}
	var errBody struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if errBody.Error != "analysis failed, try again" {
		t.Fatalf("remote detail must not leak, got %q", errBody.Error)
	}
	if len(repo.records) != 0 {
		t.Fatalf("failed inference must leave no record, got %d", len(repo.records))
	}
}

func TestPredictStoreFailureStillSucceeds(t *testing.T) {
	repo := &stubRepo{insertErr: errors.New("store unavailable")}
	classifier := &stubClassifier{result: &inference.Result{Label: inference.LabelAIGenerated, Confidence: 0.98}}
	router := setupRouter(t, repo, classifier)

	body, contentType := buildMultipartBody(t, "smooth.png", "image/png", []byte("bytes"), nil)
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("classification must succeed despite store failure, got %d", resp.Code)
	}
	var predictBody struct {
		Label    string `json:"label"`
		Recorded bool   `json:"recorded"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &predictBody); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if predictBody.Label != "AI-GENERATED" {
		t.Fatalf("unexpected label: %s", predictBody.Label)
	}
	if predictBody.Recorded {
		t.Fatal("expected recorded=false after store failure")
	}
}

func TestHistoryRequiresIdentity(t *testing.T) {
	router := setupRouter(t, &stubRepo{}, &stubClassifier{})

	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestTokenSubjectOverridesFormField(t *testing.T) {
	repo := &stubRepo{}
	classifier := &stubClassifier{result: &inference.Result{Label: inference.LabelReal, Confidence: 0.7}}
	router := setupRouter(t, repo, classifier)

	body, contentType := buildMultipartBody(t, "a.jpg", "image/jpeg", []byte("bytes"), map[string]string{"userId": "form-user"})
	req := httptest.NewRequest(http.MethodPost, "/predict", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "token-user"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body %s", resp.Code, resp.Body.String())
	}
	if len(repo.records) != 1 || repo.records[0].UserID != "token-user" {
		t.Fatalf("expected record owned by token subject, got %+v", repo.records)
	}
}

func buildMultipartBody(t *testing.T, filename, contentType string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field %s: %v", key, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
