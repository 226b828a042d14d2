package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/OUGC-Network/newpoints/pkg/points"
)

type memStore struct {
	users map[points.UserID]*points.UserRecord
	logs  []points.LogEntry
}

func newMemStore() *memStore {
	return &memStore{users: map[points.UserID]*points.UserRecord{}}
}

func (store *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore points.Store) error) error {
	return fn(ctx, store)
}

func (store *memStore) GetUser(_ context.Context, userID points.UserID) (points.UserRecord, error) {
	user, ok := store.users[userID]
	if !ok {
		return points.UserRecord{}, points.ErrUnknownUser
	}
	return *user, nil
}

func (store *memStore) GetUserByName(_ context.Context, name string) (points.UserRecord, error) {
	for _, user := range store.users {
		if user.Name == name {
			return *user, nil
		}
	}
	return points.UserRecord{}, points.ErrUnknownUser
}

func (store *memStore) AddPoints(_ context.Context, userID points.UserID, delta decimal.Decimal) (decimal.Decimal, error) {
	user, ok := store.users[userID]
	if !ok {
		return decimal.Zero, points.ErrUnknownUser
	}
	user.Balance = user.Balance.Add(delta)
	return user.Balance, nil
}

func (store *memStore) SetPoints(_ context.Context, userID points.UserID, value decimal.Decimal) error {
	user, ok := store.users[userID]
	if !ok {
		return points.ErrUnknownUser
	}
	user.Balance = value
	return nil
}

func (store *memStore) InsertLogEntry(_ context.Context, entry points.LogEntry) error {
	store.logs = append(store.logs, entry)
	return nil
}

func (store *memStore) GetLogEntry(_ context.Context, logID string) (points.LogEntry, error) {
	for _, entry := range store.logs {
		if entry.ID == logID {
			return entry, nil
		}
	}
	return points.LogEntry{}, points.ErrUnknownLogEntry
}

func (store *memStore) DeleteLogEntry(_ context.Context, logID string) error {
	for index, entry := range store.logs {
		if entry.ID == logID {
			store.logs = append(store.logs[:index], store.logs[index+1:]...)
			return nil
		}
	}
	return points.ErrUnknownLogEntry
}

func (store *memStore) ListLogEntries(_ context.Context, userID points.UserID, beforeUnixUTC int64, limit int) ([]points.LogEntry, error) {
	var matched []points.LogEntry
	for _, entry := range store.logs {
		if entry.UserID == userID && entry.CreatedUnixUTC < beforeUnixUTC {
			matched = append(matched, entry)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *memStore) CountTransfersSince(_ context.Context, userID points.UserID, sinceUnixUTC int64) (int, error) {
	count := 0
	for _, entry := range store.logs {
		if entry.UserID == userID && entry.Action == points.ActionDonationSent && entry.CreatedUnixUTC >= sinceUnixUTC {
			count++
		}
	}
	return count, nil
}

type memRuleSource struct{}

func (memRuleSource) ListForumRules(_ context.Context) (map[points.ForumID]decimal.Decimal, error) {
	return nil, nil
}

func (memRuleSource) ListGroupRules(_ context.Context) (map[points.GroupID]points.GroupParams, error) {
	return map[points.GroupID]points.GroupParams{
		2: {CanEarn: true, CanDonate: true},
	}, nil
}

func newTestRouter(test *testing.T) (*memStore, http.Handler) {
	test.Helper()
	store := newMemStore()
	store.users[1] = &points.UserRecord{ID: 1, Name: "alice", GroupID: 2, Balance: decimal.NewFromInt(100)}
	store.users[2] = &points.UserRecord{ID: 2, Name: "bob", GroupID: 2, Balance: decimal.Zero}

	rules, err := points.NewRuleStore(memRuleSource{})
	if err != nil {
		test.Fatalf("rule store init failed: %v", err)
	}
	if err := rules.Rebuild(context.Background()); err != nil {
		test.Fatalf("rule store rebuild failed: %v", err)
	}
	service, err := points.NewService(store, rules, points.Config{DecimalPlaces: 2}, func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	cfg := Config{ListenAddr: ":0", RequestTimeout: time.Second, LogHistoryLimit: 10}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config validation failed: %v", err)
	}
	handler := &httpHandler{logger: zap.NewNop(), service: service, cfg: cfg}
	return store, setupRouter(cfg, handler)
}

func performRequest(test *testing.T, router http.Handler, method string, path string, body any) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHealthz(test *testing.T) {
	_, router := newTestRouter(test)
	recorder := performRequest(test, router, http.MethodGet, "/healthz", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("healthz status=%d", recorder.Code)
	}
}

func TestDonateHappyPath(test *testing.T) {
	store, router := newTestRouter(test)
	recorder := performRequest(test, router, http.MethodPost, "/api/donate", donateRequest{
		FromUserID: 1,
		ToUsername: "bob",
		Amount:     "50",
		Note:       "thanks",
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("donate status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["sender_balance"] != "50" || payload["receiver_balance"] != "50" {
		test.Fatalf("unexpected balances: %+v", payload)
	}
	if payload["correlation_id"] == "" {
		test.Fatalf("expected correlation id")
	}
	if len(store.logs) != 2 {
		test.Fatalf("expected two log entries, got %d", len(store.logs))
	}
}

func TestDonateErrorMapping(test *testing.T) {
	testCases := []struct {
		name       string
		request    donateRequest
		wantStatus int
		wantCode   string
	}{
		{
			name:       "self donation",
			request:    donateRequest{FromUserID: 1, ToUsername: "alice", Amount: "10"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "self_transfer",
		},
		{
			name:       "exceeds balance",
			request:    donateRequest{FromUserID: 1, ToUsername: "bob", Amount: "1000"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_amount",
		},
		{
			name:       "unknown recipient",
			request:    donateRequest{FromUserID: 1, ToUsername: "carol", Amount: "10"},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_recipient",
		},
		{
			name:       "unknown sender",
			request:    donateRequest{FromUserID: 9, ToUsername: "bob", Amount: "10"},
			wantStatus: http.StatusNotFound,
			wantCode:   "unknown_user",
		},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			_, router := newTestRouter(test)
			recorder := performRequest(test, router, http.MethodPost, "/api/donate", testCase.request)
			if recorder.Code != testCase.wantStatus {
				test.Fatalf("status=%d body=%s", recorder.Code, recorder.Body.String())
			}
			payload := decodeBody(test, recorder)
			errorPayload, _ := payload["error"].(map[string]any)
			if errorPayload["code"] != testCase.wantCode {
				test.Fatalf("expected code %q, got %+v", testCase.wantCode, payload)
			}
		})
	}
}

func TestDonateFloodLimitMapsTo429(test *testing.T) {
	_, router := newTestRouter(test)
	for index := 0; index < 5; index++ {
		recorder := performRequest(test, router, http.MethodPost, "/api/donate", donateRequest{
			FromUserID: 1, ToUsername: "bob", Amount: "1",
		})
		if recorder.Code != http.StatusOK {
			test.Fatalf("donate %d status=%d body=%s", index+1, recorder.Code, recorder.Body.String())
		}
	}
	recorder := performRequest(test, router, http.MethodPost, "/api/donate", donateRequest{
		FromUserID: 1, ToUsername: "bob", Amount: "1",
	})
	if recorder.Code != http.StatusTooManyRequests {
		test.Fatalf("expected 429, got %d body=%s", recorder.Code, recorder.Body.String())
	}
}

func TestBalanceEndpoint(test *testing.T) {
	_, router := newTestRouter(test)
	recorder := performRequest(test, router, http.MethodGet, "/api/users/1/balance", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("balance status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["balance"] != "100" {
		test.Fatalf("unexpected balance payload: %+v", payload)
	}

	recorder = performRequest(test, router, http.MethodGet, "/api/users/99/balance", nil)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404 for unknown user, got %d", recorder.Code)
	}

	recorder = performRequest(test, router, http.MethodGet, "/api/users/abc/balance", nil)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for malformed id, got %d", recorder.Code)
	}
}

func TestLogsAndDeletion(test *testing.T) {
	store, router := newTestRouter(test)
	recorder := performRequest(test, router, http.MethodPost, "/api/donate", donateRequest{
		FromUserID: 1, ToUsername: "bob", Amount: "10",
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("donate status=%d", recorder.Code)
	}

	recorder = performRequest(test, router, http.MethodGet, "/api/users/1/logs", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("logs status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	entries, _ := payload["entries"].([]any)
	if len(entries) != 1 {
		test.Fatalf("expected one sender entry, got %+v", payload)
	}

	logID := store.logs[0].ID
	recorder = performRequest(test, router, http.MethodDelete, "/api/logs/"+logID, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("delete status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	recorder = performRequest(test, router, http.MethodDelete, "/api/logs/"+logID, nil)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404 for repeated delete, got %d", recorder.Code)
	}
}

func TestRulesRebuildEndpoint(test *testing.T) {
	_, router := newTestRouter(test)
	recorder := performRequest(test, router, http.MethodPost, "/api/rules/rebuild", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("rebuild status=%d body=%s", recorder.Code, recorder.Body.String())
	}
}
