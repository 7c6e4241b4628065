package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/saleflow/internal/analytics"
	"github.com/lalithlochan/saleflow/internal/db"
	"github.com/lalithlochan/saleflow/internal/fault"
)

type mockPurchaseService struct {
	createFn func(ctx context.Context, userID uuid.UUID) (*db.Transaction, error)
	cancelFn func(ctx context.Context, id, byUserID uuid.UUID) (*db.Transaction, error)
	retryFn  func(ctx context.Context, id, byUserID uuid.UUID) (*db.Transaction, error)
	hashFn   func(ctx context.Context, id, byUserID uuid.UUID, hash string) (*db.Transaction, error)
}

func (m *mockPurchaseService) CreatePendingPurchase(ctx context.Context, userID uuid.UUID, walletAddress string, inputAsset, outputAsset db.Asset, usdAmount, exchangeRate decimal.Decimal, metadata json.RawMessage) (*db.Transaction, error) {
	return m.createFn(ctx, userID)
}

func (m *mockPurchaseService) Cancel(ctx context.Context, id, byUserID uuid.UUID) (*db.Transaction, error) {
	return m.cancelFn(ctx, id, byUserID)
}

func (m *mockPurchaseService) Retry(ctx context.Context, id, byUserID uuid.UUID) (*db.Transaction, error) {
	return m.retryFn(ctx, id, byUserID)
}

func (m *mockPurchaseService) AttachLedgerHash(ctx context.Context, id, byUserID uuid.UUID, hash string) (*db.Transaction, error) {
	return m.hashFn(ctx, id, byUserID, hash)
}

type mockPurchaseStore struct {
	getFn  func(ctx context.Context, id uuid.UUID) (*db.Transaction, error)
	listFn func(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Transaction, error)
}

func (m *mockPurchaseStore) GetTransaction(ctx context.Context, id uuid.UUID) (*db.Transaction, error) {
	return m.getFn(ctx, id)
}

func (m *mockPurchaseStore) ListTransactionsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Transaction, error) {
	return m.listFn(ctx, userID, limit, offset)
}

type mockNotificationService struct {
	createFn  func(ctx context.Context, userID uuid.UUID) (*db.Notification, error)
	readFn    func(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	clickFn   func(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	dismissFn func(ctx context.Context, id uuid.UUID) (*db.Notification, error)
}

func (m *mockNotificationService) Create(ctx context.Context, userID uuid.UUID, title, message, notifType, category, priority string, action *string, relatedData json.RawMessage) (*db.Notification, error) {
	return m.createFn(ctx, userID)
}

func (m *mockNotificationService) MarkAsRead(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return m.readFn(ctx, id)
}

func (m *mockNotificationService) MarkAsClicked(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return m.clickFn(ctx, id)
}

func (m *mockNotificationService) Dismiss(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return m.dismissFn(ctx, id)
}

type mockNotificationStore struct {
	getFn  func(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	listFn func(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
}

func (m *mockNotificationStore) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return m.getFn(ctx, id)
}

func (m *mockNotificationStore) ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error) {
	return m.listFn(ctx, userID, limit, offset)
}

type mockAnalytics struct {
	summaryFn func(ctx context.Context) (*analytics.Summary, error)
}

func (m *mockAnalytics) Summary(ctx context.Context) (*analytics.Summary, error) {
	return m.summaryFn(ctx)
}

type handlerMocks struct {
	purchases     *mockPurchaseService
	purchaseStore *mockPurchaseStore
	notifications *mockNotificationService
	notifStore    *mockNotificationStore
	analytics     *mockAnalytics
}

func newTestRouter(m handlerMocks) chi.Router {
	h := NewHandler(zap.NewNop(), m.purchases, m.purchaseStore, m.notifications, m.notifStore, m.analytics, nil)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func purchaseBody(t *testing.T, userID uuid.UUID) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(PurchaseRequest{
		UserID:        userID.String(),
		WalletAddress: "0xwallet",
		InputAsset:    db.Asset{Symbol: "USDT", Amount: decimal.NewFromInt(100), Decimals: 6},
		OutputAsset:   db.Asset{Symbol: "SALE", Amount: decimal.NewFromInt(150), Decimals: 18},
		UsdAmount:     decimal.NewFromInt(100),
		ExchangeRate:  decimal.NewFromFloat(1.5),
	})
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewBuffer(body)
}

func TestCreatePurchase(t *testing.T) {
	userID := uuid.New()
	created := &db.Transaction{ID: uuid.New(), UserID: userID, Status: db.TxStatusPending}
	router := newTestRouter(handlerMocks{purchases: &mockPurchaseService{
		createFn: func(ctx context.Context, got uuid.UUID) (*db.Transaction, error) {
			if got != userID {
				t.Errorf("userID = %s, want %s", got, userID)
			}
			return created, nil
		},
	}})

	req := httptest.NewRequest("POST", "/v1/purchases", purchaseBody(t, userID))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got db.Transaction
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != created.ID {
		t.Errorf("ID = %s, want %s", got.ID, created.ID)
	}
}

func TestCreatePurchase_MalformedBody(t *testing.T) {
	router := newTestRouter(handlerMocks{purchases: &mockPurchaseService{}})

	req := httptest.NewRequest("POST", "/v1/purchases", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestCreatePurchase_ValidationFault(t *testing.T) {
	router := newTestRouter(handlerMocks{purchases: &mockPurchaseService{
		createFn: func(ctx context.Context, _ uuid.UUID) (*db.Transaction, error) {
			return nil, fault.NewValidation("usdAmount", "must be positive")
		},
	}})

	req := httptest.NewRequest("POST", "/v1/purchases", purchaseBody(t, uuid.New()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetPurchase_NotFound(t *testing.T) {
	id := uuid.New()
	router := newTestRouter(handlerMocks{purchaseStore: &mockPurchaseStore{
		getFn: func(ctx context.Context, got uuid.UUID) (*db.Transaction, error) {
			return nil, fault.NewNotFound("transaction", got.String())
		},
	}})

	req := httptest.NewRequest("GET", "/v1/purchases/"+id.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "not_found" {
		t.Errorf("type = %q", resp.Type)
	}
}

func TestGetPurchase_InvalidID(t *testing.T) {
	router := newTestRouter(handlerMocks{purchaseStore: &mockPurchaseStore{}})

	req := httptest.NewRequest("GET", "/v1/purchases/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListPurchases_Pagination(t *testing.T) {
	userID := uuid.New()
	var gotLimit, gotOffset int
	router := newTestRouter(handlerMocks{purchaseStore: &mockPurchaseStore{
		listFn: func(ctx context.Context, _ uuid.UUID, limit, offset int) ([]*db.Transaction, error) {
			gotLimit, gotOffset = limit, offset
			return []*db.Transaction{{ID: uuid.New()}}, nil
		},
	}})

	req := httptest.NewRequest("GET", "/v1/purchases?user_id="+userID.String()+"&limit=5&offset=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if gotLimit != 5 || gotOffset != 10 {
		t.Errorf("limit, offset = %d, %d", gotLimit, gotOffset)
	}
}

func TestListPurchases_LimitCapped(t *testing.T) {
	userID := uuid.New()
	var gotLimit int
	router := newTestRouter(handlerMocks{purchaseStore: &mockPurchaseStore{
		listFn: func(ctx context.Context, _ uuid.UUID, limit, offset int) ([]*db.Transaction, error) {
			gotLimit = limit
			return nil, nil
		},
	}})

	req := httptest.NewRequest("GET", "/v1/purchases?user_id="+userID.String()+"&limit=5000", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if gotLimit != 20 {
		t.Errorf("limit = %d, out-of-range values fall back to the default", gotLimit)
	}
}

func TestListPurchases_MissingUserID(t *testing.T) {
	router := newTestRouter(handlerMocks{purchaseStore: &mockPurchaseStore{}})

	req := httptest.NewRequest("GET", "/v1/purchases", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCancelPurchase(t *testing.T) {
	id := uuid.New()
	owner := uuid.New()
	router := newTestRouter(handlerMocks{purchases: &mockPurchaseService{
		cancelFn: func(ctx context.Context, gotID, gotUser uuid.UUID) (*db.Transaction, error) {
			if gotID != id || gotUser != owner {
				t.Errorf("cancel(%s, %s)", gotID, gotUser)
			}
			return &db.Transaction{ID: id, Status: db.TxStatusCancelled}, nil
		},
	}})

	req := httptest.NewRequest("POST", "/v1/purchases/"+id.String()+"/cancel", nil)
	req.Header.Set("X-User-ID", owner.String())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCancelPurchase_MissingCaller(t *testing.T) {
	router := newTestRouter(handlerMocks{purchases: &mockPurchaseService{}})

	req := httptest.NewRequest("POST", "/v1/purchases/"+uuid.NewString()+"/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without X-User-ID", rec.Code)
	}
}

func TestCancelPurchase_Forbidden(t *testing.T) {
	router := newTestRouter(handlerMocks{purchases: &mockPurchaseService{
		cancelFn: func(ctx context.Context, id, _ uuid.UUID) (*db.Transaction, error) {
			return nil, fault.NewForbidden("transaction", id.String())
		},
	}})

	req := httptest.NewRequest("POST", "/v1/purchases/"+uuid.NewString()+"/cancel", nil)
	req.Header.Set("X-User-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRetryPurchase_InvalidState(t *testing.T) {
	router := newTestRouter(handlerMocks{purchases: &mockPurchaseService{
		retryFn: func(ctx context.Context, id, _ uuid.UUID) (*db.Transaction, error) {
			return nil, fault.NewInvalidState("transaction", id.String(), "pending", "failed")
		},
	}})

	req := httptest.NewRequest("POST", "/v1/purchases/"+uuid.NewString()+"/retry", nil)
	req.Header.Set("X-User-ID", uuid.NewString())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestAttachHash(t *testing.T) {
	id := uuid.New()
	owner := uuid.New()
	router := newTestRouter(handlerMocks{purchases: &mockPurchaseService{
		hashFn: func(ctx context.Context, gotID, gotUser uuid.UUID, hash string) (*db.Transaction, error) {
			if hash != "0xdeadbeef" {
				t.Errorf("hash = %q", hash)
			}
			h := hash
			return &db.Transaction{ID: gotID, TxHash: &h, Status: db.TxStatusPending}, nil
		},
	}})

	req := httptest.NewRequest("POST", "/v1/purchases/"+id.String()+"/hash",
		bytes.NewBufferString(`{"tx_hash":"0xdeadbeef"}`))
	req.Header.Set("X-User-ID", owner.String())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCreateNotification(t *testing.T) {
	userID := uuid.New()
	router := newTestRouter(handlerMocks{notifications: &mockNotificationService{
		createFn: func(ctx context.Context, got uuid.UUID) (*db.Notification, error) {
			return &db.Notification{ID: uuid.New(), UserID: got, Status: db.NotifStatusPending}, nil
		},
	}})

	body, _ := json.Marshal(NotificationRequest{
		UserID:   userID.String(),
		Title:    "Purchase confirmed",
		Message:  "Your purchase settled on chain",
		Type:     "success",
		Category: "transaction",
		Priority: "high",
	})
	req := httptest.NewRequest("POST", "/v1/notifications", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestCreateNotification_BadRelatedData(t *testing.T) {
	router := newTestRouter(handlerMocks{notifications: &mockNotificationService{}})

	req := httptest.NewRequest("POST", "/v1/notifications",
		bytes.NewBufferString(`{"user_id":"`+uuid.NewString()+`","title":"t","message":"m","type":"info","category":"system","priority":"low","related_data":{bad}}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestNotificationFlags(t *testing.T) {
	id := uuid.New()
	flagged := &db.Notification{ID: id, Read: true}
	svc := &mockNotificationService{
		readFn:    func(ctx context.Context, got uuid.UUID) (*db.Notification, error) { return flagged, nil },
		clickFn:   func(ctx context.Context, got uuid.UUID) (*db.Notification, error) { return flagged, nil },
		dismissFn: func(ctx context.Context, got uuid.UUID) (*db.Notification, error) { return flagged, nil },
	}
	router := newTestRouter(handlerMocks{notifications: svc})

	for _, action := range []string{"read", "clicked", "dismiss"} {
		req := httptest.NewRequest("POST", "/v1/notifications/"+id.String()+"/"+action, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", action, rec.Code)
		}
	}
}

func TestAnalyticsSummary(t *testing.T) {
	router := newTestRouter(handlerMocks{analytics: &mockAnalytics{
		summaryFn: func(ctx context.Context) (*analytics.Summary, error) {
			return &analytics.Summary{TotalTransactions: 42}, nil
		},
	}})

	req := httptest.NewRequest("GET", "/v1/analytics/summary", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got analytics.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.TotalTransactions != 42 {
		t.Errorf("TotalTransactions = %d", got.TotalTransactions)
	}
}
