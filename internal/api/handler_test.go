package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"storefront-orders/internal/redisclient"
	"storefront-orders/internal/service"
	"storefront-orders/internal/store/storetest"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

type testServer struct {
	router *gin.Engine
	store  *storetest.Store
}

func newTestServer(t *testing.T) *testServer {
	return newTestServerWithDB(t, nil)
}

func newTestServerWithDB(t *testing.T, db Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	cache := redisclient.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	st := storetest.New()
	inventory := service.NewInventoryService(st, cache)
	engine := service.NewWorkflowEngine(st, inventory, nil)
	bulk := service.NewBulkRunner(engine, 3)
	orders := service.NewOrderService(st, inventory, cache, nil, service.OrderConfig{})

	if db == nil {
		db = st
	}
	router := gin.New()
	NewHandler(orders, engine, bulk, db).SetupRoutes(router)
	return &testServer{router: router, store: st}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) admin(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	return s.do(t, method, path, body, map[string]string{headerActorID: "42"})
}

func checkoutBody(productID int64, qty int) map[string]interface{} {
	return map[string]interface{}{
		"customer_name":  "Jane Doe",
		"customer_email": "jane@example.com",
		"address":        "1 Main St",
		"city":           "Springfield",
		"zip":            "12345",
		"cart": []map[string]interface{}{
			{"id": productID, "name": "Oat Latte", "image": "latte.jpg", "price": "4.50", "quantity": qty},
		},
		"total":              strconv.FormatFloat(4.5*float64(qty), 'f', 2, 64),
		"delivery_date":      time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02"),
		"delivery_time_slot": "09:00-12:00",
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) placeOrder(t *testing.T, productID int64, qty int) int64 {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/orders", checkoutBody(productID, qty), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return int64(decode(t, w)["order_id"].(float64))
}

func orderPath(id int64, suffix string) string {
	return "/api/v1/admin/orders/" + strconv.FormatInt(id, 10) + suffix
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", nil, nil).Code)

	down := newTestServerWithDB(t, downPinger{})
	assert.Equal(t, http.StatusServiceUnavailable, down.do(t, http.MethodGet, "/ready", nil, nil).Code)
}

func TestCreateAndGetOrder(t *testing.T) {
	s := newTestServer(t)
	p := s.store.AddProduct("Oat Latte", 10, 2)

	w := s.do(t, http.MethodPost, "/api/v1/orders", checkoutBody(p, 2), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	assert.Equal(t, "pending", created["status"])
	assert.Regexp(t, `^ORD-\d{8}-0001$`, created["order_number"])

	id := int64(created["order_id"].(float64))
	w = s.do(t, http.MethodGet, "/api/v1/orders/"+strconv.FormatInt(id, 10), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["items"], 1)
	assert.Empty(t, body["history"])

	w = s.do(t, http.MethodGet, "/api/v1/orders/999", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/orders/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateOrderReplaysIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	p := s.store.AddProduct("Oat Latte", 10, 2)
	headers := map[string]string{headerIdempotencyKey: "cart-77"}

	first := s.do(t, http.MethodPost, "/api/v1/orders", checkoutBody(p, 1), headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	again := s.do(t, http.MethodPost, "/api/v1/orders", checkoutBody(p, 1), headers)
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, decode(t, first)["order_id"], decode(t, again)["order_id"])
	assert.Equal(t, true, decode(t, again)["replayed"])
}

func TestCreateOrderValidation(t *testing.T) {
	s := newTestServer(t)
	p := s.store.AddProduct("Oat Latte", 10, 2)

	body := checkoutBody(p, 2)
	delete(body, "customer_email")
	w := s.do(t, http.MethodPost, "/api/v1/orders", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body = checkoutBody(p, 2)
	body["total"] = "1.00"
	w = s.do(t, http.MethodPost, "/api/v1/orders", body, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decode(t, w)["details"], "total")
}

func TestAdminRoutesRequireActor(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/admin/orders", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/orders/1/confirm", nil, map[string]string{headerActorID: "nobody"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestConfirmAndCancelRestoresStock(t *testing.T) {
	s := newTestServer(t)
	p := s.store.AddProduct("Oat Latte", 10, 2)
	id := s.placeOrder(t, p, 4)

	w := s.admin(t, http.MethodPost, orderPath(id, "/confirm"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "confirmed", decode(t, w)["status"])
	assert.Equal(t, 6, s.store.Stock(p))

	w = s.admin(t, http.MethodPost, orderPath(id, "/cancel"), map[string]string{"reason": "short"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, 6, s.store.Stock(p))

	w = s.admin(t, http.MethodPost, orderPath(id, "/cancel"), map[string]string{"reason": "Customer changed their mind"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cancelled", decode(t, w)["status"])
	assert.Equal(t, 10, s.store.Stock(p))

	w = s.do(t, http.MethodGet, "/api/v1/orders/"+strconv.FormatInt(id, 10), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["history"], 2)
}

func TestIllegalTransitionAndShortage(t *testing.T) {
	s := newTestServer(t)
	p := s.store.AddProduct("Oat Latte", 3, 1)
	id := s.placeOrder(t, p, 5)

	w := s.admin(t, http.MethodPost, orderPath(id, "/ship"), nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "cannot ship in current status", decode(t, w)["error"])

	w = s.admin(t, http.MethodGet, orderPath(id, "/availability"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["available"])

	w = s.admin(t, http.MethodPost, orderPath(id, "/confirm"), nil)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, "out of stock", body["error"])
	assert.Len(t, body["items"], 1)
	assert.Equal(t, 3, s.store.Stock(p))

	w = s.admin(t, http.MethodPost, orderPath(999, "/confirm"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBulkConfirm(t *testing.T) {
	s := newTestServer(t)
	p := s.store.AddProduct("Oat Latte", 10, 2)
	a := s.placeOrder(t, p, 1)
	b := s.placeOrder(t, p, 1)

	for _, step := range []string{"/confirm", "/process", "/ship", "/deliver"} {
		require.Equal(t, http.StatusOK, s.admin(t, http.MethodPost, orderPath(b, step), nil).Code)
	}

	w := s.admin(t, http.MethodPost, "/api/v1/admin/orders/bulk-confirm",
		map[string]interface{}{"order_ids": []int64{a, b, 999}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, float64(1), body["confirmed_count"])
	assert.Len(t, body["errors"], 2)
	assert.Contains(t, body["message"], "1 order(s) confirmed successfully.")
	assert.Contains(t, body["message"], "Order #999 not found")

	w = s.admin(t, http.MethodPost, "/api/v1/admin/orders/bulk-confirm",
		map[string]interface{}{"order_ids": []int64{1, 2, 3, 4}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestBulkCancelAndListing(t *testing.T) {
	s := newTestServer(t)
	p := s.store.AddProduct("Oat Latte", 10, 2)
	a := s.placeOrder(t, p, 2)
	b := s.placeOrder(t, p, 3)
	require.Equal(t, http.StatusOK, s.admin(t, http.MethodPost, orderPath(a, "/confirm"), nil).Code)

	w := s.admin(t, http.MethodPost, "/api/v1/admin/orders/bulk-cancel",
		map[string]interface{}{"order_ids": []int64{a, b}, "reason": "Warehouse flooded overnight"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, float64(2), body["cancelled_count"])
	assert.Empty(t, body["errors"])
	assert.Equal(t, 10, s.store.Stock(p))

	w = s.admin(t, http.MethodGet, "/api/v1/admin/orders?status=cancelled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["orders"], 2)

	w = s.admin(t, http.MethodGet, "/api/v1/admin/orders?status=lost", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/users/7/orders", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["orders"])
}
