package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newFixture(t)
	handler := NewHandler(f.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterRelayRoutes(v1)

	// Simulate auth middleware with the X-Caller-Address header stand-in.
	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Caller-Address"); addr != "" {
			c.Set("callerAddr", addr)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)

	return r, f
}

func doJSON(t *testing.T, r *gin.Engine, method, path, caller string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Caller-Address", caller)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateAndGetEscrow(t *testing.T) {
	router, f := setupTestRouter(t)

	w := doJSON(t, router, "POST", "/v1/escrows", buyerAddr, CreateRequest{
		Buyer:        buyerAddr,
		Seller:       sellerAddr,
		Arbiter:      arbiterAddr,
		Token:        tokenAddr,
		Amount:       "1000",
		MaturityTime: f.clock.Now().Add(48 * time.Hour),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var createResp struct {
		Escrow struct {
			ID     uint64 `json:"id"`
			State  string `json:"state"`
			Amount string `json:"amount"`
		} `json:"escrow"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &createResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if createResp.Escrow.State != string(StateAwaitingPayment) {
		t.Errorf("Expected awaiting_payment, got %s", createResp.Escrow.State)
	}

	w = doJSON(t, router, "GET", fmt.Sprintf("/v1/escrows/%d", createResp.Escrow.ID), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_CreateValidation(t *testing.T) {
	router, f := setupTestRouter(t)

	// Malformed address caught by field validation, not the service.
	w := doJSON(t, router, "POST", "/v1/escrows", buyerAddr, CreateRequest{
		Buyer:        "nonsense",
		Seller:       sellerAddr,
		Token:        tokenAddr,
		Amount:       "1000",
		MaturityTime: f.clock.Now().Add(48 * time.Hour),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}

	// Missing required fields rejected by binding.
	w = doJSON(t, router, "POST", "/v1/escrows", buyerAddr, map[string]string{"buyer": buyerAddr})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for incomplete body, got %d", w.Code)
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	router, f := setupTestRouter(t)

	// Unknown escrow: 404.
	w := doJSON(t, router, "POST", "/v1/escrows/999/confirm", buyerAddr, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}

	// Non-numeric id: 400.
	w = doJSON(t, router, "GET", "/v1/escrows/abc", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}

	e := f.createFunded(t)

	// Wrong caller on confirm: 403.
	w = doJSON(t, router, "POST", fmt.Sprintf("/v1/escrows/%d/confirm", e.ID), sellerAddr, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}

	// Timeout cancel before the deadline: 409.
	w = doJSON(t, router, "POST", fmt.Sprintf("/v1/escrows/%d/cancel-timeout", e.ID), buyerAddr, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d: %s", w.Code, w.Body.String())
	}

	// Stale nonce on a signed route: 401.
	w = doJSON(t, router, "POST", fmt.Sprintf("/v1/escrows/%d/confirm-signed", e.ID), "", SignedRequest{
		Role:      RoleBuyer,
		Nonce:     7,
		Signature: "0x" + string(bytes.Repeat([]byte("ab"), 65)),
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_ConfirmFlow(t *testing.T) {
	router, f := setupTestRouter(t)
	e := f.createFunded(t)

	w := doJSON(t, router, "POST", fmt.Sprintf("/v1/escrows/%d/confirm", e.ID), buyerAddr, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Escrow struct {
			State string `json:"state"`
		} `json:"escrow"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Escrow.State != string(StateComplete) {
		t.Errorf("Expected complete, got %s", resp.Escrow.State)
	}

	// Withdrawable reflects the fee split.
	w = doJSON(t, router, "GET", fmt.Sprintf("/v1/escrows/%d/withdrawable/%s", e.ID, sellerAddr), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var wr struct {
		Withdrawable string `json:"withdrawable"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &wr); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if wr.Withdrawable != "990" {
		t.Errorf("Expected withdrawable 990, got %s", wr.Withdrawable)
	}

	// The event log is queryable.
	w = doJSON(t, router, "GET", fmt.Sprintf("/v1/escrows/%d/events", e.ID), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var evResp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &evResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if evResp.Count != 3 {
		t.Errorf("Expected 3 events, got %d", evResp.Count)
	}
}

func TestHandler_CreateAndDepositRequiresBuyer(t *testing.T) {
	router, f := setupTestRouter(t)

	req := CreateRequest{
		Buyer:        buyerAddr,
		Seller:       sellerAddr,
		Arbiter:      arbiterAddr,
		Token:        tokenAddr,
		Amount:       "1000",
		MaturityTime: f.clock.Now().Add(48 * time.Hour),
	}

	// A non-buyer caller cannot commit the buyer's funds.
	w := doJSON(t, router, "POST", "/v1/escrows/deposit", sellerAddr, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}

	f.fund("1000")
	w = doJSON(t, router, "POST", "/v1/escrows/deposit", buyerAddr, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_NonceEndpoint(t *testing.T) {
	router, f := setupTestRouter(t)
	e, err := f.svc.Create(context.Background(), f.createRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	w := doJSON(t, router, "GET", fmt.Sprintf("/v1/escrows/%d/nonce/buyer", e.ID), "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Nonce != 0 {
		t.Errorf("Expected nonce 0, got %d", resp.Nonce)
	}
}

func TestHandler_ListByParty(t *testing.T) {
	router, f := setupTestRouter(t)
	f.createFunded(t)
	f.createFunded(t)

	w := doJSON(t, router, "GET", "/v1/parties/"+buyerAddr+"/escrows", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("Expected 2 escrows, got %d", resp.Count)
	}
}
