package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/registry"
	"github.com/mbd888/escrowd/internal/token"
)

// ownerGate approves only ownerAddr, failing with the registry sentinel so the
// handler maps it to 403.
type ownerGate struct{}

func (ownerGate) RequireOwner(_ context.Context, caller string) error {
	if caller != ownerAddr {
		return registry.ErrNotOwner
	}
	return nil
}

func setupTestRouter(t *testing.T, funds int64) (*gin.Engine, *Ledger, *token.Mock) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tok := token.NewMock(tokAddr)
	tok.Mint(custodyAddr, big.NewInt(funds))
	l := New(NewMemoryStore(), &singleTokenResolver{tok}, ownerGate{}, custodyAddr)
	handler := NewHandler(l)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	authed := v1.Group("")
	authed.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Caller-Address"); addr != "" {
			c.Set("callerAddr", addr)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authed)
	handler.RegisterAdminRoutes(authed.Group("/admin"))

	return r, l, tok
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

func TestHandler_Withdraw(t *testing.T) {
	router, l, tok := setupTestRouter(t, 1000)
	ctx := context.Background()

	if err := l.Credit(ctx, 1, sellerAddr, tokAddr, big.NewInt(990)); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	w := doJSON(t, router, "POST", "/v1/withdrawals/1", sellerAddr, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Withdrawal Withdrawal `json:"withdrawal"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Withdrawal.Amount != "990" {
		t.Errorf("Expected amount 990, got %s", resp.Withdrawal.Amount)
	}

	bal, _ := tok.BalanceOf(ctx, sellerAddr)
	if bal.Cmp(big.NewInt(990)) != 0 {
		t.Errorf("seller balance = %s, want 990", bal)
	}

	// A second withdrawal finds nothing.
	w = doJSON(t, router, "POST", "/v1/withdrawals/1", sellerAddr, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on repeat withdrawal, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_Withdraw_BadID(t *testing.T) {
	router, _, _ := setupTestRouter(t, 1000)

	w := doJSON(t, router, "POST", "/v1/withdrawals/abc", sellerAddr, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_WithdrawAll(t *testing.T) {
	router, l, _ := setupTestRouter(t, 1000)
	ctx := context.Background()

	if err := l.Credit(ctx, 1, sellerAddr, tokAddr, big.NewInt(300)); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := l.Credit(ctx, 2, sellerAddr, tokAddr, big.NewInt(200)); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	w := doJSON(t, router, "POST", "/v1/withdrawals", sellerAddr, WithdrawAllRequest{Token: tokAddr})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Withdrawal Withdrawal `json:"withdrawal"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Withdrawal.Amount != "500" {
		t.Errorf("Expected amount 500, got %s", resp.Withdrawal.Amount)
	}
}

func TestHandler_WithdrawAll_Validation(t *testing.T) {
	router, _, _ := setupTestRouter(t, 1000)

	w := doJSON(t, router, "POST", "/v1/withdrawals", sellerAddr, WithdrawAllRequest{Token: "nonsense"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/v1/withdrawals", sellerAddr, map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing token, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_WithdrawFees(t *testing.T) {
	router, l, _ := setupTestRouter(t, 1000)
	ctx := context.Background()

	if err := l.AccrueFee(ctx, tokAddr, big.NewInt(10)); err != nil {
		t.Fatalf("AccrueFee failed: %v", err)
	}

	// A non-owner caller is rejected before any balance moves.
	w := doJSON(t, router, "POST", "/v1/admin/fees/withdraw", sellerAddr, WithdrawAllRequest{Token: tokAddr})
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/v1/admin/fees/withdraw", ownerAddr, WithdrawAllRequest{Token: tokAddr})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Withdrawal Withdrawal `json:"withdrawal"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Withdrawal.Amount != "10" {
		t.Errorf("Expected fee amount 10, got %s", resp.Withdrawal.Amount)
	}

	// Nothing left after the sweep.
	w = doJSON(t, router, "POST", "/v1/admin/fees/withdraw", ownerAddr, WithdrawAllRequest{Token: tokAddr})
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on empty fee balance, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_GetAggregate(t *testing.T) {
	router, l, _ := setupTestRouter(t, 1000)
	ctx := context.Background()

	if err := l.Credit(ctx, 1, sellerAddr, tokAddr, big.NewInt(300)); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := l.Credit(ctx, 2, sellerAddr, tokAddr, big.NewInt(200)); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	w := doJSON(t, router, "GET", "/v1/parties/"+sellerAddr+"/withdrawable/"+tokAddr, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Withdrawable string `json:"withdrawable"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Withdrawable != "500" {
		t.Errorf("Expected aggregate 500, got %s", resp.Withdrawable)
	}
}
