package issuer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:      srv.URL,
		AppToken:     "app",
		AccessToken:  "secret",
		Timeout:      2 * time.Second,
		MaxRetries:   2,
		RetryWait:    time.Millisecond,
		RetryMaxWait: 5 * time.Millisecond,
	}, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_SendsBasicAuthAndDecodes(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "app", user)
		assert.Equal(t, "secret", pass)
		assert.Equal(t, "/cards/c-1", r.URL.Path)
		writeJSON(w, 200, map[string]any{
			"token":              "c-1",
			"user_token":         "u-1",
			"state":              "ACTIVE",
			"instrument_type":    "VIRTUAL_PAN",
			"last_modified_time": "2024-03-01T10:00:00Z",
		})
	}))

	card, err := c.GetCard(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", card.State)
	assert.Equal(t, "u-1", card.UserToken)
	require.NotNil(t, card.LastModifiedTime)
	assert.Equal(t, 2024, card.LastModifiedTime.Year())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error_message": "busy"})
			return
		}
		writeJSON(w, 200, map[string]any{"token": "u-1", "status": "ACTIVE"})
	}))

	u, err := c.GetUser(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", u.Token)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClient_ExhaustedRetriesAreTransient(t *testing.T) {
	var calls int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error_code": "429", "error_message": "slow down"})
	}))

	_, err := c.GetUser(context.Background(), "u-1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsValidation(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClient_ValidationErrorsAreNotRetried(t *testing.T) {
	var calls int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error_code": "400001", "error_message": "user_token required"})
	}))

	_, err := c.CreateCard(context.Background(), CardRequest{CardProductToken: "p-1"})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "400001", apiErr.Code)
	assert.Equal(t, "user_token required", apiErr.Message)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestClient_MalformedPayloadRejected(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"token": "c-1", "state": "ACTIVE"})
	}))

	_, err := c.GetCard(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrMalformed)
	assert.True(t, IsValidation(err))
}

func TestClient_LookupMissReturnsNil(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/users/lookup", r.URL.Path)
		writeJSON(w, http.StatusNotFound, map[string]string{"error_message": "no user"})
	}))

	u, err := c.LookupUserByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestClient_ListSendsPaginationQuery(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "25", q.Get("count"))
		assert.Equal(t, "50", q.Get("start_index"))
		assert.Equal(t, "c-9", q.Get("card_token"))
		assert.Equal(t, "2024-01-01T00:00:00Z", q.Get("start_date"))
		writeJSON(w, 200, map[string]any{
			"count": 1, "start_index": 50, "end_index": 50, "is_more": false,
			"data": []map[string]any{{"token": "t-1", "type": "authorization", "state": "PENDING", "amount": "12.50"}},
		})
	}))

	page, err := c.ListTransactions(context.Background(),
		TransactionQuery{CardToken: "c-9", Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		ListParams{Count: 25, StartIndex: 50})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.True(t, decimal.RequireFromString("12.5").Equal(page.Data[0].Amount))
	assert.False(t, page.IsMore)
}

func TestClient_CreateCarriesClientToken(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "dep-1", req["token"])
		assert.Equal(t, "u-1", req["user_token"])
		writeJSON(w, 201, map[string]any{"token": "dep-1", "user_token": "u-1", "state": "ACTIVE"})
	}))

	d, err := c.CreateDepositAccount(context.Background(), DepositAccountRequest{Token: "dep-1", UserToken: "u-1"})
	require.NoError(t, err)
	assert.Equal(t, "dep-1", d.Token)
}

func TestClient_CancelledContextIsNotTransient(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, map[string]any{"token": "u-1", "status": "ACTIVE"})
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetUser(ctx, "u-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}

func TestCasing(t *testing.T) {
	assert.Equal(t, "first_name", ToSnake("firstName"))
	assert.Equal(t, "postal_code_id", ToSnake("postalCodeID"))
	assert.Equal(t, "firstName", ToCamel("first_name"))

	raw, err := Raw(Card{Token: "c-1", UserToken: "u-1", State: "ACTIVE", InstrumentType: "VIRTUAL_PAN"})
	require.NoError(t, err)
	assert.Equal(t, "u-1", raw["userToken"])
	assert.Equal(t, "VIRTUAL_PAN", raw["instrumentType"])

	nested := SnakeKeys(map[string]any{"cardAcceptor": map[string]any{"merchantName": "x"}})
	assert.Equal(t, "x", nested["card_acceptor"].(map[string]any)["merchant_name"])
}
