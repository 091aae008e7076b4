package issuer

import (
	"context"
	"net/http"
	"net/url"
)

func seg(parts ...string) string {
	out := ""
	for _, part := range parts {
		out += "/" + url.PathEscape(part)
	}
	return out
}

// CreateUser creates a remote person.
func (c *Client) CreateUser(ctx context.Context, req UserRequest) (*User, error) {
	return call[User](ctx, c, http.MethodPost, "/users", req, nil)
}

// GetUser fetches a remote person by token.
func (c *Client) GetUser(ctx context.Context, token string) (*User, error) {
	return call[User](ctx, c, http.MethodGet, "/users"+seg(token), nil, nil)
}

// UpdateUser updates the identity attributes of a remote person.
func (c *Client) UpdateUser(ctx context.Context, token string, req UserRequest) (*User, error) {
	req.Token = ""
	return call[User](ctx, c, http.MethodPut, "/users"+seg(token), req, nil)
}

// ListUsers returns one page of the remote person collection.
func (c *Client) ListUsers(ctx context.Context, params ListParams) (*Page[User], error) {
	return call[Page[User]](ctx, c, http.MethodGet, "/users", nil, params.query())
}

// LookupUserByEmail finds the remote person registered with email. A miss is
// reported as (nil, nil).
func (c *Client) LookupUserByEmail(ctx context.Context, email string) (*User, error) {
	page, err := call[Page[User]](ctx, c, http.MethodPost, "/users/lookup", map[string]string{"email": email}, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(page.Data) == 0 {
		return nil, nil
	}
	return &page.Data[0], nil
}

// TransitionUser moves a remote person to a new status.
func (c *Client) TransitionUser(ctx context.Context, req UserTransitionRequest) (*UserTransition, error) {
	return call[UserTransition](ctx, c, http.MethodPost, "/usertransitions", req, nil)
}

// ProcessKYC runs KYC for a person and returns the decision.
func (c *Client) ProcessKYC(ctx context.Context, req KYCRequest) (*KYCResult, error) {
	return call[KYCResult](ctx, c, http.MethodPost, "/kyc", req, nil)
}

// ListKYC returns one page of KYC results for a person.
func (c *Client) ListKYC(ctx context.Context, userToken string, params ListParams) (*Page[KYCResult], error) {
	return call[Page[KYCResult]](ctx, c, http.MethodGet, "/kyc/user"+seg(userToken), nil, params.query())
}

// GetKYC fetches a single KYC result.
func (c *Client) GetKYC(ctx context.Context, token string) (*KYCResult, error) {
	return call[KYCResult](ctx, c, http.MethodGet, "/kyc"+seg(token), nil, nil)
}

// CreateCard issues a card.
func (c *Client) CreateCard(ctx context.Context, req CardRequest) (*Card, error) {
	return call[Card](ctx, c, http.MethodPost, "/cards", req, map[string]string{"show_pan": "false", "show_cvv_number": "false"})
}

// GetCard fetches a card by token.
func (c *Client) GetCard(ctx context.Context, token string) (*Card, error) {
	return call[Card](ctx, c, http.MethodGet, "/cards"+seg(token), nil, nil)
}

// ListCardsForUser returns one page of a person's cards.
func (c *Client) ListCardsForUser(ctx context.Context, userToken string, params ListParams) (*Page[Card], error) {
	return call[Page[Card]](ctx, c, http.MethodGet, "/cards/user"+seg(userToken), nil, params.query())
}

// TransitionCard moves a card to a new state.
func (c *Client) TransitionCard(ctx context.Context, req CardTransitionRequest) (*CardTransition, error) {
	return call[CardTransition](ctx, c, http.MethodPost, "/cardtransitions", req, nil)
}

// CreateDepositAccount provisions a direct-deposit account for a person.
func (c *Client) CreateDepositAccount(ctx context.Context, req DepositAccountRequest) (*DepositAccount, error) {
	return call[DepositAccount](ctx, c, http.MethodPost, "/depositaccounts", req, nil)
}

// GetDepositAccount fetches a deposit account by token.
func (c *Client) GetDepositAccount(ctx context.Context, token string) (*DepositAccount, error) {
	return call[DepositAccount](ctx, c, http.MethodGet, "/depositaccounts"+seg(token), nil, nil)
}

// ListDepositAccounts returns one page of a person's deposit accounts.
func (c *Client) ListDepositAccounts(ctx context.Context, userToken string, params ListParams) (*Page[DepositAccount], error) {
	return call[Page[DepositAccount]](ctx, c, http.MethodGet, "/depositaccounts/user"+seg(userToken), nil, params.query())
}

// TransitionDepositAccount moves a deposit account to a new state.
func (c *Client) TransitionDepositAccount(ctx context.Context, req DepositAccountTransitionRequest) (*DepositAccountTransition, error) {
	return call[DepositAccountTransition](ctx, c, http.MethodPost, "/depositaccounts/transitions", req, nil)
}

// GetTransaction fetches a transaction by token.
func (c *Client) GetTransaction(ctx context.Context, token string) (*Transaction, error) {
	return call[Transaction](ctx, c, http.MethodGet, "/transactions"+seg(token), nil, nil)
}

// ListTransactions returns one page of transactions matching q.
func (c *Client) ListTransactions(ctx context.Context, q TransactionQuery, params ListParams) (*Page[Transaction], error) {
	merged := params
	merged.Filters = q.Filters()
	for k, v := range params.Filters {
		merged.Filters[k] = v
	}
	return call[Page[Transaction]](ctx, c, http.MethodGet, "/transactions", nil, merged.query())
}

// SimulateAuthorization creates a sandbox authorization.
func (c *Client) SimulateAuthorization(ctx context.Context, req SimulationRequest) (*Transaction, error) {
	return simulate(ctx, c, "/simulate/authorization", req)
}

// SimulateClearing clears a previously simulated authorization.
func (c *Client) SimulateClearing(ctx context.Context, req SimulationRequest) (*Transaction, error) {
	return simulate(ctx, c, "/simulate/clearing", req)
}

// SimulateReversal reverses a previously simulated authorization.
func (c *Client) SimulateReversal(ctx context.Context, req SimulationRequest) (*Transaction, error) {
	return simulate(ctx, c, "/simulate/reversal", req)
}

func simulate(ctx context.Context, c *Client, path string, req SimulationRequest) (*Transaction, error) {
	resp, err := call[SimulationResponse](ctx, c, http.MethodPost, path, req, nil)
	if err != nil {
		return nil, err
	}
	return &resp.Transaction, nil
}

// GetBalance fetches a person's general purpose account balance.
func (c *Client) GetBalance(ctx context.Context, userToken string) (*Balance, error) {
	resp, err := call[BalanceResponse](ctx, c, http.MethodGet, "/balances"+seg(userToken), nil, nil)
	if err != nil {
		return nil, err
	}
	return &resp.GPA, nil
}

// CreateGPAOrder funds a person's general purpose account.
func (c *Client) CreateGPAOrder(ctx context.Context, req GPAOrderRequest) (*GPAOrder, error) {
	return call[GPAOrder](ctx, c, http.MethodPost, "/gpaorders", req, nil)
}
