// Package issuertest provides an in-memory issuing platform for tests. It
// implements the same method set as issuer.Client, keeps a monotonic clock so
// every mutation carries a strictly newer timestamp, and lets tests inject
// failures per operation.
package issuertest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/issuer-sync/internal/issuer"
)

// Operation names used for failure injection and call counting.
const (
	OpCreateUser               = "CreateUser"
	OpGetUser                  = "GetUser"
	OpUpdateUser               = "UpdateUser"
	OpListUsers                = "ListUsers"
	OpLookupUserByEmail        = "LookupUserByEmail"
	OpTransitionUser           = "TransitionUser"
	OpProcessKYC               = "ProcessKYC"
	OpListKYC                  = "ListKYC"
	OpGetKYC                   = "GetKYC"
	OpCreateCard               = "CreateCard"
	OpGetCard                  = "GetCard"
	OpListCardsForUser         = "ListCardsForUser"
	OpTransitionCard           = "TransitionCard"
	OpCreateDepositAccount     = "CreateDepositAccount"
	OpGetDepositAccount        = "GetDepositAccount"
	OpListDepositAccounts      = "ListDepositAccounts"
	OpTransitionDepositAccount = "TransitionDepositAccount"
	OpGetTransaction           = "GetTransaction"
	OpListTransactions         = "ListTransactions"
	OpSimulate                 = "Simulate"
	OpGetBalance               = "GetBalance"
	OpCreateGPAOrder           = "CreateGPAOrder"
)

// Unavailable builds the error a platform outage surfaces as after the
// client's retries are exhausted.
func Unavailable(op string) error {
	return &issuer.APIError{Method: http.MethodPost, Path: op, Status: http.StatusServiceUnavailable, Message: "service unavailable", Transient: true}
}

// Rejected builds a validation failure.
func Rejected(op, msg string) error {
	return &issuer.APIError{Method: http.MethodPost, Path: op, Status: http.StatusBadRequest, Code: "400001", Message: msg}
}

func notFound(op, token string) error {
	return &issuer.APIError{Method: http.MethodGet, Path: op + "/" + token, Status: http.StatusNotFound, Code: "404", Message: "not found"}
}

func conflict(op, token string) error {
	return &issuer.APIError{Method: http.MethodPost, Path: op, Status: http.StatusConflict, Code: "409001", Message: "token already exists: " + token}
}

// Platform is the fake. The zero value is not usable; call New.
type Platform struct {
	mu sync.Mutex

	clock time.Time

	users       map[string]issuer.User
	userOrder   []string
	kyc         map[string][]issuer.KYCResult
	cards       map[string]issuer.Card
	cardOrder   []string
	deposits    map[string]issuer.DepositAccount
	depositOrd  []string
	txs         map[string]issuer.Transaction
	txOrder     []string
	balances    map[string]issuer.Balance
	kycOutcome  string
	kycCodes    []string
	cardState   string
	stuckCursor map[string]bool
	holdClose   bool

	failures map[string][]error
	always   map[string]error
	calls    map[string]int
}

// New returns an empty platform whose clock starts at start.
func New(start time.Time) *Platform {
	return &Platform{
		clock:       start.UTC().Truncate(time.Second),
		users:       map[string]issuer.User{},
		kyc:         map[string][]issuer.KYCResult{},
		cards:       map[string]issuer.Card{},
		deposits:    map[string]issuer.DepositAccount{},
		txs:         map[string]issuer.Transaction{},
		balances:    map[string]issuer.Balance{},
		kycOutcome:  "SUCCESS",
		cardState:   "ACTIVE",
		stuckCursor: map[string]bool{},
		failures:    map[string][]error{},
		always:      map[string]error{},
		calls:       map[string]int{},
	}
}

// tick advances the clock one second and returns the new instant.
func (p *Platform) tick() *time.Time {
	p.clock = p.clock.Add(time.Second)
	t := p.clock
	return &t
}

// Now returns the platform clock.
func (p *Platform) Now() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock
}

// Advance moves the platform clock forward.
func (p *Platform) Advance(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clock = p.clock.Add(d)
}

// FailNext makes the next len(errs) calls of op return errs in order.
func (p *Platform) FailNext(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

// FailAlways makes every call of op return err until cleared with a nil err.
func (p *Platform) FailAlways(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.always, op)
		return
	}
	p.always[op] = err
}

// StuckCursor makes list operation op report an end_index that does not
// advance past the requested start_index.
func (p *Platform) StuckCursor(op string, stuck bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stuckCursor[op] = stuck
}

// SetKYCOutcome sets the decision returned by subsequent ProcessKYC calls.
func (p *Platform) SetKYCOutcome(status string, codes ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kycOutcome = status
	p.kycCodes = codes
}

// SetIssuedCardState sets the state newly created cards start in.
func (p *Platform) SetIssuedCardState(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cardState = state
}

// HoldUserClosure makes TransitionUser accept CLOSED requests without
// changing the user's status, as the platform does while a closure is pending
// review.
func (p *Platform) HoldUserClosure(hold bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdClose = hold
}

// Calls returns how many times op was invoked, failed or not.
func (p *Platform) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// enter counts the call and returns an injected failure, if any. The caller
// holds p.mu.
func (p *Platform) enter(ctx context.Context, op string) error {
	p.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.always[op]; err != nil {
		return err
	}
	if q := p.failures[op]; len(q) > 0 {
		p.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func page[T any](p *Platform, op string, items []T, params issuer.ListParams) *issuer.Page[T] {
	count := params.Count
	if count <= 0 {
		count = 5
	}
	start := params.StartIndex
	if start > len(items) {
		start = len(items)
	}
	end := start + count
	if end > len(items) {
		end = len(items)
	}
	data := append([]T(nil), items[start:end]...)
	pg := &issuer.Page[T]{
		Count:      len(data),
		Data:       data,
		IsMore:     end < len(items),
		StartIndex: params.StartIndex,
		EndIndex:   params.StartIndex + len(data) - 1,
	}
	if p.stuckCursor[op] {
		pg.EndIndex = params.StartIndex - 1
		pg.IsMore = true
	}
	return pg
}

// Users

// SeedUser stores a user as is, stamping it with the current clock when it
// carries no timestamps.
func (p *Platform) SeedUser(u issuer.User) issuer.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.Token == "" {
		u.Token = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = "ACTIVE"
	}
	if u.CreatedTime == nil {
		u.CreatedTime = p.tick()
		u.LastModifiedTime = u.CreatedTime
	}
	if _, ok := p.users[u.Token]; !ok {
		p.userOrder = append(p.userOrder, u.Token)
	}
	p.users[u.Token] = u
	return u
}

// SetUserStatus changes a user's status out of band, as the platform's own
// operators would.
func (p *Platform) SetUserStatus(token, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.users[token]
	u.Status = status
	u.LastModifiedTime = p.tick()
	p.users[token] = u
}

// User returns a stored user.
func (p *Platform) User(token string) (issuer.User, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[token]
	return u, ok
}

func str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (p *Platform) CreateUser(ctx context.Context, req issuer.UserRequest) (*issuer.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpCreateUser); err != nil {
		return nil, err
	}
	if req.Token == "" {
		req.Token = uuid.NewString()
	}
	if _, ok := p.users[req.Token]; ok {
		return nil, conflict("/users", req.Token)
	}
	now := p.tick()
	u := issuer.User{
		Token:              req.Token,
		Status:             "UNVERIFIED",
		CreatedTime:        now,
		LastModifiedTime:   now,
		Metadata:           req.Metadata,
		FirstName:          str(req.FirstName),
		LastName:           str(req.LastName),
		Email:              str(req.Email),
		Phone:              str(req.Phone),
		Address1:           str(req.Address1),
		Address2:           str(req.Address2),
		City:               str(req.City),
		State:              str(req.State),
		PostalCode:         str(req.PostalCode),
		Country:            str(req.Country),
		BirthDate:          str(req.BirthDate),
		IdentificationHash: str(req.IdentificationHash),
	}
	p.users[u.Token] = u
	p.userOrder = append(p.userOrder, u.Token)
	return &u, nil
}

func (p *Platform) GetUser(ctx context.Context, token string) (*issuer.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpGetUser); err != nil {
		return nil, err
	}
	u, ok := p.users[token]
	if !ok {
		return nil, notFound("/users", token)
	}
	return &u, nil
}

func (p *Platform) UpdateUser(ctx context.Context, token string, req issuer.UserRequest) (*issuer.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpUpdateUser); err != nil {
		return nil, err
	}
	u, ok := p.users[token]
	if !ok {
		return nil, notFound("/users", token)
	}
	set := func(dst **string, v string) {
		if v != "" {
			*dst = str(v)
		}
	}
	set(&u.FirstName, req.FirstName)
	set(&u.LastName, req.LastName)
	set(&u.Email, req.Email)
	set(&u.Phone, req.Phone)
	set(&u.Address1, req.Address1)
	set(&u.Address2, req.Address2)
	set(&u.City, req.City)
	set(&u.State, req.State)
	set(&u.PostalCode, req.PostalCode)
	set(&u.Country, req.Country)
	set(&u.BirthDate, req.BirthDate)
	set(&u.IdentificationHash, req.IdentificationHash)
	if req.Metadata != nil {
		u.Metadata = req.Metadata
	}
	u.LastModifiedTime = p.tick()
	p.users[token] = u
	return &u, nil
}

func (p *Platform) ListUsers(ctx context.Context, params issuer.ListParams) (*issuer.Page[issuer.User], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpListUsers); err != nil {
		return nil, err
	}
	all := make([]issuer.User, 0, len(p.userOrder))
	for _, token := range p.userOrder {
		all = append(all, p.users[token])
	}
	return page(p, OpListUsers, all, params), nil
}

func (p *Platform) LookupUserByEmail(ctx context.Context, email string) (*issuer.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpLookupUserByEmail); err != nil {
		return nil, err
	}
	for _, token := range p.userOrder {
		u := p.users[token]
		if u.Email != nil && *u.Email == email {
			return &u, nil
		}
	}
	return nil, nil
}

func (p *Platform) TransitionUser(ctx context.Context, req issuer.UserTransitionRequest) (*issuer.UserTransition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpTransitionUser); err != nil {
		return nil, err
	}
	u, ok := p.users[req.UserToken]
	if !ok {
		return nil, notFound("/users", req.UserToken)
	}
	if u.Status == "CLOSED" && req.Status != "CLOSED" {
		return nil, Rejected("/usertransitions", "user is closed")
	}
	now := p.tick()
	if !(p.holdClose && req.Status == "CLOSED") {
		u.Status = req.Status
		u.LastModifiedTime = now
		p.users[u.Token] = u
	}
	token := req.Token
	if token == "" {
		token = uuid.NewString()
	}
	return &issuer.UserTransition{
		Token:            token,
		UserToken:        u.Token,
		Status:           req.Status,
		ReasonCode:       req.ReasonCode,
		Channel:          req.Channel,
		CreatedTime:      now,
		LastModifiedTime: now,
	}, nil
}

// KYC

func (p *Platform) ProcessKYC(ctx context.Context, req issuer.KYCRequest) (*issuer.KYCResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpProcessKYC); err != nil {
		return nil, err
	}
	u, ok := p.users[req.UserToken]
	if !ok {
		return nil, notFound("/users", req.UserToken)
	}
	now := p.tick()
	res := issuer.KYCResult{
		Token:            req.Token,
		UserToken:        req.UserToken,
		Result:           issuer.KYCOutcome{Status: p.kycOutcome},
		CreatedTime:      now,
		LastModifiedTime: now,
	}
	if res.Token == "" {
		res.Token = uuid.NewString()
	}
	for _, c := range p.kycCodes {
		res.Result.Codes = append(res.Result.Codes, issuer.KYCCode{Code: c})
	}
	p.kyc[req.UserToken] = append(p.kyc[req.UserToken], res)
	if p.kycOutcome == "SUCCESS" && u.Status != "CLOSED" {
		u.Status = "ACTIVE"
		u.LastModifiedTime = now
		p.users[u.Token] = u
	}
	return &res, nil
}

// ListKYC returns results newest first.
func (p *Platform) ListKYC(ctx context.Context, userToken string, params issuer.ListParams) (*issuer.Page[issuer.KYCResult], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpListKYC); err != nil {
		return nil, err
	}
	all := append([]issuer.KYCResult(nil), p.kyc[userToken]...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedTime.After(*all[j].CreatedTime) })
	return page(p, OpListKYC, all, params), nil
}

func (p *Platform) GetKYC(ctx context.Context, token string) (*issuer.KYCResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpGetKYC); err != nil {
		return nil, err
	}
	for _, results := range p.kyc {
		for _, r := range results {
			if r.Token == token {
				return &r, nil
			}
		}
	}
	return nil, notFound("/kyc", token)
}

// Cards

// SeedCard stores a card as is.
func (p *Platform) SeedCard(c issuer.Card) issuer.Card {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.Token == "" {
		c.Token = uuid.NewString()
	}
	if c.InstrumentType == "" {
		c.InstrumentType = "VIRTUAL_PAN"
	}
	if c.State == "" {
		c.State = "ACTIVE"
	}
	if c.CreatedTime == nil {
		c.CreatedTime = p.tick()
		c.LastModifiedTime = c.CreatedTime
	}
	if _, ok := p.cards[c.Token]; !ok {
		p.cardOrder = append(p.cardOrder, c.Token)
	}
	p.cards[c.Token] = c
	return c
}

// SetCardState changes a card's state out of band.
func (p *Platform) SetCardState(token, state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.cards[token]
	c.State = state
	c.LastModifiedTime = p.tick()
	p.cards[token] = c
}

// Card returns a stored card.
func (p *Platform) Card(token string) (issuer.Card, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cards[token]
	return c, ok
}

// CardsOf returns the cards of a user in creation order.
func (p *Platform) CardsOf(userToken string) []issuer.Card {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cardsOf(userToken)
}

func (p *Platform) cardsOf(userToken string) []issuer.Card {
	var out []issuer.Card
	for _, token := range p.cardOrder {
		if c := p.cards[token]; c.UserToken == userToken {
			out = append(out, c)
		}
	}
	return out
}

func (p *Platform) CreateCard(ctx context.Context, req issuer.CardRequest) (*issuer.Card, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpCreateCard); err != nil {
		return nil, err
	}
	if _, ok := p.users[req.UserToken]; !ok {
		return nil, notFound("/users", req.UserToken)
	}
	if req.Token == "" {
		req.Token = uuid.NewString()
	}
	if _, ok := p.cards[req.Token]; ok {
		return nil, conflict("/cards", req.Token)
	}
	now := p.tick()
	last4 := fmt.Sprintf("%04d", len(p.cardOrder)+1)
	exp := p.clock.AddDate(3, 0, 0).Format("0106")
	c := issuer.Card{
		Token:            req.Token,
		UserToken:        req.UserToken,
		CardProductToken: req.CardProductToken,
		State:            p.cardState,
		InstrumentType:   "VIRTUAL_PAN",
		LastFour:         &last4,
		Expiration:       &exp,
		CreatedTime:      now,
		LastModifiedTime: now,
	}
	p.cards[c.Token] = c
	p.cardOrder = append(p.cardOrder, c.Token)
	return &c, nil
}

func (p *Platform) GetCard(ctx context.Context, token string) (*issuer.Card, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpGetCard); err != nil {
		return nil, err
	}
	c, ok := p.cards[token]
	if !ok {
		return nil, notFound("/cards", token)
	}
	return &c, nil
}

func (p *Platform) ListCardsForUser(ctx context.Context, userToken string, params issuer.ListParams) (*issuer.Page[issuer.Card], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpListCardsForUser); err != nil {
		return nil, err
	}
	return page(p, OpListCardsForUser, p.cardsOf(userToken), params), nil
}

func (p *Platform) TransitionCard(ctx context.Context, req issuer.CardTransitionRequest) (*issuer.CardTransition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpTransitionCard); err != nil {
		return nil, err
	}
	c, ok := p.cards[req.CardToken]
	if !ok {
		return nil, notFound("/cards", req.CardToken)
	}
	if c.State == "TERMINATED" && req.State != "TERMINATED" {
		return nil, Rejected("/cardtransitions", "card is terminated")
	}
	now := p.tick()
	c.State = req.State
	c.LastModifiedTime = now
	p.cards[c.Token] = c
	token := req.Token
	if token == "" {
		token = uuid.NewString()
	}
	return &issuer.CardTransition{
		Token:             token,
		CardToken:         c.Token,
		UserToken:         c.UserToken,
		State:             c.State,
		ReasonCode:        req.ReasonCode,
		Reason:            req.Reason,
		Channel:           req.Channel,
		FulfillmentStatus: c.FulfillmentStatus,
		CreatedTime:       now,
		LastModifiedTime:  now,
	}, nil
}

// Deposit accounts

// DepositAccountsOf returns the deposit accounts of a user in creation order.
func (p *Platform) DepositAccountsOf(userToken string) []issuer.DepositAccount {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.depositsOf(userToken)
}

func (p *Platform) depositsOf(userToken string) []issuer.DepositAccount {
	var out []issuer.DepositAccount
	for _, token := range p.depositOrd {
		if d := p.deposits[token]; d.UserToken == userToken {
			out = append(out, d)
		}
	}
	return out
}

func (p *Platform) CreateDepositAccount(ctx context.Context, req issuer.DepositAccountRequest) (*issuer.DepositAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpCreateDepositAccount); err != nil {
		return nil, err
	}
	if _, ok := p.users[req.UserToken]; !ok {
		return nil, notFound("/users", req.UserToken)
	}
	if req.Token == "" {
		req.Token = uuid.NewString()
	}
	if _, ok := p.deposits[req.Token]; ok {
		return nil, conflict("/depositaccounts", req.Token)
	}
	now := p.tick()
	number := fmt.Sprintf("%012d", 100000000000+len(p.depositOrd)+1)
	routing := "293748000"
	d := issuer.DepositAccount{
		Token:            req.Token,
		UserToken:        req.UserToken,
		AccountNumber:    &number,
		RoutingNumber:    &routing,
		State:            "ACTIVE",
		CreatedTime:      now,
		LastModifiedTime: now,
	}
	p.deposits[d.Token] = d
	p.depositOrd = append(p.depositOrd, d.Token)
	return &d, nil
}

func (p *Platform) GetDepositAccount(ctx context.Context, token string) (*issuer.DepositAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpGetDepositAccount); err != nil {
		return nil, err
	}
	d, ok := p.deposits[token]
	if !ok {
		return nil, notFound("/depositaccounts", token)
	}
	return &d, nil
}

func (p *Platform) ListDepositAccounts(ctx context.Context, userToken string, params issuer.ListParams) (*issuer.Page[issuer.DepositAccount], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpListDepositAccounts); err != nil {
		return nil, err
	}
	return page(p, OpListDepositAccounts, p.depositsOf(userToken), params), nil
}

func (p *Platform) TransitionDepositAccount(ctx context.Context, req issuer.DepositAccountTransitionRequest) (*issuer.DepositAccountTransition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpTransitionDepositAccount); err != nil {
		return nil, err
	}
	d, ok := p.deposits[req.AccountToken]
	if !ok {
		return nil, notFound("/depositaccounts", req.AccountToken)
	}
	if d.State == "TERMINATED" && req.State != "TERMINATED" {
		return nil, Rejected("/depositaccounts/transitions", "account is terminated")
	}
	now := p.tick()
	d.State = req.State
	d.LastModifiedTime = now
	p.deposits[d.Token] = d
	token := req.Token
	if token == "" {
		token = uuid.NewString()
	}
	return &issuer.DepositAccountTransition{
		Token:            token,
		AccountToken:     d.Token,
		UserToken:        d.UserToken,
		State:            d.State,
		Reason:           req.Reason,
		Channel:          req.Channel,
		CreatedTime:      now,
		LastModifiedTime: now,
	}, nil
}

// Transactions

// SeedTransaction stores a transaction as is.
func (p *Platform) SeedTransaction(t issuer.Transaction) issuer.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.putTransaction(t)
}

func (p *Platform) putTransaction(t issuer.Transaction) issuer.Transaction {
	if t.Token == "" {
		t.Token = uuid.NewString()
	}
	if t.CurrencyCode == "" {
		t.CurrencyCode = "USD"
	}
	if t.CreatedTime == nil {
		t.CreatedTime = p.tick()
		t.LastModifiedTime = t.CreatedTime
		t.UserTransactionTime = t.CreatedTime
	}
	if _, ok := p.txs[t.Token]; !ok {
		p.txOrder = append(p.txOrder, t.Token)
	}
	p.txs[t.Token] = t
	return t
}

// SetTransactionState changes a transaction's state out of band.
func (p *Platform) SetTransactionState(token, state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.txs[token]
	t.State = state
	t.LastModifiedTime = p.tick()
	p.txs[token] = t
}

func (p *Platform) GetTransaction(ctx context.Context, token string) (*issuer.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpGetTransaction); err != nil {
		return nil, err
	}
	t, ok := p.txs[token]
	if !ok {
		return nil, notFound("/transactions", token)
	}
	return &t, nil
}

// ListTransactions filters by user, card and a created-time window.
func (p *Platform) ListTransactions(ctx context.Context, q issuer.TransactionQuery, params issuer.ListParams) (*issuer.Page[issuer.Transaction], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpListTransactions); err != nil {
		return nil, err
	}
	var out []issuer.Transaction
	for _, token := range p.txOrder {
		t := p.txs[token]
		if q.UserToken != "" && t.UserToken != q.UserToken {
			continue
		}
		if q.CardToken != "" && (t.CardToken == nil || *t.CardToken != q.CardToken) {
			continue
		}
		if !q.Start.IsZero() && t.CreatedTime.Before(q.Start) {
			continue
		}
		if !q.End.IsZero() && t.CreatedTime.After(q.End) {
			continue
		}
		out = append(out, t)
	}
	return page(p, OpListTransactions, out, params), nil
}

func (p *Platform) simulate(ctx context.Context, typ, state string, req issuer.SimulationRequest) (*issuer.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpSimulate); err != nil {
		return nil, err
	}
	var t issuer.Transaction
	if req.PrecedingRelatedTransactionToken != "" {
		prev, ok := p.txs[req.PrecedingRelatedTransactionToken]
		if !ok {
			return nil, notFound("/transactions", req.PrecedingRelatedTransactionToken)
		}
		prec := prev.Token
		t.PrecedingRelatedTransactionToken = &prec
		t.CardToken = prev.CardToken
		t.UserToken = prev.UserToken
		t.Merchant = prev.Merchant
		if req.Amount.IsZero() {
			req.Amount = prev.Amount
		}
	} else {
		c, ok := p.cards[req.CardToken]
		if !ok {
			return nil, notFound("/cards", req.CardToken)
		}
		if c.State != "ACTIVE" {
			return nil, Rejected("/simulate/authorization", "card is not active")
		}
		card := c.Token
		t.CardToken = &card
		t.UserToken = c.UserToken
		if req.MID != "" {
			t.Merchant = &issuer.TransactionMerchant{MID: req.MID, Name: "Merchant " + req.MID}
		}
	}
	t.Type = typ
	t.State = state
	t.Amount = req.Amount
	t = p.putTransaction(t)
	return &t, nil
}

func (p *Platform) SimulateAuthorization(ctx context.Context, req issuer.SimulationRequest) (*issuer.Transaction, error) {
	return p.simulate(ctx, "authorization", "PENDING", req)
}

func (p *Platform) SimulateClearing(ctx context.Context, req issuer.SimulationRequest) (*issuer.Transaction, error) {
	return p.simulate(ctx, "authorization.clearing", "COMPLETION", req)
}

func (p *Platform) SimulateReversal(ctx context.Context, req issuer.SimulationRequest) (*issuer.Transaction, error) {
	return p.simulate(ctx, "authorization.reversal", "CLEARED", req)
}

// Balances

// SetBalance sets the available balance of a user's general purpose account.
func (p *Platform) SetBalance(userToken string, available decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.tick()
	p.balances[userToken] = issuer.Balance{
		CurrencyCode:     "USD",
		LedgerBalance:    available,
		AvailableBalance: available,
		LastUpdatedTime:  now,
	}
}

func (p *Platform) GetBalance(ctx context.Context, userToken string) (*issuer.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpGetBalance); err != nil {
		return nil, err
	}
	if _, ok := p.users[userToken]; !ok {
		return nil, notFound("/balances", userToken)
	}
	b, ok := p.balances[userToken]
	if !ok {
		now := p.clock
		b = issuer.Balance{CurrencyCode: "USD", LastUpdatedTime: &now}
	}
	return &b, nil
}

func (p *Platform) CreateGPAOrder(ctx context.Context, req issuer.GPAOrderRequest) (*issuer.GPAOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.enter(ctx, OpCreateGPAOrder); err != nil {
		return nil, err
	}
	if _, ok := p.users[req.UserToken]; !ok {
		return nil, notFound("/users", req.UserToken)
	}
	if !req.Amount.IsPositive() {
		return nil, Rejected("/gpaorders", "amount must be positive: "+req.Amount.String())
	}
	b := p.balances[req.UserToken]
	b.CurrencyCode = "USD"
	b.AvailableBalance = b.AvailableBalance.Add(req.Amount)
	b.LedgerBalance = b.LedgerBalance.Add(req.Amount)
	b.LastUpdatedTime = p.tick()
	p.balances[req.UserToken] = b

	tx := p.putTransaction(issuer.Transaction{
		Type:      "gpa.credit",
		State:     "COMPLETION",
		UserToken: req.UserToken,
		Amount:    req.Amount,
	})
	token := req.Token
	if token == "" {
		token = "gpa-" + strconv.Itoa(len(p.txOrder))
	}
	return &issuer.GPAOrder{
		Token:        token,
		UserToken:    req.UserToken,
		Amount:       req.Amount,
		CurrencyCode: b.CurrencyCode,
		State:        "COMPLETION",
		CreatedTime:  tx.CreatedTime,
	}, nil
}
