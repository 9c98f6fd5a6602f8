package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerStore is the durable side of the ledger. InTx runs fn as one atomic
// unit: every write made through the LedgerTx commits together or not at all,
// and row locks taken through it are held until the unit ends.
//
// The remaining methods are plain reads of committed state and take no locks.
type LedgerStore interface {
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error

	UserByEmail(ctx context.Context, email string) (User, error)
	AdminByEmail(ctx context.Context, email string) (Admin, error)
	UpsertAdmin(ctx context.Context, admin Admin) error
	AccountByID(ctx context.Context, accountID int64) (Account, error)
	AccountsByUser(ctx context.Context, userID int64) ([]Account, error)
	AccountHistory(ctx context.Context, accountID int64) ([]HistoryEntry, error)
	LoanByID(ctx context.Context, loanID int64) (Loan, error)
	LoansByUser(ctx context.Context, userID int64) ([]Loan, error)
	ListAccounts(ctx context.Context, status AccountStatus) ([]AccountView, error)
	ListLoans(ctx context.Context, status LoanStatus) ([]LoanView, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// LedgerTx is the view of the store inside one atomic unit. Lock* methods take
// an exclusive row lock; Update* methods must only be called on rows the unit
// has locked.
type LedgerTx interface {
	EmailExists(ctx context.Context, email string) (bool, error)
	InsertUser(ctx context.Context, u *User) error
	UserByID(ctx context.Context, userID int64) (User, error)
	InsertAccount(ctx context.Context, a *Account) error
	AccountIDByNumber(ctx context.Context, number string) (int64, error)
	LockAccount(ctx context.Context, accountID int64) (Account, error)
	UpdateAccount(ctx context.Context, a Account) error
	InsertTransaction(ctx context.Context, t *Transaction) error
	InsertLoan(ctx context.Context, l *Loan) error
	LockLoan(ctx context.Context, loanID int64) (Loan, error)
	UpdateLoan(ctx context.Context, l Loan) error
}

// MemoryStore keeps the whole ledger in process. Committed state is guarded by
// mu; row locks are separate so that a unit can wait on a row without
// blocking readers.
type MemoryStore struct {
	users        map[int64]User
	admins       map[int64]Admin
	accounts     map[int64]Account
	loans        map[int64]Loan
	transactions []Transaction
	emailIndex   map[string]int64  // email -> user id
	docIndex     map[string]int64  // "aadhar:..." / "pan:..." -> user id
	numberIndex  map[string]int64  // account number -> account id
	accountIndex map[int64][]int64 // user id -> account ids
	loanIndex    map[int64][]int64 // user id -> loan ids
	mu           sync.RWMutex

	nextUser, nextAdmin, nextAccount, nextLoan, nextTx atomic.Int64

	locks rowLocks
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[int64]User),
		admins:       make(map[int64]Admin),
		accounts:     make(map[int64]Account),
		loans:        make(map[int64]Loan),
		transactions: make([]Transaction, 0),
		emailIndex:   make(map[string]int64),
		docIndex:     make(map[string]int64),
		numberIndex:  make(map[string]int64),
		accountIndex: make(map[int64][]int64),
		loanIndex:    make(map[int64][]int64),
		locks:        rowLocks{rows: make(map[string]*rowLock)},
	}
}

// rowLocks hands out one exclusive lock per key. A lock is a one-slot channel
// so that waiting respects context cancellation. Entries are reference counted
// and dropped once no unit holds or waits on them.
type rowLocks struct {
	mu   sync.Mutex
	rows map[string]*rowLock
}

type rowLock struct {
	ch   chan struct{}
	refs int
}

func (l *rowLocks) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	rl, ok := l.rows[key]
	if !ok {
		rl = &rowLock{ch: make(chan struct{}, 1)}
		l.rows[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	select {
	case rl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.unref(key, rl)
		l.mu.Unlock()
		return ErrContention.Wrap(fmt.Errorf("waiting for %s: %w", key, ctx.Err()))
	}
}

func (l *rowLocks) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl := l.rows[key]
	<-rl.ch
	l.unref(key, rl)
}

// unref must be called with mu held.
func (l *rowLocks) unref(key string, rl *rowLock) {
	rl.refs--
	if rl.refs == 0 {
		delete(l.rows, key)
	}
}

// size reports how many keys currently have an entry.
func (l *rowLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

func accountKey(id int64) string { return fmt.Sprintf("account:%d", id) }
func loanKey(id int64) string    { return fmt.Sprintf("loan:%d", id) }

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return ErrContention.Wrap(err)
	}

	tx := &memTx{
		s:        s,
		held:     make(map[string]struct{}),
		users:    make(map[int64]User),
		accounts: make(map[int64]Account),
		loans:    make(map[int64]Loan),
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ErrContention.Wrap(err)
	}
	return s.commit(tx)
}

// commit re-checks unique constraints and applies the staged writes under a
// single critical section, so readers never observe half a unit.
func (s *MemoryStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range tx.users {
		if _, taken := s.emailIndex[u.Email]; taken {
			return ErrDuplicateEmail
		}
		if _, taken := s.docIndex["aadhar:"+u.Aadhar]; taken {
			return ErrDuplicateIdentity
		}
		if _, taken := s.docIndex["pan:"+u.PAN]; taken {
			return ErrDuplicateIdentity
		}
	}
	for id, a := range tx.accounts {
		if owner, taken := s.numberIndex[a.Number]; taken && owner != id {
			return errDuplicateAccountNum
		}
	}

	for id, u := range tx.users {
		s.users[id] = u
		s.emailIndex[u.Email] = id
		s.docIndex["aadhar:"+u.Aadhar] = id
		s.docIndex["pan:"+u.PAN] = id
	}
	for id, a := range tx.accounts {
		if _, exists := s.accounts[id]; !exists {
			s.numberIndex[a.Number] = id
			s.accountIndex[a.UserID] = append(s.accountIndex[a.UserID], id)
		}
		s.accounts[id] = a
	}
	for id, l := range tx.loans {
		if _, exists := s.loans[id]; !exists {
			s.loanIndex[l.UserID] = append(s.loanIndex[l.UserID], id)
		}
		s.loans[id] = l
	}
	s.transactions = append(s.transactions, tx.transactions...)
	return nil
}

type memTx struct {
	s    *MemoryStore
	held map[string]struct{}
	keys []string

	users        map[int64]User
	accounts     map[int64]Account
	loans        map[int64]Loan
	transactions []Transaction
}

func (t *memTx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key); err != nil {
		return err
	}
	t.held[key] = struct{}{}
	t.keys = append(t.keys, key)
	return nil
}

func (t *memTx) releaseAll() {
	for i := len(t.keys) - 1; i >= 0; i-- {
		t.s.locks.release(t.keys[i])
	}
	t.keys = nil
}

func (t *memTx) EmailExists(_ context.Context, email string) (bool, error) {
	for _, u := range t.users {
		if u.Email == email {
			return true, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	_, ok := t.s.emailIndex[email]
	return ok, nil
}

func (t *memTx) InsertUser(_ context.Context, u *User) error {
	u.ID = t.s.nextUser.Add(1)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	t.users[u.ID] = *u
	return nil
}

func (t *memTx) UserByID(_ context.Context, userID int64) (User, error) {
	if u, ok := t.users[userID]; ok {
		return u, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	u, ok := t.s.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

func (t *memTx) InsertAccount(_ context.Context, a *Account) error {
	t.s.mu.RLock()
	_, taken := t.s.numberIndex[a.Number]
	t.s.mu.RUnlock()
	if taken {
		return errDuplicateAccountNum
	}
	a.ID = t.s.nextAccount.Add(1)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	t.accounts[a.ID] = *a
	return nil
}

func (t *memTx) AccountIDByNumber(_ context.Context, number string) (int64, error) {
	for id, a := range t.accounts {
		if a.Number == number {
			return id, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.numberIndex[number]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return id, nil
}

func (t *memTx) LockAccount(ctx context.Context, accountID int64) (Account, error) {
	if err := t.lock(ctx, accountKey(accountID)); err != nil {
		return Account{}, err
	}
	if a, ok := t.accounts[accountID]; ok {
		return a, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	a, ok := t.s.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (t *memTx) UpdateAccount(_ context.Context, a Account) error {
	if _, ok := t.held[accountKey(a.ID)]; !ok {
		return fmt.Errorf("memory store: account %d updated without holding its row lock", a.ID)
	}
	if a.Balance.IsNegative() {
		return fmt.Errorf("memory store: account %d balance check violated", a.ID)
	}
	t.accounts[a.ID] = a
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *Transaction) error {
	if !tr.Amount.IsPositive() {
		return fmt.Errorf("memory store: transaction amount check violated")
	}
	if tr.FromAccountID == nil && tr.ToAccountID == nil {
		return fmt.Errorf("memory store: transaction references no account")
	}
	tr.ID = t.s.nextTx.Add(1)
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	t.transactions = append(t.transactions, *tr)
	return nil
}

func (t *memTx) InsertLoan(_ context.Context, l *Loan) error {
	l.ID = t.s.nextLoan.Add(1)
	if l.AppliedAt.IsZero() {
		l.AppliedAt = time.Now().UTC()
	}
	t.loans[l.ID] = *l
	return nil
}

func (t *memTx) LockLoan(ctx context.Context, loanID int64) (Loan, error) {
	if err := t.lock(ctx, loanKey(loanID)); err != nil {
		return Loan{}, err
	}
	if l, ok := t.loans[loanID]; ok {
		return l, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	l, ok := t.s.loans[loanID]
	if !ok {
		return Loan{}, ErrLoanNotFound
	}
	return l, nil
}

func (t *memTx) UpdateLoan(_ context.Context, l Loan) error {
	if _, ok := t.held[loanKey(l.ID)]; !ok {
		return fmt.Errorf("memory store: loan %d updated without holding its row lock", l.ID)
	}
	t.loans[l.ID] = l
	return nil
}

func (s *MemoryStore) UserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emailIndex[email]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return s.users[id], nil
}

func (s *MemoryStore) AdminByEmail(_ context.Context, email string) (Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.admins {
		if a.Email == email {
			return a, nil
		}
	}
	return Admin{}, ErrUserNotFound
}

func (s *MemoryStore) UpsertAdmin(_ context.Context, admin Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.admins {
		if a.Email == admin.Email {
			admin.ID = id
			s.admins[id] = admin
			return nil
		}
	}
	admin.ID = s.nextAdmin.Add(1)
	s.admins[admin.ID] = admin
	return nil
}

func (s *MemoryStore) AccountByID(_ context.Context, accountID int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

func (s *MemoryStore) AccountsByUser(_ context.Context, userID int64) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.accountIndex[userID]
	accounts := make([]Account, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		accounts = append(accounts, s.accounts[ids[i]])
	}
	return accounts, nil
}

func (s *MemoryStore) AccountHistory(_ context.Context, accountID int64) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]HistoryEntry, 0)
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tr := s.transactions[i]
		var kind string
		var other *int64
		switch {
		case tr.ToAccountID != nil && *tr.ToAccountID == accountID:
			kind, other = entryCredit, tr.FromAccountID
		case tr.FromAccountID != nil && *tr.FromAccountID == accountID:
			kind, other = entryDebit, tr.ToAccountID
		default:
			continue
		}
		e := HistoryEntry{
			TransactionID:   tr.ID,
			TransactionType: tr.Type,
			Type:            kind,
			Amount:          tr.Amount,
			Fee:             tr.Fee,
			Description:     tr.Description,
			Status:          tr.Status,
			Date:            tr.CreatedAt,
		}
		if other != nil {
			e.OtherAccount = s.accounts[*other].Number
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *MemoryStore) LoanByID(_ context.Context, loanID int64) (Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.loans[loanID]
	if !ok {
		return Loan{}, ErrLoanNotFound
	}
	return l, nil
}

func (s *MemoryStore) LoansByUser(_ context.Context, userID int64) ([]Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.loanIndex[userID]
	loans := make([]Loan, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		loans = append(loans, s.loans[ids[i]])
	}
	return loans, nil
}

// ListAccounts returns accounts with the given status oldest first, or every
// account newest first when status is empty.
func (s *MemoryStore) ListAccounts(_ context.Context, status AccountStatus) ([]AccountView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := make([]AccountView, 0)
	for _, a := range s.accounts {
		if status != "" && a.Status != status {
			continue
		}
		u := s.users[a.UserID]
		views = append(views, AccountView{Account: a, FullName: u.FullName, Email: u.Email, Phone: u.Phone})
	}
	sort.Slice(views, func(i, j int) bool {
		if status == "" {
			return views[i].ID > views[j].ID
		}
		return views[i].ID < views[j].ID
	})
	return views, nil
}

// ListLoans orders like ListAccounts.
func (s *MemoryStore) ListLoans(_ context.Context, status LoanStatus) ([]LoanView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := make([]LoanView, 0)
	for _, l := range s.loans {
		if status != "" && l.Status != status {
			continue
		}
		u := s.users[l.UserID]
		views = append(views, LoanView{
			Loan:          l,
			FullName:      u.FullName,
			Email:         u.Email,
			AccountNumber: s.accounts[l.AccountID].Number,
		})
	}
	sort.Slice(views, func(i, j int) bool {
		if status == "" {
			return views[i].ID > views[j].ID
		}
		return views[i].ID < views[j].ID
	})
	return views, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	st.Accounts.TotalBalance = decimal.Zero
	st.Loans.TotalAmount = decimal.Zero
	st.Transactions.TotalAmount = decimal.Zero

	for _, u := range s.users {
		st.Users.Total++
		if u.IsActive {
			st.Users.Active++
		}
	}
	for _, a := range s.accounts {
		st.Accounts.Total++
		switch a.Status {
		case AccountActive:
			st.Accounts.Active++
		case AccountPending:
			st.Accounts.Pending++
		}
		st.Accounts.TotalBalance = st.Accounts.TotalBalance.Add(a.Balance)
	}
	for _, l := range s.loans {
		st.Loans.Total++
		switch l.Status {
		case LoanPending:
			st.Loans.Pending++
		case LoanApproved, LoanDisbursed:
			st.Loans.TotalAmount = st.Loans.TotalAmount.Add(l.Amount)
		}
	}
	for _, tr := range s.transactions {
		if tr.Status != TxCompleted {
			continue
		}
		st.Transactions.Total++
		st.Transactions.TotalAmount = st.Transactions.TotalAmount.Add(tr.Amount)
	}
	return st, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
