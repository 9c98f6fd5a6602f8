package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

func (h BcryptHasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

const (
	defaultTxTimeout     = 5 * time.Second
	accountNumberRetries = 5
	defaultTransferNote  = "Money transfer"
)

var (
	errInvalidAdmin = ErrInvalidCredentials.WithMessage("Invalid admin credentials")
	errBalanceLimit = ErrInvalidAmount.WithMessage("Resulting balance exceeds the account limit")
)

type EngineConfig struct {
	TxTimeout time.Duration
	Rates     *RatePolicy
	Hasher    PasswordHasher
}

// Engine runs every ledger operation as one atomic unit against the store.
// Lock order across all operations: loan row, then account rows by ascending
// id. Registration takes no row locks.
type Engine struct {
	store     LedgerStore
	hasher    PasswordHasher
	rates     *RatePolicy
	validate  *validator.Validate
	breaker   *gobreaker.CircuitBreaker
	logger    *zap.Logger
	txTimeout time.Duration
	now       func() time.Time
}

func NewEngine(store LedgerStore, cfg EngineConfig, logger *zap.Logger) (*Engine, error) {
	vld, err := newValidator()
	if err != nil {
		return nil, err
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = defaultTxTimeout
	}
	if cfg.Rates == nil {
		cfg.Rates = NewRatePolicy(decimal.Zero)
	}
	if cfg.Hasher == nil {
		cfg.Hasher = BcryptHasher{}
	}

	e := &Engine{
		store:     store,
		hasher:    cfg.Hasher,
		rates:     cfg.Rates,
		validate:  vld,
		logger:    logger,
		txTimeout: cfg.TxTimeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
		IsSuccessful: storeHealthy,
	})
	return e, nil
}

// storeHealthy counts only store outages against the breaker. Domain outcomes
// and lock contention mean the store answered.
func storeHealthy(err error) bool {
	if err == nil {
		return true
	}
	return asError(err).Code != ErrUnavailable.Code
}

func (e *Engine) atomically(ctx context.Context, op string, fn func(ctx context.Context, tx LedgerTx) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	_, err := e.breaker.Execute(func() (any, error) {
		return nil, mapStoreError(e.store.InTx(ctx, func(tx LedgerTx) error {
			return fn(ctx, tx)
		}))
	})
	return e.outcome(op, err)
}

// guard runs a read under the same timeout and breaker as atomic units.
func guard[T any](ctx context.Context, e *Engine, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, e.txTimeout)
	defer cancel()

	res, err := e.breaker.Execute(func() (any, error) {
		res, err := fn(ctx)
		return res, mapStoreError(err)
	})
	if err != nil {
		var zero T
		return zero, e.outcome(op, err)
	}
	return res.(T), nil
}

func (e *Engine) outcome(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable.Wrap(err)
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrContention) {
		return ErrContention.Wrap(err)
	}

	typed := asError(err)
	if typed.Kind == KindInfrastructure {
		e.logger.Error("ledger operation failed", zap.String("op", op), zap.String("code", typed.Code), zap.Error(err))
	}
	return typed
}

// Validate checks a decoded request against its struct tags.
func (e *Engine) Validate(req any) error {
	if err := e.validate.Struct(req); err != nil {
		return toInvalidInput(err)
	}
	return nil
}

func (e *Engine) RegisterUser(ctx context.Context, profile Profile, creds Credentials) (User, error) {
	creds.Email = normalizeEmail(creds.Email)
	profile.FullName = strings.TrimSpace(profile.FullName)
	profile.Phone = strings.TrimSpace(profile.Phone)
	profile.Address = strings.TrimSpace(profile.Address)
	profile.Aadhar = strings.TrimSpace(profile.Aadhar)
	profile.PAN = strings.ToUpper(strings.TrimSpace(profile.PAN))

	if err := e.Validate(creds); err != nil {
		return User{}, err
	}
	if err := e.Validate(profile); err != nil {
		return User{}, err
	}

	dob, err := time.Parse(dateLayout, profile.DOB)
	if err != nil {
		return User{}, ErrInvalidInput.WithMessage("dob must be a date in YYYY-MM-DD format")
	}
	hash, err := e.hasher.Hash(creds.Password)
	if err != nil {
		return User{}, ErrUnavailable.Wrap(err)
	}

	var user User
	err = e.atomically(ctx, "register_user", func(ctx context.Context, tx LedgerTx) error {
		taken, err := tx.EmailExists(ctx, creds.Email)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicateEmail
		}
		user = User{
			Email:        creds.Email,
			PasswordHash: hash,
			FullName:     profile.FullName,
			Phone:        profile.Phone,
			Address:      profile.Address,
			DOB:          dob,
			Aadhar:       profile.Aadhar,
			PAN:          profile.PAN,
			IsActive:     true,
		}
		return tx.InsertUser(ctx, &user)
	})
	if err != nil {
		return User{}, err
	}

	e.logger.Info("user registered", zap.Int64("user_id", user.ID))
	return user, nil
}

// AuthenticateCustomer refuses unknown emails, wrong passwords and inactive
// users with the same error.
func (e *Engine) AuthenticateCustomer(ctx context.Context, email, password string) (User, error) {
	user, err := guard(ctx, e, "authenticate_customer", func(ctx context.Context) (User, error) {
		return e.store.UserByEmail(ctx, normalizeEmail(email))
	})
	if errors.Is(err, ErrUserNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := e.hasher.Compare(user.PasswordHash, password); err != nil || !user.IsActive {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (e *Engine) AuthenticateAdmin(ctx context.Context, email, password string) (Admin, error) {
	admin, err := guard(ctx, e, "authenticate_admin", func(ctx context.Context) (Admin, error) {
		return e.store.AdminByEmail(ctx, normalizeEmail(email))
	})
	if errors.Is(err, ErrUserNotFound) {
		return Admin{}, errInvalidAdmin
	}
	if err != nil {
		return Admin{}, err
	}
	if err := e.hasher.Compare(admin.PasswordHash, password); err != nil {
		return Admin{}, errInvalidAdmin
	}
	return admin, nil
}

// SeedAdmin creates the administrator or resets its password and name.
func (e *Engine) SeedAdmin(ctx context.Context, email, password, name string) error {
	hash, err := e.hasher.Hash(password)
	if err != nil {
		return err
	}
	_, err = guard(ctx, e, "seed_admin", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.UpsertAdmin(ctx, Admin{Email: normalizeEmail(email), PasswordHash: hash, FullName: name})
	})
	return err
}

func (e *Engine) CreateAccount(ctx context.Context, userID int64, accountType AccountType) (Account, error) {
	if accountType != AccountSavings && accountType != AccountCurrent {
		return Account{}, ErrInvalidInput.WithMessage("account_type must be one of [savings current]")
	}

	var account Account
	for attempt := 0; attempt < accountNumberRetries; attempt++ {
		err := e.atomically(ctx, "create_account", func(ctx context.Context, tx LedgerTx) error {
			if _, err := tx.UserByID(ctx, userID); err != nil {
				return err
			}
			number, err := GenerateAccountNumber()
			if err != nil {
				return err
			}
			account = Account{
				UserID:   userID,
				Number:   number,
				Type:     accountType,
				Balance:  decimal.Zero,
				Currency: defaultCurrency,
				Status:   AccountPending,
			}
			return tx.InsertAccount(ctx, &account)
		})
		if errors.Is(err, errDuplicateAccountNum) {
			e.logger.Warn("account number collision, retrying", zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return Account{}, err
		}

		e.logger.Info("account created",
			zap.Int64("user_id", userID), zap.Int64("account_id", account.ID), zap.String("type", string(accountType)))
		return account, nil
	}
	return Account{}, ErrUnavailable.Wrap(errors.New("no unique account number after retries"))
}

func (e *Engine) ApproveAccount(ctx context.Context, accountID, adminID int64) (Account, error) {
	return e.decideAccount(ctx, "approve_account", accountID, adminID, AccountActive)
}

func (e *Engine) RejectAccount(ctx context.Context, accountID, adminID int64) (Account, error) {
	return e.decideAccount(ctx, "reject_account", accountID, adminID, AccountRejected)
}

func (e *Engine) decideAccount(ctx context.Context, op string, accountID, adminID int64, to AccountStatus) (Account, error) {
	var account Account
	err := e.atomically(ctx, op, func(ctx context.Context, tx LedgerTx) error {
		a, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if a.Status != AccountPending {
			return ErrAlreadyProcessed.WithMessage("Account has already been " + string(a.Status))
		}
		now := e.now()
		a.Status = to
		a.ApprovedBy = &adminID
		a.ApprovedAt = &now
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		account = a
		return nil
	})
	if err != nil {
		return Account{}, err
	}

	e.logger.Info("account decided",
		zap.Int64("account_id", accountID), zap.Int64("admin_id", adminID), zap.String("status", string(to)))
	return account, nil
}

// CloseAccount closes an active account with a zero balance.
func (e *Engine) CloseAccount(ctx context.Context, accountID, adminID int64) (Account, error) {
	var account Account
	err := e.atomically(ctx, "close_account", func(ctx context.Context, tx LedgerTx) error {
		a, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		switch a.Status {
		case AccountActive:
		case AccountClosed:
			return ErrAlreadyProcessed.WithMessage("Account is already closed")
		default:
			return ErrAccountNotActive.WithMessage("Only active accounts can be closed")
		}
		if !a.Balance.IsZero() {
			return ErrNonZeroBalance
		}
		now := e.now()
		a.Status = AccountClosed
		a.ClosedAt = &now
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		account = a
		return nil
	})
	if err != nil {
		return Account{}, err
	}

	e.logger.Info("account closed", zap.Int64("account_id", accountID), zap.Int64("admin_id", adminID))
	return account, nil
}

// Deposit credits an active account owned by userID and returns the
// transaction with the new balance.
func (e *Engine) Deposit(ctx context.Context, userID, accountID int64, amount decimal.Decimal) (Transaction, decimal.Decimal, error) {
	if !validAmount(amount) {
		return Transaction{}, decimal.Zero, ErrInvalidAmount
	}

	var (
		record  Transaction
		balance decimal.Decimal
	)
	err := e.atomically(ctx, "deposit", func(ctx context.Context, tx LedgerTx) error {
		a, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if a.UserID != userID {
			return ErrAccountNotFound
		}
		if a.Status != AccountActive {
			return ErrAccountNotActive
		}
		a.Balance = a.Balance.Add(amount)
		if !withinBalanceLimit(a.Balance) {
			return errBalanceLimit
		}
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		record = Transaction{
			ToAccountID: &a.ID,
			Type:        TxDeposit,
			Amount:      amount,
			Fee:         decimal.Zero,
			Description: "Cash deposit",
			Status:      TxCompleted,
		}
		balance = a.Balance
		return tx.InsertTransaction(ctx, &record)
	})
	if err != nil {
		return Transaction{}, decimal.Zero, err
	}

	e.logger.Info("deposit completed",
		zap.Int64("account_id", accountID), zap.String("amount", amount.StringFixed(2)),
		zap.Int64("transaction_id", record.ID))
	return record, balance, nil
}

// Transfer moves amount from an account owned by userID to the account with
// number toNumber. Both rows are locked in ascending id order.
func (e *Engine) Transfer(ctx context.Context, userID, fromID int64, toNumber string, amount decimal.Decimal, description string) (Transaction, error) {
	if !validAmount(amount) {
		return Transaction{}, ErrInvalidAmount
	}
	description = strings.TrimSpace(description)
	if description == "" {
		description = defaultTransferNote
	}
	toNumber = strings.TrimSpace(toNumber)

	var (
		record Transaction
		toID   int64
	)
	err := e.atomically(ctx, "transfer", func(ctx context.Context, tx LedgerTx) error {
		var err error
		toID, err = tx.AccountIDByNumber(ctx, toNumber)
		if errors.Is(err, ErrAccountNotFound) {
			return ErrRecipientNotFound
		}
		if err != nil {
			return err
		}
		from, to, err := lockPair(ctx, tx, fromID, toID)
		if err != nil {
			return err
		}
		if from.UserID != userID {
			return ErrAccountNotFound
		}
		if toID == fromID {
			return ErrSameAccount
		}
		if from.Status != AccountActive {
			return ErrAccountNotActive
		}
		if to.Status != AccountActive {
			return ErrRecipientNotActive
		}
		if from.Balance.LessThan(amount) {
			return ErrInsufficientFunds
		}

		from.Balance = from.Balance.Sub(amount)
		to.Balance = to.Balance.Add(amount)
		if !withinBalanceLimit(to.Balance) {
			return errBalanceLimit
		}
		if err := tx.UpdateAccount(ctx, from); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, to); err != nil {
			return err
		}

		record = Transaction{
			FromAccountID: &from.ID,
			ToAccountID:   &to.ID,
			Type:          TxTransfer,
			Amount:        amount,
			Fee:           decimal.Zero,
			Description:   description,
			Status:        TxCompleted,
		}
		return tx.InsertTransaction(ctx, &record)
	})
	if errors.Is(err, ErrInsufficientFunds) {
		e.recordFailedTransfer(ctx, fromID, toID, amount, description)
	}
	if err != nil {
		return Transaction{}, err
	}

	e.logger.Info("transfer completed",
		zap.Int64("from_account_id", fromID), zap.Int64("to_account_id", toID),
		zap.String("amount", amount.StringFixed(2)), zap.Int64("transaction_id", record.ID))
	return record, nil
}

// lockPair locks both accounts lower id first and returns them as (a, b).
func lockPair(ctx context.Context, tx LedgerTx, aID, bID int64) (Account, Account, error) {
	first, second := aID, bID
	if second < first {
		first, second = second, first
	}
	lo, err := tx.LockAccount(ctx, first)
	if err != nil {
		return Account{}, Account{}, err
	}
	hi, err := tx.LockAccount(ctx, second)
	if err != nil {
		return Account{}, Account{}, err
	}
	if lo.ID == aID {
		return lo, hi, nil
	}
	return hi, lo, nil
}

// recordFailedTransfer writes the refused attempt in its own unit after the
// transfer rolled back. Balances are untouched.
func (e *Engine) recordFailedTransfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal, description string) {
	err := e.atomically(context.WithoutCancel(ctx), "record_failed_transfer", func(ctx context.Context, tx LedgerTx) error {
		return tx.InsertTransaction(ctx, &Transaction{
			FromAccountID: &fromID,
			ToAccountID:   &toID,
			Type:          TxTransfer,
			Amount:        amount,
			Fee:           decimal.Zero,
			Description:   description,
			Status:        TxFailed,
		})
	})
	if err != nil {
		e.logger.Error("failed to record refused transfer", zap.Int64("from_account_id", fromID), zap.Error(err))
	}
}

func (e *Engine) ApplyLoan(ctx context.Context, userID, accountID int64, loanType LoanType, amount decimal.Decimal, tenureMonths int, purpose string) (Loan, error) {
	rate, err := e.rates.Quote(loanType, amount, tenureMonths)
	if err != nil {
		return Loan{}, err
	}
	emi := CalculateMonthlyPayment(amount, rate, tenureMonths)

	var loan Loan
	err = e.atomically(ctx, "apply_loan", func(ctx context.Context, tx LedgerTx) error {
		a, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if a.UserID != userID {
			return ErrAccountNotFound
		}
		if a.Status != AccountActive {
			return ErrAccountNotActive
		}
		loan = Loan{
			UserID:       userID,
			AccountID:    accountID,
			Type:         loanType,
			Amount:       amount,
			InterestRate: rate,
			TenureMonths: tenureMonths,
			MonthlyEMI:   emi,
			Purpose:      strings.TrimSpace(purpose),
			Status:       LoanPending,
		}
		return tx.InsertLoan(ctx, &loan)
	})
	if err != nil {
		return Loan{}, err
	}

	e.logger.Info("loan applied",
		zap.Int64("loan_id", loan.ID), zap.Int64("account_id", accountID),
		zap.String("amount", amount.StringFixed(2)), zap.String("rate", rate.StringFixed(2)))
	return loan, nil
}

// ApproveLoan approves and disburses a pending loan in one unit, or rejects
// it. The loan row is locked before the account.
func (e *Engine) ApproveLoan(ctx context.Context, loanID, adminID int64, approve bool) (Loan, error) {
	var loan Loan
	err := e.atomically(ctx, "approve_loan", func(ctx context.Context, tx LedgerTx) error {
		l, err := tx.LockLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if l.Status != LoanPending {
			return ErrAlreadyProcessed.WithMessage("Loan has already been " + string(l.Status))
		}
		now := e.now()
		l.ApprovedBy = &adminID
		l.ApprovedAt = &now

		if !approve {
			l.Status = LoanRejected
			if err := tx.UpdateLoan(ctx, l); err != nil {
				return err
			}
			loan = l
			return nil
		}

		a, err := tx.LockAccount(ctx, l.AccountID)
		if err != nil {
			return err
		}
		if a.Status != AccountActive {
			return ErrAccountNotActive
		}
		a.Balance = a.Balance.Add(l.Amount)
		if !withinBalanceLimit(a.Balance) {
			return errBalanceLimit
		}
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &Transaction{
			ToAccountID: &a.ID,
			Type:        TxLoanDisbursement,
			Amount:      l.Amount,
			Fee:         decimal.Zero,
			Description: fmt.Sprintf("Loan #%d disbursement", l.ID),
			Status:      TxCompleted,
		}); err != nil {
			return err
		}

		l.Status = LoanDisbursed
		l.DisbursedAt = &now
		if err := tx.UpdateLoan(ctx, l); err != nil {
			return err
		}
		loan = l
		return nil
	})
	if err != nil {
		return Loan{}, err
	}

	e.logger.Info("loan decided",
		zap.Int64("loan_id", loanID), zap.Int64("admin_id", adminID), zap.String("status", string(loan.Status)))
	return loan, nil
}

func (e *Engine) Accounts(ctx context.Context, userID int64) ([]Account, error) {
	return guard(ctx, e, "accounts", func(ctx context.Context) ([]Account, error) {
		return e.store.AccountsByUser(ctx, userID)
	})
}

// AccountTransactions lists the history of an account owned by userID.
// Accounts of other users are reported as not found.
func (e *Engine) AccountTransactions(ctx context.Context, userID, accountID int64) ([]HistoryEntry, error) {
	return guard(ctx, e, "account_transactions", func(ctx context.Context) ([]HistoryEntry, error) {
		a, err := e.store.AccountByID(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if a.UserID != userID {
			return nil, ErrAccountNotFound
		}
		return e.store.AccountHistory(ctx, accountID)
	})
}

func (e *Engine) Loans(ctx context.Context, userID int64) ([]Loan, error) {
	return guard(ctx, e, "loans", func(ctx context.Context) ([]Loan, error) {
		return e.store.LoansByUser(ctx, userID)
	})
}

// LoanSchedule builds the repayment plan of a loan owned by userID, starting
// from disbursement or, before that, from the application date.
func (e *Engine) LoanSchedule(ctx context.Context, userID, loanID int64) ([]Payment, error) {
	loan, err := guard(ctx, e, "loan_schedule", func(ctx context.Context) (Loan, error) {
		return e.store.LoanByID(ctx, loanID)
	})
	if err != nil {
		return nil, err
	}
	if loan.UserID != userID {
		return nil, ErrLoanNotFound
	}

	start := loan.AppliedAt
	if loan.DisbursedAt != nil {
		start = *loan.DisbursedAt
	}
	return GeneratePaymentSchedule(loan.Amount, loan.InterestRate, loan.TenureMonths, start, loan.MonthlyEMI), nil
}

func (e *Engine) PendingAccounts(ctx context.Context) ([]AccountView, error) {
	return guard(ctx, e, "pending_accounts", func(ctx context.Context) ([]AccountView, error) {
		return e.store.ListAccounts(ctx, AccountPending)
	})
}

func (e *Engine) AllAccounts(ctx context.Context) ([]AccountView, error) {
	return guard(ctx, e, "all_accounts", func(ctx context.Context) ([]AccountView, error) {
		return e.store.ListAccounts(ctx, "")
	})
}

func (e *Engine) PendingLoans(ctx context.Context) ([]LoanView, error) {
	return guard(ctx, e, "pending_loans", func(ctx context.Context) ([]LoanView, error) {
		return e.store.ListLoans(ctx, LoanPending)
	})
}

func (e *Engine) AllLoans(ctx context.Context) ([]LoanView, error) {
	return guard(ctx, e, "all_loans", func(ctx context.Context) ([]LoanView, error) {
		return e.store.ListLoans(ctx, "")
	})
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	return guard(ctx, e, "stats", func(ctx context.Context) (Stats, error) {
		return e.store.Stats(ctx)
	})
}

func (e *Engine) Ping(ctx context.Context) error {
	_, err := guard(ctx, e, "ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.store.Ping(ctx)
	})
	return err
}
