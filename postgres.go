package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type PostgresConfig struct {
	PrimaryDSN   string
	ReplicaDSN   string
	DBName       string
	MaxOpenConns int
	LockTimeout  time.Duration
}

// PostgresStore runs atomic units on the primary and plain reads through the
// resolver, which sends them to the replica.
type PostgresStore struct {
	db          dbresolver.DB
	primary     *sql.DB
	lockTimeout time.Duration
}

var sqlOpen = sql.Open

func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	if cfg.ReplicaDSN == "" {
		cfg.ReplicaDSN = cfg.PrimaryDSN
	}

	primary, err := sqlOpen("pgx", cfg.PrimaryDSN)
	if err != nil {
		return nil, fmt.Errorf("open primary: %w", err)
	}
	replica, err := sqlOpen("pgx", cfg.ReplicaDSN)
	if err != nil {
		_ = primary.Close()
		return nil, fmt.Errorf("open replica: %w", err)
	}

	db := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := waitForDB(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := runMigrations(primary, cfg.DBName, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("connected to postgres", zap.String("database", cfg.DBName))

	return &PostgresStore{db: db, primary: primary, lockTimeout: cfg.LockTimeout}, nil
}

const (
	pingAttempts  = 10
	pingBaseDelay = 250 * time.Millisecond
	pingMaxDelay  = 5 * time.Second
)

// pingDelay is exponential backoff with full jitter: a random wait in
// [0, min(base*2^attempt, max)).
func pingDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := pingMaxDelay
	if attempt < 16 {
		if exp := pingBaseDelay << attempt; exp < pingMaxDelay {
			d = exp
		}
	}
	return rand.N(d)
}

// waitForDB pings until the database answers, the schema container usually
// starts alongside the service.
func waitForDB(ctx context.Context, db dbresolver.DB, logger *zap.Logger) error {
	var err error
	for attempt := 0; attempt < pingAttempts; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return nil
		}
		delay := pingDelay(attempt)
		logger.Warn("postgres not ready", zap.Int("attempt", attempt+1), zap.Duration("retry_in", delay), zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("postgres unreachable: %w", err)
}

func runMigrations(primary *sql.DB, dbName string, logger *zap.Logger) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := postgres.WithInstance(primary, &postgres.Config{
		DatabaseName: dbName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, dbName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no new migrations found")
			return nil
		}
		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	logger.Info("migrations applied")
	return nil
}

// mapStoreError turns driver and context failures into typed ledger errors.
// Anything it does not recognise is returned untouched and ends up as
// ErrUnavailable.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40P01", "40001":
			return ErrContention.Wrap(err)
		case "22003":
			return ErrInvalidAmount.Wrap(err)
		case "23505":
			switch pgErr.ConstraintName {
			case "users_email_key":
				return ErrDuplicateEmail
			case "users_aadhar_key", "users_pan_key":
				return ErrDuplicateIdentity
			case "accounts_account_number_key":
				return errDuplicateAccountNum
			}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrContention.Wrap(err)
	}
	return err
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx LedgerTx) error) (err error) {
	tx, err := s.primary.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapStoreError(fmt.Errorf("begin: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return mapStoreError(fmt.Errorf("set lock_timeout: %w", err))
		}
	}

	if err = fn(&pgTx{tx: tx}); err != nil {
		return mapStoreError(err)
	}
	if err = tx.Commit(); err != nil {
		return mapStoreError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

const accountColumns = `account_id, user_id, account_number, account_type, balance, currency,
	status, approved_by, approved_at, closed_at, created_at`

const loanColumns = `loan_id, user_id, account_id, loan_type, loan_amount, interest_rate,
	tenure_months, monthly_emi, purpose, status, applied_at, approved_by, approved_at, disbursed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.UserID, &a.Number, &a.Type, &a.Balance, &a.Currency,
		&a.Status, &a.ApprovedBy, &a.ApprovedAt, &a.ClosedAt, &a.CreatedAt)
	return a, err
}

func scanLoan(row rowScanner) (Loan, error) {
	var l Loan
	err := row.Scan(&l.ID, &l.UserID, &l.AccountID, &l.Type, &l.Amount, &l.InterestRate,
		&l.TenureMonths, &l.MonthlyEMI, &l.Purpose, &l.Status, &l.AppliedAt,
		&l.ApprovedBy, &l.ApprovedAt, &l.DisbursedAt)
	return l, err
}

func (t *pgTx) EmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("email lookup: %w", err)
	}
	return exists, nil
}

func (t *pgTx) InsertUser(ctx context.Context, u *User) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, full_name, phone, address, dob, aadhar, pan, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING user_id, created_at`,
		u.Email, u.PasswordHash, u.FullName, u.Phone, u.Address, u.DOB, u.Aadhar, u.PAN, u.IsActive,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (t *pgTx) UserByID(ctx context.Context, userID int64) (User, error) {
	var u User
	err := t.tx.QueryRowContext(ctx, `
		SELECT user_id, email, password_hash, full_name, phone, address, dob, aadhar, pan, is_active, created_at
		FROM users WHERE user_id = $1`, userID,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.Phone, &u.Address, &u.DOB,
		&u.Aadhar, &u.PAN, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("user by id: %w", err)
	}
	return u, nil
}

func (t *pgTx) InsertAccount(ctx context.Context, a *Account) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO accounts (user_id, account_number, account_type, balance, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING account_id, created_at`,
		a.UserID, a.Number, a.Type, a.Balance, a.Currency, a.Status,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (t *pgTx) AccountIDByNumber(ctx context.Context, number string) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT account_id FROM accounts WHERE account_number = $1`, number).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("account by number: %w", err)
	}
	return id, nil
}

func (t *pgTx) LockAccount(ctx context.Context, accountID int64) (Account, error) {
	a, err := scanAccount(t.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_id = $1 FOR UPDATE`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("lock account %d: %w", accountID, err)
	}
	return a, nil
}

func (t *pgTx) UpdateAccount(ctx context.Context, a Account) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = $2, status = $3, approved_by = $4, approved_at = $5, closed_at = $6
		WHERE account_id = $1`,
		a.ID, a.Balance, a.Status, a.ApprovedBy, a.ApprovedAt, a.ClosedAt)
	if err != nil {
		return fmt.Errorf("update account %d: %w", a.ID, err)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *Transaction) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO transactions
			(from_account_id, to_account_id, transaction_type, amount, fee, description, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING transaction_id, created_at`,
		tr.FromAccountID, tr.ToAccountID, tr.Type, tr.Amount, tr.Fee, tr.Description, tr.Status,
	).Scan(&tr.ID, &tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (t *pgTx) InsertLoan(ctx context.Context, l *Loan) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO loans
			(user_id, account_id, loan_type, loan_amount, interest_rate, tenure_months, monthly_emi, purpose, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING loan_id, applied_at`,
		l.UserID, l.AccountID, l.Type, l.Amount, l.InterestRate, l.TenureMonths, l.MonthlyEMI, l.Purpose, l.Status,
	).Scan(&l.ID, &l.AppliedAt)
	if err != nil {
		return fmt.Errorf("insert loan: %w", err)
	}
	return nil
}

func (t *pgTx) LockLoan(ctx context.Context, loanID int64) (Loan, error) {
	l, err := scanLoan(t.tx.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE loan_id = $1 FOR UPDATE`, loanID))
	if errors.Is(err, sql.ErrNoRows) {
		return Loan{}, ErrLoanNotFound
	}
	if err != nil {
		return Loan{}, fmt.Errorf("lock loan %d: %w", loanID, err)
	}
	return l, nil
}

func (t *pgTx) UpdateLoan(ctx context.Context, l Loan) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE loans
		SET status = $2, approved_by = $3, approved_at = $4, disbursed_at = $5
		WHERE loan_id = $1`,
		l.ID, l.Status, l.ApprovedBy, l.ApprovedAt, l.DisbursedAt)
	if err != nil {
		return fmt.Errorf("update loan %d: %w", l.ID, err)
	}
	return nil
}

// UserByEmail reads from the primary so a login right after registration
// never misses the new row on a lagging replica.
func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.primary.QueryRowContext(ctx, `
		SELECT user_id, email, password_hash, full_name, phone, address, dob, aadhar, pan, is_active, created_at
		FROM users WHERE email = $1`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.FullName, &u.Phone, &u.Address, &u.DOB,
		&u.Aadhar, &u.PAN, &u.IsActive, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("user by email: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) AdminByEmail(ctx context.Context, email string) (Admin, error) {
	var a Admin
	err := s.primary.QueryRowContext(ctx,
		`SELECT admin_id, email, password_hash, full_name FROM admins WHERE email = $1`, email,
	).Scan(&a.ID, &a.Email, &a.PasswordHash, &a.FullName)
	if errors.Is(err, sql.ErrNoRows) {
		return Admin{}, ErrUserNotFound
	}
	if err != nil {
		return Admin{}, fmt.Errorf("admin by email: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) UpsertAdmin(ctx context.Context, admin Admin) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admins (email, password_hash, full_name) VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET password_hash = EXCLUDED.password_hash, full_name = EXCLUDED.full_name`,
		admin.Email, admin.PasswordHash, admin.FullName)
	if err != nil {
		return fmt.Errorf("upsert admin: %w", err)
	}
	return nil
}

func (s *PostgresStore) AccountByID(ctx context.Context, accountID int64) (Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_id = $1`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("account by id: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) AccountsByUser(ctx context.Context, userID int64) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY account_id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("accounts by user: %w", err)
	}
	defer rows.Close()

	accounts := make([]Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) AccountHistory(ctx context.Context, accountID int64) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.transaction_id, t.transaction_type,
			CASE WHEN t.to_account_id = $1 THEN 'Credit' ELSE 'Debit' END,
			t.amount, t.fee, t.description, t.status, t.created_at,
			COALESCE(CASE WHEN t.to_account_id = $1 THEN fa.account_number ELSE ta.account_number END, '')
		FROM transactions t
		LEFT JOIN accounts fa ON fa.account_id = t.from_account_id
		LEFT JOIN accounts ta ON ta.account_id = t.to_account_id
		WHERE t.from_account_id = $1 OR t.to_account_id = $1
		ORDER BY t.transaction_id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("account history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.TransactionID, &e.TransactionType, &e.Type, &e.Amount, &e.Fee,
			&e.Description, &e.Status, &e.Date, &e.OtherAccount); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) LoanByID(ctx context.Context, loanID int64) (Loan, error) {
	l, err := scanLoan(s.db.QueryRowContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE loan_id = $1`, loanID))
	if errors.Is(err, sql.ErrNoRows) {
		return Loan{}, ErrLoanNotFound
	}
	if err != nil {
		return Loan{}, fmt.Errorf("loan by id: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) LoansByUser(ctx context.Context, userID int64) ([]Loan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE user_id = $1 ORDER BY loan_id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("loans by user: %w", err)
	}
	defer rows.Close()

	loans := make([]Loan, 0)
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

func (s *PostgresStore) ListAccounts(ctx context.Context, status AccountStatus) ([]AccountView, error) {
	query := `
		SELECT a.account_id, a.user_id, a.account_number, a.account_type, a.balance, a.currency,
			a.status, a.approved_by, a.approved_at, a.closed_at, a.created_at,
			u.full_name, u.email, u.phone
		FROM accounts a JOIN users u ON u.user_id = a.user_id`
	var args []any
	if status != "" {
		query += ` WHERE a.status = $1 ORDER BY a.account_id ASC`
		args = append(args, status)
	} else {
		query += ` ORDER BY a.account_id DESC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	views := make([]AccountView, 0)
	for rows.Next() {
		var v AccountView
		if err := rows.Scan(&v.ID, &v.UserID, &v.Number, &v.Type, &v.Balance, &v.Currency,
			&v.Status, &v.ApprovedBy, &v.ApprovedAt, &v.ClosedAt, &v.CreatedAt,
			&v.FullName, &v.Email, &v.Phone); err != nil {
			return nil, fmt.Errorf("scan account view: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

func (s *PostgresStore) ListLoans(ctx context.Context, status LoanStatus) ([]LoanView, error) {
	query := `
		SELECT l.loan_id, l.user_id, l.account_id, l.loan_type, l.loan_amount, l.interest_rate,
			l.tenure_months, l.monthly_emi, l.purpose, l.status, l.applied_at,
			l.approved_by, l.approved_at, l.disbursed_at,
			u.full_name, u.email, a.account_number
		FROM loans l
		JOIN users u ON u.user_id = l.user_id
		JOIN accounts a ON a.account_id = l.account_id`
	var args []any
	if status != "" {
		query += ` WHERE l.status = $1 ORDER BY l.loan_id ASC`
		args = append(args, status)
	} else {
		query += ` ORDER BY l.loan_id DESC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	defer rows.Close()

	views := make([]LoanView, 0)
	for rows.Next() {
		var v LoanView
		if err := rows.Scan(&v.ID, &v.UserID, &v.AccountID, &v.Type, &v.Amount, &v.InterestRate,
			&v.TenureMonths, &v.MonthlyEMI, &v.Purpose, &v.Status, &v.AppliedAt,
			&v.ApprovedBy, &v.ApprovedAt, &v.DisbursedAt,
			&v.FullName, &v.Email, &v.AccountNumber); err != nil {
			return nil, fmt.Errorf("scan loan view: %w", err)
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM users WHERE is_active),
			(SELECT COUNT(*) FROM accounts),
			(SELECT COUNT(*) FROM accounts WHERE status = 'active'),
			(SELECT COUNT(*) FROM accounts WHERE status = 'pending'),
			(SELECT COALESCE(SUM(balance), 0) FROM accounts),
			(SELECT COUNT(*) FROM loans),
			(SELECT COUNT(*) FROM loans WHERE status = 'pending'),
			(SELECT COALESCE(SUM(loan_amount), 0) FROM loans WHERE status IN ('approved', 'disbursed')),
			(SELECT COUNT(*) FROM transactions WHERE status = 'completed'),
			(SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE status = 'completed')`,
	).Scan(&st.Users.Total, &st.Users.Active,
		&st.Accounts.Total, &st.Accounts.Active, &st.Accounts.Pending, &st.Accounts.TotalBalance,
		&st.Loans.Total, &st.Loans.Pending, &st.Loans.TotalAmount,
		&st.Transactions.Total, &st.Transactions.TotalAmount)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
