//go:build integration

package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("vitbank"),
		tcpostgres.WithUsername("vitbank"),
		tcpostgres.WithPassword("vitbank"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := OpenPostgres(ctx, PostgresConfig{
		PrimaryDSN:   dsn,
		DBName:       "vitbank",
		MaxOpenConns: 20,
		LockTimeout:  time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newPostgresEngine(t *testing.T) (*Engine, *PostgresStore) {
	t.Helper()
	store := setupPostgres(t)
	e := newTestEngineWith(t, store)
	require.NoError(t, e.SeedAdmin(context.Background(), "admin@vitbank.in", "admin-pass-123", "Bank Admin"))
	return e, store
}

func TestIntegration_Postgres_MigrationsAreIdempotent(t *testing.T) {
	store := setupPostgres(t)
	require.NoError(t, runMigrations(store.primary, "vitbank", zap.NewNop()))
	require.NoError(t, store.Ping(context.Background()))
}

func TestIntegration_Postgres_RegisterAndAuthenticate(t *testing.T) {
	e, _ := newPostgresEngine(t)
	ctx := context.Background()

	u := registerCustomer(t, e, 1)
	got, err := e.AuthenticateCustomer(ctx, "customer1@vit.ac.in", "s3cret-pass")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = e.RegisterUser(ctx, testProfile(2), Credentials{Email: "customer1@vit.ac.in", Password: "s3cret-pass"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	_, err = e.RegisterUser(ctx, testProfile(1), Credentials{Email: "other@vit.ac.in", Password: "s3cret-pass"})
	assert.ErrorIs(t, err, ErrDuplicateIdentity)

	admin, err := e.AuthenticateAdmin(ctx, "admin@vitbank.in", "admin-pass-123")
	require.NoError(t, err)
	assert.Equal(t, testAdminID, admin.ID)
}

func TestIntegration_Postgres_TransferFlow(t *testing.T) {
	e, store := newPostgresEngine(t)
	ctx := context.Background()

	alice := registerCustomer(t, e, 1)
	bob := registerCustomer(t, e, 2)
	from := openActiveAccount(t, e, alice.ID)
	to := openActiveAccount(t, e, bob.ID)

	_, _, err := e.Deposit(ctx, alice.ID, from.ID, dec("500.00"))
	require.NoError(t, err)

	_, err = e.Transfer(ctx, alice.ID, from.ID, to.Number, dec("120.25"), "")
	require.NoError(t, err)

	_, err = e.Transfer(ctx, alice.ID, from.ID, to.Number, dec("1000"), "too much")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	assertAmount(t, "379.75", balanceOf(t, store, from.ID))
	assertAmount(t, "120.25", balanceOf(t, store, to.ID))

	history, err := e.AccountTransactions(ctx, alice.ID, from.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, TxFailed, history[0].Status)
	assert.Equal(t, entryDebit, history[1].Type)
	assert.Equal(t, defaultTransferNote, history[1].Description)
	assert.Equal(t, to.Number, history[1].OtherAccount)
}

func TestIntegration_Postgres_ConcurrentOppositeTransfers(t *testing.T) {
	e, store := newPostgresEngine(t)
	ctx := context.Background()

	alice := registerCustomer(t, e, 1)
	bob := registerCustomer(t, e, 2)
	a := openActiveAccount(t, e, alice.ID)
	b := openActiveAccount(t, e, bob.ID)
	_, _, err := e.Deposit(ctx, alice.ID, a.ID, dec("1000"))
	require.NoError(t, err)
	_, _, err = e.Deposit(ctx, bob.ID, b.ID, dec("1000"))
	require.NoError(t, err)

	const rounds = 25
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := e.Transfer(ctx, alice.ID, a.ID, b.Number, dec("1.00"), "")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := e.Transfer(ctx, bob.ID, b.ID, a.Number, dec("1.00"), "")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrContention)
		}
	}
	total := balanceOf(t, store, a.ID).Add(balanceOf(t, store, b.ID))
	assertAmount(t, "2000", total)
}

func TestIntegration_Postgres_LoanLifecycle(t *testing.T) {
	e, store := newPostgresEngine(t)
	ctx := context.Background()

	u := registerCustomer(t, e, 1)
	acc := openActiveAccount(t, e, u.ID)

	loan, err := e.ApplyLoan(ctx, u.ID, acc.ID, LoanPersonal, dec("100000"), 24, "laptop")
	require.NoError(t, err)
	assertAmount(t, "4707.35", loan.MonthlyEMI)

	loan, err = e.ApproveLoan(ctx, loan.ID, testAdminID, true)
	require.NoError(t, err)
	assert.Equal(t, LoanDisbursed, loan.Status)
	assertAmount(t, "100000", balanceOf(t, store, acc.ID))

	_, err = e.ApproveLoan(ctx, loan.ID, testAdminID, true)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Loans.Total)
	assertAmount(t, "100000", stats.Loans.TotalAmount)
	assertAmount(t, "100000", stats.Accounts.TotalBalance)
}

func TestIntegration_Postgres_TransactionsAreImmutable(t *testing.T) {
	e, store := newPostgresEngine(t)
	ctx := context.Background()

	u := registerCustomer(t, e, 1)
	acc := openActiveAccount(t, e, u.ID)
	record, _, err := e.Deposit(ctx, u.ID, acc.ID, dec("10"))
	require.NoError(t, err)

	_, err = store.primary.ExecContext(ctx, `UPDATE transactions SET amount = 1 WHERE transaction_id = $1`, record.ID)
	assert.Error(t, err)

	_, err = store.primary.ExecContext(ctx, `DELETE FROM transactions WHERE transaction_id = $1`, record.ID)
	assert.Error(t, err)

	_, err = store.primary.ExecContext(ctx, `UPDATE accounts SET balance = -1 WHERE account_id = $1`, acc.ID)
	assert.Error(t, err)
}

func TestIntegration_Postgres_LockTimeoutIsContention(t *testing.T) {
	e, store := newPostgresEngine(t)
	ctx := context.Background()

	u := registerCustomer(t, e, 1)
	acc := openActiveAccount(t, e, u.ID)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.InTx(ctx, func(tx LedgerTx) error {
			if _, err := tx.LockAccount(ctx, acc.ID); err != nil {
				close(held)
				return err
			}
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	_, _, err := e.Deposit(ctx, u.ID, acc.ID, dec("5"))
	assert.ErrorIs(t, err, ErrContention)

	close(release)
	require.NoError(t, <-done)
}
