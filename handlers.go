package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type App struct {
	engine   *Engine
	sessions *SessionManager
	notifier *Notifier
	logger   *zap.Logger
}

func NewApp(engine *Engine, sessions *SessionManager, notifier *Notifier, logger *zap.Logger) *App {
	return &App{engine: engine, sessions: sessions, notifier: notifier, logger: logger}
}

type payload map[string]any

func respond(w http.ResponseWriter, status int, success bool, message string, body payload) {
	envelope := payload{"success": success, "message": message}
	for k, v := range body {
		envelope[k] = v
	}
	response, err := json.Marshal(envelope)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"success":false,"message":"Internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func (a *App) respondError(w http.ResponseWriter, r *http.Request, err error) {
	e := asError(err)
	status := httpStatus(e)
	if e.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	if e.Kind == KindInfrastructure {
		a.logger.Error("request failed", zap.String("code", e.Code), zap.Error(err),
			zap.String("request_id", requestIDFrom(r.Context())))
	} else {
		a.logger.Debug("request refused", zap.String("code", e.Code),
			zap.String("request_id", requestIDFrom(r.Context())))
	}
	respond(w, status, false, e.Message, payload{"code": e.Code})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return ErrInvalidInput.WithMessage("Invalid request payload").Wrap(err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidInput.WithMessage("Invalid " + name)
	}
	return id, nil
}

// requireRole resolves the session and rejects any actor without role.
func (a *App) requireRole(role Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.sessions.Resolve(r.Context(), r)
		if err != nil {
			a.respondError(w, r, err)
			return
		}
		if !actor.Is(role) {
			a.respondError(w, r, ErrNotAuthenticated)
			return
		}
		next(w, r.WithContext(withActor(r.Context(), actor)))
	}
}

func (a *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.engine.Ping(ctx); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.sessions.Ping(ctx); err != nil {
		a.respondError(w, r, ErrUnavailable.Wrap(err))
		return
	}
	respond(w, http.StatusOK, true, "ok", nil)
}

func (a *App) RegisterUserHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}

	user, err := a.engine.RegisterUser(r.Context(), req.Profile, req.Credentials)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	subject, body := welcomeEmail(user)
	a.notifier.SendAsync(user.Email, subject, body)

	respond(w, http.StatusCreated, true, "Registration successful", payload{"user_id": user.ID})
}

func (a *App) LoginUserHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.engine.Validate(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	user, err := a.engine.AuthenticateCustomer(r.Context(), req.Email, req.Password)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.sessions.Start(r.Context(), w, r, Actor{Role: RoleCustomer, ID: user.ID}); err != nil {
		a.respondError(w, r, err)
		return
	}

	a.logger.Info("user logged in", zap.Int64("user_id", user.ID))
	respond(w, http.StatusOK, true, "Login successful", payload{"user_id": user.ID, "full_name": user.FullName})
}

func (a *App) LoginAdminHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.engine.Validate(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	admin, err := a.engine.AuthenticateAdmin(r.Context(), req.Email, req.Password)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.sessions.Start(r.Context(), w, r, Actor{Role: RoleAdmin, ID: admin.ID}); err != nil {
		a.respondError(w, r, err)
		return
	}

	a.logger.Info("admin logged in", zap.Int64("admin_id", admin.ID))
	respond(w, http.StatusOK, true, "Admin login successful", payload{"admin_id": admin.ID, "full_name": admin.FullName})
}

func (a *App) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	a.sessions.End(r.Context(), w, r)
	respond(w, http.StatusOK, true, "Logged out successfully", nil)
}

func (a *App) GetUserAccountsHandler(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r.Context())
	accounts, err := a.engine.Accounts(r.Context(), actor.ID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, "", payload{"accounts": accounts})
}

func (a *App) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.engine.Validate(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	account, err := a.engine.CreateAccount(r.Context(), actorFrom(r.Context()).ID, req.AccountType)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, true, "Account created successfully. Awaiting admin approval.", payload{
		"account_id":     account.ID,
		"account_number": account.Number,
	})
}

func (a *App) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathID(r, "account_id")
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	entries, err := a.engine.AccountTransactions(r.Context(), actorFrom(r.Context()).ID, accountID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, "", payload{"transactions": entries})
}

func (a *App) TransferHandler(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.engine.Validate(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	record, err := a.engine.Transfer(r.Context(), actorFrom(r.Context()).ID,
		int64(req.FromAccount), req.ToAccountNumber, req.Amount, req.Description)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, "Transfer successful", payload{"transaction_id": record.ID})
}

func (a *App) DepositHandler(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.engine.Validate(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	record, balance, err := a.engine.Deposit(r.Context(), actorFrom(r.Context()).ID, int64(req.AccountID), req.Amount)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, "Deposit successful", payload{
		"transaction_id": record.ID,
		"balance":        balance.StringFixed(2),
	})
}

func (a *App) ApplyLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req ApplyLoanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.engine.Validate(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	loan, err := a.engine.ApplyLoan(r.Context(), actorFrom(r.Context()).ID, int64(req.AccountID),
		req.LoanType, req.LoanAmount, int(req.TenureMonths), req.Purpose)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, true, "Loan application submitted successfully", payload{
		"loan_id":       loan.ID,
		"monthly_emi":   loan.MonthlyEMI.StringFixed(2),
		"interest_rate": loan.InterestRate.StringFixed(2),
	})
}

func (a *App) GetUserLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := a.engine.Loans(r.Context(), actorFrom(r.Context()).ID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, "", payload{"loans": loans})
}

func (a *App) GetLoanScheduleHandler(w http.ResponseWriter, r *http.Request) {
	loanID, err := pathID(r, "loan_id")
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	schedule, err := a.engine.LoanSchedule(r.Context(), actorFrom(r.Context()).ID, loanID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, "", payload{"loan_id": loanID, "schedule": schedule})
}

func (a *App) PendingAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.engine.PendingAccounts(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, "", payload{"accounts": accounts})
}

func (a *App) PendingLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := a.engine.PendingLoans(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, "", payload{"loans": loans})
}

func (a *App) AllAccountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.engine.AllAccounts(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, "", payload{"accounts": accounts})
}

func (a *App) AllLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := a.engine.AllLoans(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, "", payload{"loans": loans})
}

func (a *App) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.engine.Stats(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, "", payload{"stats": stats})
}

// ApproveAccountHandler approves unless the body carries "approve": false.
func (a *App) ApproveAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req ApproveAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.engine.Validate(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	adminID := actorFrom(r.Context()).ID
	approve := req.Approve == nil || *req.Approve

	var (
		account Account
		err     error
		message = "Account approved successfully"
	)
	if approve {
		account, err = a.engine.ApproveAccount(r.Context(), int64(req.AccountID), adminID)
	} else {
		account, err = a.engine.RejectAccount(r.Context(), int64(req.AccountID), adminID)
		message = "Account rejected"
	}
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, message, payload{"account_id": account.ID, "status": account.Status})
}

func (a *App) CloseAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req CloseAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.engine.Validate(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	account, err := a.engine.CloseAccount(r.Context(), int64(req.AccountID), actorFrom(r.Context()).ID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, http.StatusOK, true, "Account closed successfully", payload{"account_id": account.ID, "status": account.Status})
}

func (a *App) ApproveLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req ApproveLoanRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.engine.Validate(req); err != nil {
		a.respondError(w, r, err)
		return
	}

	loan, err := a.engine.ApproveLoan(r.Context(), int64(req.LoanID), actorFrom(r.Context()).ID, *req.Approve)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	message := "Loan approved and disbursed successfully"
	if loan.Status == LoanRejected {
		message = "Loan rejected"
	}
	respond(w, http.StatusOK, true, message, payload{"loan_id": loan.ID, "status": loan.Status})
}

func (a *App) notFound(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusNotFound, false, "Not found", nil)
}

func (a *App) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusMethodNotAllowed, false, "Method not allowed", nil)
}
