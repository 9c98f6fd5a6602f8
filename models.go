package main

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleCustomer Role = "user"
	RoleAdmin    Role = "admin"
)

type AccountType string

const (
	AccountSavings AccountType = "savings"
	AccountCurrent AccountType = "current"
)

type AccountStatus string

const (
	AccountPending  AccountStatus = "pending"
	AccountActive   AccountStatus = "active"
	AccountRejected AccountStatus = "rejected"
	AccountClosed   AccountStatus = "closed"
)

type LoanType string

const (
	LoanPersonal  LoanType = "personal"
	LoanHome      LoanType = "home"
	LoanCar       LoanType = "car"
	LoanEducation LoanType = "education"
)

type LoanStatus string

const (
	LoanPending   LoanStatus = "pending"
	LoanApproved  LoanStatus = "approved"
	LoanRejected  LoanStatus = "rejected"
	LoanDisbursed LoanStatus = "disbursed"
)

type TransactionType string

const (
	TxTransfer         TransactionType = "transfer"
	TxDeposit          TransactionType = "deposit"
	TxLoanDisbursement TransactionType = "loan_disbursement"
)

type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

const defaultCurrency = "INR"

type User struct {
	ID           int64     `json:"user_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name"`
	Phone        string    `json:"phone"`
	Address      string    `json:"address"`
	DOB          time.Time `json:"dob"`
	Aadhar       string    `json:"-"`
	PAN          string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

type Admin struct {
	ID           int64  `json:"admin_id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	FullName     string `json:"full_name"`
}

type Account struct {
	ID         int64           `json:"account_id"`
	UserID     int64           `json:"user_id"`
	Number     string          `json:"account_number"`
	Type       AccountType     `json:"account_type"`
	Balance    decimal.Decimal `json:"balance"`
	Currency   string          `json:"currency"`
	Status     AccountStatus   `json:"status"`
	ApprovedBy *int64          `json:"approved_by,omitempty"`
	ApprovedAt *time.Time      `json:"approved_at,omitempty"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AccountView is an account joined with its owner, as listed to admins.
type AccountView struct {
	Account
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Phone    string `json:"phone"`
}

type Transaction struct {
	ID            int64             `json:"transaction_id"`
	FromAccountID *int64            `json:"from_account_id,omitempty"`
	ToAccountID   *int64            `json:"to_account_id,omitempty"`
	Type          TransactionType   `json:"transaction_type"`
	Amount        decimal.Decimal   `json:"amount"`
	Fee           decimal.Decimal   `json:"fee"`
	Description   string            `json:"description,omitempty"`
	Status        TransactionStatus `json:"status"`
	CreatedAt     time.Time         `json:"transaction_date"`
}

// HistoryEntry is a transaction seen from one account: Type is "Credit" or "Debit".
type HistoryEntry struct {
	TransactionID   int64             `json:"transaction_id"`
	TransactionType TransactionType   `json:"transaction_type"`
	Type            string            `json:"type"`
	Amount          decimal.Decimal   `json:"amount"`
	Fee             decimal.Decimal   `json:"fee"`
	Description     string            `json:"description,omitempty"`
	OtherAccount    string            `json:"other_account,omitempty"`
	Status          TransactionStatus `json:"status"`
	Date            time.Time         `json:"transaction_date"`
}

const (
	entryCredit = "Credit"
	entryDebit  = "Debit"
)

type Loan struct {
	ID           int64           `json:"loan_id"`
	UserID       int64           `json:"user_id"`
	AccountID    int64           `json:"account_id"`
	Type         LoanType        `json:"loan_type"`
	Amount       decimal.Decimal `json:"loan_amount"`
	InterestRate decimal.Decimal `json:"interest_rate"`
	TenureMonths int             `json:"tenure_months"`
	MonthlyEMI   decimal.Decimal `json:"monthly_emi"`
	Purpose      string          `json:"purpose,omitempty"`
	Status       LoanStatus      `json:"status"`
	AppliedAt    time.Time       `json:"applied_at"`
	ApprovedBy   *int64          `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time      `json:"approved_at,omitempty"`
	DisbursedAt  *time.Time      `json:"disbursed_at,omitempty"`
}

// LoanView is a loan joined with its borrower and account number.
type LoanView struct {
	Loan
	FullName      string `json:"full_name"`
	Email         string `json:"email"`
	AccountNumber string `json:"account_number"`
}

type Payment struct {
	Installment   int             `json:"installment"`
	DueDate       time.Time       `json:"due_date"`
	Amount        decimal.Decimal `json:"amount"`
	PrincipalPart decimal.Decimal `json:"principal_part"`
	InterestPart  decimal.Decimal `json:"interest_part"`
	Remaining     decimal.Decimal `json:"remaining_principal"`
}

type Stats struct {
	Users struct {
		Total  int64 `json:"total_users"`
		Active int64 `json:"active_users"`
	} `json:"users"`
	Accounts struct {
		Total        int64           `json:"total_accounts"`
		Active       int64           `json:"active_accounts"`
		Pending      int64           `json:"pending_accounts"`
		TotalBalance decimal.Decimal `json:"total_balance"`
	} `json:"accounts"`
	Loans struct {
		Total       int64           `json:"total_loans"`
		Pending     int64           `json:"pending_loans"`
		TotalAmount decimal.Decimal `json:"total_loan_amount"`
	} `json:"loans"`
	Transactions struct {
		Total       int64           `json:"total_transactions"`
		TotalAmount decimal.Decimal `json:"total_transaction_amount"`
	} `json:"transactions"`
}

// FlexInt decodes from a JSON number or a numeric string; the dashboard posts
// <select> values as strings.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		b = []byte(s)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = FlexInt(n)
	return nil
}

type Credentials struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type Profile struct {
	FullName string `json:"full_name" validate:"required,min=2,max=100"`
	Phone    string `json:"phone" validate:"required,len=10,number"`
	Address  string `json:"address" validate:"max=255"`
	DOB      string `json:"dob" validate:"required,datetime=2006-01-02,adult"`
	Aadhar   string `json:"aadhar" validate:"required,len=12,number"`
	PAN      string `json:"pan" validate:"required,pan"`
}

type RegisterRequest struct {
	Credentials
	Profile
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type CreateAccountRequest struct {
	AccountType AccountType `json:"account_type" validate:"required,oneof=savings current"`
}

type TransferRequest struct {
	FromAccount     FlexInt         `json:"from_account" validate:"required,gt=0"`
	ToAccountNumber string          `json:"to_account_number" validate:"required,len=12,number"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description" validate:"max=255"`
}

type DepositRequest struct {
	AccountID FlexInt         `json:"account_id" validate:"required,gt=0"`
	Amount    decimal.Decimal `json:"amount"`
}

type ApplyLoanRequest struct {
	AccountID    FlexInt         `json:"account_id" validate:"required,gt=0"`
	LoanType     LoanType        `json:"loan_type" validate:"required,oneof=personal home car education"`
	LoanAmount   decimal.Decimal `json:"loan_amount"`
	TenureMonths FlexInt         `json:"tenure_months"`
	Purpose      string          `json:"purpose" validate:"max=500"`
}

type ApproveAccountRequest struct {
	AccountID FlexInt `json:"account_id" validate:"required,gt=0"`
	Approve   *bool   `json:"approve"`
}

type CloseAccountRequest struct {
	AccountID FlexInt `json:"account_id" validate:"required,gt=0"`
}

type ApproveLoanRequest struct {
	LoanID  FlexInt `json:"loan_id" validate:"required,gt=0"`
	Approve *bool   `json:"approve" validate:"required"`
}
