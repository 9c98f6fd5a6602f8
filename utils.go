package main

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func GenerateID() string {
	return uuid.NewString()
}

var accountNumberSpace = big.NewInt(900_000_000_000)

// GenerateAccountNumber returns a random 12 digit number that never starts
// with zero.
func GenerateAccountNumber() (string, error) {
	n, err := rand.Int(rand.Reader, accountNumberSpace)
	if err != nil {
		return "", fmt.Errorf("generate account number: %w", err)
	}
	return fmt.Sprintf("%012d", n.Int64()+100_000_000_000), nil
}

var hundred = decimal.NewFromInt(100)

// maxAmount is the largest value a NUMERIC(15,2) column holds.
var maxAmount = decimal.RequireFromString("9999999999999.99")

// Exponent bounds keep rescaling cheap: nothing above 10^13 fits in
// maxAmount, and a coefficient never needs more than a few extra scale digits.
const (
	maxAmountExponent = 13
	minAmountExponent = -18
)

// validAmount reports whether amount is strictly positive, at most maxAmount
// and has at most two decimal places. The exponent is checked before any
// comparison that would rescale the coefficient.
func validAmount(amount decimal.Decimal) bool {
	exp := amount.Exponent()
	if exp > maxAmountExponent || exp < minAmountExponent {
		return false
	}
	if !amount.IsPositive() || amount.GreaterThan(maxAmount) {
		return false
	}
	return amount.Equal(amount.Truncate(2))
}

// withinBalanceLimit reports whether a balance still fits its column.
func withinBalanceLimit(balance decimal.Decimal) bool {
	return !balance.GreaterThan(maxAmount)
}

func monthlyRate(annualRate decimal.Decimal) decimal.Decimal {
	return annualRate.Div(decimal.NewFromInt(12)).Div(hundred)
}

func CalculateMonthlyPayment(loanAmount decimal.Decimal, annualRate decimal.Decimal, termMonths int) decimal.Decimal {
	if termMonths <= 0 {
		return decimal.Zero
	}
	r := monthlyRate(annualRate)

	if r.IsZero() {
		return loanAmount.Div(decimal.NewFromInt(int64(termMonths))).RoundBank(2)
	}

	onePlusRate := decimal.NewFromInt(1).Add(r)
	powOnePlusRate := onePlusRate.Pow(decimal.NewFromInt(int64(termMonths)))

	numerator := r.Mul(powOnePlusRate)
	denominator := powOnePlusRate.Sub(decimal.NewFromInt(1))

	if denominator.IsZero() {
		return decimal.Zero
	}

	return loanAmount.Mul(numerator.Div(denominator)).RoundBank(2)
}

// GeneratePaymentSchedule splits a loan into monthly installments. The last
// row takes whatever principal is left, so the principal parts always sum to
// loanAmount.
func GeneratePaymentSchedule(loanAmount decimal.Decimal, annualRate decimal.Decimal, termMonths int, startDate time.Time, monthlyPayment decimal.Decimal) []Payment {
	schedule := make([]Payment, 0, termMonths)
	remaining := loanAmount
	r := monthlyRate(annualRate)

	for i := 0; i < termMonths; i++ {
		interestPart := remaining.Mul(r).RoundBank(2)
		amount := monthlyPayment
		principalPart := amount.Sub(interestPart)

		if i == termMonths-1 || remaining.Sub(principalPart).LessThanOrEqual(decimal.Zero) {
			principalPart = remaining
			amount = principalPart.Add(interestPart).RoundBank(2)
		}
		remaining = remaining.Sub(principalPart)

		schedule = append(schedule, Payment{
			Installment:   i + 1,
			DueDate:       startDate.AddDate(0, i+1, 0),
			Amount:        amount,
			PrincipalPart: principalPart,
			InterestPart:  interestPart,
			Remaining:     remaining,
		})

		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
	}
	return schedule
}
