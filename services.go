package main

import (
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type loanProduct struct {
	spread    decimal.Decimal
	minTenure int
	maxTenure int
	maxAmount decimal.Decimal
}

var loanProducts = map[LoanType]loanProduct{
	LoanHome:      {spread: decimal.Zero, minTenure: 12, maxTenure: 360, maxAmount: decimal.NewFromInt(10_000_000)},
	LoanEducation: {spread: decimal.NewFromInt(1), minTenure: 12, maxTenure: 120, maxAmount: decimal.NewFromInt(4_000_000)},
	LoanCar:       {spread: decimal.RequireFromString("1.50"), minTenure: 12, maxTenure: 84, maxAmount: decimal.NewFromInt(2_500_000)},
	LoanPersonal:  {spread: decimal.RequireFromString("3.50"), minTenure: 6, maxTenure: 60, maxAmount: decimal.NewFromInt(1_500_000)},
}

var (
	minLoanAmount = decimal.NewFromInt(1000)
	tenurePremium = decimal.RequireFromString("0.50")
)

const defaultBaseRate = "8.50"

// RatePolicy prices loans off a single base rate.
type RatePolicy struct {
	base decimal.Decimal
}

func NewRatePolicy(base decimal.Decimal) *RatePolicy {
	if !base.IsPositive() {
		base = decimal.RequireFromString(defaultBaseRate)
	}
	return &RatePolicy{base: base}
}

func (p *RatePolicy) BaseRate() decimal.Decimal {
	return p.base
}

// Quote checks amount and tenure against the product limits and returns the
// annual interest rate in percent.
func (p *RatePolicy) Quote(loanType LoanType, amount decimal.Decimal, tenureMonths int) (decimal.Decimal, error) {
	product, ok := loanProducts[loanType]
	if !ok {
		return decimal.Zero, ErrInvalidInput.WithMessage("Unknown loan type")
	}
	if !validAmount(amount) || amount.LessThan(minLoanAmount) || amount.GreaterThan(product.maxAmount) {
		return decimal.Zero, ErrInvalidAmount.WithMessage(
			fmt.Sprintf("Loan amount must be between %s and %s", minLoanAmount.StringFixed(2), product.maxAmount.StringFixed(2)))
	}
	if tenureMonths < product.minTenure || tenureMonths > product.maxTenure {
		return decimal.Zero, ErrInvalidTenure.WithMessage(
			fmt.Sprintf("Tenure for %s loans must be between %d and %d months", loanType, product.minTenure, product.maxTenure))
	}

	rate := p.base.Add(product.spread)
	if tenureMonths > product.maxTenure/2 {
		rate = rate.Add(tenurePremium)
	}
	return rate.Round(2), nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Notifier delivers e-mail over SMTP. With no host configured it only logs.
type Notifier struct {
	cfg      SMTPConfig
	logger   *zap.Logger
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	wg       sync.WaitGroup
}

func NewNotifier(cfg SMTPConfig, logger *zap.Logger) *Notifier {
	return &Notifier{cfg: cfg, logger: logger, sendMail: smtp.SendMail}
}

func (n *Notifier) SendEmail(to, subject, body string) error {
	if n.cfg.Host == "" {
		n.logger.Info("smtp not configured, skipping email", zap.String("to", to), zap.String("subject", subject))
		return nil
	}

	to = stripHeaderBreaks(to)
	subject = stripHeaderBreaks(subject)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", n.cfg.From, to, subject, body)
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	if err := n.sendMail(addr, auth, n.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.Info("email sent", zap.String("to", to))
	return nil
}

// SendAsync sends in the background; failures are only logged.
func (n *Notifier) SendAsync(to, subject, body string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.SendEmail(to, subject, body); err != nil {
			n.logger.Error("email notification failed", zap.String("to", to), zap.Error(err))
		}
	}()
}

// Wait blocks until every pending SendAsync has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func stripHeaderBreaks(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func welcomeEmail(u User) (subject, body string) {
	subject = "Welcome to Bank of VIT"
	body = fmt.Sprintf("Dear %s,\r\n\r\nYour registration is complete. "+
		"You can now log in and open a savings or current account.\r\n\r\nBank of VIT", u.FullName)
	return subject, body
}
