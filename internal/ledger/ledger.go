package ledger

import (
	"context"
	"fmt"

	"mediaforge/internal/domain"
	"mediaforge/internal/infra"
	"mediaforge/internal/sqlinline"
)

// Ledger debits an account at submission time and credits it back exactly
// once when a job ends in failure. Refunds ride the job row's
// credit_refunded flag rather than a counter so a duplicate failure report
// can never credit twice.
type Ledger struct {
	sql infra.SQLExecutor
}

func New(sql infra.SQLExecutor) *Ledger {
	return &Ledger{sql: sql}
}

// Debit removes amount from the account balance. The balance guard keeps
// the update atomic; zero affected rows means the account cannot cover the
// charge.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int) error {
	tag, err := l.sql.Exec(ctx, sqlinline.QDebitAccount, accountID, amount)
	if err != nil {
		return fmt.Errorf("debit account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientCredit
	}
	return nil
}

// RefundIfNotAlready credits the job's cost back to its account at most
// once. The statement flips credit_refunded and applies the balance change
// in one conditional write, so concurrent failure observers (webhook and
// poller) cannot both refund.
func (l *Ledger) RefundIfNotAlready(ctx context.Context, jobID string) error {
	if _, err := l.sql.Exec(ctx, sqlinline.QRefundJobCredit, jobID); err != nil {
		return fmt.Errorf("refund job credit: %w", err)
	}
	return nil
}

// Balance reads the current credit balance for an account.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int, error) {
	var balance int
	if err := l.sql.QueryRow(ctx, sqlinline.QSelectAccountBalance, accountID).Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}
