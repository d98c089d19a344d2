package repo

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	domain "github.com/aq2208/gorder-payments/internal/entity"
	"github.com/aq2208/gorder-payments/internal/usecase"
	"github.com/go-sql-driver/mysql"
)

// Store errors shared by every OrderStore implementation.
var (
	ErrNotFound      = domain.ErrNotFound
	ErrConflict      = usecase.ErrConflict
	ErrAlreadyExists = usecase.ErrAlreadyExists
)

const (
	mysqlDuplicateEntry = 1062
	casAttempts         = 3
)

const orderColumns = `customer_id,order_id,amount_minor,currency,description,
source_amount_minor,source_currency,exchange_rate,
gateway_payment_id,payment_url,status,
recurring_requested,recurring_token,is_recurring_origin,parent_order_id,
last_gateway_response,version,created_at,updated_at`

// MySQLOrderRepo keeps orders under (customer_id, order_id). The unique
// order_id index serves lookups by order id alone.
type MySQLOrderRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLOrderRepo(db *sql.DB) *MySQLOrderRepo {
	return &MySQLOrderRepo{db: db, now: time.Now}
}

func (r *MySQLOrderRepo) Create(ctx context.Context, o *domain.Order) error {
	resp, err := encodeResponse(o.LastGatewayResponse)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO payment_orders (`+orderColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0,?,?)`,
		o.CustomerID, o.OrderID, o.AmountMinorUnits, o.Currency, o.Description,
		o.SourceAmountMinorUnits, o.SourceCurrency, o.ExchangeRate,
		o.GatewayPaymentID, o.PaymentURL, o.Status,
		o.RecurringRequested, o.RecurringToken, o.IsRecurringOrigin, o.ParentOrderID,
		resp, o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDuplicateEntry {
		return ErrAlreadyExists
	}
	return err
}

func (r *MySQLOrderRepo) Get(ctx context.Context, customerID, orderID string) (*domain.Order, error) {
	o, _, err := r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM payment_orders WHERE customer_id=? AND order_id=?`,
		customerID, orderID))
	return o, err
}

// ScanByOrderID resolves an order without its customer through the unique
// order_id index.
func (r *MySQLOrderRepo) ScanByOrderID(ctx context.Context, orderID string) (*domain.Order, error) {
	o, _, err := r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM payment_orders WHERE order_id=?`, orderID))
	return o, err
}

func (r *MySQLOrderRepo) FindRecurringOrigin(ctx context.Context, token string) (*domain.Order, error) {
	o, _, err := r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM payment_orders
WHERE recurring_token=? AND is_recurring_origin=1
ORDER BY created_at LIMIT 1`, token))
	return o, err
}

// Update merges patch into the row if its status is in expected. The write
// is a compare-and-swap on the row version; a lost race is retried while the
// status still qualifies.
func (r *MySQLOrderRepo) Update(ctx context.Context, customerID, orderID string, patch domain.OrderPatch, expected []domain.Status) (*domain.Order, domain.Status, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, version, err := r.scanOne(r.db.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM payment_orders WHERE customer_id=? AND order_id=?`,
			customerID, orderID))
		if err != nil {
			return nil, "", err
		}
		if !statusIn(cur.Status, expected) {
			return nil, "", ErrConflict
		}
		next := cur.Clone()
		if !next.Apply(patch, r.now().UTC()) {
			return cur, cur.Status, nil
		}
		resp, err := encodeResponse(next.LastGatewayResponse)
		if err != nil {
			return nil, "", err
		}

		res, err := r.db.ExecContext(ctx, `
UPDATE payment_orders
SET status=?, gateway_payment_id=?, payment_url=?, recurring_token=?, is_recurring_origin=?,
    last_gateway_response=?, updated_at=?, version=version+1
WHERE customer_id=? AND order_id=? AND version=?`,
			next.Status, next.GatewayPaymentID, next.PaymentURL, next.RecurringToken, next.IsRecurringOrigin,
			resp, next.UpdatedAt, customerID, orderID, version,
		)
		if err != nil {
			return nil, "", err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, "", err
		}
		// rows == 0 → another writer bumped the version first
		if rows > 0 {
			return next, cur.Status, nil
		}
	}
	return nil, "", ErrConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *MySQLOrderRepo) scanOne(row rowScanner) (*domain.Order, int64, error) {
	var (
		o       domain.Order
		resp    []byte
		version int64
	)
	err := row.Scan(
		&o.CustomerID, &o.OrderID, &o.AmountMinorUnits, &o.Currency, &o.Description,
		&o.SourceAmountMinorUnits, &o.SourceCurrency, &o.ExchangeRate,
		&o.GatewayPaymentID, &o.PaymentURL, &o.Status,
		&o.RecurringRequested, &o.RecurringToken, &o.IsRecurringOrigin, &o.ParentOrderID,
		&resp, &version, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	if o.LastGatewayResponse, err = decodeResponse(resp); err != nil {
		return nil, 0, fmt.Errorf("order %s: %w", o.OrderID, err)
	}
	return &o, version, nil
}

func encodeResponse(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode gateway response: %w", err)
	}
	return b, nil
}

// decodeResponse keeps numbers as json.Number so a stored snapshot compares
// equal to a freshly decoded gateway payload.
func decodeResponse(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	return m, nil
}

func statusIn(s domain.Status, set []domain.Status) bool {
	for _, e := range set {
		if s == e {
			return true
		}
	}
	return false
}

var _ usecase.OrderStore = (*MySQLOrderRepo)(nil)
