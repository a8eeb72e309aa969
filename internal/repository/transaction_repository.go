package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockroom/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
)

// TransactionFilter narrows a transaction listing
type TransactionFilter struct {
	Type     *domain.TransactionType
	From     *time.Time
	To       *time.Time
	Search   string
	Page     int
	PageSize int
}

// TransactionPage is one page of a transaction listing together with
// the count and value of every matching transaction
type TransactionPage struct {
	Transactions []*domain.Transaction
	Total        int
	TotalValue   decimal.Decimal
}

// TransactionRepository defines the interface for inventory transaction data access
type TransactionRepository interface {
	Create(ctx context.Context, txn *domain.Transaction) error
	FindByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	// FindByIDForUpdate loads a transaction and locks its row until the
	// surrounding transaction ends, so it cannot be reversed twice.
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, filter TransactionFilter) (*TransactionPage, error)
	Stats(ctx context.Context, from, to *time.Time) (map[domain.TransactionType]domain.TypeStats, error)
}

type transactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository creates a new instance of TransactionRepository
func NewTransactionRepository(db *sql.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

const transactionColumns = `id, type, date, total_amount, reference, notes, created_by, created_at`

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	txn := &domain.Transaction{}
	var txnType string
	var createdBy uuid.NullUUID

	err := row.Scan(
		&txn.ID,
		&txnType,
		&txn.Date,
		&txn.TotalAmount,
		&txn.Reference,
		&txn.Notes,
		&createdBy,
		&txn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.Type = domain.TransactionType(txnType)
	if createdBy.Valid {
		id := createdBy.UUID
		txn.CreatedBy = &id
	}
	txn.Items = []domain.LineItem{}
	return txn, nil
}

// Create inserts the transaction record and its line items
func (r *transactionRepository) Create(ctx context.Context, txn *domain.Transaction) error {
	db := conn(ctx, r.db)

	query := `
		INSERT INTO inventory_transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := db.ExecContext(
		ctx,
		query,
		txn.ID,
		string(txn.Type),
		txn.Date,
		txn.TotalAmount,
		txn.Reference,
		txn.Notes,
		nullableUUID(txn.CreatedBy),
		txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	itemQuery := `
		INSERT INTO inventory_transaction_items (transaction_id, position, product_id, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5)
	`
	for i, item := range txn.Items {
		if _, err := db.ExecContext(ctx, itemQuery, txn.ID, i, item.ProductID, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("failed to create transaction item %d: %w", i, err)
		}
	}

	return nil
}

func (r *transactionRepository) findOne(ctx context.Context, query string, id uuid.UUID) (*domain.Transaction, error) {
	txn, err := scanTransaction(conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to find transaction by ID: %w", err)
	}

	if err := r.loadItems(ctx, []*domain.Transaction{txn}); err != nil {
		return nil, err
	}
	return txn, nil
}

// FindByID retrieves a transaction with its line items
func (r *transactionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return r.findOne(ctx, `SELECT `+transactionColumns+` FROM inventory_transactions WHERE id = $1`, id)
}

// FindByIDForUpdate retrieves a transaction with its line items and row-locks it
func (r *transactionRepository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM inventory_transactions WHERE id = $1`
	if inTx(ctx) {
		query += ` FOR UPDATE`
	}
	return r.findOne(ctx, query, id)
}

// Delete removes a transaction record. Line items are removed by cascade.
func (r *transactionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := conn(ctx, r.db).ExecContext(ctx, `DELETE FROM inventory_transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}

	return expectOneRow(result, ErrTransactionNotFound)
}

func transactionConditions(typ *domain.TransactionType, from, to *time.Time, search string) (string, []interface{}) {
	conditions := []string{}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if typ != nil {
		conditions = append(conditions, "type = "+arg(string(*typ)))
	}
	if from != nil {
		conditions = append(conditions, "date >= "+arg(*from))
	}
	if to != nil {
		conditions = append(conditions, "date <= "+arg(*to))
	}
	if search = strings.TrimSpace(search); search != "" {
		p := arg("%" + search + "%")
		conditions = append(conditions, fmt.Sprintf("(notes ILIKE %s OR reference ILIKE %s)", p, p))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// List retrieves transactions newest first, with line items
func (r *transactionRepository) List(ctx context.Context, filter TransactionFilter) (*TransactionPage, error) {
	whereClause, args := transactionConditions(filter.Type, filter.From, filter.To, filter.Search)

	result := &TransactionPage{}
	summaryQuery := fmt.Sprintf(`SELECT COUNT(*), COALESCE(SUM(total_amount), 0) FROM inventory_transactions %s`, whereClause)
	if err := conn(ctx, r.db).QueryRowContext(ctx, summaryQuery, args...).Scan(&result.Total, &result.TotalValue); err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	page, pageSize := normalizePage(filter.Page, filter.PageSize)
	args = append(args, pageSize, (page-1)*pageSize)
	query := fmt.Sprintf(`
		SELECT %s
		FROM inventory_transactions
		%s
		ORDER BY date DESC, created_at DESC, id ASC
		LIMIT $%d OFFSET $%d
	`, transactionColumns, whereClause, len(args)-1, len(args))

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	result.Transactions = []*domain.Transaction{}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result.Transactions = append(result.Transactions, txn)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	rows.Close()

	if err := r.loadItems(ctx, result.Transactions); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *transactionRepository) loadItems(ctx context.Context, txns []*domain.Transaction) error {
	if len(txns) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*domain.Transaction, len(txns))
	ids := make([]string, 0, len(txns))
	for _, txn := range txns {
		byID[txn.ID] = txn
		ids = append(ids, txn.ID.String())
	}

	query := `
		SELECT transaction_id, product_id, quantity, unit_price
		FROM inventory_transaction_items
		WHERE transaction_id IN (SELECT unnest($1::text[])::uuid)
		ORDER BY transaction_id, position ASC
	`

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("failed to load transaction items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var txnID uuid.UUID
		var item domain.LineItem
		if err := rows.Scan(&txnID, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return fmt.Errorf("failed to scan transaction item: %w", err)
		}
		if txn, ok := byID[txnID]; ok {
			txn.Items = append(txn.Items, item)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating transaction items: %w", err)
	}
	return nil
}

// Stats aggregates value and count per transaction type over an optional date range
func (r *transactionRepository) Stats(ctx context.Context, from, to *time.Time) (map[domain.TransactionType]domain.TypeStats, error) {
	whereClause, args := transactionConditions(nil, from, to, "")

	query := fmt.Sprintf(`
		SELECT type, COALESCE(SUM(total_amount), 0), COUNT(*)
		FROM inventory_transactions
		%s
		GROUP BY type
	`, whereClause)

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	defer rows.Close()

	stats := make(map[domain.TransactionType]domain.TypeStats)
	for rows.Next() {
		var txnType string
		var s domain.TypeStats
		if err := rows.Scan(&txnType, &s.TotalValue, &s.Count); err != nil {
			return nil, fmt.Errorf("failed to scan transaction stats: %w", err)
		}
		stats[domain.TransactionType(txnType)] = s
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction stats: %w", err)
	}

	return stats, nil
}
