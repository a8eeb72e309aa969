package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"stockroom/internal/domain"
	"stockroom/internal/repository"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func line(product *domain.Product, quantity int) domain.LineItem {
	return domain.LineItem{ProductID: product.ID, Quantity: quantity, UnitPrice: product.Price.SellingPrice}
}

func (e *testEnv) transact(t *testing.T, typ domain.TransactionType, items ...domain.LineItem) *domain.Transaction {
	t.Helper()
	txn, err := e.inventory.Create(context.Background(), CreateTransactionInput{Type: typ, Items: items})
	require.NoError(t, err)
	return txn
}

func TestInventoryService_PurchaseThenSale(t *testing.T) {
	env := newTestEnv()
	root := env.mustCategory(t, "Hardware", nil)
	leaf := env.mustCategory(t, "Tools", root)
	product := env.mustProduct(t, leaf, 0, "10.00")

	env.transact(t, domain.TransactionPurchase, line(product, 7))
	assert.Equal(t, 7, env.stock(t, product.ID))

	env.transact(t, domain.TransactionSale, line(product, 3))
	assert.Equal(t, 4, env.stock(t, product.ID))

	assert.True(t, env.category(t, root.ID).TotalStockValue.Equal(decimal.RequireFromString("40")))
	assert.Empty(t, env.rollupViolations())
}

func TestInventoryService_SaleBeyondStockRejected(t *testing.T) {
	env := newTestEnv()
	leaf := env.mustCategory(t, "Tools", nil)
	product := env.mustProduct(t, leaf, 2, "10.00")

	_, err := env.inventory.Create(context.Background(), CreateTransactionInput{
		Type:  domain.TransactionSale,
		Items: []domain.LineItem{line(product, 3)},
	})

	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalidState))
	assert.Contains(t, err.Error(), "available 2, requested 3")
	assert.Equal(t, 2, env.stock(t, product.ID))
	assert.Empty(t, env.store.transactions)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.InsufficientStockCounter.WithLabelValues("sale")))
}

func TestInventoryService_FailedMultiLineSaleLeavesNothingBehind(t *testing.T) {
	env := newTestEnv()
	root := env.mustCategory(t, "Store", nil)
	leaf := env.mustCategory(t, "Tools", root)
	first := env.mustProduct(t, leaf, 10, "5.00")
	second := env.mustProduct(t, leaf, 1, "8.00")
	before := env.category(t, root.ID)

	_, err := env.inventory.Create(context.Background(), CreateTransactionInput{
		Type:  domain.TransactionSale,
		Items: []domain.LineItem{line(first, 4), line(second, 2)},
	})

	require.True(t, domain.IsKind(err, domain.KindInvalidState))
	assert.Equal(t, 10, env.stock(t, first.ID))
	assert.Equal(t, 1, env.stock(t, second.ID))
	assert.Len(t, env.store.history[first.ID], 1, "only the initial stock entry")
	assert.True(t, env.category(t, root.ID).TotalStockValue.Equal(before.TotalStockValue))
}

func TestInventoryService_RepeatedProductLinesAccumulate(t *testing.T) {
	env := newTestEnv()
	leaf := env.mustCategory(t, "Tools", nil)
	product := env.mustProduct(t, leaf, 5, "1.00")

	_, err := env.inventory.Create(context.Background(), CreateTransactionInput{
		Type:  domain.TransactionSale,
		Items: []domain.LineItem{line(product, 3), line(product, 3)},
	})
	require.True(t, domain.IsKind(err, domain.KindInvalidState))
	assert.Equal(t, 5, env.stock(t, product.ID))

	env.transact(t, domain.TransactionSale, line(product, 2), line(product, 3))
	assert.Equal(t, 0, env.stock(t, product.ID))
}

func TestInventoryService_UnknownProductIsNotFound(t *testing.T) {
	env := newTestEnv()
	leaf := env.mustCategory(t, "Tools", nil)
	product := env.mustProduct(t, leaf, 5, "1.00")

	_, err := env.inventory.Create(context.Background(), CreateTransactionInput{
		Type: domain.TransactionPurchase,
		Items: []domain.LineItem{
			line(product, 1),
			{ProductID: uuid.New(), Quantity: 1, UnitPrice: decimal.NewFromInt(1)},
		},
	})

	assert.True(t, domain.IsKind(err, domain.KindNotFound))
	assert.Equal(t, 5, env.stock(t, product.ID))
}

func TestInventoryService_CreateValidation(t *testing.T) {
	env := newTestEnv()
	leaf := env.mustCategory(t, "Tools", nil)
	product := env.mustProduct(t, leaf, 5, "1.00")
	negative := decimal.NewFromInt(-1)

	cases := map[string]CreateTransactionInput{
		"unknown type":        {Type: "gift", Items: []domain.LineItem{line(product, 1)}},
		"no items":            {Type: domain.TransactionPurchase},
		"zero quantity":       {Type: domain.TransactionSale, Items: []domain.LineItem{line(product, 0)}},
		"negative sale":       {Type: domain.TransactionSale, Items: []domain.LineItem{line(product, -2)}},
		"zero adjustment":     {Type: domain.TransactionAdjustment, Items: []domain.LineItem{line(product, 0)}},
		"missing product id":  {Type: domain.TransactionPurchase, Items: []domain.LineItem{{Quantity: 1}}},
		"negative total":      {Type: domain.TransactionPurchase, Items: []domain.LineItem{line(product, 1)}, TotalAmount: &negative},
		"negative unit price": {Type: domain.TransactionPurchase, Items: []domain.LineItem{{ProductID: product.ID, Quantity: 1, UnitPrice: negative}}},
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.inventory.Create(context.Background(), input)
			assert.True(t, domain.IsKind(err, domain.KindValidation), "got %v", err)
		})
	}
	assert.Equal(t, 5, env.stock(t, product.ID))
}

func TestInventoryService_Defaults(t *testing.T) {
	env := newTestEnv()
	leaf := env.mustCategory(t, "Tools", nil)
	product := env.mustProduct(t, leaf, 0, "2.50")

	txn, err := env.inventory.Create(context.Background(), CreateTransactionInput{
		Type: domain.TransactionPurchase,
		Items: []domain.LineItem{
			{ProductID: product.ID, Quantity: 4, UnitPrice: decimal.RequireFromString("2.50")},
		},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(txn.Reference, "PO-"), txn.Reference)
	assert.True(t, txn.TotalAmount.Equal(decimal.NewFromInt(10)))
	assert.False(t, txn.Date.IsZero())

	history := env.store.history[product.ID]
	require.Len(t, history, 1)
	assert.Equal(t, domain.StockIn, history[0].Direction)
	assert.Equal(t, 4, history[0].Quantity)
	assert.Equal(t, txn.Reference, history[0].Reference)
	assert.Equal(t, "Purchase transaction", history[0].Notes)
}

func TestInventoryService_ExplicitFields(t *testing.T) {
	env := newTestEnv()
	leaf := env.mustCategory(t, "Tools", nil)
	product := env.mustProduct(t, leaf, 10, "2.00")
	total := decimal.RequireFromString("99.99")
	date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	userID := uuid.New()

	txn, err := env.inventory.Create(context.Background(), CreateTransactionInput{
		Type:        domain.TransactionSale,
		Items:       []domain.LineItem{line(product, 1)},
		TotalAmount: &total,
		Reference:   "  INV-42 ",
		Notes:       "counter sale",
		Date:        &date,
		CreatedBy:   &userID,
	})
	require.NoError(t, err)

	assert.Equal(t, "INV-42", txn.Reference)
	assert.True(t, txn.TotalAmount.Equal(total))
	assert.True(t, txn.Date.Equal(date))
	assert.Equal(t, userID, *txn.CreatedBy)

	history := env.store.history[product.ID]
	last := history[len(history)-1]
	assert.Equal(t, "counter sale", last.Notes)
	assert.Equal(t, domain.StockOut, last.Direction)
}

func TestInventoryService_AdjustmentSigns(t *testing.T) {
	env := newTestEnv()
	leaf := env.mustCategory(t, "Tools", nil)
	product := env.mustProduct(t, leaf, 5, "1.00")

	// A negative adjustment quantity adds stock back.
	env.transact(t, domain.TransactionAdjustment, line(product, -3))
	assert.Equal(t, 8, env.stock(t, product.ID))

	history := env.store.history[product.ID]
	last := history[len(history)-1]
	assert.Equal(t, domain.StockIn, last.Direction)
	assert.Equal(t, 3, last.Quantity)

	env.transact(t, domain.TransactionAdjustment, line(product, 6))
	assert.Equal(t, 2, env.stock(t, product.ID))

	_, err := env.inventory.Create(context.Background(), CreateTransactionInput{
		Type:  domain.TransactionAdjustment,
		Items: []domain.LineItem{line(product, 3)},
	})
	assert.True(t, domain.IsKind(err, domain.KindInvalidState))
	assert.Equal(t, 2, env.stock(t, product.ID))
}

func TestInventoryService_DeleteSaleRestoresStock(t *testing.T) {
	env := newTestEnv()
	root := env.mustCategory(t, "Store", nil)
	leaf := env.mustCategory(t, "Tools", root)
	product := env.mustProduct(t, leaf, 10, "3.00")

	sale := env.transact(t, domain.TransactionSale, line(product, 4))
	assert.Equal(t, 6, env.stock(t, product.ID))

	result, err := env.inventory.Delete(context.Background(), sale.ID)
	require.NoError(t, err)

	assert.Equal(t, sale.ID, result.TransactionID)
	assert.Equal(t, domain.TransactionSale, result.Type)
	assert.Empty(t, result.SkippedProducts)
	assert.Equal(t, 10, env.stock(t, product.ID))
	assert.True(t, env.category(t, root.ID).TotalStockValue.Equal(decimal.NewFromInt(30)))
	assert.Empty(t, env.rollupViolations())

	history := env.store.history[product.ID]
	last := history[len(history)-1]
	assert.Equal(t, domain.StockIn, last.Direction)
	assert.Equal(t, 4, last.Quantity)
	assert.Equal(t, "reversal-"+sale.ID.String(), last.Reference)
	assert.Equal(t, "Reversal of sale transaction #"+sale.ID.String(), last.Notes)

	_, err = env.inventory.Get(context.Background(), sale.ID)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.TransactionsDeletedCounter.WithLabelValues("sale")))
}

func TestInventoryService_DeletePurchaseBlockedWhenStockSpent(t *testing.T) {
	env := newTestEnv()
	leaf := env.mustCategory(t, "Tools", nil)
	product := env.mustProduct(t, leaf, 0, "3.00")

	purchase := env.transact(t, domain.TransactionPurchase, line(product, 5))
	env.transact(t, domain.TransactionSale, line(product, 4))

	_, err := env.inventory.Delete(context.Background(), purchase.ID)

	assert.True(t, domain.IsKind(err, domain.KindInvalidState))
	assert.Equal(t, 1, env.stock(t, product.ID))
	_, err = env.inventory.Get(context.Background(), purchase.ID)
	assert.NoError(t, err)
}

func TestInventoryService_DeleteSkipsMissingProducts(t *testing.T) {
	env := newTestEnv()
	leaf := env.mustCategory(t, "Tools", nil)
	kept := env.mustProduct(t, leaf, 10, "1.00")
	gone := env.mustProduct(t, leaf, 10, "1.00")

	sale := env.transact(t, domain.TransactionSale, line(kept, 2), line(gone, 3))
	require.NoError(t, env.products.Delete(context.Background(), gone.ID))

	result, err := env.inventory.Delete(context.Background(), sale.ID)
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{gone.ID}, result.SkippedProducts)
	assert.Equal(t, 10, env.stock(t, kept.ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ReversalSkippedCounter))
	assert.Empty(t, env.rollupViolations())
}

func TestInventoryService_DeleteRollsBackOnStoreFailure(t *testing.T) {
	env := newTestEnv()
	leaf := env.mustCategory(t, "Tools", nil)
	first := env.mustProduct(t, leaf, 10, "1.00")
	second := env.mustProduct(t, leaf, 10, "1.00")

	sale := env.transact(t, domain.TransactionSale, line(first, 2), line(second, 3))
	env.store.failStockUpdate[second.ID] = errors.New("connection reset")

	_, err := env.inventory.Delete(context.Background(), sale.ID)
	require.Error(t, err)

	assert.Equal(t, 8, env.stock(t, first.ID))
	assert.Equal(t, 7, env.stock(t, second.ID))
	_, err = env.inventory.Get(context.Background(), sale.ID)
	assert.NoError(t, err)
	assert.Empty(t, env.rollupViolations())
}

func TestInventoryService_DeleteUnknownTransaction(t *testing.T) {
	env := newTestEnv()

	_, err := env.inventory.Delete(context.Background(), uuid.New())
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestInventoryService_SellThenDeleteExample(t *testing.T) {
	env := newTestEnv()
	root := env.mustCategory(t, "Electronics", nil)
	leaf := env.mustCategory(t, "Phones", root)
	product := env.mustProduct(t, leaf, 10, "100.00")
	require.True(t, env.category(t, root.ID).TotalStockValue.Equal(decimal.NewFromInt(1000)))

	sale := env.transact(t, domain.TransactionSale, line(product, 4))
	assert.True(t, env.category(t, leaf.ID).TotalStockValue.Equal(decimal.NewFromInt(600)))
	assert.True(t, env.category(t, root.ID).TotalStockValue.Equal(decimal.NewFromInt(600)))

	_, err := env.inventory.Delete(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, env.stock(t, product.ID))
	assert.True(t, env.category(t, root.ID).TotalStockValue.Equal(decimal.NewFromInt(1000)))
}

func TestInventoryService_ListAndStats(t *testing.T) {
	env := newTestEnv()
	leaf := env.mustCategory(t, "Tools", nil)
	product := env.mustProduct(t, leaf, 0, "10.00")

	env.transact(t, domain.TransactionPurchase, line(product, 10))
	env.transact(t, domain.TransactionSale, line(product, 4))
	env.transact(t, domain.TransactionReturn, line(product, 1))
	env.transact(t, domain.TransactionAdjustment, line(product, 2))

	page, err := env.inventory.List(context.Background(), repository.TransactionFilter{})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)

	sale := domain.TransactionSale
	page, err = env.inventory.List(context.Background(), repository.TransactionFilter{Type: &sale})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	stats, err := env.inventory.Stats(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Purchases.Count)
	assert.True(t, stats.Purchases.TotalValue.Equal(decimal.NewFromInt(100)))
	assert.True(t, stats.Sales.TotalValue.Equal(decimal.NewFromInt(40)))
	assert.True(t, stats.Returns.TotalValue.Equal(decimal.NewFromInt(10)))
	assert.True(t, stats.Adjustments.TotalValue.Equal(decimal.NewFromInt(20)))
	assert.True(t, stats.Profit.Equal(decimal.NewFromInt(-50)))

	from := time.Now().Add(time.Hour)
	to := time.Now()
	_, err = env.inventory.Stats(context.Background(), &from, &to)
	assert.True(t, domain.IsKind(err, domain.KindValidation))

	unknown := domain.TransactionType("gift")
	_, err = env.inventory.List(context.Background(), repository.TransactionFilter{Type: &unknown})
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

// Feature: stockroom, Property 1: Stock never goes negative and always equals the net of committed transactions
func TestProperty_StockEqualsNetOfCommittedTransactions(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("accepted movements sum to the stock and rejected ones change nothing", prop.ForAll(
		func(initial int, moves []int) bool {
			env := newTestEnv()
			root := env.mustCategory(t, "Store", nil)
			leaf := env.mustCategory(t, "Shelf", root)
			product := env.mustProduct(t, leaf, initial, "2.00")

			expected := initial
			for _, move := range moves {
				if move == 0 {
					continue
				}
				typ, quantity := domain.TransactionPurchase, move
				if move < 0 {
					typ, quantity = domain.TransactionSale, -move
				}

				_, err := env.inventory.Create(context.Background(), CreateTransactionInput{
					Type:  typ,
					Items: []domain.LineItem{line(product, quantity)},
				})
				switch {
				case err == nil:
					expected += typ.StockDelta(quantity)
				case !domain.IsKind(err, domain.KindInvalidState):
					t.Logf("FAIL: unexpected error: %v", err)
					return false
				case expected+typ.StockDelta(quantity) >= 0:
					t.Logf("FAIL: affordable sale of %d rejected with stock %d", quantity, expected)
					return false
				}

				if got := env.stock(t, product.ID); got != expected || got < 0 {
					t.Logf("FAIL: stock %d, expected %d", got, expected)
					return false
				}
			}

			if v := env.rollupViolations(); len(v) > 0 {
				t.Logf("FAIL: rollups out of step: %v", v)
				return false
			}
			return true
		},
		gen.IntRange(0, 20),
		gen.SliceOf(gen.IntRange(-15, 15)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

// Feature: stockroom, Property 2: Deleting a transaction restores the stock it changed
func TestProperty_DeleteRestoresStock(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("create followed by delete is a no-op on stock and rollups", prop.ForAll(
		func(initial, quantity int, typeIndex int) bool {
			env := newTestEnv()
			root := env.mustCategory(t, "Store", nil)
			leaf := env.mustCategory(t, "Shelf", root)
			product := env.mustProduct(t, leaf, initial, "1.25")
			before := env.category(t, root.ID).TotalStockValue

			typ := domain.TransactionTypes[typeIndex]
			txn, err := env.inventory.Create(context.Background(), CreateTransactionInput{
				Type:  typ,
				Items: []domain.LineItem{line(product, quantity)},
			})
			if err != nil {
				// only an unaffordable decrease may be rejected
				return domain.IsKind(err, domain.KindInvalidState) && initial+typ.StockDelta(quantity) < 0
			}

			if _, err := env.inventory.Delete(context.Background(), txn.ID); err != nil {
				t.Logf("FAIL: delete failed: %v", err)
				return false
			}

			if got := env.stock(t, product.ID); got != initial {
				t.Logf("FAIL: stock %d after reversal, expected %d", got, initial)
				return false
			}
			if after := env.category(t, root.ID).TotalStockValue; !after.Equal(before) {
				t.Logf("FAIL: root value %s after reversal, expected %s", after, before)
				return false
			}
			return len(env.rollupViolations()) == 0
		},
		gen.IntRange(0, 30),
		gen.IntRange(1, 30),
		gen.IntRange(0, len(domain.TransactionTypes)-1),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
