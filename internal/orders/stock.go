package orders

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DecrementStock takes stock for every variant line inside the caller's
// transaction. The `stock >= qty` guard in the UPDATE is the only over-sell
// protection; zero affected rows means a concurrent order won the race.
// Add-on lines carry no variant counter and are skipped.
func DecrementStock(ctx context.Context, tx pgx.Tx, lines []OrderLine) error {
	touched := map[string]bool{}
	for _, ln := range lines {
		if ln.AddOn != "" {
			continue
		}
		ct, err := tx.Exec(ctx, `
			UPDATE product_variants SET stock = stock - $4
			WHERE product_id = $1 AND color = $2 AND size = $3 AND stock >= $4`,
			ln.ProductID, ln.Color, ln.Size, ln.Qty)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s %s/%s", ErrInsufficientStock, ln.ProductID, ln.Color, ln.Size)
		}
		touched[ln.ProductID] = true
	}
	return recomputeAggregates(ctx, tx, touched)
}

// RestoreStock puts variant stock back unconditionally; restoring is always
// safe, there is no floor to guard.
func RestoreStock(ctx context.Context, tx pgx.Tx, lines []OrderLine) error {
	touched := map[string]bool{}
	for _, ln := range lines {
		if ln.AddOn != "" {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE product_variants SET stock = stock + $4
			WHERE product_id = $1 AND color = $2 AND size = $3`,
			ln.ProductID, ln.Color, ln.Size, ln.Qty); err != nil {
			return err
		}
		touched[ln.ProductID] = true
	}
	return recomputeAggregates(ctx, tx, touched)
}

// recomputeAggregates re-derives each touched product's aggregate counter
// from the full variant set, never from a cached delta, so the invariant
// stock_total == sum(variant stock) holds even under concurrent adjustments
// to sibling variants.
func recomputeAggregates(ctx context.Context, tx pgx.Tx, touched map[string]bool) error {
	for pid := range touched {
		if _, err := tx.Exec(ctx, `
			UPDATE products SET stock_total = (
				SELECT COALESCE(SUM(stock), 0) FROM product_variants WHERE product_id = $1
			), updated_at = now()
			WHERE id = $1`, pid); err != nil {
			return err
		}
	}
	return nil
}
