package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront-cart/internal/domain/catalog"
)

const (
	productColumns = `id, slug, title, sale_price, old_price, available_stock, status, has_variants`
	variantColumns = `id, product_id, color_id, size_id, price, available_stock, is_default, status`

	getProductSQL   = `SELECT ` + productColumns + ` FROM products WHERE id = $1`
	getVariantSQL   = `SELECT ` + variantColumns + ` FROM variants WHERE id = $1`
	listVariantsSQL = `SELECT ` + variantColumns + ` FROM variants WHERE product_id = $1 ORDER BY id`

	upsertProductSQL = `INSERT INTO products (` + productColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO UPDATE SET
		slug = EXCLUDED.slug, title = EXCLUDED.title,
		sale_price = EXCLUDED.sale_price, old_price = EXCLUDED.old_price,
		available_stock = EXCLUDED.available_stock, status = EXCLUDED.status,
		has_variants = EXCLUDED.has_variants`

	upsertVariantSQL = `INSERT INTO variants (` + variantColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO UPDATE SET
		color_id = EXCLUDED.color_id, size_id = EXCLUDED.size_id,
		price = EXCLUDED.price, available_stock = EXCLUDED.available_stock,
		is_default = EXCLUDED.is_default, status = EXCLUDED.status`
)

var _ catalog.Provider = (*CatalogRepository)(nil)

// CatalogRepository reads products and variants from PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// GetProduct returns catalog.ErrProductNotFound for unknown IDs.
func (r *CatalogRepository) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	rows, err := r.pool.Query(ctx, getProductSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrProductNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetVariant returns catalog.ErrVariantNotFound for unknown IDs.
func (r *CatalogRepository) GetVariant(ctx context.Context, id string) (*catalog.Variant, error) {
	rows, err := r.pool.Query(ctx, getVariantSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting variant %q: %w", id, err)
	}
	v, err := pgx.CollectExactlyOneRow(rows, scanVariant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrVariantNotFound
		}
		return nil, fmt.Errorf("getting variant %q: %w", id, err)
	}
	return &v, nil
}

// ListVariants returns every variant of a product ordered by ID.
func (r *CatalogRepository) ListVariants(ctx context.Context, productID string) ([]catalog.Variant, error) {
	rows, err := r.pool.Query(ctx, listVariantsSQL, productID)
	if err != nil {
		return nil, fmt.Errorf("listing variants of %q: %w", productID, err)
	}
	variants, err := pgx.CollectRows(rows, scanVariant)
	if err != nil {
		return nil, fmt.Errorf("listing variants of %q: %w", productID, err)
	}
	return variants, nil
}

// UpsertProduct inserts or replaces a product.
func (r *CatalogRepository) UpsertProduct(ctx context.Context, p catalog.Product) error {
	_, err := r.pool.Exec(ctx, upsertProductSQL,
		p.ID, p.Slug, p.Title, p.SalePrice, p.OldPrice, p.AvailableStock, string(p.Status), p.HasVariants,
	)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

// UpsertVariant inserts or replaces a variant.
func (r *CatalogRepository) UpsertVariant(ctx context.Context, v catalog.Variant) error {
	_, err := r.pool.Exec(ctx, upsertVariantSQL,
		v.ID, v.ProductID, v.ColorID, v.SizeID, v.Price, v.AvailableStock, v.IsDefault, string(v.Status),
	)
	if err != nil {
		return fmt.Errorf("upserting variant %q: %w", v.ID, err)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (catalog.Product, error) {
	var (
		p      catalog.Product
		stock  int32
		status string
	)
	err := row.Scan(&p.ID, &p.Slug, &p.Title, &p.SalePrice, &p.OldPrice, &stock, &status, &p.HasVariants)
	p.AvailableStock = int(stock)
	p.Status = catalog.Status(status)
	return p, err
}

func scanVariant(row pgx.CollectableRow) (catalog.Variant, error) {
	var (
		v      catalog.Variant
		stock  int32
		status string
	)
	err := row.Scan(&v.ID, &v.ProductID, &v.ColorID, &v.SizeID, &v.Price, &stock, &v.IsDefault, &status)
	v.AvailableStock = int(stock)
	v.Status = catalog.Status(status)
	return v, err
}
