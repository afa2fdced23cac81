package repo

import (
	"context"
	"database/sql"
	"errors"

	"purchase-ledger/internal/domain"
)

type ProductRepo interface {
	// FindByID returns nil, nil when the product does not exist.
	FindByID(ctx context.Context, id string) (*domain.Product, error)
	Create(ctx context.Context, product *domain.Product) error
	AddFile(ctx context.Context, file *domain.ProductFile) error
	// LatestFile returns nil, nil when nothing was uploaded yet.
	LatestFile(ctx context.Context, productID string) (*domain.ProductFile, error)
	IncrementDownloads(ctx context.Context, productID string) error
}

type productRepo struct {
	db *sql.DB
}

func NewProductRepo(db *sql.DB) ProductRepo {
	return &productRepo{db: db}
}

func (r *productRepo) FindByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := r.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, price, currency, status, downloads, created_at, updated_at
		 FROM products WHERE id = $1`, id,
	).Scan(&p.ID, &p.OwnerID, &p.Name, &p.Price, &p.Currency, &p.Status, &p.Downloads, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *productRepo) Create(ctx context.Context, p *domain.Product) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO products (id, owner_id, name, price, currency, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.OwnerID, p.Name, p.Price, p.Currency, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (r *productRepo) AddFile(ctx context.Context, f *domain.ProductFile) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO product_files (id, product_id, object_key, created_at) VALUES ($1, $2, $3, $4)`,
		f.ID, f.ProductID, f.ObjectKey, f.CreatedAt,
	)
	return err
}

func (r *productRepo) LatestFile(ctx context.Context, productID string) (*domain.ProductFile, error) {
	var f domain.ProductFile
	err := r.db.QueryRowContext(ctx,
		`SELECT id, product_id, object_key, created_at FROM product_files
		 WHERE product_id = $1 ORDER BY created_at DESC LIMIT 1`, productID,
	).Scan(&f.ID, &f.ProductID, &f.ObjectKey, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *productRepo) IncrementDownloads(ctx context.Context, productID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE products SET downloads = downloads + 1 WHERE id = $1`, productID)
	return err
}
