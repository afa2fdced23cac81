package domain

import (
	"time"

	"github.com/google/uuid"
)

type PublicationStatus string

const (
	ProductDraft       PublicationStatus = "DRAFT"
	ProductUnderReview PublicationStatus = "UNDER_REVIEW"
	ProductPublished   PublicationStatus = "PUBLISHED"
)

type Product struct {
	ID        string            `json:"id"`
	OwnerID   string            `json:"owner_id"`
	Name      string            `json:"name"`
	Price     int64             `json:"price"`
	Currency  string            `json:"currency"`
	Status    PublicationStatus `json:"status"`
	Downloads int64             `json:"downloads"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Purchasable reports whether buyers may start a checkout for the product.
func (p *Product) Purchasable() bool {
	return p != nil && p.Status == ProductPublished && p.Price > 0
}

// ProductFile is an uploaded delivery artifact; the newest one is served.
type ProductFile struct {
	ID        uuid.UUID
	ProductID string
	ObjectKey string
	CreatedAt time.Time
}

type DownloadLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}
