package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"purchase-ledger/internal/domain"
	"purchase-ledger/internal/infrastructure/storage"
	"purchase-ledger/internal/repo"
)

const DefaultDownloadTTL = time.Hour

// DownloadService hands out signed links to the newest artifact of a purchased product.
type DownloadService interface {
	IssueDownload(ctx context.Context, p domain.Principal, productID string) (*domain.DownloadLink, error)
}

type downloadService struct {
	ledger      OrderService
	productRepo repo.ProductRepo
	presigner   storage.Presigner
	ttl         time.Duration
	options
}

func NewDownloadService(ledger OrderService, productRepo repo.ProductRepo, presigner storage.Presigner, ttl time.Duration, opts ...Option) DownloadService {
	if ttl <= 0 {
		ttl = DefaultDownloadTTL
	}
	return &downloadService{
		ledger:      ledger,
		productRepo: productRepo,
		presigner:   presigner,
		ttl:         ttl,
		options:     buildOptions(opts),
	}
}

func (s *downloadService) IssueDownload(ctx context.Context, p domain.Principal, productID string) (link *domain.DownloadLink, err error) {
	ctx, log, done := begin(ctx, s.metrics, "issue_download", attribute.String("product.id", productID))
	defer func() { done(err) }()

	if !p.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, domain.Validation("product id is required")
	}
	entitled, err := s.ledger.HasEntitlement(ctx, p.UserID, productID)
	if err != nil {
		return nil, err
	}
	if !entitled {
		return nil, domain.ErrNotEntitled
	}

	file, err := s.productRepo.LatestFile(ctx, productID)
	if err != nil {
		return nil, domain.Internal(err)
	}
	if file == nil {
		return nil, domain.ErrArtifactNotFound
	}

	url, err := s.presigner.PresignGet(ctx, file.ObjectKey, s.ttl)
	if err != nil {
		return nil, domain.Internal(err)
	}
	if err := s.productRepo.IncrementDownloads(ctx, productID); err != nil {
		log.Warn("download counter not updated", zap.String("product_id", productID), zap.Error(err))
	}
	return &domain.DownloadLink{URL: url, ExpiresAt: time.Now().UTC().Add(s.ttl)}, nil
}
