package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/settler/internal/domain"
)

// Capabilities declares what a vendor can fulfill. The registry only offers
// an adapter for requests matching its category and country.
type Capabilities struct {
	Categories []domain.Category `json:"categories"`
	Countries  []string          `json:"countries"`
	Currencies []string          `json:"currencies"`
}

func (c Capabilities) SupportsCategory(cat domain.Category) bool {
	for _, v := range c.Categories {
		if v == cat {
			return true
		}
	}
	return false
}

func (c Capabilities) SupportsCountry(country string) bool {
	for _, v := range c.Countries {
		if v == country {
			return true
		}
	}
	return false
}

type TopupRequest struct {
	// Reference is the settlement transaction ID, passed through to the
	// vendor so a later status lookup can resolve ambiguous outcomes.
	Reference   string
	Destination string
	Amount      decimal.Decimal
	Currency    string
	Category    domain.Category
}

// TopupResult reports a fulfillment attempt. Business-level rejections come
// back as Success=false with a classified Message, never as an error.
type TopupResult struct {
	Success               bool
	ProviderTransactionID string
	Message               string
	ResponseTime          time.Duration
}

type RemoteStatus string

const (
	RemoteSucceeded RemoteStatus = "SUCCEEDED"
	RemoteFailed    RemoteStatus = "FAILED"
	RemoteUnknown   RemoteStatus = "UNKNOWN"
)

// StatusResult is the vendor's view of a previously submitted transaction.
type StatusResult struct {
	Status                RemoteStatus
	ProviderTransactionID string
	Message               string
}

// Adapter is the uniform contract every fulfillment vendor implements.
// Vendor protocols, signing and session handling stay behind it.
//
// Topup returns an error only for configuration/programmer misuse or a
// context cancellation; the caller treats a deadline error as an ambiguous
// timeout, not a confirmed failure. Adapters are not trusted to self-limit:
// callers bound every call with a context deadline.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	// Ready reports whether the adapter's configuration is complete enough
	// to take traffic.
	Ready() bool

	Topup(ctx context.Context, req TopupRequest) (TopupResult, error)

	// Best-effort operations; may return domain.ErrNotSupported.
	CheckBalance(ctx context.Context) (decimal.Decimal, error)
	TransactionStatus(ctx context.Context, reference string) (StatusResult, error)
	LookupDestination(ctx context.Context, destination string) (string, error)
}
