// Package stripecatalog reads coin grants from Stripe prices and products.
// A price or its product carries the grant in metadata["coins"]; a checkout
// session grants the sum over its line items multiplied by quantity.
package stripecatalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/price"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	metadataCoins        = "coins"
	expandLineItemPrices = "data.price.product"
	expandPriceProduct   = "product"
)

var (
	// ErrMissingAPIKey indicates the catalog was built without a Stripe secret key.
	ErrMissingAPIKey = errors.New("stripecatalog: api key is required")
	// ErrInvalidCoinsMetadata indicates a coins metadata value that is not a non-negative integer.
	ErrInvalidCoinsMetadata = errors.New("stripecatalog: invalid coins metadata")
)

// Option configures a Catalog.
type Option func(*Catalog)

// WithBackend replaces the Stripe API backend.
func WithBackend(backend stripe.Backend) Option {
	return func(catalog *Catalog) {
		if backend != nil {
			catalog.backend = backend
		}
	}
}

// Catalog resolves coin grants through the Stripe API.
type Catalog struct {
	apiKey   string
	backend  stripe.Backend
	sessions checkoutsession.Client
	prices   price.Client
}

// New builds a Catalog for the given secret key.
func New(apiKey string, options ...Option) (*Catalog, error) {
	trimmed := strings.TrimSpace(apiKey)
	if trimmed == "" {
		return nil, ErrMissingAPIKey
	}
	catalog := &Catalog{apiKey: trimmed, backend: stripe.GetBackend(stripe.APIBackend)}
	for _, option := range options {
		if option != nil {
			option(catalog)
		}
	}
	catalog.sessions = checkoutsession.Client{B: catalog.backend, Key: catalog.apiKey}
	catalog.prices = price.Client{B: catalog.backend, Key: catalog.apiKey}
	return catalog, nil
}

// CheckoutSessionCoins sums the coins of every line item in the session.
// A session whose items carry no coins metadata resolves to zero.
func (catalog *Catalog) CheckoutSessionCoins(ctx context.Context, sessionID string) (ledger.Coins, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	params.Context = ctx
	params.AddExpand(expandLineItemPrices)
	var total int64
	iterator := catalog.sessions.ListLineItems(params)
	for iterator.Next() {
		item := iterator.LineItem()
		coins, err := priceCoins(item.Price)
		if err != nil {
			return 0, err
		}
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		total += coins * quantity
	}
	if err := iterator.Err(); err != nil {
		return 0, fmt.Errorf("list line items for %s: %w", sessionID, err)
	}
	return ledger.Coins(total), nil
}

// PriceCoins returns the coins granted by one unit of the price.
func (catalog *Catalog) PriceCoins(ctx context.Context, priceID string) (ledger.Coins, error) {
	params := &stripe.PriceParams{}
	params.Context = ctx
	params.AddExpand(expandPriceProduct)
	loaded, err := catalog.prices.Get(priceID, params)
	if err != nil {
		return 0, fmt.Errorf("get price %s: %w", priceID, err)
	}
	coins, err := priceCoins(loaded)
	if err != nil {
		return 0, err
	}
	return ledger.Coins(coins), nil
}

func priceCoins(loaded *stripe.Price) (int64, error) {
	if loaded == nil {
		return 0, nil
	}
	if raw, ok := loaded.Metadata[metadataCoins]; ok {
		return parseCoins(raw)
	}
	if loaded.Product != nil {
		if raw, ok := loaded.Product.Metadata[metadataCoins]; ok {
			return parseCoins(raw)
		}
	}
	return 0, nil
}

func parseCoins(raw string) (int64, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCoinsMetadata, raw)
	}
	return value, nil
}
