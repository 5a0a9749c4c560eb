package pricing

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-fulfillment/internal/cache"
)

// JSONCache is the subset of cache.JSON used by CachedLookup.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
}

// CachedLookup memoises catalog lookups. Cache failures fall through to Next.
type CachedLookup struct {
	Next   ProductTaxLookup
	Cache  JSONCache
	Logger zerolog.Logger
}

// Product implements ProductTaxLookup.
func (c CachedLookup) Product(ctx context.Context, productID int64) (Product, error) {
	key := cache.KeyProduct(productID)
	var cached Product
	if c.Cache != nil {
		if hit, err := c.Cache.GetJSON(ctx, key, &cached); err != nil {
			c.Logger.Warn().Err(err).Int64("product_id", productID).Msg("pricing cache read failed")
		} else if hit {
			return cached, nil
		}
	}
	p, err := c.Next.Product(ctx, productID)
	if err != nil {
		return Product{}, err
	}
	if c.Cache != nil {
		if err := c.Cache.SetJSON(ctx, key, p); err != nil {
			c.Logger.Warn().Err(err).Int64("product_id", productID).Msg("pricing cache write failed")
		}
	}
	return p, nil
}

// ComboItem implements ProductTaxLookup.
func (c CachedLookup) ComboItem(ctx context.Context, comboItemID int64) (ComboItem, error) {
	key := cache.KeyComboItem(comboItemID)
	var cached ComboItem
	if c.Cache != nil {
		if hit, err := c.Cache.GetJSON(ctx, key, &cached); err != nil {
			c.Logger.Warn().Err(err).Int64("combo_item_id", comboItemID).Msg("pricing cache read failed")
		} else if hit {
			return cached, nil
		}
	}
	item, err := c.Next.ComboItem(ctx, comboItemID)
	if err != nil {
		return ComboItem{}, err
	}
	if c.Cache != nil {
		if err := c.Cache.SetJSON(ctx, key, item); err != nil {
			c.Logger.Warn().Err(err).Int64("combo_item_id", comboItemID).Msg("pricing cache write failed")
		}
	}
	return item, nil
}
