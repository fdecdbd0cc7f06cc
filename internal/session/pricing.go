package session

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	x402 "github.com/x402-foundation/x402-commerce"
	"github.com/x402-foundation/x402-commerce/internal/store"
	"github.com/x402-foundation/x402-commerce/mechanisms/evm"
	"github.com/x402-foundation/x402-commerce/mechanisms/svm"
)

// assetInfo is what pricing needs to know about the asset of a session.
// decimals is -1 when the asset is not a network default.
type assetInfo struct {
	address  string
	decimals int
	extra    map[string]interface{}
}

// resolveAsset picks the network's default asset when none is given
func resolveAsset(network, asset string) (assetInfo, error) {
	evmCfg, evmErr := evm.GetNetworkConfig(network)
	svmCfg, svmErr := svm.GetNetworkConfig(network)
	if _, _, err := x402.Network(network).Parse(); err != nil && evmErr != nil && svmErr != nil {
		return assetInfo{}, invalid("unknown network %q", network)
	}

	if evmErr == nil {
		def := evmCfg.DefaultAsset
		if asset == "" || strings.EqualFold(asset, def.Address) {
			// extra carries the token's EIP-712 domain for signing clients
			return assetInfo{
				address:  def.Address,
				decimals: def.Decimals,
				extra:    map[string]interface{}{"name": def.Name, "version": def.Version},
			}, nil
		}
	}
	if svmErr == nil {
		def := svmCfg.DefaultAsset
		if asset == "" || asset == def.Address {
			return assetInfo{address: def.Address, decimals: def.Decimals}, nil
		}
	}

	if asset == "" {
		return assetInfo{}, invalid("asset is required on network %q", network)
	}
	return assetInfo{address: asset, decimals: -1}, nil
}

// priceToAtomic converts a decimal price in whole tokens to atomic units
func priceToAtomic(price string, decimals int) (string, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil {
		return "", invalid("price %q is not a decimal number", price)
	}
	if d.Sign() <= 0 {
		return "", invalid("price must be positive")
	}
	atomic := d.Shift(int32(decimals))
	if !atomic.Equal(atomic.Truncate(0)) {
		return "", invalid("price %s has more than %d decimal places", price, decimals)
	}
	return atomic.Truncate(0).String(), nil
}

// lineTotal sums unit price times quantity over reservations carrying their Item
func lineTotal(reservations []store.Reservation) (string, error) {
	total := decimal.Zero
	for _, r := range reservations {
		if r.Item == nil {
			return "", fmt.Errorf("reservation %s has no item loaded", r.ID)
		}
		unit, err := decimal.NewFromString(r.Item.UnitPrice)
		if err != nil || !unit.Equal(unit.Truncate(0)) || unit.Sign() < 0 {
			return "", fmt.Errorf("item %s has invalid unit price %q", r.ItemID, r.Item.UnitPrice)
		}
		total = total.Add(unit.Mul(decimal.NewFromInt(int64(r.Quantity))))
	}
	if total.Sign() <= 0 {
		return "", invalid("order total must be positive")
	}
	return total.String(), nil
}
