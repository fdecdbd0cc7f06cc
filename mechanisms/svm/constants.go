// Package svm provides Solana support for confirming x402 settlements on chain.
package svm

import "fmt"

const (
	// CAIP-2 network identifiers (genesis hash prefixes)
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	SolanaTestnetCAIP2 = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSCkY3z"

	// USDC mints
	USDCMainnetAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDevnetAddress  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"

	DefaultDecimals = 6
)

// AssetInfo describes an SPL token
type AssetInfo struct {
	Address  string
	Symbol   string
	Decimals int
}

// NetworkConfig holds per-network defaults
type NetworkConfig struct {
	Name         string
	DefaultAsset AssetInfo
}

// NetworkConfigs is keyed by CAIP-2 id and legacy name
var NetworkConfigs = map[string]NetworkConfig{
	SolanaMainnetCAIP2: {Name: "solana", DefaultAsset: AssetInfo{Address: USDCMainnetAddress, Symbol: "USDC", Decimals: DefaultDecimals}},
	"solana":           {Name: "solana", DefaultAsset: AssetInfo{Address: USDCMainnetAddress, Symbol: "USDC", Decimals: DefaultDecimals}},
	SolanaDevnetCAIP2:  {Name: "solana-devnet", DefaultAsset: AssetInfo{Address: USDCDevnetAddress, Symbol: "USDC", Decimals: DefaultDecimals}},
	"solana-devnet":    {Name: "solana-devnet", DefaultAsset: AssetInfo{Address: USDCDevnetAddress, Symbol: "USDC", Decimals: DefaultDecimals}},
	SolanaTestnetCAIP2: {Name: "solana-testnet", DefaultAsset: AssetInfo{Address: USDCDevnetAddress, Symbol: "USDC", Decimals: DefaultDecimals}},
}

// GetNetworkConfig returns the configuration for a network
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	if config, ok := NetworkConfigs[network]; ok {
		return &config, nil
	}
	return nil, fmt.Errorf("no configuration for network: %s", network)
}
