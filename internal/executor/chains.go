package executor

// ChainConfig carries the per-chain feature flags the controller
// branches on. The fee model is a chain property, never inferred from
// transaction shape.
type ChainConfig struct {
	ID int64

	// EIP1559 selects the dynamic-fee branch (maxFeePerGas /
	// maxPriorityFeePerGas). Off means legacy gasPrice.
	EIP1559 bool

	// LegacyGasAPI marks chains whose nodes reject the modern block
	// parameters on estimation calls; estimation then uses the
	// restricted call shapes and the latest block tag.
	LegacyGasAPI bool
}

// knownChains holds overrides for chains that deviate from mainnet
// behavior.
var knownChains = map[int64]ChainConfig{
	1:   {ID: 1, EIP1559: true},
	5:   {ID: 5, EIP1559: true},
	100: {ID: 100, EIP1559: true},
	137: {ID: 137, EIP1559: true},
	// BSC keeps the legacy fee model and the restricted gas API.
	56: {ID: 56, EIP1559: false, LegacyGasAPI: true},
}

// ChainConfigFor returns the configuration for a chain, defaulting to
// EIP-1559 with the modern API for unknown chains.
func ChainConfigFor(chainID int64) ChainConfig {
	if cfg, ok := knownChains[chainID]; ok {
		return cfg
	}
	return ChainConfig{ID: chainID, EIP1559: true}
}
