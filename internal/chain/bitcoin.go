package chain

func init() {
	Register(&Params{
		Symbol:               BTC,
		Name:                 "Bitcoin",
		Network:              Mainnet,
		Type:                 ChainTypeBitcoin,
		Decimals:             8,
		Bech32HRP:            "bc",
		DefaultConfirmations: 3,
	})

	Register(&Params{
		Symbol:               BTC,
		Name:                 "Bitcoin Testnet",
		Network:              Testnet,
		Type:                 ChainTypeBitcoin,
		Decimals:             8,
		Bech32HRP:            "tb",
		DefaultConfirmations: 1,
	})

	Register(&Params{
		Symbol:               BTC,
		Name:                 "Bitcoin Regtest",
		Network:              Regtest,
		Type:                 ChainTypeBitcoin,
		Decimals:             8,
		Bech32HRP:            "bcrt",
		DefaultConfirmations: 1,
	})
}
