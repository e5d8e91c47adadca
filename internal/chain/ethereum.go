package chain

func init() {
	Register(&Params{
		Symbol:               ETH,
		Name:                 "Ethereum",
		Network:              Mainnet,
		Type:                 ChainTypeEVM,
		Decimals:             18,
		ChainID:              1,
		DefaultConfirmations: 12,
	})

	// Sepolia
	Register(&Params{
		Symbol:               ETH,
		Name:                 "Ethereum Sepolia",
		Network:              Testnet,
		Type:                 ChainTypeEVM,
		Decimals:             18,
		ChainID:              11155111,
		DefaultConfirmations: 2,
	})

	// Local dev chain (anvil, hardhat, geth --dev)
	Register(&Params{
		Symbol:               ETH,
		Name:                 "Ethereum Devnet",
		Network:              Regtest,
		Type:                 ChainTypeEVM,
		Decimals:             18,
		ChainID:              1337,
		DefaultConfirmations: 1,
	})
}
