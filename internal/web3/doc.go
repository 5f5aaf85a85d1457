// Package web3 defines the chain client abstraction shared by the wallet
// reader and the operator signer, plus the YAML chain definition loader.
package web3
