// Package contracts embeds the ABI definitions of the on-chain contracts the
// daemon talks to and exposes them pre-parsed.
package contracts

import (
	"embed"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

//go:embed abi/*.json
var abiFS embed.FS

// Parsed ABIs for the contracts the wallet reader and operator use.
var (
	RebalancerDelegation = mustParse("abi/RebalancerDelegation.json")
	ERC20                = mustParse("abi/erc20.json")
	ProtocolSelector     = mustParse("abi/ProtocolSelector.json")
)

func mustParse(path string) abi.ABI {
	content, err := abiFS.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("contracts: read %s: %v", path, err))
	}
	parsed, err := abi.JSON(strings.NewReader(string(content)))
	if err != nil {
		panic(fmt.Sprintf("contracts: parse %s: %v", path, err))
	}
	return parsed
}
