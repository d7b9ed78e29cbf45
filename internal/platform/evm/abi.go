package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20JSON = `[{
	"constant": true,
	"inputs": [{"name": "owner", "type": "address"}],
	"name": "balanceOf",
	"outputs": [{"name": "", "type": "uint256"}],
	"stateMutability": "view",
	"type": "function"
}]`

// accountOf(bytes32 salt) returns the smart account deployed for a position.
const factoryJSON = `[{
	"inputs": [{"name": "salt", "type": "bytes32"}],
	"name": "accountOf",
	"outputs": [{"name": "", "type": "address"}],
	"stateMutability": "view",
	"type": "function"
}]`

var (
	erc20ABI   = mustABI(erc20JSON)
	factoryABI = mustABI(factoryJSON)
)

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("evm: invalid abi: " + err.Error())
	}
	return parsed
}
