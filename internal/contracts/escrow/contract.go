// Package escrow is a Go client for the per-swap HashedTimelockEscrow
// contract. Each swap deploys its own escrow; the contract address is the
// swap's account-chain artifact.
package escrow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/klingon-exchange/klingon-htlc/internal/swaperr"
)

// HashedTimelockEscrowABI is the ABI of contracts/HashedTimelockEscrow.sol.
const HashedTimelockEscrowABI = `[
	{"type":"constructor","stateMutability":"payable","inputs":[
		{"name":"_recipient","type":"address"},
		{"name":"_hashlock","type":"bytes32"},
		{"name":"_timeout","type":"uint256"}]},
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"_secret","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"recipient","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"hashlock","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"timeout","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"amount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"claimed","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"refunded","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"SecretRevealed","anonymous":false,"inputs":[{"name":"secret","type":"bytes32","indexed":false}]},
	{"type":"event","name":"Refunded","anonymous":false,"inputs":[]}
]`

// HashedTimelockEscrowMetaData holds the contract ABI. Bytecode comes from
// a compiled artifact at runtime.
var HashedTimelockEscrowMetaData = &bind.MetaData{
	ABI: HashedTimelockEscrowABI,
}

// Artifact is a compiled escrow contract.
type Artifact struct {
	ContractName string
	Bytecode     []byte
}

// artifactFile covers both Hardhat ("bytecode": "0x..") and Foundry
// ("bytecode": {"object": "0x.."}) output.
type artifactFile struct {
	ContractName string          `json:"contractName"`
	Bytecode     json.RawMessage `json:"bytecode"`
}

// LoadArtifact reads a compiled contract artifact from path. A missing file
// or empty bytecode yields swaperr.ErrArtifactMissing.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", swaperr.ErrArtifactMissing, path)
		}
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return ParseArtifact(data)
}

// ParseArtifact decodes artifact JSON.
func ParseArtifact(data []byte) (*Artifact, error) {
	var f artifactFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid artifact JSON: %w", err)
	}

	var code string
	raw := bytes.TrimSpace(f.Bytecode)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
	case raw[0] == '"':
		if err := json.Unmarshal(raw, &code); err != nil {
			return nil, fmt.Errorf("invalid bytecode: %w", err)
		}
	default:
		var obj struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("invalid bytecode: %w", err)
		}
		code = obj.Object
	}

	code = strings.TrimSpace(code)
	if code == "" || code == "0x" {
		return nil, fmt.Errorf("%w: empty bytecode", swaperr.ErrArtifactMissing)
	}
	if !strings.HasPrefix(code, "0x") {
		code = "0x" + code
	}
	bytecode, err := hexutil.Decode(code)
	if err != nil {
		return nil, fmt.Errorf("invalid bytecode: %w", err)
	}

	name := f.ContractName
	if name == "" {
		name = "HashedTimelockEscrow"
	}
	return &Artifact{ContractName: name, Bytecode: bytecode}, nil
}
