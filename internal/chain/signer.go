package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds a private key in memory only for the lifetime of one
// submission; the Transaction Executor keeps it for one Submit call,
// including any fee-bump re-signs, and never shares it between calls,
// matching the Key Provider's never-shared-between-tasks policy.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSignerFromHex builds a Signer from a hex-encoded secp256k1 private
// key, with or without the 0x prefix.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(trim0x(hexKey))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address returns the signer's public address.
func (s *Signer) Address() common.Address { return s.address }

// SignLegacyTx signs a legacy (type-0) transaction for chainID.
func (s *Signer) SignLegacyTx(chainID *big.Int, tx *types.LegacyTx) (*types.Transaction, error) {
	unsigned := types.NewTx(tx)
	signer := types.NewEIP155Signer(chainID)
	signed, err := types.SignTx(unsigned, signer, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("chain: sign legacy tx: %w", err)
	}
	return signed, nil
}

// SignDynamicFeeTx signs an EIP-1559 (type-2) transaction for chainID.
func (s *Signer) SignDynamicFeeTx(chainID *big.Int, tx *types.DynamicFeeTx) (*types.Transaction, error) {
	unsigned := types.NewTx(tx)
	signer := types.NewLondonSigner(chainID)
	signed, err := types.SignTx(unsigned, signer, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("chain: sign dynamic fee tx: %w", err)
	}
	return signed, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
