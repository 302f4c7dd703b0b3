package services

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/pkg/errors"
)

// DigestSigner is the casino key: an opaque sign(digest) capability,
// backed by an HSM in production.
type DigestSigner interface {
	Address() common.Address
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

// KeySigner holds a secp256k1 key in memory.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse casino private key")
	}
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateKeySigner creates a throwaway key for development.
func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (k *KeySigner) Address() common.Address {
	return k.addr
}

func (k *KeySigner) SignDigest(_ context.Context, digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.key)
}

// ChannelState is the tuple the dispute contract accepts.
type ChannelState struct {
	Agent         string
	AgentBalance  *big.Int
	CasinoBalance *big.Int
	Nonce         uint64
}

type StateSigner interface {
	Address() string
	SignState(ctx context.Context, state ChannelState) (string, error)
}

var channelStateTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"ChannelState": {
		{Name: "agent", Type: "address"},
		{Name: "agentBalance", Type: "uint256"},
		{Name: "casinoBalance", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

const (
	domainName    = "AgentCasino"
	domainVersion = "1"
)

// EIP712Signer signs ChannelState typed data under the AgentCasino
// domain bound to the channel manager contract.
type EIP712Signer struct {
	signer   DigestSigner
	chainID  *big.Int
	contract string
}

func NewEIP712Signer(signer DigestSigner, chainID int64, verifyingContract string) *EIP712Signer {
	return &EIP712Signer{
		signer:   signer,
		chainID:  big.NewInt(chainID),
		contract: common.HexToAddress(verifyingContract).Hex(),
	}
}

func (s *EIP712Signer) Address() string {
	return s.signer.Address().Hex()
}

func (s *EIP712Signer) TypedData(state ChannelState) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       channelStateTypes,
		PrimaryType: "ChannelState",
		Domain: apitypes.TypedDataDomain{
			Name:              domainName,
			Version:           domainVersion,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(s.chainID)),
			VerifyingContract: s.contract,
		},
		Message: apitypes.TypedDataMessage{
			"agent":         state.Agent,
			"agentBalance":  (*math.HexOrDecimal256)(new(big.Int).Set(state.AgentBalance)),
			"casinoBalance": (*math.HexOrDecimal256)(new(big.Int).Set(state.CasinoBalance)),
			"nonce":         (*math.HexOrDecimal256)(new(big.Int).SetUint64(state.Nonce)),
		},
	}
}

// Hash is keccak256("\x19\x01" || domainSeparator || hashStruct(state)).
func (s *EIP712Signer) Hash(state ChannelState) ([]byte, error) {
	typed := s.TypedData(state)

	domainSeparator, err := typed.HashStruct("EIP712Domain", typed.Domain.Map())
	if err != nil {
		return nil, errors.Wrap(err, "hash domain")
	}
	structHash, err := typed.HashStruct(typed.PrimaryType, typed.Message)
	if err != nil {
		return nil, errors.Wrap(err, "hash channel state")
	}

	raw := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(structHash)))
	return crypto.Keccak256(raw), nil
}

// SignState returns a 65-byte r||s||v signature with v in {27, 28}.
func (s *EIP712Signer) SignState(ctx context.Context, state ChannelState) (string, error) {
	hash, err := s.Hash(state)
	if err != nil {
		return "", err
	}

	sig, err := s.signer.SignDigest(ctx, hash)
	if err != nil {
		return "", errors.Wrap(err, "sign channel state")
	}
	if len(sig) != crypto.SignatureLength {
		return "", errors.Errorf("signer returned %d bytes", len(sig))
	}
	if sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return hexutil.Encode(sig), nil
}

// RecoverStateSigner returns the address that produced sig over hash.
func RecoverStateSigner(hash []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "decode signature")
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, errors.Wrap(err, "recover public key")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func (s *EIP712Signer) Verify(state ChannelState, signature string) (bool, error) {
	hash, err := s.Hash(state)
	if err != nil {
		return false, err
	}
	addr, err := RecoverStateSigner(hash, signature)
	if err != nil {
		return false, err
	}
	return addr == s.signer.Address(), nil
}
