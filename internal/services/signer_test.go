package services_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-royale-backend/internal/services"
)

const testCasinoKey = "427da8655959736f02d0e4e557a6c343e5ccc20e8516c3980bf948b430d511fb"

func TestKeySignerAddress(t *testing.T) {
	ks, err := services.NewKeySigner("0x" + testCasinoKey)
	require.NoError(t, err)
	assert.Equal(t, "0xd741c9f9e0A1F5bb1ed898115A683253F14c1F8b", ks.Address().Hex())

	_, err = services.NewKeySigner("not-a-key")
	assert.Error(t, err)
}

func TestEIP712SignAndRecover(t *testing.T) {
	ks, err := services.NewKeySigner(testCasinoKey)
	require.NoError(t, err)
	signer := services.NewEIP712Signer(ks, 8453, "0xde17a85756815bf5755173603f2b07e69455f654")

	state := services.ChannelState{
		Agent:         "0xDe79A84DD3A16BB91044167075dE17a1CA4b1d6b",
		AgentBalance:  big.NewInt(1e15),
		CasinoBalance: big.NewInt(2e15),
		Nonce:         3,
	}

	sig, err := signer.SignState(context.Background(), state)
	require.NoError(t, err)

	raw, err := hexutil.Decode(sig)
	require.NoError(t, err)
	require.Len(t, raw, 65)
	assert.Contains(t, []byte{27, 28}, raw[64])

	hash, err := signer.Hash(state)
	require.NoError(t, err)
	addr, err := services.RecoverStateSigner(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, ks.Address(), addr)

	ok, err := signer.Verify(state, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	state.Nonce = 4
	ok, err = signer.Verify(state, sig)
	require.NoError(t, err)
	assert.False(t, ok, "signature is bound to the nonce")
}

func TestEIP712DomainBinding(t *testing.T) {
	ks, err := services.NewKeySigner(testCasinoKey)
	require.NoError(t, err)

	state := services.ChannelState{
		Agent:         "0xDe79A84DD3A16BB91044167075dE17a1CA4b1d6b",
		AgentBalance:  big.NewInt(1),
		CasinoBalance: big.NewInt(1),
	}

	base, err := services.NewEIP712Signer(ks, 8453, "0xde17a85756815bf5755173603f2b07e69455f654").Hash(state)
	require.NoError(t, err)
	otherChain, err := services.NewEIP712Signer(ks, 84532, "0xde17a85756815bf5755173603f2b07e69455f654").Hash(state)
	require.NoError(t, err)
	otherContract, err := services.NewEIP712Signer(ks, 8453, common.Address{1}.Hex()).Hash(state)
	require.NoError(t, err)

	assert.NotEqual(t, base, otherChain)
	assert.NotEqual(t, base, otherContract)
}

type failingSigner struct {
	addr common.Address
}

func (f failingSigner) Address() common.Address { return f.addr }

func (f failingSigner) SignDigest(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("hsm unavailable")
}

func TestEIP712SignerPropagatesFailure(t *testing.T) {
	signer := services.NewEIP712Signer(failingSigner{}, 8453, common.Address{}.Hex())
	_, err := signer.SignState(context.Background(), services.ChannelState{
		Agent:         common.Address{2}.Hex(),
		AgentBalance:  big.NewInt(0),
		CasinoBalance: big.NewInt(0),
	})
	assert.ErrorContains(t, err, "hsm unavailable")
}
