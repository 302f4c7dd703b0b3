package main

import (
	"bytes"
	"context"
	"math/big"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-royale-backend/internal/fairness"
	"agent-royale-backend/internal/games"
	"agent-royale-backend/internal/services"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := RootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVerifyCommit(t *testing.T) {
	secret, commitment, err := fairness.Commit()
	require.NoError(t, err)

	out, err := run(t, "verify-commit", "--commitment", commitment, "--seed", secret)
	require.NoError(t, err)
	assert.Contains(t, out, "commitment OK")

	_, err = run(t, "verify-commit", "--commitment", commitment, "--seed", secret+"0")
	assert.Error(t, err)
}

func TestVerifyResult(t *testing.T) {
	resultHash, digest := fairness.ComputeResult("house", "agent", 3)
	wager, err := games.Dice{}.Prepare(big.NewInt(1), map[string]interface{}{"choice": "over", "target": 50})
	require.NoError(t, err)
	want := games.Dice{}.Resolve(wager, digest)

	out, err := run(t, "verify-result", "--casino-seed", "house", "--agent-seed", "agent", "--nonce", "3",
		"--choice", "over", "--target", "50", "--result-hash", resultHash)
	require.NoError(t, err)
	assert.Contains(t, out, "resultHash: "+resultHash)
	assert.Contains(t, out, "won: "+strconv.FormatBool(want.Won))

	_, err = run(t, "verify-result", "--casino-seed", "house", "--agent-seed", "agent", "--nonce", "4",
		"--choice", "over", "--target", "50", "--result-hash", resultHash)
	assert.Error(t, err, "nonce is bound into the result")

	_, err = run(t, "verify-result", "--casino-seed", "house", "--agent-seed", "agent", "--nonce", "1", "--game", "poker")
	assert.Error(t, err)
}

func TestRecoverSigner(t *testing.T) {
	const contract = "0xde17a85756815bf5755173603f2b07e69455f654"
	const agent = "0xDe79A84DD3A16BB91044167075dE17a1CA4b1d6b"

	ks, err := services.GenerateKeySigner()
	require.NoError(t, err)
	signer := services.NewEIP712Signer(ks, 8453, contract)
	sig, err := signer.SignState(context.Background(), services.ChannelState{
		Agent:         agent,
		AgentBalance:  big.NewInt(990000000000000000),
		CasinoBalance: big.NewInt(1010000000000000000),
		Nonce:         1,
	})
	require.NoError(t, err)

	out, err := run(t, "recover-signer", "--agent", agent, "--agent-balance", "990000000000000000",
		"--casino-balance", "1010000000000000000", "--nonce", "1", "--signature", sig,
		"--chain-id", "8453", "--contract", contract)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), strings.TrimSpace(out))

	out, err = run(t, "recover-signer", "--agent", agent, "--agent-balance", "990000000000000000",
		"--casino-balance", "1010000000000000000", "--nonce", "2", "--signature", sig,
		"--chain-id", "8453", "--contract", contract)
	require.NoError(t, err)
	assert.NotEqual(t, signer.Address(), strings.TrimSpace(out))
}

func TestOracleToken(t *testing.T) {
	out, err := run(t, "oracle-token", "--secret", "relay-secret", "--provider", "pyth", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := services.NewJWTService("relay-secret").ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "pyth", claims.Provider)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}
