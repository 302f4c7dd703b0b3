package main

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"agent-royale-backend/internal/config"
	"agent-royale-backend/internal/fairness"
	"agent-royale-backend/internal/games"
	"agent-royale-backend/internal/models"
	"agent-royale-backend/internal/services"
)

// loadConfig reads the same environment as the API server. Commands
// only use it for defaults, so a bad environment is not fatal.
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		return &config.Config{ChainID: 8453, ChannelManager: "0x0000000000000000000000000000000000000000"}
	}
	return cfg
}

func VerifyCommitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-commit",
		Short: "Check that a revealed seed matches its commitment",
		RunE:  verifyCommit,
	}
	cmd.Flags().StringP("commitment", "c", "", "commitment published before the wager")
	cmd.MarkFlagRequired("commitment")
	cmd.Flags().StringP("seed", "s", "", "revealed casino seed or draw secret")
	cmd.MarkFlagRequired("seed")
	return cmd
}

func verifyCommit(cmd *cobra.Command, args []string) error {
	commitment, _ := cmd.Flags().GetString("commitment")
	seed, _ := cmd.Flags().GetString("seed")

	if !fairness.Verify(commitment, seed) {
		return errors.Errorf("seed does not match commitment (sha256 is %s)", fairness.Hash(seed))
	}
	fmt.Fprintln(cmd.OutOrStdout(), "commitment OK")
	return nil
}

func VerifyResultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify-result",
		Short: "Recompute a commit-reveal round outcome from its seeds",
		RunE:  verifyResult,
	}
	cmd.Flags().String("casino-seed", "", "revealed casino seed")
	cmd.MarkFlagRequired("casino-seed")
	cmd.Flags().String("agent-seed", "", "agent seed")
	cmd.MarkFlagRequired("agent-seed")
	cmd.Flags().Uint64("nonce", 0, "channel nonce the round settled at")
	cmd.MarkFlagRequired("nonce")
	cmd.Flags().StringP("game", "g", "dice", "dice, slots or coinflip")
	cmd.Flags().String("choice", "", "wager choice (dice: over|under, coinflip: heads|tails)")
	cmd.Flags().Int64("target", 0, "dice target")
	cmd.Flags().String("result-hash", "", "published resultHash to compare against")
	return cmd
}

func verifyResult(cmd *cobra.Command, args []string) error {
	casinoSeed, _ := cmd.Flags().GetString("casino-seed")
	agentSeed, _ := cmd.Flags().GetString("agent-seed")
	nonce, _ := cmd.Flags().GetUint64("nonce")
	name, _ := cmd.Flags().GetString("game")
	choice, _ := cmd.Flags().GetString("choice")
	target, _ := cmd.Flags().GetInt64("target")
	published, _ := cmd.Flags().GetString("result-hash")

	registry := games.NewRegistry(nil, games.Dice{}, games.Slots{}, games.Coinflip{})
	game, ok := registry.Get(name)
	if !ok {
		return errors.Errorf("unknown game %q", name)
	}

	params := models.Params{"choice": choice}
	if target != 0 {
		params["target"] = target
	}
	wager, err := game.Prepare(big.NewInt(1), params)
	if err != nil {
		return err
	}

	resultHash, digest := fairness.ComputeResult(casinoSeed, agentSeed, nonce)
	if published != "" && !fairness.SameHash(published, resultHash) {
		return errors.Errorf("result hash mismatch: computed %s", resultHash)
	}
	outcome := game.Resolve(wager, digest)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "resultHash: %s\n", resultHash)
	keys := make([]string, 0, len(outcome.Fields))
	for k := range outcome.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "%s: %v\n", k, outcome.Fields[k])
	}
	fmt.Fprintf(out, "won: %t\nmultiplier: %s\n", outcome.Won, games.FormatMultiplier(outcome.MultiplierBps))
	return nil
}

func RecoverSignerCmd() *cobra.Command {
	cfg := loadConfig()
	cmd := &cobra.Command{
		Use:   "recover-signer",
		Short: "Recover the address that signed a channel state",
		RunE:  recoverSigner,
	}
	cmd.Flags().StringP("agent", "a", "", "agent address")
	cmd.MarkFlagRequired("agent")
	cmd.Flags().String("agent-balance", "", "agent balance in wei")
	cmd.MarkFlagRequired("agent-balance")
	cmd.Flags().String("casino-balance", "", "casino balance in wei")
	cmd.MarkFlagRequired("casino-balance")
	cmd.Flags().Uint64("nonce", 0, "state nonce")
	cmd.Flags().String("signature", "", "0x-prefixed 65-byte signature")
	cmd.MarkFlagRequired("signature")
	cmd.Flags().Int64("chain-id", cfg.ChainID, "EIP-712 domain chain id")
	cmd.Flags().String("contract", cfg.ChannelManager, "channel manager address")
	return cmd
}

func recoverSigner(cmd *cobra.Command, args []string) error {
	agent, _ := cmd.Flags().GetString("agent")
	agentBal, _ := cmd.Flags().GetString("agent-balance")
	casinoBal, _ := cmd.Flags().GetString("casino-balance")
	nonce, _ := cmd.Flags().GetUint64("nonce")
	signature, _ := cmd.Flags().GetString("signature")
	chainID, _ := cmd.Flags().GetInt64("chain-id")
	contract, _ := cmd.Flags().GetString("contract")

	addr, err := models.NormalizeAgent(agent)
	if err != nil {
		return err
	}
	state := services.ChannelState{Agent: addr, Nonce: nonce}
	var ok bool
	if state.AgentBalance, ok = new(big.Int).SetString(agentBal, 10); !ok {
		return errors.Errorf("invalid agent balance %q", agentBal)
	}
	if state.CasinoBalance, ok = new(big.Int).SetString(casinoBal, 10); !ok {
		return errors.Errorf("invalid casino balance %q", casinoBal)
	}

	hash, err := services.NewEIP712Signer(nil, chainID, contract).Hash(state)
	if err != nil {
		return err
	}
	signer, err := services.RecoverStateSigner(hash, strings.TrimSpace(signature))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), signer.Hex())
	return nil
}

func OracleTokenCmd() *cobra.Command {
	cfg := loadConfig()
	cmd := &cobra.Command{
		Use:   "oracle-token",
		Short: "Mint a bearer token for the entropy relay",
		RunE:  oracleToken,
	}
	cmd.Flags().StringP("provider", "p", "relay", "provider name recorded in providerRef")
	cmd.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().String("secret", cfg.OracleJWTSecret, "HS256 secret (ORACLE_JWT_SECRET)")
	return cmd
}

func oracleToken(cmd *cobra.Command, args []string) error {
	provider, _ := cmd.Flags().GetString("provider")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		return errors.New("no secret: set ORACLE_JWT_SECRET or pass --secret")
	}

	token, err := services.NewJWTService(secret).GenerateOracleToken(provider, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
