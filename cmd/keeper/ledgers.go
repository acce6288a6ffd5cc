package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/chain"
	"github.com/jmerrifield20/evidencekeeper/internal/chain/etherlink"
	"github.com/jmerrifield20/evidencekeeper/internal/chain/jsonrpc"
	"github.com/jmerrifield20/evidencekeeper/internal/chain/solana"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
)

func setLedgerDefaults() {
	viper.SetDefault("ledgers.solana.enabled", true)
	viper.SetDefault("ledgers.solana.rpc_url", "https://api.devnet.solana.com")
	viper.SetDefault("ledgers.solana.keypair_path", "keys/solana.json")
	viper.SetDefault("ledgers.solana.commitment", "confirmed")
	viper.SetDefault("ledgers.solana.rps", 10)
	viper.SetDefault("ledgers.solana.confirmations", 1)

	viper.SetDefault("ledgers.etherlink.enabled", false)
	viper.SetDefault("ledgers.etherlink.rpc_url", "https://node.ghostnet.etherlink.com")
	viper.SetDefault("ledgers.etherlink.private_key", "")
	viper.SetDefault("ledgers.etherlink.confirmations", 2)
	viper.SetDefault("ledgers.etherlink.drop_after", 10*time.Minute)
	viper.SetDefault("ledgers.etherlink.lookup_blocks", 256)
}

// buildAdapters constructs one adapter per enabled ledger, each with its own
// client, and the confirmation threshold for each.
func buildAdapters(ctx context.Context, logger *zap.Logger) ([]chain.Adapter, map[evidence.Ledger]int, error) {
	var adapters []chain.Adapter
	thresholds := make(map[evidence.Ledger]int)

	if viper.GetBool("ledgers.solana.enabled") {
		key, err := solana.LoadKeypair(viper.GetString("ledgers.solana.keypair_path"))
		if err != nil {
			return nil, nil, fmt.Errorf("solana keypair: %w", err)
		}
		rpc := jsonrpc.New(jsonrpc.Config{
			URL: viper.GetString("ledgers.solana.rpc_url"),
			RPS: viper.GetFloat64("ledgers.solana.rps"),
		}, logger.Named("solana-rpc"))
		adapters = append(adapters, solana.New(rpc, key, solana.Config{
			Commitment: viper.GetString("ledgers.solana.commitment"),
		}, logger))
		thresholds[evidence.LedgerSolana] = viper.GetInt("ledgers.solana.confirmations")
		logger.Info("solana adapter ready",
			zap.String("rpc_url", viper.GetString("ledgers.solana.rpc_url")),
			zap.String("payer", solana.Address(key)),
		)
	}

	if viper.GetBool("ledgers.etherlink.enabled") {
		hexKey := viper.GetString("ledgers.etherlink.private_key")
		if hexKey == "" {
			hexKey = os.Getenv("ETHERLINK_PRIVATE_KEY")
		}
		key, err := etherlink.LoadKey(hexKey)
		if err != nil {
			return nil, nil, err
		}
		client, err := ethclient.DialContext(ctx, viper.GetString("ledgers.etherlink.rpc_url"))
		if err != nil {
			return nil, nil, fmt.Errorf("dial etherlink: %w", err)
		}
		adapters = append(adapters, etherlink.New(client, key, etherlink.Config{
			DropAfter:    viper.GetDuration("ledgers.etherlink.drop_after"),
			LookupBlocks: viper.GetInt("ledgers.etherlink.lookup_blocks"),
		}, logger))
		thresholds[evidence.LedgerEtherlink] = viper.GetInt("ledgers.etherlink.confirmations")
		logger.Info("etherlink adapter ready", zap.String("rpc_url", viper.GetString("ledgers.etherlink.rpc_url")))
	}

	return adapters, thresholds, nil
}
