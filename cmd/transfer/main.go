// Command transfer sends lamports from the configured wallet through the
// hydra submitter and prints the receipt.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/spf13/pflag"

	"github.com/cmatc13/hydra/internal/ledger"
	"github.com/cmatc13/hydra/internal/notify"
	"github.com/cmatc13/hydra/internal/submitter"
	"github.com/cmatc13/hydra/internal/wallet"
	"github.com/cmatc13/hydra/pkg/config"
	"github.com/cmatc13/hydra/pkg/errors"
	"github.com/cmatc13/hydra/pkg/logging"
)

func main() {
	fs := pflag.NewFlagSet("transfer", pflag.ExitOnError)
	configFile := fs.String("config", "", "Path to configuration file")
	to := fs.String("to", "", "Recipient address (base58)")
	lamports := fs.Uint64("lamports", 0, "Amount to send in lamports")
	memo := fs.String("memo", "", "Optional memo attached to the transfer")
	signers := fs.StringSlice("signer", nil, "Additional signer keypair file (repeatable)")
	silent := fs.Bool("silent", false, "Report failures through the log only")
	keygen := fs.Bool("keygen", false, "Print a new keypair for wallet.secret_key and exit")
	config.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])

	if *keygen {
		w, err := wallet.NewWallet()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate keypair: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("address: %s\nsecret_key: %s\n", w.PublicKey(), w.ExportPrivateKey())
		return
	}

	opts := config.DefaultLoadOptions()
	opts.ConfigFile = *configFile
	opts.Flags = fs

	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:       logging.ParseLevel(cfg.Log.Level),
		Output:      os.Stderr,
		ServiceName: "hydra-transfer",
		Environment: cfg.Log.Environment,
	})

	receipt, err := transfer(cfg, logger, *to, *lamports, *memo, *signers, *silent)
	if err != nil {
		logger.WithError(err).Error("Transfer failed", "receipt", receipt.String())
		os.Exit(1)
	}
	if receipt != "" {
		fmt.Println(receipt)
	}
}

func transfer(cfg *config.Config, logger *logging.Logger, to string, lamports uint64, memo string, signerFiles []string, silent bool) (submitter.Receipt, error) {
	recipient, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", errors.Wrap(err, fmt.Sprintf("invalid recipient %q", to))
	}
	if lamports == 0 {
		return "", errors.New("--lamports must be positive")
	}

	payer, err := wallet.Load(cfg.Wallet)
	if err != nil {
		return "", err
	}

	extra, err := wallet.LoadKeyring(signerFiles)
	if err != nil {
		return "", errors.Wrap(err, "load signers")
	}

	ops := []solana.Instruction{
		system.NewTransferInstruction(lamports, payer.PublicKey(), recipient).Build(),
	}
	if memo != "" {
		ops = append(ops, solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{
			solana.Meta(payer.PublicKey()).SIGNER(),
		}, []byte(memo)))
	}

	client := ledger.FromConfig(cfg.RPC, ledger.WithLogger(logger))
	defer client.Close()

	opts := []submitter.Option{
		submitter.WithLogger(logger),
		submitter.WithNotifier(notify.Multi{
			notify.NewLogSink(logger),
			notify.Func(func(_ context.Context, n submitter.Notification) {
				if n.Kind == submitter.KindError {
					fmt.Fprintf(os.Stderr, "%s: %s\n", n.Message, n.Description)
				}
			}),
		}),
	}
	if cfg.RPC.MaxRetries > 0 {
		opts = append(opts, submitter.WithMaxRetries(cfg.RPC.MaxRetries))
	}
	sub := submitter.New(client, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return sub.Submit(ctx, ops, payer.PublicKey(), payer, submitter.Config{
		Silent:       silent,
		Signers:      extra.Keys(),
		Confirmation: ledger.PolicyFromConfig(cfg.RPC),
		Notification: &submitter.NotificationConfig{
			Message: fmt.Sprintf("Sent %d lamports to %s", lamports, recipient),
		},
	})
}
