// internal/wallet/wallet.go
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/gagliardetto/solana-go"

	"github.com/cmatc13/hydra/internal/submitter"
	"github.com/cmatc13/hydra/pkg/config"
)

// ErrNotSigner is returned when a transaction does not require the wallet's signature.
var ErrNotSigner = errors.New("wallet is not a required signer")

// Wallet is a keypair-backed signing authority for a fee payer.
type Wallet struct {
	privateKey solana.PrivateKey
	CreatedAt  time.Time
}

var _ submitter.Wallet = (*Wallet)(nil)

// NewWallet creates a wallet with a fresh ed25519 keypair
func NewWallet() (*Wallet, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return &Wallet{privateKey: key, CreatedAt: time.Now()}, nil
}

// ImportWallet imports a wallet from a base58 encoded 64-byte secret key,
// the format printed by most Solana wallets.
func ImportWallet(secret string) (*Wallet, error) {
	decoded := base58.Decode(secret)
	if len(decoded) == 0 {
		return nil, errors.New("invalid private key format: not base58")
	}

	key := solana.PrivateKey(decoded)
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return &Wallet{privateKey: key, CreatedAt: time.Now()}, nil
}

// LoadKeygenFile reads a keypair written by solana-keygen.
func LoadKeygenFile(path string) (*Wallet, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keypair %s: %w", path, err)
	}
	return &Wallet{privateKey: key, CreatedAt: time.Now()}, nil
}

// Load builds the wallet described by cfg. The keypair file wins over the secret.
func Load(cfg config.WalletConfig) (*Wallet, error) {
	switch {
	case cfg.KeypairPath != "":
		return LoadKeygenFile(cfg.KeypairPath)
	case cfg.SecretKey != "":
		return ImportWallet(cfg.SecretKey)
	default:
		return nil, errors.New("no wallet configured: set wallet.keypair_path or wallet.secret_key")
	}
}

// PublicKey returns the wallet's address.
func (w *Wallet) PublicKey() solana.PublicKey {
	return w.privateKey.PublicKey()
}

// ExportPrivateKey exports the secret key as base58
func (w *Wallet) ExportPrivateKey() string {
	return base58.Encode(w.privateKey)
}

// SignTransaction fills in the wallet's own signature slot and leaves the
// others untouched so co-signers can sign afterwards.
func (w *Wallet) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pub := w.PublicKey()
	if !tx.Message.IsSigner(pub) {
		return nil, fmt.Errorf("%w: %s", ErrNotSigner, pub)
	}

	_, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &w.privateKey
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}

// Keyring holds the co-signer keypairs a process may apply on request.
// Callers name a co-signer by address; the secret never leaves the process.
type Keyring struct {
	keys  []solana.PrivateKey
	index map[solana.PublicKey]int
}

// NewKeyring builds a keyring from keys. Duplicate addresses keep the first key.
func NewKeyring(keys ...solana.PrivateKey) *Keyring {
	k := &Keyring{index: make(map[solana.PublicKey]int, len(keys))}
	for _, key := range keys {
		pub := key.PublicKey()
		if _, ok := k.index[pub]; ok {
			continue
		}
		k.index[pub] = len(k.keys)
		k.keys = append(k.keys, key)
	}
	return k
}

// LoadKeyring reads one solana-keygen file per path.
func LoadKeyring(paths []string) (*Keyring, error) {
	keys := make([]solana.PrivateKey, 0, len(paths))
	for _, path := range paths {
		w, err := LoadKeygenFile(path)
		if err != nil {
			return nil, err
		}
		keys = append(keys, w.privateKey)
	}
	return NewKeyring(keys...), nil
}

// Lookup returns the key for pub. A nil keyring holds nothing.
func (k *Keyring) Lookup(pub solana.PublicKey) (solana.PrivateKey, bool) {
	if k == nil {
		return nil, false
	}
	i, ok := k.index[pub]
	if !ok {
		return nil, false
	}
	return k.keys[i], true
}

// Keys returns every key in load order.
func (k *Keyring) Keys() []solana.PrivateKey {
	if k == nil {
		return nil
	}
	return append([]solana.PrivateKey(nil), k.keys...)
}

// Addresses lists the co-signer addresses in load order.
func (k *Keyring) Addresses() []string {
	if k == nil {
		return nil
	}
	out := make([]string, len(k.keys))
	for i, key := range k.keys {
		out[i] = key.PublicKey().String()
	}
	return out
}
