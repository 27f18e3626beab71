package submitter

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

type sentTransaction struct {
	tx   *solana.Transaction
	opts SubmitOptions
}

type fakeLedger struct {
	mu sync.Mutex

	units       *uint64
	blockErr    error
	simulateErr error
	submitErr   error
	// confirmErr fails after the transaction was sent; the signature is still returned.
	confirmErr error

	blockhashCalls int
	commitments    []rpc.CommitmentType
	simulated      []*solana.Transaction
	sent           []sentTransaction
}

func (f *fakeLedger) LatestBlockhash(_ context.Context, commitment rpc.CommitmentType) (solana.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commitments = append(f.commitments, commitment)
	if f.blockErr != nil {
		return solana.Hash{}, f.blockErr
	}
	f.blockhashCalls++
	var h solana.Hash
	binary.LittleEndian.PutUint64(h[:], uint64(f.blockhashCalls))
	h[31] = 0xAB
	return h, nil
}

func (f *fakeLedger) Simulate(_ context.Context, tx *solana.Transaction) (Simulation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.simulated = append(f.simulated, tx)
	if f.simulateErr != nil {
		return Simulation{}, f.simulateErr
	}
	return Simulation{UnitsConsumed: f.units, Logs: []string{"Program log: ok"}}, nil
}

func (f *fakeLedger) SubmitSigned(_ context.Context, raw []byte, opts SubmitOptions) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.submitErr != nil {
		return solana.Signature{}, f.submitErr
	}
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return solana.Signature{}, err
	}
	f.sent = append(f.sent, sentTransaction{tx: tx, opts: opts})
	return tx.Signatures[0], f.confirmErr
}

func (f *fakeLedger) lastSent(t *testing.T) sentTransaction {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent, "nothing was submitted")
	return f.sent[len(f.sent)-1]
}

type keyWallet struct {
	key solana.PrivateKey
}

func newKeyWallet(t *testing.T) *keyWallet {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return &keyWallet{key: key}
}

func (w *keyWallet) PublicKey() solana.PublicKey { return w.key.PublicKey() }

func (w *keyWallet) SignTransaction(_ context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	_, err := tx.PartialSign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(w.key.PublicKey()) {
			return &w.key
		}
		return nil
	})
	return tx, err
}

type refusingWallet struct {
	pub solana.PublicKey
}

func (w refusingWallet) PublicKey() solana.PublicKey { return w.pub }

func (w refusingWallet) SignTransaction(context.Context, *solana.Transaction) (*solana.Transaction, error) {
	return nil, errors.New("user rejected the request")
}

type panickingWallet struct{ refusingWallet }

func (panickingWallet) SignTransaction(context.Context, *solana.Transaction) (*solana.Transaction, error) {
	panic("wallet adapter crashed")
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	r.items = append(r.items, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) byKind(kind NotificationKind) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.items {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

type completionCounter struct {
	mu    sync.Mutex
	calls int
}

func (c *completionCounter) done() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *completionCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newKey(t *testing.T) solana.PrivateKey {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key
}

func u64(v uint64) *uint64 { return &v }
