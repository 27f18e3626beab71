package submitter

import (
	"context"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/hydra/pkg/errors"
	"github.com/cmatc13/hydra/pkg/metrics"
)

// decodeBudget checks the first two instructions of tx are the compute budget
// pair and returns their values with the remaining instructions.
func decodeBudget(t *testing.T, tx *solana.Transaction) (uint32, uint64, []solana.CompiledInstruction) {
	t.Helper()
	require.GreaterOrEqual(t, len(tx.Message.Instructions), 2)

	var (
		units uint32
		price uint64
	)
	for i, ci := range tx.Message.Instructions[:2] {
		program, err := tx.Message.ResolveProgramIDIndex(ci.ProgramIDIndex)
		require.NoError(t, err)
		require.Equal(t, solana.ComputeBudget, program, "instruction %d", i)

		inst, err := computebudget.DecodeInstruction(nil, ci.Data)
		require.NoError(t, err)
		switch impl := inst.Impl.(type) {
		case *computebudget.SetComputeUnitLimit:
			require.Equal(t, 0, i, "limit must come first")
			units = impl.Units
		case *computebudget.SetComputeUnitPrice:
			require.Equal(t, 1, i, "price must come second")
			price = impl.MicroLamports
		default:
			t.Fatalf("unexpected compute budget instruction %T", impl)
		}
	}
	return units, price, tx.Message.Instructions[2:]
}

func assertOperations(t *testing.T, tx *solana.Transaction, compiled []solana.CompiledInstruction, operations []solana.Instruction) {
	t.Helper()
	require.Len(t, compiled, len(operations))
	for i, op := range operations {
		program, err := tx.Message.ResolveProgramIDIndex(compiled[i].ProgramIDIndex)
		require.NoError(t, err)
		assert.Equal(t, op.ProgramID(), program)

		data, err := op.Data()
		require.NoError(t, err)
		assert.Equal(t, data, []byte(compiled[i].Data))
	}
}

func transfer(lamports uint64, from, to solana.PublicKey) solana.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}

func TestSubmitTransferEndToEnd(t *testing.T) {
	alice := newKeyWallet(t)
	bob := newKey(t).PublicKey()
	ledger := &fakeLedger{units: u64(50_000)}
	notifier := &recordingNotifier{}
	completed := &completionCounter{}
	m := metrics.New(metrics.DefaultConfig())

	s := New(ledger, WithNotifier(notifier), WithMetrics(m))

	operations := []solana.Instruction{transfer(5, alice.PublicKey(), bob)}
	receipt, err := s.Submit(context.Background(), operations, alice.PublicKey(), alice, Config{
		Notification: &NotificationConfig{Message: "Sent 5 lamports to Bob"},
		OnComplete:   completed.done,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt)

	sent := ledger.lastSent(t)
	units, price, rest := decodeBudget(t, sent.tx)
	assert.Equal(t, uint32(50_000), units)
	assert.Equal(t, uint64(200_000), price)
	assertOperations(t, sent.tx, rest, operations)

	assert.Equal(t, alice.PublicKey(), sent.tx.Message.AccountKeys[0], "fee payer is the first account")
	assert.Equal(t, receipt.String(), sent.tx.Signatures[0].String())
	assert.NoError(t, sent.tx.VerifySignatures())
	assert.True(t, sent.opts.SkipPreflight)
	assert.Equal(t, []rpc.CommitmentType{rpc.CommitmentFinalized}, ledger.commitments)

	require.Len(t, ledger.simulated, 1)
	provisionalUnits, provisionalPrice, _ := decodeBudget(t, ledger.simulated[0])
	assert.Equal(t, DefaultComputeUnits, provisionalUnits)
	assert.Equal(t, ComputeUnitPrice(DefaultComputeUnits), provisionalPrice)
	assert.Equal(t, sent.tx.Message.RecentBlockhash, ledger.simulated[0].Message.RecentBlockhash)

	successes := notifier.byKind(KindSuccess)
	require.Len(t, successes, 1)
	assert.Equal(t, "Successful transaction", successes[0].Message)
	assert.Equal(t, "Sent 5 lamports to Bob", successes[0].Description)
	assert.Equal(t, receipt, successes[0].Receipt)
	assert.NotEmpty(t, successes[0].ID)
	assert.Empty(t, notifier.byKind(KindError))

	assert.Equal(t, 1, completed.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubmissionCount.WithLabelValues("success")))
}

func TestSubmitPreservesOperationOrder(t *testing.T) {
	payer := newKeyWallet(t)
	ledger := &fakeLedger{units: u64(12_345)}
	s := New(ledger)

	operations := []solana.Instruction{
		transfer(1, payer.PublicKey(), newKey(t).PublicKey()),
		solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{}, []byte("fanout")),
		transfer(3, payer.PublicKey(), newKey(t).PublicKey()),
	}

	_, err := s.Submit(context.Background(), operations, payer.PublicKey(), payer, Config{})
	require.NoError(t, err)

	sent := ledger.lastSent(t)
	units, price, rest := decodeBudget(t, sent.tx)
	assert.Equal(t, uint32(12_345), units)
	assert.Equal(t, uint64(810_045), price)
	assertOperations(t, sent.tx, rest, operations)
}

func TestSubmitDefaultBudgetWhenSimulationReportsNoUnits(t *testing.T) {
	for name, units := range map[string]*uint64{
		"absent": nil,
		"zero":   u64(0),
	} {
		t.Run(name, func(t *testing.T) {
			payer := newKeyWallet(t)
			ledger := &fakeLedger{units: units}

			_, err := New(ledger).Submit(context.Background(),
				[]solana.Instruction{transfer(1, payer.PublicKey(), newKey(t).PublicKey())},
				payer.PublicKey(), payer, Config{})
			require.NoError(t, err)

			got, price, _ := decodeBudget(t, ledger.lastSent(t).tx)
			assert.Equal(t, uint32(425_000), got)
			assert.Equal(t, uint64(23_530), price)
		})
	}
}

func TestSubmitEmptyOperations(t *testing.T) {
	payer := newKeyWallet(t)
	ledger := &fakeLedger{units: u64(300)}

	receipt, err := New(ledger).Submit(context.Background(), nil, payer.PublicKey(), payer, Config{})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt)

	_, _, rest := decodeBudget(t, ledger.lastSent(t).tx)
	assert.Empty(t, rest)
}

func TestSubmitRefusingSigner(t *testing.T) {
	payer := newKey(t).PublicKey()
	ledger := &fakeLedger{units: u64(50_000)}
	notifier := &recordingNotifier{}
	completed := &completionCounter{}

	receipt, err := New(ledger, WithNotifier(notifier)).Submit(context.Background(),
		[]solana.Instruction{transfer(5, payer, newKey(t).PublicKey())},
		payer, refusingWallet{pub: payer}, Config{
			Notification: &NotificationConfig{Message: "sent"},
			OnComplete:   completed.done,
		})

	require.Error(t, err)
	assert.True(t, errors.IsSubmissionFailure(err))
	assert.Contains(t, err.Error(), "user rejected the request")
	assert.Empty(t, receipt)
	assert.Empty(t, ledger.sent)

	assert.Equal(t, 1, completed.count())
	failures := notifier.byKind(KindError)
	require.Len(t, failures, 1)
	assert.Equal(t, "Failed transaction", failures[0].Message)
	assert.Equal(t, "user rejected the request", failures[0].Description)
	assert.Empty(t, failures[0].Receipt)
	assert.Empty(t, notifier.byKind(KindSuccess))
}

func TestSubmitSilentFailure(t *testing.T) {
	payer := newKey(t).PublicKey()
	notifier := &recordingNotifier{}
	completed := &completionCounter{}

	receipt, err := New(&fakeLedger{}, WithNotifier(notifier)).Submit(context.Background(),
		[]solana.Instruction{transfer(5, payer, newKey(t).PublicKey())},
		payer, refusingWallet{pub: payer}, Config{
			Silent:       true,
			Notification: &NotificationConfig{ErrorMessage: "Could not create fanout"},
			OnComplete:   completed.done,
		})

	require.NoError(t, err)
	assert.Equal(t, Receipt(""), receipt)
	assert.Equal(t, 1, completed.count())

	failures := notifier.byKind(KindError)
	require.Len(t, failures, 1)
	assert.Equal(t, "Could not create fanout", failures[0].Description)
}

func TestSubmitWithoutNotificationConfigEmitsNothing(t *testing.T) {
	payer := newKey(t).PublicKey()
	notifier := &recordingNotifier{}

	_, err := New(&fakeLedger{}, WithNotifier(notifier)).Submit(context.Background(), nil, payer, refusingWallet{pub: payer}, Config{})
	require.Error(t, err)
	assert.Empty(t, notifier.items)
}

func TestSubmitAdditionalSigners(t *testing.T) {
	payer := newKeyWallet(t)
	s1, s2 := newKey(t), newKey(t)
	dest := newKey(t).PublicKey()
	ledger := &fakeLedger{units: u64(9_000)}

	operations := []solana.Instruction{
		transfer(1, s1.PublicKey(), dest),
		transfer(2, s2.PublicKey(), dest),
	}
	_, err := New(ledger).Submit(context.Background(), operations, payer.PublicKey(), payer, Config{
		Signers: []solana.PrivateKey{s1, s2},
	})
	require.NoError(t, err)

	tx := ledger.lastSent(t).tx
	require.Len(t, tx.Signatures, 3)
	signers := tx.Message.Signers()
	assert.Equal(t, payer.PublicKey(), signers[0])
	assert.ElementsMatch(t, []solana.PublicKey{s1.PublicKey(), s2.PublicKey()}, []solana.PublicKey(signers[1:]))
	for i, sig := range tx.Signatures {
		assert.False(t, sig.IsZero(), "signature %d missing", i)
	}
	assert.NoError(t, tx.VerifySignatures())
}

func TestSubmitRejectsUnknownSigner(t *testing.T) {
	payer := newKeyWallet(t)
	stranger := newKey(t)
	ledger := &fakeLedger{units: u64(9_000)}

	_, err := New(ledger).Submit(context.Background(),
		[]solana.Instruction{transfer(1, payer.PublicKey(), newKey(t).PublicKey())},
		payer.PublicKey(), payer, Config{Signers: []solana.PrivateKey{stranger}})

	require.Error(t, err)
	assert.True(t, errors.IsSubmissionFailure(err))
	assert.Contains(t, err.Error(), "unknown signer "+stranger.PublicKey().String())
	assert.Empty(t, ledger.sent)
}

func TestSubmitTwiceProducesDistinctReceipts(t *testing.T) {
	payer := newKeyWallet(t)
	dest := newKey(t).PublicKey()
	ledger := &fakeLedger{units: u64(50_000)}
	s := New(ledger)

	operations := []solana.Instruction{transfer(5, payer.PublicKey(), dest)}
	first, err := s.Submit(context.Background(), operations, payer.PublicKey(), payer, Config{})
	require.NoError(t, err)
	second, err := s.Submit(context.Background(), operations, payer.PublicKey(), payer, Config{})
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.NotEmpty(t, second)
	assert.NotEqual(t, first, second)
	assert.Len(t, ledger.sent, 2)
}

func TestSubmitStageFailures(t *testing.T) {
	tests := []struct {
		name      string
		ledger    *fakeLedger
		operation string
		cause     string
	}{
		{
			name:      "blockhash",
			ledger:    &fakeLedger{blockErr: errors.New("connection refused")},
			operation: errors.OpFetchBlockhash,
			cause:     "connection refused",
		},
		{
			name:      "simulation",
			ledger:    &fakeLedger{simulateErr: errors.New("custom program error: 0x1")},
			operation: errors.OpSimulate,
			cause:     "custom program error: 0x1",
		},
		{
			name:      "rejected",
			ledger:    &fakeLedger{units: u64(1_000), submitErr: errors.New("Blockhash not found")},
			operation: errors.OpSubmit,
			cause:     "Blockhash not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payer := newKeyWallet(t)
			notifier := &recordingNotifier{}
			completed := &completionCounter{}

			receipt, err := New(tt.ledger, WithNotifier(notifier)).Submit(context.Background(),
				[]solana.Instruction{transfer(1, payer.PublicKey(), newKey(t).PublicKey())},
				payer.PublicKey(), payer, Config{
					Notification: &NotificationConfig{},
					OnComplete:   completed.done,
				})

			require.Error(t, err)
			assert.True(t, errors.IsSubmissionFailure(err))
			assert.Contains(t, err.Error(), tt.cause)
			assert.True(t, strings.HasPrefix(err.Error(), "[submission."+tt.operation+"]"), err.Error())
			assert.Empty(t, receipt)
			assert.Equal(t, 1, completed.count())

			failures := notifier.byKind(KindError)
			require.Len(t, failures, 1)
			assert.Equal(t, tt.cause, failures[0].Description)
		})
	}
}

func TestSubmitConfirmationFailureKeepsReceipt(t *testing.T) {
	payer := newKeyWallet(t)
	ledger := &fakeLedger{
		units:      u64(1_000),
		confirmErr: errors.LedgerErrorf(errors.OpConfirmTransaction, errors.LedgerErrConfirmationTimeout, "not confirmed after %s", "60s"),
	}
	notifier := &recordingNotifier{}

	receipt, err := New(ledger, WithNotifier(notifier)).Submit(context.Background(),
		[]solana.Instruction{transfer(1, payer.PublicKey(), newKey(t).PublicKey())},
		payer.PublicKey(), payer, Config{Notification: &NotificationConfig{}})

	require.Error(t, err)
	assert.True(t, errors.IsLedgerError(err, errors.LedgerErrConfirmationTimeout))
	assert.Equal(t, ledger.lastSent(t).tx.Signatures[0].String(), receipt.String())

	failures := notifier.byKind(KindError)
	require.Len(t, failures, 1)
	assert.Equal(t, receipt, failures[0].Receipt)
}

func TestSubmitPassesConfirmationPolicy(t *testing.T) {
	payer := newKeyWallet(t)
	ledger := &fakeLedger{units: u64(1_000)}

	policy := ConfirmationPolicy{Commitment: rpc.CommitmentFinalized}
	_, err := New(ledger, WithMaxRetries(3)).Submit(context.Background(), nil, payer.PublicKey(), payer, Config{Confirmation: policy})
	require.NoError(t, err)

	opts := ledger.lastSent(t).opts
	assert.Equal(t, policy, opts.Confirmation)
	assert.Equal(t, rpc.CommitmentFinalized, opts.PreflightCommitment)
	require.NotNil(t, opts.MaxRetries)
	assert.Equal(t, uint(3), *opts.MaxRetries)
}

func TestSubmitRunsOnCompleteWhenWalletPanics(t *testing.T) {
	payer := newKey(t).PublicKey()
	completed := &completionCounter{}

	assert.Panics(t, func() {
		_, _ = New(&fakeLedger{}).Submit(context.Background(), nil, payer,
			panickingWallet{refusingWallet{pub: payer}}, Config{OnComplete: completed.done})
	})
	assert.Equal(t, 1, completed.count())
}
