// Package submitter builds, budgets, signs and submits Solana transactions.
//
// A submission fetches a finalized blockhash, simulates a provisional
// transaction carrying the default compute budget, rebuilds it with the
// measured compute units, collects the wallet's and any co-signers'
// signatures, and sends it with preflight disabled. The outcome is reported
// through an optional Notifier and the per-call OnComplete callback.
package submitter

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"

	"github.com/cmatc13/hydra/pkg/errors"
	"github.com/cmatc13/hydra/pkg/logging"
	"github.com/cmatc13/hydra/pkg/metrics"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"

	successMessage = "Successful transaction"
	failureMessage = "Failed transaction"
)

// Submitter submits transactions through a Ledger. It holds no per-call state
// and is safe for concurrent use.
type Submitter struct {
	ledger     Ledger
	notifier   Notifier
	logger     *logging.Logger
	metrics    *metrics.Metrics
	maxRetries *uint
	now        func() time.Time
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithNotifier sets the sink for success and failure notifications.
func WithNotifier(n Notifier) Option {
	return func(s *Submitter) { s.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Submitter) { s.logger = l }
}

// WithMetrics records submission outcomes and compute budgets.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Submitter) { s.metrics = m }
}

// WithMaxRetries sets the node-side rebroadcast limit passed on every send.
func WithMaxRetries(n uint) Option {
	return func(s *Submitter) { s.maxRetries = &n }
}

// New creates a Submitter using ledger for all network access.
func New(ledger Ledger, opts ...Option) *Submitter {
	s := &Submitter{
		ledger: ledger,
		logger: logging.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit executes operations atomically in one transaction paid by feePayer
// and signed by wallet. On failure it returns an error satisfying
// errors.IsSubmissionFailure together with the receipt of the send, if one
// happened. With cfg.Silent set failures return an empty receipt and no error.
func (s *Submitter) Submit(ctx context.Context, operations []solana.Instruction, feePayer solana.PublicKey, wallet Wallet, cfg Config) (Receipt, error) {
	if cfg.OnComplete != nil {
		defer cfg.OnComplete()
	}

	start := s.now()
	log := s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"fee_payer":  feePayer.String(),
		"operations": len(operations),
	})

	receipt, err := s.submit(ctx, operations, feePayer, wallet, cfg, log)
	elapsed := s.now().Sub(start)

	if err != nil {
		log.WithError(err).Error("Transaction failed", "receipt", receipt.String(), "duration", elapsed.String())
		if s.metrics != nil {
			s.metrics.RecordSubmission(statusFailure, elapsed)
		}
		if cfg.Notification != nil {
			description := cfg.Notification.ErrorMessage
			if description == "" {
				description = errors.Cause(err).Error()
			}
			s.notify(ctx, KindError, failureMessage, description, receipt)
		}
		if cfg.Silent {
			return "", nil
		}
		return receipt, err
	}

	log.Info("Successful transaction", "receipt", receipt.String(), "duration", elapsed.String())
	if s.metrics != nil {
		s.metrics.RecordSubmission(statusSuccess, elapsed)
	}
	if cfg.Notification != nil {
		s.notify(ctx, KindSuccess, successMessage, cfg.Notification.Message, receipt)
	}

	return receipt, nil
}

func (s *Submitter) submit(ctx context.Context, operations []solana.Instruction, feePayer solana.PublicKey, wallet Wallet, cfg Config, log *logging.Logger) (Receipt, error) {
	blockhash, err := s.ledger.LatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", errors.SubmissionFailure(err, errors.OpFetchBlockhash)
	}

	provisional, err := buildTransaction(operations, feePayer, blockhash, NewComputeBudget(DefaultComputeUnits))
	if err != nil {
		return "", errors.SubmissionFailure(err, errors.OpBuild)
	}

	sim, err := s.ledger.Simulate(ctx, provisional)
	if err != nil {
		return "", errors.SubmissionFailure(err, errors.OpSimulate)
	}

	budget := NewComputeBudget(unitsFromSimulation(sim))
	log.Debug("Compute budget measured", "units", budget.Units, "micro_lamports", budget.MicroLamports)

	tx, err := buildTransaction(operations, feePayer, blockhash, budget)
	if err != nil {
		return "", errors.SubmissionFailure(err, errors.OpBuild)
	}

	signed, err := wallet.SignTransaction(ctx, tx)
	if err != nil {
		return "", errors.SubmissionFailure(err, errors.OpSign)
	}
	if signed == nil {
		return "", errors.SubmissionFailure(errors.New("wallet returned no transaction"), errors.OpSign)
	}

	if err := partialSign(signed, cfg.Signers); err != nil {
		return "", errors.SubmissionFailure(err, errors.OpPartialSign)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return "", errors.SubmissionFailure(err, errors.OpSerialize)
	}

	if s.metrics != nil {
		s.metrics.RecordComputeBudget(budget.Units, budget.MicroLamports)
	}

	sig, err := s.ledger.SubmitSigned(ctx, raw, SubmitOptions{
		SkipPreflight:       true,
		PreflightCommitment: cfg.Confirmation.Commitment,
		MaxRetries:          s.maxRetries,
		Confirmation:        cfg.Confirmation,
	})
	var receipt Receipt
	if !sig.IsZero() {
		receipt = Receipt(sig.String())
	}
	if err != nil {
		return receipt, errors.SubmissionFailure(err, errors.OpSubmit)
	}
	if receipt == "" {
		return "", errors.SubmissionFailure(errors.New("ledger returned an empty signature"), errors.OpSubmit)
	}

	return receipt, nil
}

// partialSign adds the signatures of signers to tx. A signer the transaction
// does not require is an error rather than being silently skipped.
func partialSign(tx *solana.Transaction, signers []solana.PrivateKey) error {
	if len(signers) == 0 {
		return nil
	}

	keys := make(map[solana.PublicKey]solana.PrivateKey, len(signers))
	for _, signer := range signers {
		pub := signer.PublicKey()
		if !tx.Message.IsSigner(pub) {
			return fmt.Errorf("unknown signer %s", pub)
		}
		keys[pub] = signer
	}

	_, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if pk, ok := keys[key]; ok {
			return &pk
		}
		return nil
	})
	return err
}

func (s *Submitter) notify(ctx context.Context, kind NotificationKind, message, description string, receipt Receipt) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, Notification{
		ID:          uuid.NewString(),
		Kind:        kind,
		Message:     message,
		Description: description,
		Receipt:     receipt,
		Timestamp:   s.now().UTC(),
	})
}
