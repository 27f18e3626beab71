package submitter

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Receipt identifies a submitted transaction. It is the base58 signature
// returned by the network, or empty if nothing was submitted.
type Receipt string

func (r Receipt) String() string { return string(r) }

// Ledger is the network client a Submitter talks to.
type Ledger interface {
	// LatestBlockhash returns the most recent blockhash at the given commitment.
	LatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (solana.Hash, error)
	// Simulate executes tx without committing it. Signatures are not verified.
	Simulate(ctx context.Context, tx *solana.Transaction) (Simulation, error)
	// SubmitSigned sends a serialized transaction and waits for confirmation
	// according to opts. When the send succeeded but confirmation did not,
	// the signature is returned together with the error.
	SubmitSigned(ctx context.Context, raw []byte, opts SubmitOptions) (solana.Signature, error)
}

// Simulation is the outcome of a successful simulation.
type Simulation struct {
	// UnitsConsumed is nil when the node did not report it.
	UnitsConsumed *uint64
	Logs          []string
}

// SubmitOptions controls how a signed transaction is sent and confirmed.
type SubmitOptions struct {
	SkipPreflight       bool
	PreflightCommitment rpc.CommitmentType
	// MaxRetries is passed to the node; nil leaves the node default.
	MaxRetries   *uint
	Confirmation ConfirmationPolicy
}

// ConfirmationPolicy describes how strictly to wait for a submitted
// transaction. Zero fields are filled in by the Ledger implementation.
type ConfirmationPolicy struct {
	Commitment   rpc.CommitmentType
	Timeout      time.Duration
	PollInterval time.Duration
}

// Wallet is the signing authority for the fee payer.
type Wallet interface {
	PublicKey() solana.PublicKey
	// SignTransaction returns tx carrying the wallet's signature. It may
	// refuse by returning an error.
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// NotificationKind distinguishes success from failure notifications.
type NotificationKind string

const (
	KindSuccess NotificationKind = "success"
	KindError   NotificationKind = "error"
)

// Notification reports the outcome of one submission.
type Notification struct {
	ID          string           `json:"id"`
	Kind        NotificationKind `json:"kind"`
	Message     string           `json:"message"`
	Description string           `json:"description,omitempty"`
	Receipt     Receipt          `json:"receipt,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Notifier receives submission outcomes. Implementations must not block the
// caller for long and have no way to report failure back to the Submitter.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotificationConfig enables notifications for a call.
type NotificationConfig struct {
	// Message becomes the description of the success notification.
	Message string
	// ErrorMessage becomes the description of the failure notification. When
	// empty the failure's own message is used.
	ErrorMessage string
}

// Config is supplied per Submit call.
type Config struct {
	// Silent suppresses the returned error. The failure is still logged and
	// notified.
	Silent bool
	// Signers partially sign after the wallet. Each must be a required signer
	// of one of the operations.
	Signers      []solana.PrivateKey
	Confirmation ConfirmationPolicy
	// Notification is nil when no notification should be emitted.
	Notification *NotificationConfig
	// OnComplete runs exactly once when Submit returns or panics.
	OnComplete func()
}
