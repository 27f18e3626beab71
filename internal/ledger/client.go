// Package ledger talks to a Solana cluster over JSON-RPC on behalf of the
// submitter: blockhash lookup, simulation, raw submission and confirmation
// polling.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/cmatc13/hydra/internal/submitter"
	"github.com/cmatc13/hydra/pkg/config"
	"github.com/cmatc13/hydra/pkg/errors"
	"github.com/cmatc13/hydra/pkg/logging"
	"github.com/cmatc13/hydra/pkg/metrics"
)

const dependencyName = "solana_rpc"

// Defaults applied to zero fields of a submitter.ConfirmationPolicy.
const (
	DefaultCommitment   = rpc.CommitmentConfirmed
	DefaultTimeout      = 60 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// Client implements submitter.Ledger on top of a solana-go RPC client.
type Client struct {
	rpc     *rpc.Client
	policy  submitter.ConfirmationPolicy
	logger  *logging.Logger
	metrics *metrics.Metrics
	service string
}

var _ submitter.Ledger = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithConfirmation sets the policy used when a call leaves fields unset.
func WithConfirmation(policy submitter.ConfirmationPolicy) Option {
	return func(c *Client) {
		if policy.Commitment != "" {
			c.policy.Commitment = policy.Commitment
		}
		if policy.Timeout > 0 {
			c.policy.Timeout = policy.Timeout
		}
		if policy.PollInterval > 0 {
			c.policy.PollInterval = policy.PollInterval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records RPC latency and errors under the given service label.
func WithMetrics(m *metrics.Metrics, service string) Option {
	return func(c *Client) {
		c.metrics = m
		c.service = service
	}
}

// New creates a client for the RPC endpoint.
func New(endpoint string, opts ...Option) *Client {
	return NewWithRPC(rpc.New(endpoint), opts...)
}

// FromConfig creates a client for cfg.Endpoint whose default confirmation
// policy comes from cfg.
func FromConfig(cfg config.RPCConfig, opts ...Option) *Client {
	return New(cfg.Endpoint, append([]Option{WithConfirmation(PolicyFromConfig(cfg))}, opts...)...)
}

// PolicyFromConfig reads the confirmation policy from cfg.
func PolicyFromConfig(cfg config.RPCConfig) submitter.ConfirmationPolicy {
	return submitter.ConfirmationPolicy{
		Commitment:   rpc.CommitmentType(cfg.Commitment),
		Timeout:      cfg.ConfirmTimeout,
		PollInterval: cfg.PollInterval,
	}
}

// NewWithRPC wraps an existing RPC client.
func NewWithRPC(cl *rpc.Client, opts ...Option) *Client {
	c := &Client{
		rpc: cl,
		policy: submitter.ConfirmationPolicy{
			Commitment:   DefaultCommitment,
			Timeout:      DefaultTimeout,
			PollInterval: DefaultPollInterval,
		},
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the underlying HTTP client.
func (c *Client) Close() error {
	return c.rpc.Close()
}

// LatestBlockhash returns the latest blockhash at commitment.
func (c *Client) LatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (solana.Hash, error) {
	start := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx, commitment)
	c.observe(errors.OpGetLatestBlockhash, start, err)
	if err != nil {
		return solana.Hash{}, errors.LedgerWrap(err, errors.OpGetLatestBlockhash, errors.LedgerErrRPC, "get latest blockhash")
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, errors.LedgerErrorf(errors.OpGetLatestBlockhash, errors.LedgerErrRPC, "empty blockhash response")
	}
	return out.Value.Blockhash, nil
}

// Simulate runs tx without signature verification. Unsigned transactions get
// zeroed placeholder signatures so they serialize. A simulation that reports
// an execution error is returned as a LedgerErrSimulation error.
func (c *Client) Simulate(ctx context.Context, tx *solana.Transaction) (submitter.Simulation, error) {
	unsigned := *tx
	if len(unsigned.Signatures) == 0 {
		unsigned.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	}

	start := time.Now()
	out, err := c.rpc.SimulateTransactionWithOpts(ctx, &unsigned, &rpc.SimulateTransactionOpts{
		SigVerify:  false,
		Commitment: c.policy.Commitment,
	})
	c.observe(errors.OpSimulateTransaction, start, err)
	if err != nil {
		return submitter.Simulation{}, errors.LedgerWrap(err, errors.OpSimulateTransaction, errors.LedgerErrRPC, "simulate transaction")
	}
	if out == nil || out.Value == nil {
		return submitter.Simulation{}, errors.LedgerErrorf(errors.OpSimulateTransaction, errors.LedgerErrRPC, "empty simulation response")
	}

	result := out.Value
	if result.Err != nil {
		simErr := errors.LedgerErrorf(errors.OpSimulateTransaction, errors.LedgerErrSimulation,
			"simulation failed: %s", describe(result.Err))
		return submitter.Simulation{}, errors.WrapWithField(simErr, "logs", strings.Join(result.Logs, "\n"))
	}

	c.logger.WithContext(ctx).Debug("Simulated transaction", "units_consumed", result.UnitsConsumed, "logs", len(result.Logs))
	return submitter.Simulation{UnitsConsumed: result.UnitsConsumed, Logs: result.Logs}, nil
}

// SubmitSigned sends raw and polls its status until opts.Confirmation is
// satisfied. The signature is returned whenever the node accepted the send,
// including when confirmation then fails.
func (c *Client) SubmitSigned(ctx context.Context, raw []byte, opts submitter.SubmitOptions) (solana.Signature, error) {
	policy := c.resolve(opts.Confirmation)

	sendOpts := rpc.TransactionOpts{
		SkipPreflight:       opts.SkipPreflight,
		PreflightCommitment: opts.PreflightCommitment,
		MaxRetries:          opts.MaxRetries,
	}
	if sendOpts.PreflightCommitment == "" {
		sendOpts.PreflightCommitment = policy.Commitment
	}

	start := time.Now()
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, sendOpts)
	c.observe(errors.OpSendTransaction, start, err)
	if err != nil {
		return solana.Signature{}, errors.LedgerWrap(err, errors.OpSendTransaction, errors.LedgerErrRejected, "send transaction")
	}

	if err := c.confirm(ctx, sig, policy); err != nil {
		return sig, errors.WrapWithField(err, "signature", sig.String())
	}
	return sig, nil
}

// Health calls getHealth and fails unless the node answers "ok".
func (c *Client) Health(ctx context.Context) error {
	start := time.Now()
	status, err := c.rpc.GetHealth(ctx)
	c.observe(errors.OpGetHealth, start, err)
	if err != nil {
		return errors.LedgerWrap(err, errors.OpGetHealth, errors.LedgerErrRPC, "get health")
	}
	if status != rpc.HealthOk {
		return errors.LedgerErrorf(errors.OpGetHealth, errors.LedgerErrRPC, "node reports %q", status)
	}
	return nil
}

func (c *Client) confirm(ctx context.Context, sig solana.Signature, policy submitter.ConfirmationPolicy) error {
	log := c.logger.WithContext(ctx).WithField("signature", sig.String())

	pollCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	ticker := time.NewTicker(policy.PollInterval)
	defer ticker.Stop()

	for {
		out, err := c.rpc.GetSignatureStatuses(pollCtx, false, sig)
		switch {
		case err == nil && len(out.Value) > 0 && out.Value[0] != nil:
			status := out.Value[0]
			if status.Err != nil {
				return errors.LedgerErrorf(errors.OpConfirmTransaction, errors.LedgerErrRejected,
					"transaction %s failed: %s", sig, describe(status.Err))
			}
			if reached(status, policy.Commitment) {
				log.Debug("Transaction confirmed", "slot", status.Slot, "status", string(status.ConfirmationStatus))
				return nil
			}
		case err != nil && !errors.Is(err, rpc.ErrNotFound) && pollCtx.Err() == nil:
			log.WithError(err).Warn("Signature status poll failed")
			if c.metrics != nil {
				c.metrics.RecordDependencyError(c.service, dependencyName, errors.OpConfirmTransaction)
			}
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return errors.LedgerWrap(ctx.Err(), errors.OpConfirmTransaction, errors.LedgerErrRPC, "confirmation abandoned")
			}
			return errors.LedgerWrap(
				fmt.Errorf("transaction %s not %s after %s: %w", sig, policy.Commitment, policy.Timeout, errors.ErrTimeout),
				errors.OpConfirmTransaction, errors.LedgerErrConfirmationTimeout, "confirmation timed out")
		case <-ticker.C:
		}
	}
}

func (c *Client) resolve(policy submitter.ConfirmationPolicy) submitter.ConfirmationPolicy {
	if policy.Commitment == "" {
		policy.Commitment = c.policy.Commitment
	}
	if policy.Timeout <= 0 {
		policy.Timeout = c.policy.Timeout
	}
	if policy.PollInterval <= 0 {
		policy.PollInterval = c.policy.PollInterval
	}
	return policy
}

func (c *Client) observe(operation string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordDependencyLatency(c.service, dependencyName, operation, time.Since(start))
	if err != nil {
		c.metrics.RecordDependencyError(c.service, dependencyName, operation)
	}
}

// reached reports whether status satisfies commitment. A status without a
// confirmation level and without a confirmation count is rooted.
func reached(status *rpc.SignatureStatusesResult, commitment rpc.CommitmentType) bool {
	level := rank(status.ConfirmationStatus)
	if status.ConfirmationStatus == "" && status.Confirmations == nil {
		level = rank(rpc.ConfirmationStatusFinalized)
	}
	want := 2
	switch commitment {
	case rpc.CommitmentProcessed:
		want = 1
	case rpc.CommitmentFinalized:
		want = 3
	}
	return level >= want
}

func rank(s rpc.ConfirmationStatusType) int {
	switch s {
	case rpc.ConfirmationStatusProcessed:
		return 1
	case rpc.ConfirmationStatusConfirmed:
		return 2
	case rpc.ConfirmationStatusFinalized:
		return 3
	default:
		return 0
	}
}

// describe renders an RPC error value, usually a JSON object, as text.
func describe(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
