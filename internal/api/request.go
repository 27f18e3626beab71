// internal/api/request.go
package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/cmatc13/hydra/internal/submitter"
	"github.com/cmatc13/hydra/pkg/errors"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// AccountRequest is one account of an instruction.
type AccountRequest struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

// InstructionRequest is an instruction in wire form. Data is base64.
type InstructionRequest struct {
	ProgramID string           `json:"program_id"`
	Accounts  []AccountRequest `json:"accounts"`
	Data      string           `json:"data"`
}

// NotificationRequest enables outcome notifications for one submission.
type NotificationRequest struct {
	Message      string `json:"message"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// SubmitOptions are the per-call submission settings shared by every route.
type SubmitOptions struct {
	// Signers are addresses of co-signers whose keypairs the server holds.
	Signers      []string             `json:"signers,omitempty"`
	Silent       bool                 `json:"silent,omitempty"`
	Commitment   string               `json:"commitment,omitempty"`
	Notification *NotificationRequest `json:"notification,omitempty"`
}

// TransactionRequest is the body of POST /v1/transactions.
type TransactionRequest struct {
	Instructions []InstructionRequest `json:"instructions"`
	SubmitOptions
}

// TransferRequest is the body of POST /v1/transfers.
type TransferRequest struct {
	To       string `json:"to"`
	Lamports uint64 `json:"lamports"`
	SubmitOptions
}

// CoSigners resolves co-signer addresses to keys held by the server.
type CoSigners interface {
	Lookup(pub solana.PublicKey) (solana.PrivateKey, bool)
}

// invalid is a validation failure in the caller's input.
func invalid(format string, args ...interface{}) error {
	return errors.NewAPIError(errors.APIErrValidation, errors.Sprintf(format, args...), errors.ErrInvalidInput)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return errors.NewAPIError(errors.APIErrBadRequest, "request body is empty", errors.ErrInvalidInput)
		}
		return errors.APIWrapWithCode(fmt.Errorf("%w: %v", errors.ErrInvalidInput, err),
			errors.OpParseRequestBody, errors.APIErrBadRequest, "invalid request body")
	}
	return nil
}

// Instruction decodes the wire form into a solana.Instruction.
func (req InstructionRequest) Instruction() (solana.Instruction, error) {
	programID, err := solana.PublicKeyFromBase58(req.ProgramID)
	if err != nil {
		return nil, invalid("invalid program_id %q", req.ProgramID)
	}

	accounts := make(solana.AccountMetaSlice, 0, len(req.Accounts))
	for i, acc := range req.Accounts {
		pubkey, err := solana.PublicKeyFromBase58(acc.Pubkey)
		if err != nil {
			return nil, invalid("account %d: invalid pubkey %q", i, acc.Pubkey)
		}
		accounts = append(accounts, solana.NewAccountMeta(pubkey, acc.IsWritable, acc.IsSigner))
	}

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return nil, invalid("data is not base64")
	}

	return solana.NewInstruction(programID, accounts, data), nil
}

// Operations decodes every instruction of the request in order.
func (req TransactionRequest) Operations() ([]solana.Instruction, error) {
	if len(req.Instructions) == 0 {
		return nil, invalid("at least one instruction is required")
	}
	ops := make([]solana.Instruction, 0, len(req.Instructions))
	for i, in := range req.Instructions {
		inst, err := in.Instruction()
		if err != nil {
			return nil, errors.WrapWithField(err, "instruction", i)
		}
		ops = append(ops, inst)
	}
	return ops, nil
}

// Operations builds the system transfer from payer to the recipient.
func (req TransferRequest) Operations(payer solana.PublicKey) ([]solana.Instruction, error) {
	to, err := solana.PublicKeyFromBase58(req.To)
	if err != nil {
		return nil, invalid("invalid recipient %q", req.To)
	}
	if req.Lamports == 0 {
		return nil, invalid("lamports must be positive")
	}
	return []solana.Instruction{
		system.NewTransferInstruction(req.Lamports, payer, to).Build(),
	}, nil
}

// Config converts the options into a submitter.Config, resolving co-signer
// addresses through cosigners.
func (o SubmitOptions) Config(cosigners CoSigners) (submitter.Config, error) {
	var cfg submitter.Config
	cfg.Silent = o.Silent

	for i, address := range o.Signers {
		pub, err := solana.PublicKeyFromBase58(address)
		if err != nil {
			return submitter.Config{}, invalid("signer %d is not a valid address", i)
		}
		var key solana.PrivateKey
		ok := false
		if cosigners != nil {
			key, ok = cosigners.Lookup(pub)
		}
		if !ok {
			return submitter.Config{}, invalid("signer %s is not held by this server", pub)
		}
		cfg.Signers = append(cfg.Signers, key)
	}

	switch commitment := rpc.CommitmentType(o.Commitment); commitment {
	case "":
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
		cfg.Confirmation.Commitment = commitment
	default:
		return submitter.Config{}, invalid("unsupported commitment %q", o.Commitment)
	}

	if o.Notification != nil {
		cfg.Notification = &submitter.NotificationConfig{
			Message:      o.Notification.Message,
			ErrorMessage: o.Notification.ErrorMessage,
		}
	}
	return cfg, nil
}
