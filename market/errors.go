package market

import (
	"errors"
	"fmt"
)

// Store/common error taxonomy.

var (
	ErrAlreadyExists    = errors.New("market: already exists")
	ErrAlreadyCountered = errors.New("market: already countered")
	ErrProposalCountered = errors.New("market: proposal countered")
	ErrNotFound         = errors.New("market: not found")
	ErrTerminalState    = errors.New("market: terminal state")
	ErrNoNegotiations   = errors.New("market: no negotiations")
	ErrOwnProposal      = errors.New("market: own proposal")
	ErrInternal         = errors.New("market: internal error")
)

// InvalidTransitionError reports a rejected Agreement state transition.
type InvalidTransitionError struct {
	From AgreementState
	To   AgreementState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("market: invalid transition from %s to %s", e.From, e.To)
}

// AlreadyExistsAgreementError is returned when save_agreement collides with an
// Agreement that already promotes the same Proposal pair.
type AlreadyExistsAgreementError struct {
	AgreementId AgreementId
	ProposalId  ProposalId
}

func (e *AlreadyExistsAgreementError) Error() string {
	return fmt.Sprintf("market: agreement %s already promotes proposal %s", e.AgreementId, e.ProposalId)
}

func (e *AlreadyExistsAgreementError) Unwrap() error { return ErrAlreadyExists }

// ProposalError is returned by CommonBroker/RequestorBroker proposal
// operations.
type ProposalError struct {
	Op   string
	Id   ProposalId
	Err  error
	Send error // set when the local state committed but the peer send failed
}

func (e *ProposalError) Error() string {
	if e.Send != nil {
		return fmt.Sprintf("market: proposal %s: send to peer failed: %v", e.Id, e.Send)
	}
	return fmt.Sprintf("market: proposal %s: %s: %v", e.Id, e.Op, e.Err)
}

func (e *ProposalError) Unwrap() error {
	if e.Send != nil {
		return e.Send
	}
	return e.Err
}

// NewProposalSendError wraps a peer-bus delivery failure for an otherwise
// already-persisted Proposal.
func NewProposalSendError(id ProposalId, err error) *ProposalError {
	return &ProposalError{Op: "send", Id: id, Send: err}
}

// AgreementError is returned by local Agreement API operations. Unlike
// RemoteAgreementError, these surface with full detail to the local caller.
type AgreementError struct {
	Op  string
	Id  AgreementId
	Err error
}

func (e *AgreementError) Error() string {
	return fmt.Sprintf("market: agreement %s: %s: %v", e.Id, e.Op, e.Err)
}

func (e *AgreementError) Unwrap() error { return e.Err }

// QueryEventsError wraps a failure obtaining events for a subscription.
type QueryEventsError struct {
	Subscription SubscriptionId
	Err          error
}

func (e *QueryEventsError) Error() string {
	return fmt.Sprintf("market: query events for %s: %v", e.Subscription, e.Err)
}

func (e *QueryEventsError) Unwrap() error { return e.Err }

// WaitForApprovalError is returned by RequestorBroker.WaitForApproval.
type WaitForApprovalError struct {
	Id  AgreementId
	Err error
}

func (e *WaitForApprovalError) Error() string {
	return fmt.Sprintf("market: wait for approval of %s: %v", e.Id, e.Err)
}

func (e *WaitForApprovalError) Unwrap() error { return e.Err }

var (
	ErrTimeout    = errors.New("market: timeout")
	ErrExpired    = errors.New("market: expired")
	ErrNotConfirmed = errors.New("market: not confirmed")
	ErrTerminated = errors.New("market: terminated")
)

// RemoteAgreementErrorKind enumerates the redacted error disposition reported
// back to a peer.
type RemoteAgreementErrorKind int

const (
	RemoteNotFound RemoteAgreementErrorKind = iota
	RemoteExpired
	RemoteInvalidState
	RemoteInternalError
)

// RemoteAgreementError is the only error shape ever sent back to a peer
// callback. It never reveals whether an entity exists to a non-party caller.
type RemoteAgreementError struct {
	Kind AgreementId
	What RemoteAgreementErrorKind
	From AgreementState // populated only for RemoteInvalidState
}

func (e *RemoteAgreementError) Error() string {
	switch e.What {
	case RemoteNotFound:
		return "not found"
	case RemoteExpired:
		return "expired"
	case RemoteInvalidState:
		return fmt.Sprintf("invalid state: %s", e.From)
	default:
		return "internal error"
	}
}

func NotFoundRemote(id AgreementId) *RemoteAgreementError {
	return &RemoteAgreementError{Kind: id, What: RemoteNotFound}
}

func ExpiredRemote(id AgreementId) *RemoteAgreementError {
	return &RemoteAgreementError{Kind: id, What: RemoteExpired}
}

func InvalidStateRemote(id AgreementId, from AgreementState) *RemoteAgreementError {
	return &RemoteAgreementError{Kind: id, What: RemoteInvalidState, From: from}
}

func InternalRemote(id AgreementId) *RemoteAgreementError {
	return &RemoteAgreementError{Kind: id, What: RemoteInternalError}
}

// RedactToRemote collapses a local/internal error into the taxonomy a peer is
// allowed to see: existence and internal detail never cross the wire.
func RedactToRemote(id AgreementId, err error) *RemoteAgreementError {
	return redactToRemote(id, err)
}

func redactToRemote(id AgreementId, err error) *RemoteAgreementError {
	var invalid *InvalidTransitionError
	if errors.As(err, &invalid) {
		if invalid.From == AgreementExpired {
			return ExpiredRemote(id)
		}
		return InvalidStateRemote(id, invalid.From)
	}
	if errors.Is(err, ErrNotFound) {
		return NotFoundRemote(id)
	}
	return InternalRemote(id)
}
