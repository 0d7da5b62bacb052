package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable failure tag recorded on an event and
// returned to callers.
type ErrorKind string

const (
	KindSecretUnavailable    ErrorKind = "SecretUnavailable"
	KindSecretNotFound       ErrorKind = "SecretNotFound"
	KindUnsupportedEventType ErrorKind = "UnsupportedEventType"
	KindMalformedPayload     ErrorKind = "MalformedPayload"
	KindInvalidCredential    ErrorKind = "InvalidCredential"
	KindSigningFailed        ErrorKind = "SigningFailed"
	KindTransmissionRetry    ErrorKind = "TransmissionFailed:Retryable"
	KindTransmissionFatal    ErrorKind = "TransmissionFailed:Fatal"
	KindServiceRejectedBatch ErrorKind = "ServiceRejectedBatch"
	KindPollTimeout          ErrorKind = "PollTimeout"
	KindInterrupted          ErrorKind = "PipelineInterrupted"
	KindNotFound             ErrorKind = "NotFound"
	KindInternal             ErrorKind = "Internal"
)

type Stage string

const (
	StageLoad       Stage = "load"
	StageClaim      Stage = "claim"
	StageBuild      Stage = "build"
	StageCredential Stage = "credential"
	StageSign       Stage = "sign"
	StageTransmit   Stage = "transmit"
	StagePersist    Stage = "persist"
	StagePoll       Stage = "poll"
)

var (
	ErrNotFound             = errors.New("not_found")
	ErrInvalidEventID       = errors.New("invalid_event_id")
	ErrInvalidEventType     = errors.New("invalid_event_type")
	ErrInvalidCompany       = errors.New("invalid_company")
	ErrInvalidSubject       = errors.New("invalid_subject")
	ErrInvalidReferenceDate = errors.New("invalid_reference_date")
	ErrInvalidPayload       = errors.New("invalid_payload")
	ErrEventNotEditable     = errors.New("event_not_editable")
	ErrRequeryNotAllowed    = errors.New("requery_not_allowed")
	ErrSubmissionInProgress = errors.New("submission_in_progress")
	ErrResubmitNotAllowed   = errors.New("resubmit_not_allowed")
	ErrXMLUnavailable       = errors.New("xml_unavailable")
	ErrReceiptUnavailable   = errors.New("receipt_unavailable")
	ErrDuplicateEvent       = errors.New("duplicate_event")
	ErrInvalidTransition    = errors.New("invalid_transition")
)

// PipelineError is a stage failure tagged with its taxonomy kind.
type PipelineError struct {
	Stage     Stage
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// KindOf extracts the taxonomy tag from err, or "" when err is untagged.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return ""
}
