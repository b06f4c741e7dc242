package consensus

import (
	torerrors "github.com/opd-ai/go-tor/pkg/errors"
)

// installReason values populate *errors.TorError's Context["reason"] for
// errors returned by ingest/install, matching the error kinds enumerated in
// §7.
const (
	reasonUnparseable            = "UnparseableDocument"
	reasonWrongFlavor             = "WrongFlavor"
	reasonUninterestingFlavor     = "UninterestingFlavor"
	reasonExpiredFromCache        = "ExpiredFromCache"
	reasonDuplicate               = "Duplicate"
	reasonAtLeastAsOldAsCurrent   = "AtLeastAsOldAsCurrent"
	reasonInsufficientSignatures  = "InsufficientSignatures"
	reasonWaitingForCerts         = "WaitingForCerts"
)

// retryableReasons are the §7 error kinds returned as retryable errors.
// InsufficientSignatures is a hard failure and is not listed.
var retryableReasons = map[string]bool{
	reasonWaitingForCerts: true,
}

// consensusErr delegates to errors.ConsensusError: Wrap with a nil
// underlying behaves identically to New, so one call covers both cases.
func consensusErr(reason, message string, underlying error) error {
	return torerrors.ConsensusError(message, underlying).WithContext("reason", reason)
}

// consensusErrRetryable delegates to errors.ConsensusErrorRetryable. This
// moves the retryable case from SeverityLow to SeverityMedium, matching the
// severity every other Common error constructor in pkg/errors uses for its
// retryable family member (ConnectionError, CircuitError, DirectoryError).
func consensusErrRetryable(reason, message string, underlying error) error {
	return torerrors.ConsensusErrorRetryable(message, underlying).WithContext("reason", reason)
}

// ReasonOf extracts the §7 error kind from an error produced by this
// package, or "" if err did not originate here.
func ReasonOf(err error) string {
	var e *torerrors.TorError
	if err == nil {
		return ""
	}
	if te, ok := err.(*torerrors.TorError); ok {
		e = te
	} else {
		return ""
	}
	if e.Context == nil {
		return ""
	}
	reason, _ := e.Context["reason"].(string)
	return reason
}

// InstallOutcome classifies what happened to a document handed to Core.
type InstallOutcome int

const (
	// OutcomeInstalled means the document replaced the active consensus.
	OutcomeInstalled InstallOutcome = iota
	// OutcomeRejected means install() preconditions failed; see ReasonOf(err).
	OutcomeRejected
	// OutcomeWaitingForCerts means the document was parked pending certificates.
	OutcomeWaitingForCerts
)

// InstallResult reports what install()/ingest() did with a document.
type InstallResult struct {
	Outcome InstallOutcome
}
