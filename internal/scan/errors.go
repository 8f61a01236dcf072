package scan

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the orchestrator.
var (
	// ErrAdmissionRejected signals that the running-job limit is reached.
	ErrAdmissionRejected = errors.New("admission rejected: too many running jobs")
	// ErrJobNotFound signals an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists signals a duplicate job id.
	ErrJobExists = errors.New("job already exists")
	// ErrJobTerminal signals a transition attempted on a finished job.
	ErrJobTerminal = errors.New("job already finished")
	// ErrRecordUnavailable signals a status file that is missing or mid-write.
	ErrRecordUnavailable = errors.New("status record not yet available")
)

// Reason classifies a URL rejection.
type Reason string

// Rejection reasons.
const (
	ReasonEmpty         Reason = "empty"
	ReasonTooLong       Reason = "too_long"
	ReasonMalformed     Reason = "malformed"
	ReasonInjection     Reason = "injection"
	ReasonScheme        Reason = "scheme"
	ReasonPort          Reason = "port"
	ReasonCredentials   Reason = "credentials"
	ReasonPrivateHost   Reason = "private_host"
	ReasonMetadataHost  Reason = "metadata_host"
	ReasonUntrustedHost Reason = "untrusted_host"
	ReasonShape         Reason = "shape"
	ReasonResolution    Reason = "resolution"
)

// ValidationError is returned for unsafe or malformed repository URLs. It is
// always produced before any side effect.
type ValidationError struct {
	Reason Reason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invalid repository url: %s", e.Reason)
	}
	return fmt.Sprintf("invalid repository url: %s: %s", e.Reason, e.Detail)
}

// FetchStage names the step of a fetch that failed.
type FetchStage string

// Fetch stages.
const (
	StageResolve  FetchStage = "resolve"
	StageDownload FetchStage = "download"
	StageVerify   FetchStage = "verify"
	StageExtract  FetchStage = "extract"
	StageClone    FetchStage = "clone"
)

// FetchError wraps a failure to turn a URL into a local directory.
type FetchError struct {
	Stage FetchStage
	URL   string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Stage, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
