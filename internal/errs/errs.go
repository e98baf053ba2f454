// Package errs names the error kinds from the ingestion engine's error
// handling design: sentinel values meant to be compared with errors.Is
// and wrapped with fmt.Errorf("...: %w", ...) at the point of failure.
package errs

import "errors"

var (
	// ErrMalformedIdentifier is returned by the identifier codec when a
	// string does not parse into a 14-character CNPJ after stripping.
	ErrMalformedIdentifier = errors.New("malformed identifier")

	// ErrAcquisitionFailed is returned when an archive could not be
	// downloaded after its retry budget is exhausted.
	ErrAcquisitionFailed = errors.New("archive acquisition failed")

	// ErrProjectionFailed is returned when a prefix's join query could
	// not be executed or its rows could not be decoded.
	ErrProjectionFailed = errors.New("document projection failed")

	// ErrPrefixUploadFailed is returned when a prefix's scratch
	// directory could not be uploaded; the catalog is not updated for
	// that prefix's items when this error is returned.
	ErrPrefixUploadFailed = errors.New("prefix upload failed")

	// ErrCatalogUploadFailed is a non-fatal warning surfaced when the
	// hash catalog archive could not be uploaded at publish time.
	ErrCatalogUploadFailed = errors.New("catalog upload failed")

	// ErrSampleMismatch marks a single sampled identifier whose local
	// and remote canonical hashes disagree (or whose remote fetch
	// failed); it never aborts the sampler run.
	ErrSampleMismatch = errors.New("sample hash mismatch")

	// ErrDatabaseUnavailable is returned when the hash catalog could
	// not be opened (lock held elsewhere, or database open failure).
	ErrDatabaseUnavailable = errors.New("hash catalog unavailable")

	// ErrCatalogCorrupt is returned when an existing catalog file does
	// not match the expected schema.
	ErrCatalogCorrupt = errors.New("hash catalog corrupt")
)
