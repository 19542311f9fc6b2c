package errors

// Code is a stable machine-readable error code of the form CATEGORY_XXX,
// where CATEGORY is a short identifier (VAL, AUTH, INT, ...) and XXX is a
// three-digit number. Codes never change once assigned; new conditions get
// new codes.
type Code string

const (
	// Validation errors (VAL_xxx) - HTTP 400

	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field does not match its expected format.
	CodeValidationFormat Code = "VAL_003"

	// Authentication errors (AUTH_xxx) - HTTP 401

	// CodeAuthentication indicates a general authentication failure,
	// including absent credentials.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired indicates the presented token has expired
	// or is not yet valid.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationInvalid indicates the presented token is malformed,
	// has an unverifiable signature, or carries claims that do not match
	// the expected issuer or audience.
	CodeAuthenticationInvalid Code = "AUTH_003"

	// Authorization errors (AUTHZ_xxx) - HTTP 403

	// CodeAuthorization indicates the authenticated identity is not
	// permitted to perform the operation.
	CodeAuthorization Code = "AUTHZ_001"

	// Not found errors (NF_xxx) - HTTP 404

	// CodeNotFound indicates the referenced resource does not exist.
	CodeNotFound Code = "NF_001"

	// Conflict errors (CONF_xxx) - HTTP 409

	// CodeConflict indicates the operation conflicts with current state,
	// for example a lock already held or a migration checksum mismatch.
	CodeConflict Code = "CONF_001"

	// Internal errors (INT_xxx) - HTTP 500

	// CodeInternal indicates an unexpected internal failure.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a database operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates invalid or unloadable configuration.
	CodeInternalConfiguration Code = "INT_003"

	// Unavailable errors (UNAVAIL_xxx) - HTTP 503

	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates an upstream dependency (certs
	// endpoint, log ingest, Redis, Postgres) cannot be reached.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// Timeout errors (TIMEOUT_xxx) - HTTP 504

	// CodeTimeout indicates an operation exceeded its deadline.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDependency indicates a call to a dependency timed out.
	CodeTimeoutDependency Code = "TIMEOUT_002"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the code (e.g. "AUTH", "VAL").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
