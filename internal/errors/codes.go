// Package errors provides structured error handling for searchd.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: configuration errors
//   - 2XX: IO and persistence errors
//   - 3XX: external dependency errors (store, embedder, LLM)
//   - 4XX: validation errors
//   - 5XX: internal errors
package errors

// Kind classifies an error for callers that dispatch on failure mode
// rather than on individual codes.
type Kind string

const (
	// KindNotFound indicates a tenant has no index (and auto-build is off).
	KindNotFound Kind = "NOT_FOUND"
	// KindInvalidInput indicates malformed filters, bad k, or a dimension
	// mismatch at insert.
	KindInvalidInput Kind = "INVALID_INPUT"
	// KindConflict indicates two lifecycle operations raced (e.g. destroy
	// against build); the error reports which won.
	KindConflict Kind = "CONFLICT"
	// KindDependency indicates an external collaborator failed (store,
	// embedder, LLM, disk).
	KindDependency Kind = "DEPENDENCY"
	// KindCorruption indicates a persisted index failed version, dimension,
	// or structural validation.
	KindCorruption Kind = "CORRUPTION"
	// KindCancelled indicates the caller cancelled the operation.
	KindCancelled Kind = "CANCELLED"
	// KindInternal indicates an unexpected internal error.
	KindInternal Kind = "INTERNAL"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO / persistence errors (200-299)
	ErrCodeFileNotFound    = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission  = "ERR_202_FILE_PERMISSION"
	ErrCodeCorruptIndex    = "ERR_205_CORRUPT_INDEX"
	ErrCodeVersionMismatch = "ERR_206_VERSION_MISMATCH"

	// Dependency errors (300-399)
	ErrCodeStoreUnavailable = "ERR_301_STORE_UNAVAILABLE"
	ErrCodeEmbedderFailed   = "ERR_302_EMBEDDER_FAILED"
	ErrCodeLLMFailed        = "ERR_303_LLM_FAILED"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeInvalidFilter     = "ERR_403_INVALID_FILTER"
	ErrCodeIndexNotFound     = "ERR_404_INDEX_NOT_FOUND"
	ErrCodeBuildConflict     = "ERR_409_BUILD_CONFLICT"

	// Internal errors (500-599)
	ErrCodeInternal       = "ERR_501_INTERNAL"
	ErrCodeSearchFailed   = "ERR_503_SEARCH_FAILED"
	ErrCodeChunkingFailed = "ERR_504_CHUNKING_FAILED"
	ErrCodeIndexFailed    = "ERR_505_INDEX_FAILED"
	ErrCodeCancelled      = "ERR_506_CANCELLED"
)

// kindFromCode maps an error code to its Kind.
func kindFromCode(code string) Kind {
	switch code {
	case ErrCodeIndexNotFound:
		return KindNotFound
	case ErrCodeBuildConflict:
		return KindConflict
	case ErrCodeCorruptIndex, ErrCodeVersionMismatch:
		return KindCorruption
	case ErrCodeCancelled:
		return KindCancelled
	case ErrCodeStoreUnavailable, ErrCodeEmbedderFailed, ErrCodeLLMFailed:
		return KindDependency
	}

	if len(code) < 7 {
		return KindInternal
	}
	switch code[4] {
	case '1', '4':
		return KindInvalidInput
	case '2', '3':
		return KindDependency
	default:
		return KindInternal
	}
}

// isRetryableCode reports whether an error code represents a transient
// failure worth retrying.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeStoreUnavailable, ErrCodeEmbedderFailed, ErrCodeLLMFailed:
		return true
	default:
		return false
	}
}
