package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden          ErrCode = "FORBIDDEN"
	ErrStudentAccessOnly  ErrCode = "STUDENT_ACCESS_ONLY"
	ErrReviewerAccessOnly ErrCode = "REVIEWER_ACCESS_ONLY"
	ErrNotSessionOwner    ErrCode = "NOT_SESSION_OWNER"
	ErrNotExamAuthor      ErrCode = "NOT_EXAM_AUTHOR"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrInvalidQuery   ErrCode = "INVALID_QUERY"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound        ErrCode = "NOT_FOUND"
	ErrExamNotFound    ErrCode = "EXAM_NOT_FOUND"
	ErrSessionNotFound ErrCode = "SESSION_NOT_FOUND"

	// ─── Session lifecycle ─────────────────────────────────────────────
	ErrExamNotAvailable  ErrCode = "EXAM_NOT_AVAILABLE"
	ErrInvalidTransition ErrCode = "INVALID_TRANSITION"
	ErrCorruptLog        ErrCode = "CORRUPT_LOG"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "Anda tidak memiliki izin untuk mengakses sumber daya ini."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrReviewerAccessOnly:
		return "Sumber daya ini terbatas untuk guru dan administrator."
	case ErrNotSessionOwner:
		return "Sesi ujian ini bukan milik Anda."
	case ErrNotExamAuthor:
		return "Anda bukan pembuat ujian ini."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."
	case ErrInvalidQuery:
		return "Parameter kueri tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrExamNotFound:
		return "Ujian tidak ditemukan."
	case ErrSessionNotFound:
		return "Sesi ujian tidak ditemukan."

	// ─── Session lifecycle ─────────────────────────────────────────────
	case ErrExamNotAvailable:
		return "Ujian ini saat ini tidak tersedia."
	case ErrInvalidTransition:
		return "Sesi ujian sudah berakhir."
	case ErrCorruptLog:
		return "Log pengawasan tidak dapat dibaca."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}
