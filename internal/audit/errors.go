package audit

import (
	"fmt"
	"net/http"

	xerrors "OpenACP-Core/internal/errors"
)

const (
	CodeUnsupportedFormat   xerrors.Code = "UNSUPPORTED_FORMAT"
	CodeNoBackendConfigured xerrors.Code = "NO_BACKEND_CONFIGURED"
	CodeStoreFailed         xerrors.Code = "AUDIT_STORE_FAILED"
)

var (
	// ErrUnsupportedFormat 表示后端不支持请求的导出格式。
	ErrUnsupportedFormat = xerrors.New(CodeUnsupportedFormat, "unsupported export format")
	// ErrNoBackendConfigured 表示审计记录不会被持久化。
	ErrNoBackendConfigured = xerrors.New(CodeNoBackendConfigured, "no audit storage backend configured", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrStoreFailed 表示存储后端拒绝了记录。
	ErrStoreFailed = xerrors.New(CodeStoreFailed, "failed to store audit record")
)

func init() {
	xerrors.Register(CodeUnsupportedFormat, xerrors.Attributes{
		Message:    "unsupported export format",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeNoBackendConfigured, xerrors.Attributes{
		Message:    "no audit storage backend configured",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusServiceUnavailable,
	})
	xerrors.Register(CodeStoreFailed, xerrors.Attributes{
		Message:    "failed to store audit record",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
}

// UnsupportedFormatError 携带被拒绝的格式名，errors.Is 可与 ErrUnsupportedFormat 比较。
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("[%s] unsupported export format %q", CodeUnsupportedFormat, e.Format)
}

func (e *UnsupportedFormatError) Unwrap() error {
	return ErrUnsupportedFormat
}
