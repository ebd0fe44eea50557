package auth

import (
	"net/http"
	"strings"

	xerrors "OpenACP-Core/internal/errors"
)

// Mode 控制管理 API 的认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
)

const (
	CodeUnauthenticated  xerrors.Code = "UNAUTHENTICATED"
	CodePermissionDenied xerrors.Code = "PERMISSION_DENIED"
)

var (
	// ErrMissingToken 表示请求未携带凭证。
	ErrMissingToken = xerrors.New(CodeUnauthenticated, "missing bearer token")
	// ErrInvalidToken 表示凭证不属于任何已配置的密钥。
	ErrInvalidToken = xerrors.New(CodeUnauthenticated, "invalid token")
	// ErrPermissionDenied 表示主体缺少所需权限。
	ErrPermissionDenied = xerrors.New(CodePermissionDenied, "permission denied")
)

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:    "authentication required",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnauthorized,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:    "permission denied",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusForbidden,
	})
}

// Key 是一把静态 API 密钥及其权限。
type Key struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	Permissions []string `yaml:"permissions"`
}

// Subject 是通过认证的调用方，经由 context 传给处理器。
type Subject struct {
	Name        string
	Permissions []string

	permissionsSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permissionsSet != nil {
		return
	}
	s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
	for _, perm := range s.Permissions {
		s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
	}
}

// HasPermission 判断主体是否拥有权限，"*" 与 "<area>:*" 作为通配。
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	permission = strings.ToLower(strings.TrimSpace(permission))
	if _, ok := s.permissionsSet["*"]; ok {
		return true
	}
	if _, ok := s.permissionsSet[permission]; ok {
		return true
	}
	if area, _, found := strings.Cut(permission, ":"); found {
		_, ok := s.permissionsSet[area+":*"]
		return ok
	}
	return false
}

// Authorize 在缺少任一权限时返回 ErrPermissionDenied。
func (s *Subject) Authorize(permissions ...string) error {
	for _, perm := range permissions {
		if !s.HasPermission(perm) {
			return xerrors.Wrap(CodePermissionDenied, ErrPermissionDenied, "缺少权限: "+perm, xerrors.WithMetadata("permission", perm))
		}
	}
	return nil
}

// PermissionFor 根据路径所在的资源区域与请求方法推导所需权限，
// 例如 GET /api/v1/workflows 需要 workflows:read，POST 需要 workflows:write。
func PermissionFor(method, path string) string {
	rest := strings.TrimPrefix(path, "/api/v1/")
	if rest == path {
		return ""
	}
	area, _, _ := strings.Cut(rest, "/")
	if area == "" {
		return ""
	}
	switch method {
	case http.MethodGet, http.MethodHead:
		return area + ":read"
	default:
		return area + ":write"
	}
}
