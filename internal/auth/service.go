package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"strings"

	xerrors "OpenACP-Core/internal/errors"
	"OpenACP-Core/pkg/logger"
)

// Config 描述认证配置。
type Config struct {
	Mode string `yaml:"mode"`
	Keys []Key  `yaml:"keys"`
}

type keyEntry struct {
	digest  [sha256.Size]byte
	subject Subject
}

// Service 校验 Authorization 头中的静态 API 密钥。
type Service struct {
	mode  Mode
	keys  []keyEntry
	audit *slog.Logger
}

// NewService 根据配置构造认证服务。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(cfg.Mode)))
	switch mode {
	case "", ModeDisabled:
		return &Service{mode: ModeDisabled}, nil
	case ModeAPIKey:
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的认证模式: "+cfg.Mode)
	}
	if len(cfg.Keys) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "api_key 模式至少需要一把密钥")
	}
	s := &Service{mode: mode, audit: logger.Audit()}
	for _, k := range cfg.Keys {
		token := strings.TrimSpace(k.Token)
		if token == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "密钥 token 不能为空", xerrors.WithMetadata("name", k.Name))
		}
		s.keys = append(s.keys, keyEntry{
			digest:  sha256.Sum256([]byte(token)),
			subject: Subject{Name: k.Name, Permissions: append([]string(nil), k.Permissions...)},
		})
	}
	return s, nil
}

// Enabled 报告是否需要认证。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// AuthenticateRequest 解析 "Bearer <token>" 并返回匹配的主体。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	for i := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], s.keys[i].digest[:]) == 1 {
			subject := s.keys[i].subject
			subject.permissionsSet = nil
			return &subject, nil
		}
	}
	return nil, ErrInvalidToken
}
