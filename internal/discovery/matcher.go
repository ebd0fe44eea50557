package discovery

import (
	"path"
	"regexp"
	"strings"

	xerrors "OpenACP-Core/internal/errors"
)

// Matcher 把模式编译为能力名判定函数。
type Matcher interface {
	Name() string
	Compile(pattern string) (func(capability string) bool, error)
}

// SubstringMatcher 是默认的子串匹配。
type SubstringMatcher struct{}

func (SubstringMatcher) Name() string { return "substring" }

func (SubstringMatcher) Compile(pattern string) (func(string) bool, error) {
	return func(capability string) bool {
		return strings.Contains(capability, pattern)
	}, nil
}

// GlobMatcher 使用 path.Match 语义，例如 "update_*"。
type GlobMatcher struct{}

func (GlobMatcher) Name() string { return "glob" }

func (GlobMatcher) Compile(pattern string) (func(string) bool, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "glob 模式无效")
	}
	return func(capability string) bool {
		ok, _ := path.Match(pattern, capability)
		return ok
	}, nil
}

// RegexMatcher 使用正则表达式匹配能力名。
type RegexMatcher struct{}

func (RegexMatcher) Name() string { return "regex" }

func (RegexMatcher) Compile(pattern string) (func(string) bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "正则模式无效")
	}
	return re.MatchString, nil
}

// MatcherByName 返回内置匹配器，未知名称返回 false。
func MatcherByName(name string) (Matcher, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "substring":
		return SubstringMatcher{}, true
	case "glob":
		return GlobMatcher{}, true
	case "regex":
		return RegexMatcher{}, true
	default:
		return nil, false
	}
}
