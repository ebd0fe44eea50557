package orchestrator

import (
	"fmt"
	"sort"
)

// Candidate 是某项能力的合格智能体，按注册顺序排列。
type Candidate struct {
	AgentID    string
	TrustLevel float64
}

// Selector 从候选列表中为能力挑选一个智能体。
type Selector interface {
	Name() string
	Pick(capability string, candidates []Candidate) (string, bool)
}

// FirstSelector 选择注册顺序中的第一个候选。
type FirstSelector struct{}

func (FirstSelector) Name() string { return "first" }

func (FirstSelector) Pick(_ string, candidates []Candidate) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[0].AgentID, true
}

// TrustRankedSelector 选择信任度最高的候选，相同信任度按注册顺序。
type TrustRankedSelector struct{}

func (TrustRankedSelector) Name() string { return "trust_ranked" }

func (TrustRankedSelector) Pick(_ string, candidates []Candidate) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	ranked := append([]Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].TrustLevel > ranked[j].TrustLevel
	})
	return ranked[0].AgentID, true
}

// SelectorByName 根据配置名称返回选择策略。
func SelectorByName(name string) (Selector, error) {
	switch name {
	case "", "first":
		return FirstSelector{}, nil
	case "trust_ranked":
		return TrustRankedSelector{}, nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", name)
	}
}
