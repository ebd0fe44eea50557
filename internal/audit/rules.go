package audit

import (
	"fmt"
	"strings"
)

// RulesEngine 校验一条决策数据，返回是否有效以及按顺序排列的原因。
type RulesEngine interface {
	Validate(decision map[string]any) (bool, []string)
}

// RulesFunc 让普通函数满足 RulesEngine。
type RulesFunc func(decision map[string]any) (bool, []string)

func (f RulesFunc) Validate(decision map[string]any) (bool, []string) { return f(decision) }

// BaselineFields 是未配置规则引擎时检查的字段。
var BaselineFields = []string{"agent_id", "decision_type", "inputs", "outputs"}

// baselineValidate 为每个缺失字段生成一条原因。
func baselineValidate(decision map[string]any) (bool, []string) {
	return requireFields(decision, BaselineFields)
}

func requireFields(decision map[string]any, fields []string) (bool, []string) {
	reasons := make([]string, 0)
	for _, field := range fields {
		if _, ok := decision[field]; !ok {
			reasons = append(reasons, "Missing required field: "+field)
		}
	}
	return len(reasons) == 0, reasons
}

// PolicyRules 是内置的规则引擎。
type PolicyRules struct {
	// RequiredFields 为空时使用 BaselineFields。
	RequiredFields []string
	// AllowedDecisionTypes 为空时不限制决策类型。
	AllowedDecisionTypes []string
	// RequireReasoning 列出必须带有非空 reasoning 的决策类型。
	RequireReasoning []string
}

// Validate 实现 RulesEngine 接口。
func (p PolicyRules) Validate(decision map[string]any) (bool, []string) {
	fields := p.RequiredFields
	if len(fields) == 0 {
		fields = BaselineFields
	}
	_, reasons := requireFields(decision, fields)

	decisionType, _ := decision["decision_type"].(string)
	if len(p.AllowedDecisionTypes) > 0 && decisionType != "" && !contains(p.AllowedDecisionTypes, decisionType) {
		reasons = append(reasons, fmt.Sprintf("Decision type not allowed: %s", decisionType))
	}
	if contains(p.RequireReasoning, decisionType) {
		reasoning, _ := decision["reasoning"].(string)
		if strings.TrimSpace(reasoning) == "" {
			reasons = append(reasons, fmt.Sprintf("Reasoning required for decision type: %s", decisionType))
		}
	}
	return len(reasons) == 0, reasons
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

var (
	_ RulesEngine = PolicyRules{}
	_ RulesEngine = RulesFunc(nil)
)
