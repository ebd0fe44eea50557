package orchestrator

import "strings"

// Planner 从任务描述推导所需能力，返回空切片表示无法确定。
type Planner interface {
	Plan(task Task) []string
}

// PlannerFunc 让普通函数满足 Planner。
type PlannerFunc func(task Task) []string

func (f PlannerFunc) Plan(task Task) []string { return f(task) }

// DefaultTaskTable 返回内置的任务类型查找表。
func DefaultTaskTable() map[string][]string {
	return map[string][]string{
		"schedule_update":     {"update_calendar"},
		"task_assignment":     {"evaluate", "assign"},
		"learning_assessment": {"analyze", "suggest_module"},
	}
}

// TablePlanner 优先使用任务显式列出的能力，否则按任务类型查表。
type TablePlanner struct {
	table map[string][]string
}

// NewTablePlanner 复制查找表，nil 时使用 DefaultTaskTable。
func NewTablePlanner(table map[string][]string) *TablePlanner {
	if table == nil {
		table = DefaultTaskTable()
	}
	copied := make(map[string][]string, len(table))
	for k, v := range table {
		copied[strings.TrimSpace(k)] = append([]string(nil), v...)
	}
	return &TablePlanner{table: copied}
}

// Plan 实现 Planner 接口。
func (p *TablePlanner) Plan(task Task) []string {
	if len(task.Capabilities) > 0 {
		return append([]string(nil), task.Capabilities...)
	}
	caps, ok := p.table[strings.TrimSpace(task.Type)]
	if !ok {
		return []string{}
	}
	return append([]string(nil), caps...)
}

var _ Planner = (*TablePlanner)(nil)
