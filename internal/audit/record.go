package audit

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	xerrors "OpenACP-Core/internal/errors"
)

// OrchestratorIdentity 是系统级决策使用的 agent_id。
const OrchestratorIdentity = "orchestrator"

// Record 是写入后不可变的审计记录。
type Record struct {
	AuditID      int64          `json:"audit_id" yaml:"audit_id" cbor:"audit_id"`
	Timestamp    time.Time      `json:"timestamp" yaml:"timestamp" cbor:"timestamp"`
	AgentID      string         `json:"agent_id" yaml:"agent_id" cbor:"agent_id"`
	DecisionType string         `json:"decision_type" yaml:"decision_type" cbor:"decision_type"`
	Inputs       map[string]any `json:"inputs" yaml:"inputs" cbor:"inputs"`
	Outputs      map[string]any `json:"outputs" yaml:"outputs" cbor:"outputs"`
	Reasoning    string         `json:"reasoning,omitempty" yaml:"reasoning,omitempty" cbor:"reasoning,omitempty"`
}

// TimeRange 是闭区间，零值端点表示不限。
type TimeRange struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Contains 判断时间点是否落在区间内。
func (r *TimeRange) Contains(ts time.Time) bool {
	if r == nil {
		return true
	}
	if !r.Start.IsZero() && ts.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && ts.After(r.End) {
		return false
	}
	return true
}

// Query 描述历史查询与模式分析的过滤条件。
// Criteria 中除 agent_id、decision_type、since、until 外的键按相等匹配 inputs 或 outputs。
type Query struct {
	AgentID      string
	DecisionType string
	Range        *TimeRange
	Criteria     map[string]any
}

// Normalize 把 Criteria 中的保留键提升为结构化字段。
func (q Query) Normalize() (Query, error) {
	out := Query{AgentID: q.AgentID, DecisionType: q.DecisionType}
	if q.Range != nil {
		r := *q.Range
		out.Range = &r
	}
	for key, value := range q.Criteria {
		switch key {
		case "agent_id":
			out.AgentID = fmt.Sprint(value)
		case "decision_type":
			out.DecisionType = fmt.Sprint(value)
		case "since", "until":
			ts, err := parseTime(value)
			if err != nil {
				return Query{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "时间过滤条件无效", xerrors.WithMetadata("key", key))
			}
			if out.Range == nil {
				out.Range = &TimeRange{}
			}
			if key == "since" {
				out.Range.Start = ts
			} else {
				out.Range.End = ts
			}
		default:
			if out.Criteria == nil {
				out.Criteria = make(map[string]any)
			}
			out.Criteria[key] = value
		}
	}
	return out, nil
}

// Matches 判断记录是否满足已规范化的查询。
func (q Query) Matches(rec Record) bool {
	if q.AgentID != "" && rec.AgentID != q.AgentID {
		return false
	}
	if q.DecisionType != "" && rec.DecisionType != q.DecisionType {
		return false
	}
	if !q.Range.Contains(rec.Timestamp) {
		return false
	}
	for key, want := range q.Criteria {
		if got, ok := rec.Inputs[key]; ok && valuesEqual(got, want) {
			continue
		}
		if got, ok := rec.Outputs[key]; ok && valuesEqual(got, want) {
			continue
		}
		return false
	}
	return true
}

// Filter 返回满足查询的记录，按 audit_id 升序。
func Filter(records []Record, q Query) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		if q.Matches(rec) {
			out = append(out, rec)
		}
	}
	SortByID(out)
	return out
}

// SortByID 按 audit_id 升序排序。
func SortByID(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].AuditID < records[j].AuditID })
}

func parseTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		return time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", value)
	}
}

// valuesEqual 在数值类型不同但值相同时也视为相等，文件与数据库后端回读的数字为 float64。
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	fa, okA := number(a)
	fb, okB := number(b)
	if okA && okB {
		return fa == fb
	}
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ra) == string(rb)
}

func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func cloneRecord(rec Record) Record {
	rec.Inputs = CloneMap(rec.Inputs)
	rec.Outputs = CloneMap(rec.Outputs)
	return rec
}

// CloneMap 递归复制 map 与 slice，记录写入后不与调用方共享任何可变值。
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, json.Number, time.Time:
		return v
	case map[string]any:
		return CloneMap(val)
	case []any:
		if val == nil {
			return val
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case map[string]string:
		if val == nil {
			return val
		}
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out
	}
	return cloneReflect(reflect.ValueOf(v)).Interface()
}

// cloneReflect 处理其余 map、slice、数组与指针类型。
func cloneReflect(rv reflect.Value) reflect.Value {
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), cloneElem(iter.Value(), rv.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneElem(rv.Index(i), rv.Type().Elem()))
		}
		return out
	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(cloneElem(rv.Index(i), rv.Type().Elem()))
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Type().Elem())
		out.Elem().Set(cloneElem(rv.Elem(), rv.Type().Elem()))
		return out
	}
	return rv
}

func cloneElem(v reflect.Value, typ reflect.Type) reflect.Value {
	if typ.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(typ)
		}
		return reflect.ValueOf(cloneValue(v.Interface()))
	}
	return cloneReflect(v)
}
