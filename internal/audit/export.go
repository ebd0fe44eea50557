package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// 支持的导出格式。
const (
	FormatJSON  = "json"
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
	FormatYAML  = "yaml"
	FormatCBOR  = "cbor"
)

// DefaultFormat 是未指定格式时的导出格式。
const DefaultFormat = FormatJSON

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("audit: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("audit: CBOR decoder initialization failed: " + err.Error())
	}
}

// Formats 返回内置编码器支持的格式。
func Formats() []string {
	return []string{FormatJSON, FormatJSONL, FormatCSV, FormatYAML, FormatCBOR}
}

// ContentType 返回导出格式对应的 MIME 类型。
func ContentType(format string) string {
	switch normalizeFormat(format) {
	case FormatJSON:
		return "application/json"
	case FormatJSONL:
		return "application/x-ndjson"
	case FormatCSV:
		return "text/csv"
	case FormatYAML:
		return "application/yaml"
	case FormatCBOR:
		return "application/cbor"
	default:
		return "application/octet-stream"
	}
}

func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return DefaultFormat
	}
	return format
}

// Encode 按 audit_id 升序序列化记录。
func Encode(format string, records []Record) ([]byte, error) {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	SortByID(sorted)

	switch f := normalizeFormat(format); f {
	case FormatJSON:
		return json.Marshal(sorted)
	case FormatJSONL:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, rec := range sorted {
			if err := enc.Encode(rec); err != nil {
				return nil, err
			}
		}
		return buf.Bytes(), nil
	case FormatCSV:
		return encodeCSV(sorted)
	case FormatYAML:
		return yaml.Marshal(sorted)
	case FormatCBOR:
		return cborEnc.Marshal(sorted)
	default:
		return nil, &UnsupportedFormatError{Format: format}
	}
}

// Decode 是 Encode 的逆操作，CSV 不支持回读。
func Decode(format string, data []byte) ([]Record, error) {
	var records []Record
	switch f := normalizeFormat(format); f {
	case FormatJSON:
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, err
		}
	case FormatJSONL:
		dec := json.NewDecoder(bytes.NewReader(data))
		for dec.More() {
			var rec Record
			if err := dec.Decode(&rec); err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &records); err != nil {
			return nil, err
		}
	case FormatCBOR:
		if err := cborDec.Unmarshal(data, &records); err != nil {
			return nil, err
		}
	default:
		return nil, &UnsupportedFormatError{Format: format}
	}
	return records, nil
}

var csvHeader = []string{"audit_id", "timestamp", "agent_id", "decision_type", "inputs", "outputs", "reasoning"}

func encodeCSV(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, rec := range records {
		inputs, err := json.Marshal(rec.Inputs)
		if err != nil {
			return nil, err
		}
		outputs, err := json.Marshal(rec.Outputs)
		if err != nil {
			return nil, err
		}
		row := []string{
			strconv.FormatInt(rec.AuditID, 10),
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.AgentID,
			rec.DecisionType,
			string(inputs),
			string(outputs),
			rec.Reasoning,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
