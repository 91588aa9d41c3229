// Package logger 提供以 key/value 欄位輸出的簡易結構化 log
// 格式: LEVEL message {"key":"value"}
package logger

import (
	"encoding/json"
	"log"
	"strings"
)

// Fields log 欄位
type Fields map[string]any

var sensitiveKeys = map[string]struct{}{
	"password": {},
	"dsn":      {},
}

// Info 一般資訊
func Info(message string, fields Fields) {
	log.Printf("INFO %s %s", message, fieldsJSON(fields))
}

// Warn 可恢復的異常 (例如事件丟棄、重試)
func Warn(message string, fields Fields) {
	log.Printf("WARN %s %s", message, fieldsJSON(fields))
}

// Error 錯誤，err 會放進 "error" 欄位
func Error(message string, err error, fields Fields) {
	base := make(Fields, len(fields)+1)
	for k, v := range fields {
		base[k] = v
	}
	if err != nil {
		base["error"] = err.Error()
	}
	log.Printf("ERROR %s %s", message, fieldsJSON(base))
}

func fieldsJSON(fields Fields) string {
	if fields == nil {
		fields = Fields{}
	}
	b, err := json.Marshal(sanitize(fields))
	if err != nil {
		return `{}`
	}
	return string(b)
}

func sanitize(fields Fields) Fields {
	out := make(Fields, len(fields))
	for key, value := range fields {
		if isSensitiveKey(key) {
			out[key] = "******"
			continue
		}
		// fmt.Stringer (例如 domain.Amount) 以字串輸出，避免金額被印成最小單位整數
		if s, ok := value.(interface{ String() string }); ok {
			out[key] = s.String()
			continue
		}
		out[key] = value
	}
	return out
}

func isSensitiveKey(key string) bool {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(key), "_", ""))
	_, ok := sensitiveKeys[normalized]
	return ok
}
