package service

import (
	"encoding/json"
	"time"
)

// Вспомогательные функции для безопасного извлечения полей из
// map[string]interface{} с данными события Stripe.

// getStringValue безопасно извлекает строковое значение.
func getStringValue(data map[string]interface{}, key string) string {
	if val, ok := data[key].(string); ok {
		return val
	}
	return ""
}

// getMetadata извлекает метаданные объекта события.
func getMetadata(data map[string]interface{}) map[string]interface{} {
	if meta, ok := data["metadata"].(map[string]interface{}); ok {
		return meta
	}
	return nil
}

// getInt64Value безопасно извлекает int64 значение.
// Stripe часто возвращает числа как float64, даже если они целые.
func getInt64Value(data map[string]interface{}, key string) int64 {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case float64:
			return int64(v)
		case int64:
			return v
		case json.Number:
			i, err := v.Int64()
			if err == nil {
				return i
			}
		}
	}
	return 0
}

// getTimeValueFromUnix безопасно извлекает время из Unix timestamp.
func getTimeValueFromUnix(data map[string]interface{}, key string) time.Time {
	unixTimestamp := getInt64Value(data, key)
	if unixTimestamp > 0 {
		return time.Unix(unixTimestamp, 0).UTC()
	}
	return time.Time{}
}
