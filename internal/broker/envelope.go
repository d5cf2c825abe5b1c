package broker

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// envelope - обертка ответа брокера {"s":"ok","d":{...}}
type envelope struct {
	Status  *string         `json:"s"`
	Data    json.RawMessage `json:"d"`
	Message string          `json:"errmsg"`
}

// unwrapEnvelope возвращает полезную нагрузку ответа
//
// Если в теле есть поле "d", возвращается его содержимое,
// иначе тело целиком. Ответы без конверта принимаются как есть.
func unwrapEnvelope(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return trimmed
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return trimmed
	}
	return env.Data
}

// envelopeFailed проверяет статус конверта: "s" присутствует и не равен "ok"
func envelopeFailed(body []byte) (string, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", false
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Status == nil {
		return "", false
	}
	if strings.EqualFold(*env.Status, "ok") {
		return "", false
	}
	return env.Message, true
}

// decodePayload снимает конверт и разбирает полезную нагрузку в v
func decodePayload(body []byte, v interface{}) error {
	return json.Unmarshal(unwrapEnvelope(body), v)
}

// parseErrorBody возвращает тело ошибки как разобранный JSON, либо строкой
func parseErrorBody(body []byte) interface{} {
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed != nil {
		return parsed
	}
	return string(body)
}

// flexString принимает как JSON строку, так и число
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// flexFloat принимает число или строку с числом ("1000.50")
type flexFloat struct {
	Value float64
	Valid bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if strings.TrimSpace(raw) == "" {
			return nil
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return err
	}
	f.Value = v
	f.Valid = true
	return nil
}

// firstValid возвращает первое заданное значение
func firstValid(values ...flexFloat) (float64, bool) {
	for _, v := range values {
		if v.Valid {
			return v.Value, true
		}
	}
	return 0, false
}

// toInt64 разбирает идентификатор, пришедший строкой или числом
func toInt64(f flexString) int64 {
	n, err := strconv.ParseInt(string(f), 10, 64)
	if err != nil {
		if fv, ferr := strconv.ParseFloat(string(f), 64); ferr == nil {
			return int64(fv)
		}
		return 0
	}
	return n
}
