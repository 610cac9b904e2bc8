package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mmeshcher/imagejobs/internal/model"
)

// StatusCode перечисляет известные статусы обработчика.
type StatusCode int

const (
	// В ответе нет поля статуса.
	StatusAbsent StatusCode = iota
	StatusUnknown
	StatusQueued
	StatusProcessing
	StatusReady
	StatusMaxEnhanced
	StatusFailed
)

func (c StatusCode) String() string {
	switch c {
	case StatusAbsent:
		return "absent"
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusReady:
		return "ready"
	case StatusMaxEnhanced:
		return "max_enhanced"
	case StatusFailed:
		return "error"
	default:
		return "unknown"
	}
}

// Ready сообщает, что обработчик объявил результат готовым.
func (c StatusCode) Ready() bool {
	return c == StatusReady || c == StatusMaxEnhanced
}

// ParseStatusCode переводит строковый или числовой код обработчика в перечисление.
// Нераспознанный код даёт StatusUnknown.
func ParseStatusCode(raw string) StatusCode {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)

	switch s {
	case "":
		return StatusAbsent
	case "ready", "done", "1":
		return StatusReady
	case "max_enhanced", "maxenhanced", "2":
		return StatusMaxEnhanced
	case "error", "failed", "-1":
		return StatusFailed
	case "queued", "pending", "0":
		return StatusQueued
	case "processing", "in_progress", "running", "3":
		return StatusProcessing
	default:
		return StatusUnknown
	}
}

// ErrProviderMapping возвращается, если ответ обработчика не содержит ожидаемых полей.
var ErrProviderMapping = errors.New("provider response mapping failed")

// StatusResponse содержит разобранный ответ на запрос статуса.
type StatusResponse struct {
	Code StatusCode
	// Код в том виде, в каком его прислал обработчик.
	RawCode string
	Message string
	// Исходное тело ответа.
	Raw json.RawMessage

	fields map[string]json.RawMessage
}

type nestedResult struct {
	URL string `json:"url"`
}

// ResultField возвращает имя вложенного поля результата для типа задания.
func ResultField(t model.JobType) string {
	switch t {
	case model.JobTypeBackgroundRemoval:
		return "processed"
	case model.JobTypeUpscale:
		return "enhanced"
	default:
		return "result"
	}
}

// ResultURL извлекает адрес результата из поля, соответствующего типу задания.
func (s *StatusResponse) ResultURL(t model.JobType) (string, error) {
	field := ResultField(t)
	raw, ok := s.fields[field]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: missing %s.url for %s", ErrProviderMapping, field, t)
	}

	var nr nestedResult
	if err := json.Unmarshal(raw, &nr); err != nil {
		return "", fmt.Errorf("%w: decode %s: %v", ErrProviderMapping, field, err)
	}
	if nr.URL == "" {
		return "", fmt.Errorf("%w: empty %s.url for %s", ErrProviderMapping, field, t)
	}
	return nr.URL, nil
}

// Mapping описывает внутренний статус задания, соответствующий статусу обработчика.
type Mapping struct {
	Status    model.JobStatus
	ResultURL *string
	Message   string
}

// Terminal сообщает, что сопоставление требует записи терминального перехода.
func (m Mapping) Terminal() bool {
	return m.Status.Terminal()
}

// Map сопоставляет ответ обработчика внутреннему статусу задания.
func Map(t model.JobType, s *StatusResponse) (Mapping, error) {
	switch {
	case s.Code.Ready():
		url, err := s.ResultURL(t)
		if err != nil {
			return Mapping{}, err
		}
		return Mapping{Status: model.JobStatusCompleted, ResultURL: &url}, nil
	case s.Code == StatusFailed:
		msg := s.Message
		if msg == "" {
			msg = "provider reported an error"
		}
		return Mapping{Status: model.JobStatusFailed, Message: msg}, nil
	case s.Code == StatusAbsent:
		return Mapping{Status: model.JobStatusPending}, nil
	default:
		return Mapping{Status: model.JobStatusProcessing}, nil
	}
}

// ParseStatusResponse разбирает тело ответа на запрос статуса, сохраняя его целиком.
func ParseStatusResponse(body []byte) (*StatusResponse, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: decode status: %v", ErrProviderMapping, err)
	}

	resp := &StatusResponse{
		Raw:    json.RawMessage(body),
		fields: fields,
	}

	if raw, ok := fields["status"]; ok && string(raw) != "null" {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			var n json.Number
			if err := json.Unmarshal(raw, &n); err != nil {
				return nil, fmt.Errorf("%w: status is neither string nor number", ErrProviderMapping)
			}
			s = n.String()
		}
		resp.RawCode = s
	}
	resp.Code = ParseStatusCode(resp.RawCode)

	for _, key := range []string{"message", "error"} {
		if raw, ok := fields[key]; ok {
			var msg string
			if json.Unmarshal(raw, &msg) == nil && msg != "" {
				resp.Message = msg
				break
			}
		}
	}

	return resp, nil
}
