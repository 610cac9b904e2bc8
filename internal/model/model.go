// Package model содержит доменные сущности сервиса обработки изображений.
package model

import (
	"fmt"
	"time"
)

// IdentityKind различает зарегистрированных пользователей и анонимные отпечатки.
type IdentityKind string

const (
	IdentityUser        IdentityKind = "user"
	IdentityFingerprint IdentityKind = "fingerprint"
)

// Identity описывает владельца заданий и кредитного баланса.
type Identity struct {
	Kind IdentityKind
	ID   string
}

// UserIdentity создаёт идентичность зарегистрированного пользователя.
func UserIdentity(id string) Identity {
	return Identity{Kind: IdentityUser, ID: id}
}

// FingerprintIdentity создаёт анонимную идентичность по отпечатку клиента.
func FingerprintIdentity(fp string) Identity {
	return Identity{Kind: IdentityFingerprint, ID: fp}
}

// Anonymous сообщает, является ли идентичность анонимной.
func (i Identity) Anonymous() bool {
	return i.Kind == IdentityFingerprint
}

// Key возвращает ключ, по которому идентичность учитывается в лимитере и леджере.
func (i Identity) Key() string {
	if i.Anonymous() {
		return "fp:" + i.ID
	}
	return "user:" + i.ID
}

func (i Identity) String() string {
	return i.Key()
}

// JobType описывает вид обработки изображения.
type JobType string

const (
	JobTypeBackgroundRemoval JobType = "bg_removal"
	JobTypeUpscale           JobType = "upscale"
	JobTypeFaceSwap          JobType = "face_swap"
)

// ParseJobType проверяет строковое значение типа задания.
func ParseJobType(s string) (JobType, error) {
	switch t := JobType(s); t {
	case JobTypeBackgroundRemoval, JobTypeUpscale, JobTypeFaceSwap:
		return t, nil
	default:
		return "", fmt.Errorf("unknown job type %q", s)
	}
}

// JobStatus описывает внутренний статус задания.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal сообщает, что из статуса нет дальнейших переходов.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job описывает одно обращение к внешнему обработчику.
type Job struct {
	ID            string
	ExternalJobID string
	Type          JobType
	Owner         Identity
	Status        JobStatus
	ResultURL     *string
	ErrorMessage  string
	Cost          int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Transition описывает терминальный переход задания, применяемый условным обновлением.
type Transition struct {
	Status       JobStatus
	ResultURL    *string
	ErrorMessage string
}

// Balance содержит кредитный баланс идентичности.
type Balance struct {
	Credits int `json:"credits"`
}
