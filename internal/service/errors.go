// errors.go — типизированная ошибка сервисного слоя с HTTP-кодом.
package service

import "fmt"

// ServiceError — ошибка бизнес-логики с HTTP-кодом и машиночитаемым
// кодом для API-слоя.
type ServiceError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// newServiceError — конструктор для краткости в сервисах.
func newServiceError(statusCode int, code, message string) *ServiceError {
	return &ServiceError{StatusCode: statusCode, Code: code, Message: message}
}
