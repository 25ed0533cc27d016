// Пакет secret — генерация непрозрачных идентификаторов и соли,
// вычисление Argon2id-дайджестов паролей.
// Дайджест никогда не сравнивается в открытом виде: VerifyPassword
// пересчитывает его из предъявленного пароля и сохранённой соли.
package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

// Параметры Argon2id. Фиксированы: смена параметров инвалидирует
// все сохранённые дайджесты.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32

	saltLen = 16
)

// NewFileID генерирует идентификатор файла (UUID v4).
func NewFileID() string {
	return uuid.New().String()
}

// NewStorageKey генерирует ключ объекта в object store.
// Формат: {name}_{timestamp}_{uuid}.{ext}
// Имя санитизируется и усекается; ключ никогда не совпадает
// с пользовательским вводом напрямую.
func NewStorageKey(originalName string) string {
	ext := filepath.Ext(originalName)
	name := sanitize(strings.TrimSuffix(originalName, ext))

	if len(name) > 50 {
		name = name[:50]
	}

	ts := time.Now().UTC().Format("20060102150405")
	uid := uuid.New().String()[:8]

	if ext != "" {
		return fmt.Sprintf("%s_%s_%s%s", name, ts, uid, sanitizeExt(ext))
	}
	return fmt.Sprintf("%s_%s_%s", name, ts, uid)
}

// NewSalt генерирует криптографическую соль для дайджеста пароля.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("ошибка генерации соли: %w", err)
	}
	return salt, nil
}

// HashPassword вычисляет Argon2id-дайджест пароля с указанной солью.
func HashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyPassword пересчитывает дайджест предъявленного пароля и сравнивает
// с сохранённым за константное время.
func VerifyPassword(password string, salt, hash []byte) bool {
	computed := HashPassword(password, salt)
	return subtle.ConstantTimeCompare(computed, hash) == 1
}

// sanitize убирает небезопасные символы из строки для использования в ключе.
// Оставляет только буквы, цифры, дефис и подчёркивание.
func sanitize(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' ||
			(r >= 0x0400 && r <= 0x04FF) { // Кириллица
			result.WriteRune(r)
		}
	}
	if result.Len() == 0 {
		return "file"
	}
	return result.String()
}

// sanitizeExt санитизирует расширение файла, сохраняя ведущую точку.
func sanitizeExt(ext string) string {
	cleaned := sanitize(strings.TrimPrefix(ext, "."))
	if cleaned == "file" {
		return ""
	}
	return "." + cleaned
}
