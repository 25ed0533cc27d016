// files.go — HTTP handlers файловых операций DropLink.
// Простая загрузка, поэтапная загрузка, проверка доступа, скачивание.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arturkryukov/droplink/internal/api/errors"
	"github.com/arturkryukov/droplink/internal/domain/model"
	"github.com/arturkryukov/droplink/internal/service"
	"github.com/arturkryukov/droplink/internal/storage/objectstore"
)

// FilesHandler — обработчик файловых endpoints.
type FilesHandler struct {
	uploadSvc *service.UploadService
	accessSvc *service.AccessService
}

// NewFilesHandler создаёт обработчик файловых endpoints.
func NewFilesHandler(uploadSvc *service.UploadService, accessSvc *service.AccessService) *FilesHandler {
	return &FilesHandler{
		uploadSvc: uploadSvc,
		accessSvc: accessSvc,
	}
}

// fileResponse — представление записи файла в ответах API.
type fileResponse struct {
	FileID       string     `json:"file_id"`
	OriginalName string     `json:"original_name"`
	ContentType  string     `json:"content_type"`
	SizeBytes    int64      `json:"size_bytes"`
	LifetimeDays int        `json:"lifetime_days"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	MaxDownloads int        `json:"max_downloads"`
	IsOneTime    bool       `json:"is_one_time"`
	HasPassword  bool       `json:"has_password"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toFileResponse(rec *model.FileRecord) fileResponse {
	return fileResponse{
		FileID:       rec.FileID,
		OriginalName: rec.OriginalName,
		ContentType:  rec.ContentType,
		SizeBytes:    rec.SizeBytes,
		LifetimeDays: rec.LifetimeDays,
		ExpiresAt:    rec.ExpiresAt,
		MaxDownloads: rec.MaxDownloads,
		IsOneTime:    rec.IsOneTime,
		HasPassword:  rec.HasPassword,
		CreatedAt:    rec.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// parseOptions извлекает пользовательские параметры из multipart form.
func parseOptions(r *http.Request) (service.UploadOptions, error) {
	opts := service.UploadOptions{}

	lifetime := r.FormValue("lifetime_days")
	if lifetime == "" {
		return opts, fmt.Errorf("поле 'lifetime_days' обязательно")
	}
	days, err := strconv.Atoi(lifetime)
	if err != nil {
		return opts, fmt.Errorf("некорректное значение lifetime_days: %q", lifetime)
	}
	opts.LifetimeDays = days

	if v := r.FormValue("max_downloads"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("некорректное значение max_downloads: %q", v)
		}
		opts.MaxDownloads = n
	}
	if v := r.FormValue("one_time"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, fmt.Errorf("некорректное значение one_time: %q", v)
		}
		opts.OneTime = b
	}
	opts.Password = r.FormValue("password")

	return opts, nil
}

// UploadFile обрабатывает POST /api/v1/files/upload.
// Multipart form: file (обязательно), lifetime_days (обязательно),
// password, max_downloads, one_time (опционально).
func (h *FilesHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	// Буфер формы в памяти; крупные части уходят во временные файлы
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		errors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		errors.ValidationError(w, "Поле 'file' обязательно")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	opts, err := parseOptions(r)
	if err != nil {
		errors.ValidationError(w, err.Error())
		return
	}

	rec, serr := h.uploadSvc.UploadSimple(r.Context(), service.SimpleUploadParams{
		Reader:       file,
		OriginalName: header.Filename,
		ContentType:  contentType,
		Size:         header.Size,
		Options:      opts,
	})
	if serr != nil {
		errors.WriteError(w, serr.StatusCode, serr.Code, serr.Message)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"file_id":    rec.FileID,
		"expires_at": rec.ExpiresAt,
		"size_bytes": rec.SizeBytes,
	})
}

// initiateRequest — тело POST /api/v1/files/uploads/initiate.
type initiateRequest struct {
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	TotalSize    int64  `json:"total_size"`
	LifetimeDays int    `json:"lifetime_days"`
	Password     string `json:"password,omitempty"`
	MaxDownloads int    `json:"max_downloads,omitempty"`
	OneTime      bool   `json:"one_time,omitempty"`
}

// InitiateUpload обрабатывает POST /api/v1/files/uploads/initiate.
func (h *FilesHandler) InitiateUpload(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.ValidationError(w, "Некорректное тело запроса")
		return
	}
	if req.OriginalName == "" {
		errors.ValidationError(w, "Поле 'original_name' обязательно")
		return
	}
	if req.ContentType == "" {
		req.ContentType = "application/octet-stream"
	}

	sess, serr := h.uploadSvc.InitiateChunked(r.Context(), service.InitiateParams{
		OriginalName: req.OriginalName,
		ContentType:  req.ContentType,
		TotalSize:    req.TotalSize,
		Options: service.UploadOptions{
			LifetimeDays: req.LifetimeDays,
			Password:     req.Password,
			MaxDownloads: req.MaxDownloads,
			OneTime:      req.OneTime,
		},
	})
	if serr != nil {
		errors.WriteError(w, serr.StatusCode, serr.Code, serr.Message)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"file_id":      sess.FileID,
		"upload_id":    sess.UploadID,
		"total_chunks": sess.TotalChunks,
		"part_size":    sess.PartSize,
	})
}

// UploadPart обрабатывает PUT /api/v1/files/uploads/{file_id}/parts/{part_number}.
// Тело запроса — сырые байты части.
func (h *FilesHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")
	partNumber, err := strconv.Atoi(chi.URLParam(r, "part_number"))
	if err != nil {
		errors.ValidationError(w, "Некорректный номер части")
		return
	}

	part, serr := h.uploadSvc.UploadChunk(r.Context(), fileID, partNumber, r.Body, r.ContentLength)
	if serr != nil {
		errors.WriteError(w, serr.StatusCode, serr.Code, serr.Message)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"part_number": part.PartNumber,
		"etag":        part.ETag,
	})
}

// completeRequest — тело POST /api/v1/files/uploads/{file_id}/complete.
type completeRequest struct {
	Parts []model.CompletedPart `json:"parts"`
}

// CompleteUpload обрабатывает POST /api/v1/files/uploads/{file_id}/complete.
func (h *FilesHandler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errors.ValidationError(w, "Некорректное тело запроса")
		return
	}

	rec, serr := h.uploadSvc.CompleteChunked(r.Context(), fileID, req.Parts)
	if serr != nil {
		errors.WriteError(w, serr.StatusCode, serr.Code, serr.Message)
		return
	}

	writeJSON(w, http.StatusOK, toFileResponse(rec))
}

// AbortUpload обрабатывает DELETE /api/v1/files/uploads/{file_id}.
// Идемпотентен: повторное прерывание возвращает 204.
func (h *FilesHandler) AbortUpload(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")

	if serr := h.uploadSvc.AbortChunked(r.Context(), fileID); serr != nil {
		errors.WriteError(w, serr.StatusCode, serr.Code, serr.Message)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// credentialRequest — опциональный пароль в теле authorize/download.
type credentialRequest struct {
	Password *string `json:"password,omitempty"`
}

// decodeCredential читает опциональное тело с паролем.
// Пустое тело — валидный запрос без пароля.
func decodeCredential(r *http.Request) (*string, error) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		return nil, err
	}
	return req.Password, nil
}

// decisionStatus сопоставляет решение шлюза HTTP-статусу и коду ошибки.
func decisionStatus(d service.Decision) (int, string) {
	switch d {
	case service.DecisionNotFound:
		return http.StatusNotFound, errors.CodeNotFound
	case service.DecisionExpired:
		return http.StatusGone, errors.CodeExpired
	case service.DecisionConsumed:
		return http.StatusGone, errors.CodeConsumed
	case service.DecisionLimitReached:
		return http.StatusGone, errors.CodeLimitReached
	case service.DecisionPasswordRequired:
		return http.StatusUnauthorized, errors.CodePasswordRequired
	case service.DecisionInvalidPassword:
		return http.StatusForbidden, errors.CodeInvalidPassword
	default:
		return http.StatusInternalServerError, errors.CodeInternalError
	}
}

// decisionMessages — человекочитаемые сообщения по исходам.
var decisionMessages = map[service.Decision]string{
	service.DecisionNotFound:         "Файл не найден",
	service.DecisionExpired:          "Срок жизни файла истёк",
	service.DecisionConsumed:         "Одноразовый файл уже скачан",
	service.DecisionLimitReached:     "Лимит скачиваний исчерпан",
	service.DecisionPasswordRequired: "Требуется пароль",
	service.DecisionInvalidPassword:  "Неверный пароль",
}

// Authorize обрабатывает POST /api/v1/files/{file_id}/authorize.
// Возвращает решение шлюза доступа; метаданные — только при granted.
func (h *FilesHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")

	password, err := decodeCredential(r)
	if err != nil {
		errors.ValidationError(w, "Некорректное тело запроса")
		return
	}

	decision, rec, err := h.accessSvc.Authorize(r.Context(), fileID, password)
	if err != nil {
		errors.InternalError(w, "Ошибка проверки доступа")
		return
	}

	if decision == service.DecisionGranted {
		writeJSON(w, http.StatusOK, map[string]any{
			"decision": decision,
			"file":     toFileResponse(rec),
		})
		return
	}

	status, code := decisionStatus(decision)
	errors.WriteError(w, status, code, decisionMessages[decision])
}

// Download обрабатывает POST /api/v1/files/{file_id}/download.
//
// Порядок фиксирован: authorize → recordDownload → отдача байтов.
// Скачивание учитывается ДО отдачи содержимого: при гонке двух
// скачиваний одноразового файла проигравший получает отказ,
// не получив ни байта.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")

	password, err := decodeCredential(r)
	if err != nil {
		errors.ValidationError(w, "Некорректное тело запроса")
		return
	}

	decision, rec, err := h.accessSvc.Authorize(r.Context(), fileID, password)
	if err != nil {
		errors.InternalError(w, "Ошибка проверки доступа")
		return
	}
	if decision != service.DecisionGranted {
		status, code := decisionStatus(decision)
		errors.WriteError(w, status, code, decisionMessages[decision])
		return
	}

	// Объект открывается до учёта: пропавший объект самовосстанавливает
	// метаданные и не сжигает попытку скачивания
	rc, size, err := h.accessSvc.OpenObject(r.Context(), rec)
	if err != nil {
		// Терминален только отсутствующий объект; сбой чтения —
		// инфраструктурная ошибка, файл при этом цел
		if err == objectstore.ErrObjectNotFound {
			errors.NotFound(w, "Файл не найден")
			return
		}
		errors.InternalError(w, "Ошибка чтения файла из хранилища")
		return
	}
	defer rc.Close()

	if err := h.accessSvc.RecordDownload(r.Context(), fileID); err != nil {
		if err == service.ErrLimitReached {
			errors.WriteError(w, http.StatusGone, errors.CodeLimitReached, "Лимит скачиваний исчерпан")
			return
		}
		errors.InternalError(w, "Ошибка учёта скачивания")
		return
	}

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment",
		map[string]string{"filename": rec.OriginalName}))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}
