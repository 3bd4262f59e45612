package gateway

import (
	"net/http"
)

// Kind classifies how a callback ended. Every kind maps to its own HTTP
// status and user-facing message.
type Kind string

const (
	KindSuccess           Kind = "success"
	KindMissingParameters Kind = "missing_parameters"
	KindUnknownState      Kind = "unknown_state"
	KindStorageError      Kind = "storage_error"
	KindBackendRejected   Kind = "backend_rejected"
	KindBackendTimeout    Kind = "backend_timeout"
	KindBackendTransport  Kind = "backend_transport"
	KindMisconfigured     Kind = "misconfigured"
	KindInvalidInput      Kind = "invalid_input"
)

const (
	MessageSuccess           = "Авторизация успешно завершена!"
	MessageMissingParameters = "Отсутствует state или code"
	MessageUnknownState      = "state не найден в БД"
	MessageServerError       = "Ошибка сервера"
	MessageBackendRejected   = "Backend callback не подтвердил авторизацию"
	MessageBackendTimeout    = "Сервер долго не отвечает. Проверьте подключение и попробуйте снова."
	MessageBackendTransport  = "Ошибка при отправке запроса."
	MessageMisconfigured     = "SERVER_URL не задан в окружении"
	MessageInvalidInput      = "Некорректные данные"
	MessageUserSaved         = "Пользователь сохранен!"
)

var kindStatus = map[Kind]int{
	KindSuccess:           http.StatusOK,
	KindMissingParameters: http.StatusBadRequest,
	KindInvalidInput:      http.StatusBadRequest,
	KindUnknownState:      http.StatusNotFound,
	KindStorageError:      http.StatusInternalServerError,
	KindBackendRejected:   http.StatusBadGateway,
	KindBackendTimeout:    http.StatusInternalServerError,
	KindBackendTransport:  http.StatusInternalServerError,
	KindMisconfigured:     http.StatusInternalServerError,
}

var kindMessage = map[Kind]string{
	KindSuccess:           MessageSuccess,
	KindMissingParameters: MessageMissingParameters,
	KindInvalidInput:      MessageInvalidInput,
	KindUnknownState:      MessageUnknownState,
	KindStorageError:      MessageServerError,
	KindBackendRejected:   MessageBackendRejected,
	KindBackendTimeout:    MessageBackendTimeout,
	KindBackendTransport:  MessageBackendTransport,
	KindMisconfigured:     MessageMisconfigured,
}

// Result is the user-facing outcome of a gateway operation.
type Result struct {
	Kind    Kind
	Message string
	// Details is a diagnostic string for server-side failures.
	Details string
	// BackendStatus and Backend carry the backend reply when it refused.
	BackendStatus int
	Backend       any
}

func newResult(kind Kind) *Result {
	return &Result{Kind: kind, Message: kindMessage[kind]}
}

// Success reports whether the flow completed.
func (r *Result) Success() bool {
	return r.Kind == KindSuccess
}

// HTTPStatus is the response status for the result's kind.
func (r *Result) HTTPStatus() int {
	if status, ok := kindStatus[r.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}
