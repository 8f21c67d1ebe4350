package signal

import (
	"encoding/json"
	"fmt"

	apperrors "livecast/pkg/errors"
)

// Envelope is the single frame format on the signaling channel. Requests
// carry ID; their response repeats Event and sets ReplyTo. Pushes and
// fire-and-forget messages carry neither.
type Envelope struct {
	Event   string          `json:"event"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the wire form of an AppError.
type ErrorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func newEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	env.Payload = raw
	return env, nil
}

func errorBodyFrom(err error) *ErrorBody {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return &ErrorBody{Code: appErr.Code, Message: appErr.Message}
	}
	return &ErrorBody{Code: apperrors.ErrCodeInternal, Message: err.Error()}
}

// AppError converts the wire error back into an AppError.
func (b *ErrorBody) AppError() *apperrors.AppError {
	code := b.Code
	if code == "" {
		code = apperrors.ErrCodeInternal
	}
	return apperrors.NewAppError(code, b.Message)
}
