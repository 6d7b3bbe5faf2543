package control

import (
	"context"
	"errors"

	"github.com/ezviz-cas/cas-bridge/internal/validation"
	"github.com/ezviz-cas/cas-bridge/pkg/cas"
)

// ErrorKind groups failures the way callers report them
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidInput
	KindInvalidHost
	KindTimeout
	KindProtocol
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindInvalidHost:
		return "invalid_host"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps an error from SetDefence to its kind
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, validation.ErrValidation), errors.Is(err, cas.ErrInvalidField):
		return KindInvalidInput
	case errors.Is(err, cas.ErrInvalidHost):
		return KindInvalidHost
	case errors.Is(err, cas.ErrTransportTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, cas.ErrProtocolDecode), errors.Is(err, cas.ErrInvalidKeyMaterial):
		return KindProtocol
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}
