package services

import (
	"errors"
	"fmt"
)

// ErrorKind 支付错误类别
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNetwork    ErrorKind = "network"
	KindGateway    ErrorKind = "gateway"
	KindProtocol   ErrorKind = "protocol"
)

// 与 errors.Is 配合判断错误类别
var (
	ErrValidation = &PaymentError{Kind: KindValidation}
	ErrNetwork    = &PaymentError{Kind: KindNetwork}
	ErrGateway    = &PaymentError{Kind: KindGateway}
	ErrProtocol   = &PaymentError{Kind: KindProtocol}
)

const (
	msgRequestFailed   = "payment request failed"
	msgGatewayRejected = "payment gateway rejected the request"
)

// PaymentError 一次支付提交的终止性错误，不会自动重试
type PaymentError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PaymentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PaymentError) Unwrap() error { return e.Err }

// Is 按类别匹配
func (e *PaymentError) Is(target error) bool {
	var t *PaymentError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func validationError(format string, args ...interface{}) error {
	return &PaymentError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewValidationError 请求参数错误，供路由层在绑定失败时使用
func NewValidationError(format string, args ...interface{}) error {
	return validationError(format, args...)
}

func networkError(err error) error {
	return &PaymentError{Kind: KindNetwork, Message: msgRequestFailed, Err: err}
}

func gatewayError(msg string) error {
	if msg == "" {
		msg = msgGatewayRejected
	}
	return &PaymentError{Kind: KindGateway, Message: msg}
}

func protocolError(format string, args ...interface{}) error {
	return &PaymentError{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

// ErrorMessage 面向用户的错误信息，网络错误不暴露底层细节
func ErrorMessage(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return msgRequestFailed
}
