package backtest

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind 回测失败原因
type ErrorKind string

const (
	KindDataUnavailable   ErrorKind = "DataUnavailable"
	KindInvalidParameters ErrorKind = "InvalidParameters"
	KindCancelled         ErrorKind = "Cancelled"
)

var (
	ErrDataUnavailable   = errors.New("data unavailable")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrCancelled         = errors.New("backtest cancelled")
)

// Error 回测错误，携带出错的交易对或参数名
type Error struct {
	Kind   ErrorKind
	Symbol string
	Param  string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	switch {
	case e.Symbol != "":
		msg += fmt.Sprintf(" [symbol=%s]", e.Symbol)
	case e.Param != "":
		msg += fmt.Sprintf(" [param=%s]", e.Param)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 按类型匹配 ErrDataUnavailable / ErrInvalidParameters / ErrCancelled
func (e *Error) Is(target error) bool {
	switch target {
	case ErrDataUnavailable:
		return e.Kind == KindDataUnavailable
	case ErrInvalidParameters:
		return e.Kind == KindInvalidParameters
	case ErrCancelled:
		return e.Kind == KindCancelled
	}
	return false
}

func invalidParam(param, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvalidParameters, Param: param, Err: fmt.Errorf(format, args...)}
}

func dataUnavailable(symbol string, err error) *Error {
	return &Error{Kind: KindDataUnavailable, Symbol: symbol, Err: err}
}

func cancelled(symbol string, err error) *Error {
	return &Error{Kind: KindCancelled, Symbol: symbol, Err: err}
}

// isCancellation 判断是否为 ctx 取消/超时
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// ErrorKindOf 提取错误类型，非回测错误返回空串
func ErrorKindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}
