package upstream

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed bridge.
var ErrClosed = errors.New("upstream: bridge closed")

// UpstreamError 表示语音对话服务侧的失败（握手失败、错误帧、连接中断）。
type UpstreamError struct {
	Code string
	Err  error
}

func (e *UpstreamError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("upstream: %v", e.Err)
	}
	return fmt.Sprintf("upstream: code=%s: %v", e.Code, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
