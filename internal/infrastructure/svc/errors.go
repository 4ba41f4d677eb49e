package svc

import "errors"

// ErrNoStorageEnabled 错误：没有启用任何存储
var ErrNoStorageEnabled = errors.New("no storage enabled")

// ErrStorageInitFailed 错误：存储初始化失败
var ErrStorageInitFailed = errors.New("storage initialization failed")
