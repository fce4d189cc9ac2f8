package repository

import "errors"

// 共用的 repository sentinel errors，上層據此分類處理
var (
	// ErrNotFound 查無資料
	ErrNotFound = errors.New("not found")
	// ErrDuplicateKey idempotency key 已被接受過
	ErrDuplicateKey = errors.New("duplicate client key")
	// ErrNotPermitted 無權限 (封鎖、未驗證、非本人訊息)
	ErrNotPermitted = errors.New("not permitted")
	// ErrCapabilityUnavailable server 端 aggregate 能力不可用，走降級路徑
	ErrCapabilityUnavailable = errors.New("capability unavailable")
)
