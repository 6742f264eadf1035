package domain

import "errors"

var (
	// ErrQuotaExceeded 当天该档位的配额已用完，次日重置后可重试
	ErrQuotaExceeded = errors.New("daily quota exceeded")
	// ErrDomainInvalid 请求的域名既不是已验证的自定义域名，也不是公共域名
	ErrDomainInvalid = errors.New("domain invalid")
	// ErrAddressGenerationExhausted 多次生成地址均冲突
	ErrAddressGenerationExhausted = errors.New("address generation exhausted")
	// ErrNotFoundOrExpired 邮箱不存在、已过期或不属于当前用户（三者不做区分）
	ErrNotFoundOrExpired = errors.New("entity not found or expired")
	// ErrStorageUnavailable 持久化存储暂时不可用
	ErrStorageUnavailable = errors.New("storage temporarily unavailable")
	// ErrAddressTaken 地址已被存活的邮箱占用
	ErrAddressTaken = errors.New("address already taken")
	// ErrInvalidTier 未配置的时长档位
	ErrInvalidTier = errors.New("invalid tier")
	// ErrInvalidStrategy 不支持的地址分配方式
	ErrInvalidStrategy = errors.New("invalid strategy")
)
