package domain

// Tier 邮箱时长档位
type Tier string

const (
	Tier10Min Tier = "10min"
	Tier1Hour Tier = "1hour"
	Tier1Day  Tier = "1day"
)

// QuotaLevel 用户配额等级，由外部的账户服务提供
type QuotaLevel string

const (
	QuotaFree       QuotaLevel = "free"
	QuotaUnlimited  QuotaLevel = "unlimited"
	QuotaEnterprise QuotaLevel = "enterprise"
)

// Strategy 邮箱地址的分配方式
type Strategy string

const (
	// StrategyDirect 直接在公共域名或自定义域名下生成随机地址
	StrategyDirect Strategy = "direct"
	// StrategyAPI 通过 API Key 创建，地址规则同 direct
	StrategyAPI Strategy = "api"
	// StrategyGmailAlias 基于 Gmail 加号别名生成地址
	StrategyGmailAlias Strategy = "gmail_alias"
)

// Valid 判断分配方式是否受支持，空值视为 direct
func (s Strategy) Valid() bool {
	switch s {
	case "", StrategyDirect, StrategyAPI, StrategyGmailAlias:
		return true
	}
	return false
}

// Owner 请求方身份
type Owner struct {
	ID    string
	Level QuotaLevel
}
