package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"tempmail/disposable/internal/domain"
)

const (
	keyPublicDomains = "tempmail:domains:public"
	keyOwnerDomains  = "tempmail:domains:owner:"  // + ownerID，已验证的自定义域名
	keyDomainOwner   = "tempmail:domains:owners"  // domain -> ownerID
	keyUsageDaily    = "tempmail:usage:daily:"    // + ownerID:date，tier -> count
	keyUsageTotal    = "tempmail:usage:total:"    // + ownerID
	keyDomainCounts  = "tempmail:domains:mailbox" // domain -> 邮箱数
	keyDomainStats   = "tempmail:stats:domains"

	fieldTotal      = "total"
	fieldLastEntity = "last_entity_id"

	// 每日计数保留时长
	dailyRetention = 90 * 24 * time.Hour
	// 统计快照保留条数
	statsHistoryLimit = 1000
)

// QueryPublicDomains 返回所有已激活的公共域名
func (c *Client) QueryPublicDomains(ctx context.Context) ([]string, error) {
	names, err := c.rdb.SMembers(ctx, keyPublicDomains).Result()
	if err != nil {
		return nil, unavailable("query public domains", err)
	}
	sort.Strings(names)
	return names, nil
}

// QueryOwnerVerifiedDomains 返回用户已验证的自定义域名
func (c *Client) QueryOwnerVerifiedDomains(ctx context.Context, ownerID string) ([]string, error) {
	names, err := c.rdb.SMembers(ctx, keyOwnerDomains+ownerID).Result()
	if err != nil {
		return nil, unavailable("query owner domains", err)
	}
	sort.Strings(names)
	return names, nil
}

// AddPublicDomain 激活公共域名
func (c *Client) AddPublicDomain(ctx context.Context, name string) error {
	return c.rdb.SAdd(ctx, keyPublicDomains, domain.NormalizeAddress(name)).Err()
}

// RemovePublicDomain 停用公共域名
func (c *Client) RemovePublicDomain(ctx context.Context, name string) error {
	return c.rdb.SRem(ctx, keyPublicDomains, domain.NormalizeAddress(name)).Err()
}

// AddOwnerDomain 登记用户已验证的自定义域名，域名已归属他人时返回 ErrAddressTaken
func (c *Client) AddOwnerDomain(ctx context.Context, ownerID, name string) error {
	name = domain.NormalizeAddress(name)

	ok, err := c.rdb.HSetNX(ctx, keyDomainOwner, name, ownerID).Result()
	if err != nil {
		return err
	}
	if !ok {
		current, err := c.rdb.HGet(ctx, keyDomainOwner, name).Result()
		if err != nil {
			return err
		}
		if current != ownerID {
			return fmt.Errorf("domain %s: %w", name, domain.ErrAddressTaken)
		}
	}
	return c.rdb.SAdd(ctx, keyOwnerDomains+ownerID, name).Err()
}

// RemoveOwnerDomain 撤销用户的自定义域名
func (c *Client) RemoveOwnerDomain(ctx context.Context, ownerID, name string) error {
	name = domain.NormalizeAddress(name)
	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SRem(ctx, keyOwnerDomains+ownerID, name)
		pipe.HDel(ctx, keyDomainOwner, name)
		return nil
	})
	return err
}

// UpsertUsageSnapshots 在 MULTI/EXEC 中累加全部增量
func (c *Client) UpsertUsageSnapshots(ctx context.Context, deltas []*domain.UsageDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	_, err := c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, d := range deltas {
			dailyKey := keyUsageDaily + d.OwnerID + ":" + d.Date
			written := false
			for tier, n := range d.Daily {
				if n == 0 {
					continue
				}
				pipe.HIncrBy(ctx, dailyKey, string(tier), n)
				written = true
			}
			if written {
				pipe.Expire(ctx, dailyKey, dailyRetention)
			}

			totalKey := keyUsageTotal + d.OwnerID
			if d.Total != 0 {
				pipe.HIncrBy(ctx, totalKey, fieldTotal, d.Total)
			}
			if d.LastEntityID != "" {
				pipe.HSet(ctx, totalKey, fieldLastEntity, d.LastEntityID)
			}

			for name, n := range d.Domains {
				if n != 0 {
					pipe.HIncrBy(ctx, keyDomainCounts, name, n)
				}
			}
		}
		return nil
	})
	if err != nil {
		return unavailable("upsert usage snapshots", err)
	}
	return nil
}

// SaveDomainStats 追加一条统计快照，只保留最近的 statsHistoryLimit 条
func (c *Client) SaveDomainStats(ctx context.Context, stats *domain.DomainStats) error {
	if stats == nil {
		return nil
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal domain stats: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, keyDomainStats, data)
		pipe.LTrim(ctx, keyDomainStats, 0, statsHistoryLimit-1)
		return nil
	})
	if err != nil {
		return unavailable("save domain stats", err)
	}
	return nil
}

// RecentStats 返回最近 n 条统计快照，新的在前
func (c *Client) RecentStats(ctx context.Context, n int64) ([]*domain.DomainStats, error) {
	raw, err := c.rdb.LRange(ctx, keyDomainStats, 0, n-1).Result()
	if err != nil {
		return nil, unavailable("load domain stats", err)
	}
	out := make([]*domain.DomainStats, 0, len(raw))
	for _, item := range raw {
		var st domain.DomainStats
		if err := json.Unmarshal([]byte(item), &st); err != nil {
			return nil, fmt.Errorf("unmarshal domain stats: %w", err)
		}
		out = append(out, &st)
	}
	return out, nil
}

// SnapshotCount 返回某用户某天某档位的已落库计数
func (c *Client) SnapshotCount(ctx context.Context, ownerID, date string, tier domain.Tier) (int64, error) {
	v, err := c.rdb.HGet(ctx, keyUsageDaily+ownerID+":"+date, string(tier)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return v, err
}

// TotalFor 返回用户的累计计数
func (c *Client) TotalFor(ctx context.Context, ownerID string) (*domain.UsageTotal, error) {
	fields, err := c.rdb.HGetAll(ctx, keyUsageTotal+ownerID).Result()
	if err != nil {
		return nil, err
	}
	total := &domain.UsageTotal{OwnerID: ownerID, LastEntityID: fields[fieldLastEntity]}
	if raw, ok := fields[fieldTotal]; ok {
		if total.Total, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("parse usage total: %w", err)
		}
	}
	return total, nil
}

// DomainMailboxCount 返回自定义域名下的邮箱数
func (c *Client) DomainMailboxCount(ctx context.Context, name string) (int64, error) {
	v, err := c.rdb.HGet(ctx, keyDomainCounts, name).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return v, err
}

// unavailable 把 Redis 错误归类为存储不可用，ctx 取消原样返回
func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStorageUnavailable, err)
}

var _ domain.Store = (*Client)(nil)
