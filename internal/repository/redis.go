package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/lvdashuaibi/ussdvote/config"
	"github.com/lvdashuaibi/ussdvote/internal/model"
)

const (
	// Redis键前缀
	SessionKey      = "ussd:session:"
	NomineeTallyKey = "nominee:tally:"

	// Lua脚本：缓存中的会话仅允许从pending转为paid，其他状态不改写
	MarkSessionPaidScript = `
		local status = redis.call('HGET', KEYS[1], 'paymentStatus')
		if not status then
			return 0
		end
		if status == 'paid' then
			return 1
		end
		if status ~= 'pending' then
			return 0
		end
		redis.call('HSET', KEYS[1], 'paymentStatus', 'paid')
		return 1
	`
)

type RedisRepository struct {
	client       *redis.Client
	ctx          context.Context
	scriptHashes map[string]string // 存储脚本SHA1哈希值
}

func NewRedisRepository() (*RedisRepository, error) {
	ctx := context.Background()

	client := redis.NewClient(&redis.Options{
		Addr:         config.AppConfig.Redis.DataAddress,
		Password:     config.AppConfig.Redis.Password,
		DB:           config.AppConfig.Redis.DB,
		PoolSize:     config.AppConfig.Redis.PoolSize,
		MaxRetries:   config.AppConfig.Redis.MaxRetries,
		DialTimeout:  config.AppConfig.Redis.Timeout,
		ReadTimeout:  config.AppConfig.Redis.Timeout,
		WriteTimeout: config.AppConfig.Redis.Timeout,
	})

	// 测试连接
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis连接测试失败: %w", err)
	}

	repo := &RedisRepository{
		client:       client,
		ctx:          ctx,
		scriptHashes: make(map[string]string),
	}

	// 预加载Lua脚本
	if err := repo.preloadScripts(); err != nil {
		return nil, fmt.Errorf("预加载Lua脚本失败: %w", err)
	}

	return repo, nil
}

// preloadScripts 预加载所有Lua脚本
func (r *RedisRepository) preloadScripts() error {
	sha1, err := r.client.ScriptLoad(r.ctx, MarkSessionPaidScript).Result()
	if err != nil {
		return fmt.Errorf("加载会话状态脚本失败: %w", err)
	}
	r.scriptHashes["markSessionPaid"] = sha1

	return nil
}

// SaveSession 写入会话缓存，有效期与网关会话超时一致
func (r *RedisRepository) SaveSession(sess *model.VoteSession) error {
	key := SessionKey + sess.SessionID

	data := map[string]interface{}{
		"phoneNumber":      sess.PhoneNumber,
		"eventId":          sess.EventID,
		"nomineeCode":      sess.NomineeCode,
		"votePrice":        strconv.FormatFloat(sess.VotePrice, 'f', -1, 64),
		"voteCount":        sess.VoteCount,
		"paymentReference": sess.PaymentReference,
		"paymentStatus":    sess.PaymentStatus,
		"createdAt":        sess.CreatedAt.Format(time.RFC3339),
	}

	pipe := r.client.Pipeline()
	pipe.HMSet(r.ctx, key, data)
	pipe.Expire(r.ctx, key, config.AppConfig.USSD.SessionTTL)
	if _, err := pipe.Exec(r.ctx); err != nil {
		return fmt.Errorf("写入会话缓存失败: %w", err)
	}

	return nil
}

// GetSession 从缓存读取会话
func (r *RedisRepository) GetSession(sessionID string) (*model.VoteSession, bool, error) {
	key := SessionKey + sessionID
	data, err := r.client.HGetAll(r.ctx, key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("读取会话缓存失败: %w", err)
	}

	if len(data) == 0 {
		return nil, false, nil // 缓存未命中
	}

	sess := &model.VoteSession{
		SessionID:        sessionID,
		PhoneNumber:      data["phoneNumber"],
		NomineeCode:      data["nomineeCode"],
		PaymentReference: data["paymentReference"],
		PaymentStatus:    data["paymentStatus"],
	}

	if data["eventId"] != "" {
		eventID, err := strconv.ParseInt(data["eventId"], 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("解析会话活动ID失败: %w", err)
		}
		sess.EventID = eventID
	}

	if data["votePrice"] != "" {
		price, err := strconv.ParseFloat(data["votePrice"], 64)
		if err != nil {
			return nil, false, fmt.Errorf("解析会话票价失败: %w", err)
		}
		sess.VotePrice = price
	}

	if data["voteCount"] != "" {
		count, err := strconv.Atoi(data["voteCount"])
		if err != nil {
			return nil, false, fmt.Errorf("解析会话票数失败: %w", err)
		}
		sess.VoteCount = count
	}

	if data["createdAt"] != "" {
		createdAt, err := time.Parse(time.RFC3339, data["createdAt"])
		if err != nil {
			return nil, false, fmt.Errorf("解析会话创建时间失败: %w", err)
		}
		sess.CreatedAt = createdAt
	}

	return sess, true, nil
}

// DeleteSession 删除会话缓存
func (r *RedisRepository) DeleteSession(sessionID string) error {
	if err := r.client.Del(r.ctx, SessionKey+sessionID).Err(); err != nil {
		return fmt.Errorf("删除会话缓存失败: %w", err)
	}
	return nil
}

// MarkSessionPaid 使用预加载的Lua脚本条件更新缓存中的会话支付状态
func (r *RedisRepository) MarkSessionPaid(sessionID string) error {
	key := SessionKey + sessionID

	sha1, ok := r.scriptHashes["markSessionPaid"]
	if !ok {
		return fmt.Errorf("脚本未预加载")
	}

	_, err := r.client.EvalSha(r.ctx, sha1, []string{key}).Result()
	if err != nil {
		// 脚本可能因Redis重启丢失，重新加载后再试一次
		if err.Error() == "NOSCRIPT No matching script. Please use EVAL." {
			sha1, err = r.client.ScriptLoad(r.ctx, MarkSessionPaidScript).Result()
			if err != nil {
				return fmt.Errorf("重新加载会话状态脚本失败: %w", err)
			}
			r.scriptHashes["markSessionPaid"] = sha1

			if _, err = r.client.EvalSha(r.ctx, sha1, []string{key}).Result(); err != nil {
				return fmt.Errorf("执行会话状态脚本失败: %w", err)
			}
			return nil
		}
		return fmt.Errorf("执行会话状态脚本失败: %w", err)
	}

	return nil
}

// GetNomineeTally 读取提名者得票缓存
func (r *RedisRepository) GetNomineeTally(nomineeID int64) (int, bool, error) {
	key := fmt.Sprintf("%s%d", NomineeTallyKey, nomineeID)
	data, err := r.client.Get(r.ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, false, nil // 缓存未命中
		}
		return 0, false, fmt.Errorf("读取得票缓存失败: %w", err)
	}

	total, err := strconv.Atoi(data)
	if err != nil {
		return 0, false, fmt.Errorf("解析得票缓存失败: %w", err)
	}

	return total, true, nil
}

// SetNomineeTally 写入提名者得票缓存，有效期1小时
func (r *RedisRepository) SetNomineeTally(nomineeID int64, total int) error {
	key := fmt.Sprintf("%s%d", NomineeTallyKey, nomineeID)
	if err := r.client.Set(r.ctx, key, total, time.Hour).Err(); err != nil {
		return fmt.Errorf("写入得票缓存失败: %w", err)
	}
	return nil
}

// DeleteNomineeTally 删除提名者得票缓存，计票事件到达后由消费者调用
func (r *RedisRepository) DeleteNomineeTally(nomineeID int64) error {
	key := fmt.Sprintf("%s%d", NomineeTallyKey, nomineeID)
	if err := r.client.Del(r.ctx, key).Err(); err != nil {
		return fmt.Errorf("删除得票缓存失败: %w", err)
	}
	return nil
}

// Close 关闭Redis连接
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
