package session

import (
	"log"

	"github.com/lvdashuaibi/ussdvote/internal/model"
	"github.com/lvdashuaibi/ussdvote/internal/repository"
)

// Store 投票会话存储，MySQL为主数据源，Redis为缓存
// 网关对同一sessionId的每一步请求都会重查会话，缓存优先读可以避免每步都打到数据库
type Store struct {
	mysqlRepo *repository.MySQLRepository
	redisRepo *repository.RedisRepository
}

func NewStore(mysqlRepo *repository.MySQLRepository, redisRepo *repository.RedisRepository) *Store {
	return &Store{
		mysqlRepo: mysqlRepo,
		redisRepo: redisRepo,
	}
}

// Upsert 创建或更新会话，先写MySQL再同步缓存
func (s *Store) Upsert(sess *model.VoteSession) error {
	if err := s.mysqlRepo.UpsertSession(sess); err != nil {
		return err
	}

	if err := s.refreshCache(sess.SessionID); err != nil {
		log.Printf("同步会话 %s 缓存失败: %v", sess.SessionID, err)
	}
	return nil
}

// Get 查询会话，缓存未命中时回源MySQL并回填
func (s *Store) Get(sessionID string) (*model.VoteSession, error) {
	sess, found, err := s.redisRepo.GetSession(sessionID)
	if err != nil {
		log.Printf("读取会话 %s 缓存失败: %v，回源MySQL", sessionID, err)
	}
	if found && sess != nil {
		return sess, nil
	}

	sess, err = s.mysqlRepo.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	if err := s.redisRepo.SaveSession(sess); err != nil {
		log.Printf("回填会话 %s 缓存失败: %v", sessionID, err)
	}
	return sess, nil
}

// SetVoteCount 设置会话票数
func (s *Store) SetVoteCount(sessionID string, count int) error {
	if err := s.mysqlRepo.SetSessionVoteCount(sessionID, count); err != nil {
		return err
	}

	if err := s.refreshCache(sessionID); err != nil {
		log.Printf("同步会话 %s 缓存失败: %v", sessionID, err)
	}
	return nil
}

// MarkPaymentInitiated 绑定支付参考号并置会话为pending
func (s *Store) MarkPaymentInitiated(sessionID, reference string) error {
	if err := s.mysqlRepo.MarkSessionPaymentInitiated(sessionID, reference); err != nil {
		return err
	}

	if err := s.refreshCache(sessionID); err != nil {
		log.Printf("同步会话 %s 缓存失败: %v", sessionID, err)
	}
	return nil
}

// MarkPaid 置会话为已支付，缓存侧通过Lua脚本做条件转移
func (s *Store) MarkPaid(sessionID string) error {
	if err := s.mysqlRepo.MarkSessionPaid(sessionID); err != nil {
		return err
	}

	if err := s.redisRepo.MarkSessionPaid(sessionID); err != nil {
		log.Printf("更新会话 %s 缓存支付状态失败: %v", sessionID, err)
	}
	return nil
}

// MarkFailed 置会话为支付失败，失败会话不再被读取，直接删除缓存
func (s *Store) MarkFailed(sessionID string) error {
	if err := s.mysqlRepo.MarkSessionFailed(sessionID); err != nil {
		return err
	}

	if err := s.redisRepo.DeleteSession(sessionID); err != nil {
		log.Printf("删除会话 %s 缓存失败: %v", sessionID, err)
	}
	return nil
}

// refreshCache 从MySQL读取最新会话覆盖缓存
func (s *Store) refreshCache(sessionID string) error {
	sess, err := s.mysqlRepo.GetSession(sessionID)
	if err != nil {
		return err
	}
	return s.redisRepo.SaveSession(sess)
}
