package vote

import (
	"log"

	"github.com/lvdashuaibi/ussdvote/internal/model"
	"github.com/lvdashuaibi/ussdvote/internal/repository"
)

// TallyService 得票查询，MySQL汇总加Redis缓存
// 缓存由Kafka消费者在计票事件到达时失效
type TallyService struct {
	mysqlRepo *repository.MySQLRepository
	redisRepo *repository.RedisRepository
}

func NewTallyService(mysqlRepo *repository.MySQLRepository, redisRepo *repository.RedisRepository) *TallyService {
	return &TallyService{
		mysqlRepo: mysqlRepo,
		redisRepo: redisRepo,
	}
}

// NomineeTally 查询提名者累计得票
func (s *TallyService) NomineeTally(code string) (*model.NomineeTally, error) {
	nominee, err := s.mysqlRepo.NomineeByCode(code)
	if err != nil {
		return nil, err
	}

	category, err := s.mysqlRepo.CategoryByID(nominee.CategoryID)
	if err != nil {
		return nil, err
	}

	tally := &model.NomineeTally{
		NomineeID: nominee.ID,
		EventID:   category.EventID,
		Code:      nominee.Code,
		Name:      nominee.Name,
	}

	// 先读缓存
	total, found, err := s.redisRepo.GetNomineeTally(nominee.ID)
	if err != nil {
		log.Printf("读取提名者 %d 得票缓存失败: %v", nominee.ID, err)
	}
	if found {
		tally.Votes = total
		return tally, nil
	}

	// 缓存未命中，从数据库汇总并回填
	total, err = s.mysqlRepo.NomineeVoteSum(nominee.ID)
	if err != nil {
		return nil, err
	}
	tally.Votes = total

	if err := s.redisRepo.SetNomineeTally(nominee.ID, total); err != nil {
		log.Printf("回填提名者 %d 得票缓存失败: %v", nominee.ID, err)
	}

	return tally, nil
}

// EventResults 查询活动下各提名者得票
func (s *TallyService) EventResults(eventID int64) ([]*model.NomineeTally, error) {
	return s.mysqlRepo.EventResults(eventID)
}

// ProcessVoteCreditedEvent 处理计票完成事件（消费者使用）
// 失效对应提名者的得票缓存，下次查询时重新汇总
func (s *TallyService) ProcessVoteCreditedEvent(ev *model.VoteCreditedEvent) error {
	if err := s.redisRepo.DeleteNomineeTally(ev.NomineeID); err != nil {
		return err
	}
	log.Printf("已失效提名者 %d 的得票缓存: 交易=%s", ev.NomineeID, ev.Reference)
	return nil
}
