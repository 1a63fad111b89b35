package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lvdashuaibi/ussdvote/config"
	"github.com/lvdashuaibi/ussdvote/internal/model"
)

// MySQL唯一键冲突错误码，计票幂等依赖votes表payment_reference上的唯一索引
const mysqlErrDuplicateEntry = 1062

type MySQLRepository struct {
	masterDB *sql.DB
	slaveDB  *sql.DB
}

func NewMySQLRepository() (*MySQLRepository, error) {
	masterDB, err := sql.Open("mysql", config.AppConfig.MySQL.Master)
	if err != nil {
		return nil, fmt.Errorf("连接主数据库失败: %w", err)
	}

	masterDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	masterDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	masterDB.SetConnMaxLifetime(time.Hour)

	if err = masterDB.Ping(); err != nil {
		return nil, fmt.Errorf("主数据库连接测试失败: %w", err)
	}

	slaveDB, err := sql.Open("mysql", config.AppConfig.MySQL.Slave)
	if err != nil {
		return nil, fmt.Errorf("连接从数据库失败: %w", err)
	}

	slaveDB.SetMaxOpenConns(config.AppConfig.MySQL.MaxOpenConns)
	slaveDB.SetMaxIdleConns(config.AppConfig.MySQL.MaxIdleConns)
	slaveDB.SetConnMaxLifetime(time.Hour)

	if err = slaveDB.Ping(); err != nil {
		log.Printf("从数据库连接测试失败: %v，将使用主数据库代替", err)
		slaveDB = masterDB
	}

	return &MySQLRepository{
		masterDB: masterDB,
		slaveDB:  slaveDB,
	}, nil
}

// UpsertSession 创建或更新投票会话
// 网关可能重放早期输入前缀，同一sessionId重入第二步时更新而不是重复创建
func (r *MySQLRepository) UpsertSession(sess *model.VoteSession) error {
	query := `INSERT INTO vote_sessions (session_id, phone_number, event_id, nominee_code, vote_price, payment_status)
			 VALUES (?, ?, ?, ?, ?, '')
			 ON DUPLICATE KEY UPDATE
			 phone_number = VALUES(phone_number),
			 event_id = VALUES(event_id),
			 nominee_code = VALUES(nominee_code),
			 vote_price = VALUES(vote_price)`

	_, err := r.masterDB.Exec(query,
		sess.SessionID,
		sess.PhoneNumber,
		sess.EventID,
		sess.NomineeCode,
		sess.VotePrice,
	)
	if err != nil {
		return fmt.Errorf("保存投票会话失败: %w", err)
	}
	return nil
}

// GetSession 按sessionId查询投票会话
func (r *MySQLRepository) GetSession(sessionID string) (*model.VoteSession, error) {
	query := `SELECT session_id, phone_number, event_id, nominee_code, vote_price, vote_count, payment_reference, payment_status, created_at
			 FROM vote_sessions WHERE session_id = ?`

	var sess model.VoteSession
	err := r.slaveDB.QueryRow(query, sessionID).Scan(
		&sess.SessionID,
		&sess.PhoneNumber,
		&sess.EventID,
		&sess.NomineeCode,
		&sess.VotePrice,
		&sess.VoteCount,
		&sess.PaymentReference,
		&sess.PaymentStatus,
		&sess.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.ErrSessionNotFound
		}
		return nil, fmt.Errorf("查询投票会话失败: %w", err)
	}

	return &sess, nil
}

// SetSessionVoteCount 设置会话的票数
// 重放相同票数时RowsAffected为0，需要再查一次区分"无变化"和"会话不存在"
func (r *MySQLRepository) SetSessionVoteCount(sessionID string, count int) error {
	result, err := r.masterDB.Exec(
		"UPDATE vote_sessions SET vote_count = ? WHERE session_id = ?",
		count, sessionID,
	)
	if err != nil {
		return fmt.Errorf("更新会话票数失败: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取更新结果失败: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := r.GetSession(sessionID); err != nil {
			return err
		}
	}
	return nil
}

// MarkSessionPaymentInitiated 记录支付参考号并置会话支付状态为pending
// 参考号每个会话至多设置一次，重复提交同一参考号视为幂等成功
func (r *MySQLRepository) MarkSessionPaymentInitiated(sessionID, reference string) error {
	query := `UPDATE vote_sessions
			 SET payment_reference = ?, payment_status = ?
			 WHERE session_id = ? AND (payment_reference = '' OR payment_reference = ?)`

	result, err := r.masterDB.Exec(query, reference, model.SessionPaymentPending, sessionID, reference)
	if err != nil {
		return fmt.Errorf("更新会话支付信息失败: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("获取更新结果失败: %w", err)
	}
	if rowsAffected == 0 {
		sess, err := r.GetSession(sessionID)
		if err != nil {
			return err
		}
		if sess.PaymentReference != reference {
			return fmt.Errorf("会话 %s 已绑定其他支付参考号", sessionID)
		}
	}
	return nil
}

// MarkSessionPaid 条件更新会话支付状态为paid，已是paid时为无操作
func (r *MySQLRepository) MarkSessionPaid(sessionID string) error {
	_, err := r.masterDB.Exec(
		"UPDATE vote_sessions SET payment_status = ? WHERE session_id = ? AND payment_status <> ?",
		model.SessionPaymentPaid, sessionID, model.SessionPaymentPaid,
	)
	if err != nil {
		return fmt.Errorf("更新会话为已支付失败: %w", err)
	}
	return nil
}

// MarkSessionFailed 条件更新会话支付状态为failed，仅允许从pending转移
func (r *MySQLRepository) MarkSessionFailed(sessionID string) error {
	_, err := r.masterDB.Exec(
		"UPDATE vote_sessions SET payment_status = ? WHERE session_id = ? AND payment_status = ?",
		model.SessionPaymentFailed, sessionID, model.SessionPaymentPending,
	)
	if err != nil {
		return fmt.Errorf("更新会话为支付失败状态失败: %w", err)
	}
	return nil
}

// CreatePayment 创建支付记录
func (r *MySQLRepository) CreatePayment(p *model.Payment) error {
	query := `INSERT INTO payments (payment_reference, session_id, event_id, nominee_id, category_id, phone_number, amount, vote_count, status, source)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.masterDB.Exec(query,
		p.Reference,
		p.SessionID,
		p.EventID,
		p.NomineeID,
		p.CategoryID,
		p.PhoneNumber,
		p.Amount,
		p.VoteCount,
		p.Status,
		p.Source,
	)
	if err != nil {
		return fmt.Errorf("创建支付记录失败: %w", err)
	}
	return nil
}

// PaymentByReference 按支付参考号查询支付记录
func (r *MySQLRepository) PaymentByReference(reference string) (*model.Payment, error) {
	query := `SELECT payment_reference, session_id, event_id, nominee_id, category_id, phone_number, amount, vote_count, status, source, created_at
			 FROM payments WHERE payment_reference = ?`

	var p model.Payment
	err := r.slaveDB.QueryRow(query, reference).Scan(
		&p.Reference,
		&p.SessionID,
		&p.EventID,
		&p.NomineeID,
		&p.CategoryID,
		&p.PhoneNumber,
		&p.Amount,
		&p.VoteCount,
		&p.Status,
		&p.Source,
		&p.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("查询支付记录失败: %w", err)
	}

	return &p, nil
}

// MarkPaymentFailed 条件更新支付状态为failed，仅允许从pending转移
// 返回是否真正发生了状态转移
func (r *MySQLRepository) MarkPaymentFailed(reference string) (bool, error) {
	result, err := r.masterDB.Exec(
		"UPDATE payments SET status = ? WHERE payment_reference = ? AND status = ?",
		model.PaymentStatusFailed, reference, model.PaymentStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("更新支付状态失败: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("获取更新结果失败: %w", err)
	}
	return rowsAffected > 0, nil
}

// ListStalePendingPayments 查询长时间停留在pending的支付记录，供对账轮询使用
func (r *MySQLRepository) ListStalePendingPayments(olderThan time.Duration, limit int) ([]*model.Payment, error) {
	query := `SELECT payment_reference, session_id, event_id, nominee_id, category_id, phone_number, amount, vote_count, status, source, created_at
			 FROM payments
			 WHERE status = ? AND created_at < ?
			 ORDER BY created_at
			 LIMIT ?`

	cutoff := time.Now().Add(-olderThan)
	rows, err := r.slaveDB.Query(query, model.PaymentStatusPending, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("查询待对账支付记录失败: %w", err)
	}
	defer rows.Close()

	var payments []*model.Payment
	for rows.Next() {
		var p model.Payment
		if err := rows.Scan(
			&p.Reference,
			&p.SessionID,
			&p.EventID,
			&p.NomineeID,
			&p.CategoryID,
			&p.PhoneNumber,
			&p.Amount,
			&p.VoteCount,
			&p.Status,
			&p.Source,
			&p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("扫描支付记录失败: %w", err)
		}
		payments = append(payments, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代支付记录失败: %w", err)
	}

	return payments, nil
}

// CreditVotes 原子计票：插入计票记录并把支付状态置为succeeded
// 幂等性由votes.payment_reference唯一索引保证，唯一键冲突表示该交易已计票，
// 返回false且不报错。webhook与verify两条路径并发调用时只有一条能插入成功。
func (r *MySQLRepository) CreditVotes(p *model.Payment) (bool, error) {
	tx, err := r.masterDB.Begin()
	if err != nil {
		return false, fmt.Errorf("开始事务失败: %w", err)
	}

	insertQuery := `INSERT INTO votes (payment_reference, nominee_id, category_id, event_id, vote_count, amount)
				   VALUES (?, ?, ?, ?, ?, ?)`

	_, err = tx.Exec(insertQuery,
		p.Reference,
		p.NomineeID,
		p.CategoryID,
		p.EventID,
		p.VoteCount,
		p.Amount,
	)
	if err != nil {
		tx.Rollback()
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
			return false, nil
		}
		return false, fmt.Errorf("插入计票记录失败: %w", err)
	}

	// 支付状态只允许pending -> succeeded，已终态的行不再改写
	result, err := tx.Exec(
		"UPDATE payments SET status = ? WHERE payment_reference = ? AND status = ?",
		model.PaymentStatusSucceeded, p.Reference, model.PaymentStatusPending,
	)
	if err != nil {
		tx.Rollback()
		return false, fmt.Errorf("更新支付状态失败: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		tx.Rollback()
		return false, fmt.Errorf("获取更新结果失败: %w", err)
	}
	if rowsAffected == 0 {
		// 计票记录能插入说明此前未计票，走到这里只能是支付已转入failed，
		// 回滚以保证计票记录与支付终态一致
		tx.Rollback()
		return false, fmt.Errorf("支付 %s 不在pending状态，放弃计票", p.Reference)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("提交事务失败: %w", err)
	}

	return true, nil
}

// HasVotesForReference 检查某笔交易是否已计票
func (r *MySQLRepository) HasVotesForReference(reference string) (bool, error) {
	var exists int
	err := r.slaveDB.QueryRow(
		"SELECT 1 FROM votes WHERE payment_reference = ? LIMIT 1", reference,
	).Scan(&exists)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("查询计票记录失败: %w", err)
	}
	return true, nil
}

// NomineeByCode 按编码查询提名者
func (r *MySQLRepository) NomineeByCode(code string) (*model.Nominee, error) {
	query := "SELECT id, code, name, category_id FROM nominees WHERE code = ?"

	var n model.Nominee
	err := r.slaveDB.QueryRow(query, code).Scan(&n.ID, &n.Code, &n.Name, &n.CategoryID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.ErrNomineeNotFound
		}
		return nil, fmt.Errorf("查询提名者失败: %w", err)
	}

	return &n, nil
}

// CategoryByID 按ID查询类别
func (r *MySQLRepository) CategoryByID(id int64) (*model.Category, error) {
	query := "SELECT id, name, event_id FROM categories WHERE id = ?"

	var c model.Category
	err := r.slaveDB.QueryRow(query, id).Scan(&c.ID, &c.Name, &c.EventID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.ErrCategoryNotFound
		}
		return nil, fmt.Errorf("查询类别失败: %w", err)
	}

	return &c, nil
}

// EventByID 按ID查询活动
func (r *MySQLRepository) EventByID(id int64) (*model.Event, error) {
	query := "SELECT id, name, vote_price FROM events WHERE id = ?"

	var e model.Event
	err := r.slaveDB.QueryRow(query, id).Scan(&e.ID, &e.Name, &e.VotePrice)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, model.ErrEventNotFound
		}
		return nil, fmt.Errorf("查询活动失败: %w", err)
	}

	return &e, nil
}

// NomineeVoteSum 统计提名者累计得票数
func (r *MySQLRepository) NomineeVoteSum(nomineeID int64) (int, error) {
	var total int
	err := r.slaveDB.QueryRow(
		"SELECT COALESCE(SUM(vote_count), 0) FROM votes WHERE nominee_id = ?", nomineeID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("统计提名者得票失败: %w", err)
	}
	return total, nil
}

// EventResults 按活动统计各提名者得票
func (r *MySQLRepository) EventResults(eventID int64) ([]*model.NomineeTally, error) {
	query := `SELECT n.id, n.code, n.name, c.event_id, COALESCE(SUM(v.vote_count), 0)
			 FROM nominees n
			 JOIN categories c ON c.id = n.category_id
			 LEFT JOIN votes v ON v.nominee_id = n.id
			 WHERE c.event_id = ?
			 GROUP BY n.id, n.code, n.name, c.event_id
			 ORDER BY 5 DESC, n.code`

	rows, err := r.slaveDB.Query(query, eventID)
	if err != nil {
		return nil, fmt.Errorf("查询活动计票结果失败: %w", err)
	}
	defer rows.Close()

	var tallies []*model.NomineeTally
	for rows.Next() {
		var t model.NomineeTally
		if err := rows.Scan(&t.NomineeID, &t.Code, &t.Name, &t.EventID, &t.Votes); err != nil {
			return nil, fmt.Errorf("扫描计票结果失败: %w", err)
		}
		tallies = append(tallies, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("迭代计票结果失败: %w", err)
	}

	return tallies, nil
}

// Close 关闭数据库连接
func (r *MySQLRepository) Close() {
	if r.masterDB != nil {
		r.masterDB.Close()
	}
	if r.slaveDB != nil && r.slaveDB != r.masterDB {
		r.slaveDB.Close()
	}
}
