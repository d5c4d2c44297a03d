package claim

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "AutoExec-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录执行凭据。ID 由 AUTO_INCREMENT 单调分配，
// Begin 的条件更新充当全局执行序列化点。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS exec_claims (
        id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
        provider CHAR(42) NOT NULL,
        provider_module CHAR(42) NOT NULL,
        user_proxy CHAR(42) NOT NULL,
        condition_addr CHAR(42) NOT NULL DEFAULT '',
        action_addr CHAR(42) NOT NULL,
        condition_payload TEXT,
        action_payload TEXT,
        expiry_date BIGINT NOT NULL DEFAULT 0,
        status VARCHAR(16) NOT NULL,
        attempts INT NOT NULL DEFAULT 0,
        max_attempts INT NOT NULL DEFAULT 0,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        outcome_event_id VARCHAR(64) DEFAULT '',
        outcome_executor CHAR(42) DEFAULT '',
        outcome_tx_hash CHAR(66) DEFAULT '',
        outcome_gas_price VARCHAR(78) DEFAULT '',
        outcome_gas_used BIGINT UNSIGNED NOT NULL DEFAULT 0,
        outcome_fee VARCHAR(78) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_claim_status (status),
        INDEX idx_claim_provider (provider),
        INDEX idx_claim_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 exec_claims 表失败")
	}
	return nil
}

const claimColumns = `id, provider, provider_module, user_proxy, condition_addr, action_addr,
        condition_payload, action_payload, expiry_date, status, attempts, max_attempts,
        last_error, error_code, outcome_event_id, outcome_executor, outcome_tx_hash,
        outcome_gas_price, outcome_gas_used, outcome_fee, created_at, updated_at`

// Mint 插入新的凭据记录并回填自增 ID。
func (s *MySQLStore) Mint(ctx context.Context, c *ExecClaim) error {
	if c == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "claim 不能为空")
	}

	now := time.Now().Unix()
	if c.ExpiryDate != 0 && c.ExpiryDate <= now {
		return ErrInvalidExpiry
	}
	c.Status = StatusPending
	c.Attempts = 0
	c.CreatedAt = now
	c.UpdatedAt = now

	const stmt = `INSERT INTO exec_claims
        (provider, provider_module, user_proxy, condition_addr, action_addr,
         condition_payload, action_payload, expiry_date, status, attempts, max_attempts,
         last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, '', '', ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		c.Provider.Hex(),
		c.ProviderModule.Hex(),
		c.UserProxy.Hex(),
		c.Condition.Hex(),
		c.Action.Hex(),
		encodePayload(c.ConditionPayload),
		encodePayload(c.ActionPayload),
		c.ExpiryDate,
		c.Status,
		c.MaxAttempts,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入凭据失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取凭据 ID 失败")
	}
	c.ID = uint64(id)
	return nil
}

// Get 查询指定凭据。
func (s *MySQLStore) Get(ctx context.Context, id uint64) (*ExecClaim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM exec_claims WHERE id = ?`, id)
	return scanClaim(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner) (*ExecClaim, error) {
	var (
		c                ExecClaim
		provider         string
		providerModule   string
		userProxy        string
		conditionAddr    string
		actionAddr       string
		conditionPayload sql.NullString
		actionPayload    sql.NullString
		lastError        sql.NullString
		outcome          ExecutionOutcome
	)
	if err := row.Scan(
		&c.ID,
		&provider,
		&providerModule,
		&userProxy,
		&conditionAddr,
		&actionAddr,
		&conditionPayload,
		&actionPayload,
		&c.ExpiryDate,
		&c.Status,
		&c.Attempts,
		&c.MaxAttempts,
		&lastError,
		&c.ErrorCode,
		&outcome.EventID,
		&outcome.Executor,
		&outcome.TxHash,
		&outcome.GasPrice,
		&outcome.GasUsed,
		&outcome.Fee,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrClaimNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询凭据失败")
	}

	c.Provider = common.HexToAddress(provider)
	c.ProviderModule = common.HexToAddress(providerModule)
	c.UserProxy = common.HexToAddress(userProxy)
	c.Condition = common.HexToAddress(conditionAddr)
	c.Action = common.HexToAddress(actionAddr)
	c.LastError = lastError.String

	var err error
	if c.ConditionPayload, err = decodePayload(conditionPayload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析条件载荷失败")
	}
	if c.ActionPayload, err = decodePayload(actionPayload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析动作载荷失败")
	}
	if outcome.EventID != "" {
		c.Outcome = &outcome
	}
	return &c, nil
}

// Revoke 撤销 Pending 状态的凭据。
func (s *MySQLStore) Revoke(ctx context.Context, id uint64) error {
	const stmt = `UPDATE exec_claims SET status = ?, updated_at = ? WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt, StatusRevoked, time.Now().Unix(), id, StatusPending)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "撤销凭据失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		c, getErr := s.Get(ctx, id)
		if getErr != nil {
			return getErr
		}
		if c.Status == StatusExecuting {
			return ErrClaimInFlight
		}
		return ErrClaimNotPending
	}
	return nil
}

// Begin 以条件更新原子地占据执行权。
func (s *MySQLStore) Begin(ctx context.Context, id uint64) (*ExecClaim, error) {
	const stmt = `UPDATE exec_claims SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ?
        AND (expiry_date = 0 OR expiry_date > ?)
        AND (max_attempts = 0 OR attempts < max_attempts)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusExecuting, now, id, StatusPending, now)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新凭据状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		c, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		switch c.Status {
		case StatusRevoked:
			return c, ErrClaimRevoked
		case StatusExecuting:
			return c, ErrClaimInFlight
		case StatusExecuted, StatusFailed, StatusExpired:
			return c, ErrClaimTerminal
		}
		if c.ExpiredAt(now) {
			if err := s.MarkExpired(ctx, id); err != nil && !stdErrors.Is(err, ErrClaimTerminal) {
				return nil, err
			}
			return c, ErrClaimExpired
		}
		if c.MaxAttempts > 0 && c.Attempts >= c.MaxAttempts {
			if err := s.MarkFailed(ctx, id, CodeAttemptsExhausted, "exec attempts exhausted"); err != nil && !stdErrors.Is(err, ErrClaimTerminal) {
				return nil, err
			}
			return c, ErrAttemptsExhausted
		}
		return c, ErrClaimNotPending
	}
	return s.Get(ctx, id)
}

// Requeue 将执行中的凭据放回 Pending。
func (s *MySQLStore) Requeue(ctx context.Context, id uint64, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE exec_claims SET status = ?, error_code = ?, last_error = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt, StatusPending, string(code), lastError, time.Now().Unix(), id, StatusExecuting)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回退凭据状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrClaimNotPending
	}
	return nil
}

// MarkExecuted 记录成功账目并进入终态。
func (s *MySQLStore) MarkExecuted(ctx context.Context, id uint64, outcome ExecutionOutcome) error {
	const stmt = `UPDATE exec_claims SET status = ?, outcome_event_id = ?, outcome_executor = ?,
        outcome_tx_hash = ?, outcome_gas_price = ?, outcome_gas_used = ?, outcome_fee = ?,
        last_error = '', error_code = '', updated_at = ?
        WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt,
		StatusExecuted,
		outcome.EventID,
		outcome.Executor,
		outcome.TxHash,
		outcome.GasPrice,
		outcome.GasUsed,
		outcome.Fee,
		time.Now().Unix(),
		id,
		StatusPending,
		StatusExecuting,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记凭据成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrClaimTerminal
	}
	return nil
}

// MarkFailed 将凭据标为终态失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, id uint64, code xerrors.Code, lastError string) error {
	const stmt = `UPDATE exec_claims SET status = ?, error_code = ?, last_error = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt, StatusFailed, string(code), lastError, time.Now().Unix(), id, StatusPending, StatusExecuting)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记凭据失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrClaimTerminal
	}
	return nil
}

// MarkExpired 将超过截止时间的凭据标为 Expired 终态。执行中发现
// 过期的凭据同样从 Executing 迁移。
func (s *MySQLStore) MarkExpired(ctx context.Context, id uint64) error {
	const stmt = `UPDATE exec_claims SET status = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status IN (?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, StatusExpired, string(CodeClaimExpired), time.Now().Unix(), id, StatusPending, StatusExecuting)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记凭据过期失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrClaimTerminal
	}
	return nil
}

// List 返回符合过滤条件的凭据。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*ExecClaim, error) {
	opts.applyDefaults()

	query := `SELECT ` + claimColumns + ` FROM exec_claims`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, id ASC"
	}
	query += order + " LIMIT ?"

	args := append(filterArgs, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询凭据列表失败")
	}
	defer rows.Close()

	claims := make([]*ExecClaim, 0, opts.Limit)
	for rows.Next() {
		c, scanErr := scanClaim(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历凭据失败")
	}
	return claims, nil
}

// Stats 返回符合过滤条件的凭据聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (ClaimStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS executing,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS executed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS expired,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS revoked,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM exec_claims`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending), string(StatusExecuting), string(StatusExecuted),
		string(StatusFailed), string(StatusExpired), string(StatusRevoked),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats ClaimStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Executing,
		&stats.Executed,
		&stats.Failed,
		&stats.Expired,
		&stats.Revoked,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return ClaimStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询凭据统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func encodePayload(payload hexutil.Bytes) string {
	if len(payload) == 0 {
		return ""
	}
	return payload.String()
}

func decodePayload(raw sql.NullString) (hexutil.Bytes, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	decoded, err := hexutil.Decode(raw.String)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return decoded, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.Provider != nil {
		conditions = append(conditions, "provider = ?")
		args = append(args, opts.Provider.Hex())
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
