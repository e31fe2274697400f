package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

const rewardColumns = `id, name, description, image, category, subcategory,
	cost_minor, quantity, reserved, sold, active, version, added_at, updated_at`

type rewardRepository struct {
	db *sql.DB
}

// NewRewardRepository создаёт PostgreSQL-реализацию RewardRepository.
func NewRewardRepository(store *Store) domain.RewardRepository {
	return &rewardRepository{db: store.DB()}
}

func (r *rewardRepository) Create(reward domain.Reward) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rewards (
			id, name, description, image, category, subcategory,
			cost_minor, quantity, reserved, sold, active, version, added_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		reward.ID, reward.Name, reward.Description, reward.Image,
		reward.Category, reward.Subcategory, reward.CostMinor,
		reward.Quantity, reward.Reserved, reward.Sold, reward.Active,
		reward.Version, reward.AddedAt, reward.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrRewardVersionConflict
		}
		return fmt.Errorf("insert reward: %w", err)
	}

	return nil
}

func (r *rewardRepository) Get(id string) (domain.Reward, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT `+rewardColumns+`
		FROM rewards
		WHERE id = $1
	`, id))
}

func (r *rewardRepository) List() ([]domain.Reward, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+rewardColumns+`
		FROM rewards
		ORDER BY added_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list rewards: %w", err)
	}
	defer rows.Close()

	return r.scanRows(rows)
}

func (r *rewardRepository) Find(filter domain.RewardFilter) ([]domain.Reward, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	conditions := make([]string, 0, 8)
	args := make([]interface{}, 0, 8)

	appendCondition := func(expr string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, strings.Replace(expr, "?", "$"+strconv.Itoa(len(args)), 1))
	}

	if filter.Name != "" {
		appendCondition("LOWER(name) = LOWER(?)", filter.Name)
	}
	if filter.Category != "" {
		appendCondition("category = ?", filter.Category)
	}
	if filter.Subcategory != "" {
		appendCondition("subcategory = ?", filter.Subcategory)
	}
	if filter.Active == nil {
		// Публичный каталог по умолчанию показывает только активные награды.
		conditions = append(conditions, "active = TRUE")
	} else {
		appendCondition("active = ?", *filter.Active)
	}
	if filter.MinQuantity >= 0 {
		appendCondition("quantity >= ?", filter.MinQuantity)
	}
	if filter.MaxQuantity >= 0 {
		appendCondition("quantity <= ?", filter.MaxQuantity)
	}
	if filter.MinSold >= 0 {
		appendCondition("sold >= ?", filter.MinSold)
	}
	if filter.MaxSold >= 0 {
		appendCondition("sold <= ?", filter.MaxSold)
	}

	query := `SELECT ` + rewardColumns + ` FROM rewards`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY added_at DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find rewards: %w", err)
	}
	defer rows.Close()

	return r.scanRows(rows)
}

func (r *rewardRepository) Save(reward domain.Reward) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE rewards
		SET name = $1,
		    description = $2,
		    image = $3,
		    category = $4,
		    subcategory = $5,
		    cost_minor = $6,
		    quantity = $7,
		    reserved = $8,
		    sold = $9,
		    active = $10,
		    version = version + 1,
		    updated_at = $11
		WHERE id = $12
		  AND version = $13
	`,
		reward.Name, reward.Description, reward.Image, reward.Category,
		reward.Subcategory, reward.CostMinor, reward.Quantity, reward.Reserved,
		reward.Sold, reward.Active, reward.UpdatedAt, reward.ID, reward.Version,
	)
	if err != nil {
		return fmt.Errorf("update reward: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.rewardExists(ctx, reward.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrRewardNotFound
		}
		return domain.ErrRewardVersionConflict
	}

	return nil
}

// ReserveStock удерживает qty единиц одним условным UPDATE: проверка
// доступности и инкремент reserved атомарны на уровне строки.
func (r *rewardRepository) ReserveStock(id string, qty int32) (domain.Reward, error) {
	if qty <= 0 {
		return domain.Reward{}, domain.ErrRedeemQtyInvalid
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		UPDATE rewards
		SET reserved = reserved + $2,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND active = TRUE
		  AND quantity - reserved >= $2
		RETURNING `+rewardColumns+`
	`, id, qty)

	reward, err := r.scanOne(row)
	if err != nil {
		if errors.Is(err, domain.ErrRewardNotFound) {
			return domain.Reward{}, r.classifyStockFailure(ctx, id)
		}
		return domain.Reward{}, err
	}
	return reward, nil
}

// CommitStock финализирует успешный выкуп: снимает удержание, списывает
// остаток и увеличивает sold. Уход остатка в минус блокируется условием,
// а не клампится.
func (r *rewardRepository) CommitStock(id string, qty int32) (domain.Reward, error) {
	if qty <= 0 {
		return domain.Reward{}, domain.ErrRedeemQtyInvalid
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		UPDATE rewards
		SET quantity = quantity - $2,
		    sold = sold + $2,
		    reserved = GREATEST(reserved - $2, 0),
		    active = CASE WHEN quantity - $2 = 0 THEN FALSE ELSE active END,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		  AND quantity >= $2
		RETURNING `+rewardColumns+`
	`, id, qty)

	reward, err := r.scanOne(row)
	if err != nil {
		if errors.Is(err, domain.ErrRewardNotFound) {
			exists, existsErr := r.rewardExists(ctx, id)
			if existsErr != nil {
				return domain.Reward{}, existsErr
			}
			if !exists {
				return domain.Reward{}, domain.ErrRewardNotFound
			}
			return domain.Reward{}, domain.ErrStockInconsistent
		}
		return domain.Reward{}, err
	}
	return reward, nil
}

// ReleaseStock снимает удержание после отклонённой транзакции.
func (r *rewardRepository) ReleaseStock(id string, qty int32) (domain.Reward, error) {
	if qty <= 0 {
		return domain.Reward{}, domain.ErrRedeemQtyInvalid
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		UPDATE rewards
		SET reserved = GREATEST(reserved - $2, 0),
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+rewardColumns+`
	`, id, qty)

	return r.scanOne(row)
}

// classifyStockFailure различает отсутствующую награду и отказ по остатку.
func (r *rewardRepository) classifyStockFailure(ctx context.Context, id string) error {
	exists, err := r.rewardExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrRewardNotFound
	}
	return domain.ErrOutOfStock
}

func (r *rewardRepository) rewardExists(ctx context.Context, id string) (bool, error) {
	var found string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM rewards WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check reward exists: %w", err)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *rewardRepository) scanOne(row rowScanner) (domain.Reward, error) {
	var reward domain.Reward
	err := row.Scan(
		&reward.ID, &reward.Name, &reward.Description, &reward.Image,
		&reward.Category, &reward.Subcategory, &reward.CostMinor,
		&reward.Quantity, &reward.Reserved, &reward.Sold, &reward.Active,
		&reward.Version, &reward.AddedAt, &reward.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reward{}, domain.ErrRewardNotFound
		}
		return domain.Reward{}, fmt.Errorf("scan reward: %w", err)
	}
	return reward, nil
}

func (r *rewardRepository) scanRows(rows *sql.Rows) ([]domain.Reward, error) {
	rewards := make([]domain.Reward, 0)
	for rows.Next() {
		reward, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		rewards = append(rewards, reward)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reward rows: %w", err)
	}
	return rewards, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.RewardRepository = (*rewardRepository)(nil)
