package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/rewards/internal/domain"
)

const redeemColumns = `id, reward_id, user_id, quantity, status, code,
	requested_at, used_at, version, created_at, updated_at`

type redeemRepository struct {
	db *sql.DB
}

// NewRedeemRepository создаёт PostgreSQL-реализацию RedeemRepository.
func NewRedeemRepository(store *Store) domain.RedeemRepository {
	return &redeemRepository{db: store.DB()}
}

func (r *redeemRepository) Create(redeem domain.Redeem) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO redeems (
			id, reward_id, user_id, quantity, status, code,
			requested_at, used_at, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		redeem.ID, redeem.RewardID, redeem.UserID, redeem.Quantity,
		string(redeem.Status), nullableCode(redeem.Code),
		redeem.RequestedAt, nullableTime(redeem.UsedAt),
		redeem.Version, redeem.CreatedAt, redeem.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrRedeemVersionConflict
		}
		return fmt.Errorf("insert redeem: %w", err)
	}

	return nil
}

func (r *redeemRepository) Get(id string) (domain.Redeem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT `+redeemColumns+`
		FROM redeems
		WHERE id = $1
	`, id))
}

func (r *redeemRepository) GetByCode(code string) (domain.Redeem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT `+redeemColumns+`
		FROM redeems
		WHERE code = $1
	`, code))
}

func (r *redeemRepository) ListByUser(userID string, limit int) ([]domain.Redeem, error) {
	return r.list(`user_id`, userID, limit)
}

func (r *redeemRepository) ListByReward(rewardID string, limit int) ([]domain.Redeem, error) {
	return r.list(`reward_id`, rewardID, limit)
}

func (r *redeemRepository) list(column, value string, limit int) ([]domain.Redeem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `
		SELECT ` + redeemColumns + `
		FROM redeems
		WHERE ` + column + ` = $1
		ORDER BY requested_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", value, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, value)
	}
	if err != nil {
		return nil, fmt.Errorf("list redeems: %w", err)
	}
	defer rows.Close()

	redeems := make([]domain.Redeem, 0)
	for rows.Next() {
		redeem, err := r.scanOne(rows)
		if err != nil {
			return nil, err
		}
		redeems = append(redeems, redeem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate redeem rows: %w", err)
	}

	return redeems, nil
}

func (r *redeemRepository) Save(redeem domain.Redeem) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE redeems
		SET status = $1,
		    code = $2,
		    used_at = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $5
		  AND version = $6
	`,
		string(redeem.Status), nullableCode(redeem.Code), nullableTime(redeem.UsedAt),
		redeem.UpdatedAt, redeem.ID, redeem.Version,
	)
	if err != nil {
		return fmt.Errorf("update redeem: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := r.redeemExists(ctx, redeem.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrRedeemNotFound
		}
		return domain.ErrRedeemVersionConflict
	}

	return nil
}

// Consume гасит код одним условным UPDATE: владелец, статус fulfilled и
// переход в consumed проверяются атомарно, поэтому из конкурентных попыток
// строку обновит ровно одна. Проигравшие получают диагностику отдельным SELECT.
func (r *redeemRepository) Consume(code, userID string, usedAt time.Time) (domain.Redeem, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		UPDATE redeems
		SET status = $3,
		    used_at = $4,
		    version = version + 1,
		    updated_at = $4
		WHERE code = $1
		  AND user_id = $2
		  AND status = $5
		RETURNING `+redeemColumns+`
	`, code, userID, string(domain.RedeemStatusConsumed), usedAt.UTC(), string(domain.RedeemStatusFulfilled))

	redeem, err := r.scanOne(row)
	if err == nil {
		return redeem, nil
	}
	if !errors.Is(err, domain.ErrRedeemNotFound) {
		return domain.Redeem{}, err
	}

	return domain.Redeem{}, r.classifyConsumeFailure(ctx, code, userID)
}

func (r *redeemRepository) classifyConsumeFailure(ctx context.Context, code, userID string) error {
	existing, err := r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT `+redeemColumns+`
		FROM redeems
		WHERE code = $1
	`, code))
	if err != nil {
		return err
	}

	// Чужой код неотличим от несуществующего.
	if existing.UserID != userID {
		return domain.ErrRedeemNotFound
	}
	if existing.Status == domain.RedeemStatusConsumed {
		return domain.ErrRedeemAlreadyUsed
	}
	return domain.ErrRedeemNotCompleted
}

func (r *redeemRepository) redeemExists(ctx context.Context, id string) (bool, error) {
	var found string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM redeems WHERE id = $1`, id).Scan(&found)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check redeem exists: %w", err)
}

func (r *redeemRepository) scanOne(row rowScanner) (domain.Redeem, error) {
	var (
		redeem domain.Redeem
		status string
		code   sql.NullString
		usedAt sql.NullTime
	)
	err := row.Scan(
		&redeem.ID, &redeem.RewardID, &redeem.UserID, &redeem.Quantity,
		&status, &code, &redeem.RequestedAt, &usedAt,
		&redeem.Version, &redeem.CreatedAt, &redeem.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Redeem{}, domain.ErrRedeemNotFound
		}
		return domain.Redeem{}, fmt.Errorf("scan redeem: %w", err)
	}

	redeem.Status = domain.RedeemStatus(status)
	if code.Valid {
		redeem.Code = code.String
	}
	if usedAt.Valid {
		redeem.UsedAt = usedAt.Time.UTC()
	}
	return redeem, nil
}

func nullableCode(code string) sql.NullString {
	if code == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: code, Valid: true}
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

var _ domain.RedeemRepository = (*redeemRepository)(nil)
