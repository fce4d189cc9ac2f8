package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// ProfileSummary 訊息引擎需要的使用者摘要 (identity provider 的窄契約)
type ProfileSummary struct {
	UserID     string
	Name       string
	AvatarPath string
	Verified   bool
}

// ProfileRepository definition identity/profile provider 的窄介面。
// 帳號/登入等內部細節不在此 service 範圍
type ProfileRepository interface {
	FindProfile(ctx context.Context, userID string) (*ProfileSummary, error)
	// IsBlocked 兩人之間任一方向有封鎖關係即為 true
	IsBlocked(ctx context.Context, userA, userB string) (bool, error)
}

type pgProfileRepository struct {
	db *pgxpool.Pool
}

// NewPgProfileRepository create a ProfileRepository
func NewPgProfileRepository(db *pgxpool.Pool) ProfileRepository {
	return &pgProfileRepository{db: db}
}

func (r *pgProfileRepository) FindProfile(ctx context.Context, userID string) (*ProfileSummary, error) {
	row := r.db.QueryRow(ctx,
		"SELECT user_id, name, avatar_path, verified FROM profiles WHERE user_id = $1", userID)

	var p ProfileSummary
	if err := row.Scan(&p.UserID, &p.Name, &p.AvatarPath, &p.Verified); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *pgProfileRepository) IsBlocked(ctx context.Context, userA, userB string) (bool, error) {
	var count int
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(1) FROM blocked_users WHERE (blocker_id = $1 AND blocked_id = $2) OR (blocker_id = $2 AND blocked_id = $1)",
		userA, userB).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
