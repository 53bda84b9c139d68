package db

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/steemit/hivefeed/internal/feed"
	"github.com/steemit/hivefeed/internal/models"
)

// Repository provides database access methods
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// AccountRepository provides account-related database operations
type AccountRepository struct {
	*Repository
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(repo *Repository) *AccountRepository {
	return &AccountRepository{Repository: repo}
}

// GetByID retrieves an account by ID
func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// Create creates a new account
func (r *AccountRepository) Create(ctx context.Context, account *models.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

// PostRepository provides post-related database operations
type PostRepository struct {
	*Repository
	accounts *AccountRepository
}

var _ feed.Posts = (*PostRepository)(nil)

// NewPostRepository creates a new post repository
func NewPostRepository(repo *Repository) *PostRepository {
	return &PostRepository{Repository: repo, accounts: NewAccountRepository(repo)}
}

// Post retrieves a post by ID, including soft-deleted posts
func (r *PostRepository) Post(ctx context.Context, id int64) (*models.Post, error) {
	var post models.Post
	if err := r.db.WithContext(ctx).First(&post, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &post, nil
}

// PostsByID retrieves posts by ID in one query, including soft-deleted
// posts. Missing ids are absent from the map.
func (r *PostRepository) PostsByID(ctx context.Context, ids []int64) (map[int64]*models.Post, error) {
	out := make(map[int64]*models.Post, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var posts []*models.Post
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&posts).Error; err != nil {
		return nil, err
	}
	for _, p := range posts {
		out[p.ID] = p
	}
	return out, nil
}

// Account retrieves a post author or viewer by ID
func (r *PostRepository) Account(ctx context.Context, id int64) (*models.Account, error) {
	return r.accounts.GetByID(ctx, id)
}

// eligible applies the platform-wide visibility predicate
func eligible(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("deleted_at IS NULL AND is_system = ? AND published_at IS NOT NULL AND published_at <= ?", false, now)
	}
}

// Candidates retrieves the posts a rebuild considers, newest first
func (r *PostRepository) Candidates(ctx context.Context, q feed.CandidateQuery) ([]*models.Post, error) {
	db := r.db.WithContext(ctx)

	membership := db.Where("author_id = ?", q.ViewerID)
	if len(q.AuthorIDs) > 0 {
		membership = membership.Or("author_id IN ?", q.AuthorIDs)
	}
	if len(q.PostIDs) > 0 {
		membership = membership.Or("id IN ?", q.PostIDs)
	}

	query := db.Model(&models.Post{}).Scopes(eligible(q.Now)).Where(membership)
	if q.After != nil {
		query = query.Where("published_at < ? OR (published_at = ? AND id < ?)",
			q.After.PublishedAt, q.After.PublishedAt, q.After.ID)
	}

	var posts []*models.Post
	if err := query.Order("published_at DESC, id DESC").Limit(q.Limit).Find(&posts).Error; err != nil {
		return nil, err
	}
	return posts, nil
}

// PostIDsByAuthor pages through an author's post ids in ascending order
func (r *PostRepository) PostIDsByAuthor(ctx context.Context, authorID, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&models.Post{}).
		Where("author_id = ? AND id > ?", authorID, afterID).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// Create creates a new post
func (r *PostRepository) Create(ctx context.Context, post *models.Post) error {
	return r.db.WithContext(ctx).Create(post).Error
}

// Update updates a post
func (r *PostRepository) Update(ctx context.Context, post *models.Post) error {
	return r.db.WithContext(ctx).Save(post).Error
}
