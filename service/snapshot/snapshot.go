package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/golang/glog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/KAsare1/wallsync/cmd/utils"
)

// Snapshot is a stored feed: the listing in order and the unlisted records
// it references.
type Snapshot struct {
	Listed   []models.PostPatch
	Unlisted []models.PostPatch
}

func (s *Snapshot) Empty() bool {
	return len(s.Listed) == 0 && len(s.Unlisted) == 0
}

// Store keeps one snapshot per wall owner so a feed view can start warm.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&models.SnapshotPost{}); err != nil {
		return fmt.Errorf("error migrating snapshot table: %w", err)
	}
	return nil
}

// Save replaces the owner's snapshot with posts. listed reports whether a
// post is part of the listing; listed posts keep their order.
func (s *Store) Save(ctx context.Context, ownerID string, posts []models.Post, listed func(id string) bool) error {
	rows := []models.SnapshotPost{}
	position := 0
	for _, post := range posts {
		if utils.IsTempID(post.ID) {
			continue
		}
		p := -1
		if listed(post.ID) {
			p = position
			position += 1
		}
		row, err := Encode(ownerID, p, post)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("owner_id = ?", ownerID).Delete(&models.SnapshotPost{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 100).Error
	})
	if err != nil {
		return fmt.Errorf("error saving snapshot for %s: %w", ownerID, err)
	}
	glog.V(1).Infof("[snapshot]saved %d posts for %s\n", len(rows), ownerID)
	return nil
}

func (s *Store) Load(ctx context.Context, ownerID string) (*Snapshot, error) {
	var rows []models.SnapshotPost
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("position ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error loading snapshot for %s: %w", ownerID, err)
	}
	return FromRows(rows)
}

func (s *Store) Clear(ctx context.Context, ownerID string) (int64, error) {
	result := s.db.WithContext(ctx).Unscoped().Where("owner_id = ?", ownerID).Delete(&models.SnapshotPost{})
	if result.Error != nil {
		return 0, fmt.Errorf("error clearing snapshot for %s: %w", ownerID, result.Error)
	}
	return result.RowsAffected, nil
}

// FromRows splits rows into the listing, ordered by position, and the
// unlisted records.
func FromRows(rows []models.SnapshotPost) (*Snapshot, error) {
	listed := []models.SnapshotPost{}
	snapshot := &Snapshot{}
	for _, row := range rows {
		if row.Position < 0 {
			patch, err := Decode(row)
			if err != nil {
				return nil, err
			}
			snapshot.Unlisted = append(snapshot.Unlisted, patch)
			continue
		}
		listed = append(listed, row)
	}
	sortByPosition(listed)
	for _, row := range listed {
		patch, err := Decode(row)
		if err != nil {
			return nil, err
		}
		snapshot.Listed = append(snapshot.Listed, patch)
	}
	return snapshot, nil
}

func sortByPosition(rows []models.SnapshotPost) {
	sort.SliceStable(rows, func(i int, j int) bool {
		return rows[i].Position < rows[j].Position
	})
}

// Encode stores the authoritative fields of post. Flags and repost mirrors
// are derived state and are not kept.
func Encode(ownerID string, position int, post models.Post) (models.SnapshotPost, error) {
	author, err := json.Marshal(post.Author)
	if err != nil {
		return models.SnapshotPost{}, err
	}
	row := models.SnapshotPost{
		OwnerID:   ownerID,
		PostID:    post.ID,
		Position:  position,
		Author:    datatypes.JSON(author),
		Content:   post.Content,
		PostedAt:  post.CreatedAt,
		ViewCount: post.ViewCount,
	}
	switch v := post.Variant.(type) {
	case *models.Repost:
		row.IsRepost = true
		row.OriginalPostID = v.OriginalID
		row.RepostMessage = v.Message
	case *models.Original:
		likes, err := json.Marshal(v.Likes)
		if err != nil {
			return models.SnapshotPost{}, err
		}
		comments := make([]models.Comment, 0, len(v.Comments))
		for _, c := range v.Comments {
			if utils.IsTempID(c.ID) {
				continue
			}
			c.Flags = nil
			comments = append(comments, c)
		}
		commentsJSON, err := json.Marshal(comments)
		if err != nil {
			return models.SnapshotPost{}, err
		}
		row.Likes = datatypes.JSON(likes)
		row.Comments = datatypes.JSON(commentsJSON)
		row.RepostCount = v.RepostCount
		row.RepostedBy = append([]string{}, v.RepostedBy...)
	}
	return row, nil
}

func Decode(row models.SnapshotPost) (models.PostPatch, error) {
	var author models.Author
	if err := json.Unmarshal(row.Author, &author); err != nil {
		return models.PostPatch{}, fmt.Errorf("snapshot post %s author: %w", row.PostID, err)
	}
	content := row.Content
	createdAt := row.PostedAt
	views := row.ViewCount
	patch := models.PostPatch{
		ID:        row.PostID,
		Author:    &author,
		Content:   &content,
		CreatedAt: &createdAt,
		ViewCount: &views,
	}
	if row.IsRepost {
		patch.Repost = &models.RepostRef{OriginalID: row.OriginalPostID, Message: row.RepostMessage}
		return patch, nil
	}

	likes := []models.Like{}
	if 0 < len(row.Likes) {
		if err := json.Unmarshal(row.Likes, &likes); err != nil {
			return models.PostPatch{}, fmt.Errorf("snapshot post %s likes: %w", row.PostID, err)
		}
	}
	comments := []models.Comment{}
	if 0 < len(row.Comments) {
		if err := json.Unmarshal(row.Comments, &comments); err != nil {
			return models.PostPatch{}, fmt.Errorf("snapshot post %s comments: %w", row.PostID, err)
		}
	}
	repostedBy := []string{}
	repostedBy = append(repostedBy, row.RepostedBy...)
	repostCount := row.RepostCount
	patch.Likes = &likes
	patch.Comments = &comments
	patch.RepostedBy = &repostedBy
	patch.RepostCount = &repostCount
	return patch, nil
}
