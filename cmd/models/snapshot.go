package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SnapshotPost is one stored record of a feed snapshot. Transient flags are
// never stored.
type SnapshotPost struct {
	gorm.Model
	OwnerID        string         `gorm:"column:owner_id;size:128;not null;uniqueIndex:idx_snapshot_owner_post" json:"owner_id"`
	PostID         string         `gorm:"column:post_id;size:128;not null;uniqueIndex:idx_snapshot_owner_post" json:"post_id"`
	Position       int            `gorm:"column:position;not null;default:-1" json:"position"`
	Author         datatypes.JSON `gorm:"column:author" json:"author"`
	Content        string         `gorm:"column:content;type:text" json:"content"`
	PostedAt       time.Time      `gorm:"column:posted_at" json:"posted_at"`
	IsRepost       bool           `gorm:"column:is_repost;default:false" json:"is_repost"`
	OriginalPostID string         `gorm:"column:original_post_id;size:128" json:"original_post_id,omitempty"`
	RepostMessage  string         `gorm:"column:repost_message;size:200" json:"repost_message,omitempty"`
	Likes          datatypes.JSON `gorm:"column:likes" json:"likes"`
	Comments       datatypes.JSON `gorm:"column:comments" json:"comments"`
	RepostCount    int            `gorm:"column:repost_count;default:0" json:"repost_count"`
	RepostedBy     pq.StringArray `gorm:"column:reposted_by;type:text[]" json:"reposted_by"`
	ViewCount      int            `gorm:"column:view_count;default:0" json:"view_count"`
}

func (SnapshotPost) TableName() string {
	return "snapshot_posts"
}
