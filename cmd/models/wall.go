package models

import (
	"encoding/json"
	"time"
)

type Author struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Like is a user id with the display snapshot the server sent alongside it.
type Like struct {
	UserID      string `json:"userId"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"postId"`
	Author    Author    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Flags     Flags     `json:"flags,omitempty"`
}

// Social holds the fields that are authoritative only on an original post.
type Social struct {
	Likes       []Like    `json:"likes"`
	Comments    []Comment `json:"comments"`
	RepostCount int       `json:"repostCount"`
	RepostedBy  []string  `json:"repostedBy"`
}

// Variant is either *Original or *Repost.
type Variant interface {
	variant()
}

// Original owns its social data.
type Original struct {
	Social
}

// Repost wraps another post. Mirror is a projection of the original's
// Social and is only ever written by cross-reference synchronization.
type Repost struct {
	OriginalID string
	Message    string
	Mirror     Social
	// Stale is set while the referenced original is not loaded.
	Stale bool
}

func (*Original) variant() {}
func (*Repost) variant()   {}

type Post struct {
	ID        string
	Author    Author
	Content   string
	CreatedAt time.Time
	Variant   Variant
	ViewCount int
	Flags     Flags
}

func (p *Post) IsRepost() bool {
	_, ok := p.Variant.(*Repost)
	return ok
}

// OriginalID returns the referenced post id for a repost and "" otherwise.
func (p *Post) OriginalID() string {
	if r, ok := p.Variant.(*Repost); ok {
		return r.OriginalID
	}
	return ""
}

// Social returns the authoritative social fields for an original and the
// synchronized projection for a repost.
func (p *Post) Social() *Social {
	switch v := p.Variant.(type) {
	case *Original:
		return &v.Social
	case *Repost:
		return &v.Mirror
	}
	return &Social{}
}

func (p *Post) LikedBy(userID string) bool {
	return HasLike(p.Social().Likes, userID)
}

func (p *Post) RepostedByUser(userID string) bool {
	return HasUser(p.Social().RepostedBy, userID)
}

func (p *Post) FindComment(commentID string) (*Comment, bool) {
	s := p.Social()
	for i := range s.Comments {
		if s.Comments[i].ID == commentID {
			return &s.Comments[i], true
		}
	}
	return nil, false
}

func (s Social) Clone() Social {
	c := Social{
		RepostCount: s.RepostCount,
	}
	if s.Likes != nil {
		c.Likes = append([]Like{}, s.Likes...)
	}
	if s.RepostedBy != nil {
		c.RepostedBy = append([]string{}, s.RepostedBy...)
	}
	if s.Comments != nil {
		c.Comments = make([]Comment, len(s.Comments))
		for i, comment := range s.Comments {
			comment.Flags = comment.Flags.Clone()
			c.Comments[i] = comment
		}
	}
	return c
}

// Clone returns a deep copy that shares no slices or maps with p.
func (p *Post) Clone() Post {
	c := *p
	c.Flags = p.Flags.Clone()
	switch v := p.Variant.(type) {
	case *Original:
		c.Variant = &Original{Social: v.Social.Clone()}
	case *Repost:
		r := *v
		r.Mirror = v.Mirror.Clone()
		c.Variant = &r
	default:
		c.Variant = &Original{}
	}
	return c
}

type postView struct {
	ID             string    `json:"id"`
	Author         Author    `json:"author"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	IsRepost       bool      `json:"isRepost"`
	OriginalPostID string    `json:"originalPostId,omitempty"`
	RepostMessage  string    `json:"repostMessage,omitempty"`
	Stale          bool      `json:"stale,omitempty"`
	Social
	ViewCount int   `json:"viewCount"`
	Flags     Flags `json:"flags,omitempty"`
}

// MarshalJSON flattens the variant for presentation clients.
func (p Post) MarshalJSON() ([]byte, error) {
	v := postView{
		ID:        p.ID,
		Author:    p.Author,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
		Social:    *p.Social(),
		ViewCount: p.ViewCount,
		Flags:     p.Flags,
	}
	if r, ok := p.Variant.(*Repost); ok {
		v.IsRepost = true
		v.OriginalPostID = r.OriginalID
		v.RepostMessage = r.Message
		v.Stale = r.Stale
	}
	return json.Marshal(v)
}

// RepostRef marks a patch as describing a repost wrapper.
type RepostRef struct {
	OriginalID string
	Message    string
}

// PostPatch is a partial record. Nil fields are left untouched by a merge.
type PostPatch struct {
	ID        string
	Author    *Author
	Content   *string
	CreatedAt *time.Time
	Repost    *RepostRef
	// Original is an embedded snapshot of the post a repost references.
	Original *PostPatch

	Likes       *[]Like
	Comments    *[]Comment
	RepostCount *int
	RepostedBy  *[]string
	ViewCount   *int
}

// PatchFromPost builds a full patch carrying every authoritative field of p.
func PatchFromPost(p Post) PostPatch {
	author := p.Author
	content := p.Content
	createdAt := p.CreatedAt
	views := p.ViewCount
	patch := PostPatch{
		ID:        p.ID,
		Author:    &author,
		Content:   &content,
		CreatedAt: &createdAt,
		ViewCount: &views,
	}
	switch v := p.Variant.(type) {
	case *Repost:
		patch.Repost = &RepostRef{OriginalID: v.OriginalID, Message: v.Message}
	case *Original:
		s := v.Social.Clone()
		patch.Likes = &s.Likes
		patch.Comments = &s.Comments
		patch.RepostCount = &s.RepostCount
		patch.RepostedBy = &s.RepostedBy
	}
	return patch
}

// Delta is a set of idempotent edits to an original's social fields.
type Delta struct {
	AddLikes         []Like
	RemoveLikes      []Like
	AddRepostedBy    []string
	RemoveRepostedBy []string
	AddComments      []Comment
	RemoveComments   []Comment
	Views            int
}

// Inverse undoes exactly the edits described by d.
func (d Delta) Inverse() Delta {
	return Delta{
		AddLikes:         d.RemoveLikes,
		RemoveLikes:      d.AddLikes,
		AddRepostedBy:    d.RemoveRepostedBy,
		RemoveRepostedBy: d.AddRepostedBy,
		AddComments:      d.RemoveComments,
		RemoveComments:   d.AddComments,
		Views:            -d.Views,
	}
}

func (d Delta) IsZero() bool {
	return len(d.AddLikes) == 0 && len(d.RemoveLikes) == 0 &&
		len(d.AddRepostedBy) == 0 && len(d.RemoveRepostedBy) == 0 &&
		len(d.AddComments) == 0 && len(d.RemoveComments) == 0 &&
		d.Views == 0
}

// RecordRef addresses a post, or a comment on a post when CommentID is set.
type RecordRef struct {
	PostID    string
	CommentID string
}

func PostRef(postID string) RecordRef {
	return RecordRef{PostID: postID}
}

func CommentRef(postID string, commentID string) RecordRef {
	return RecordRef{PostID: postID, CommentID: commentID}
}

func (r RecordRef) String() string {
	if r.CommentID == "" {
		return r.PostID
	}
	return r.PostID + "/" + r.CommentID
}
