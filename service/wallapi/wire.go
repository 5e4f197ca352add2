package wallapi

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/KAsare1/wallsync/cmd/models"
)

// The wall server populates references inconsistently: a user or a post can
// arrive as a bare id string or as an object, and ids as "_id" or "id". The
// wire types below accept every shape and convert to models.

func isString(data []byte) bool {
	data = bytes.TrimSpace(data)
	return 0 < len(data) && data[0] == '"'
}

func isNull(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) == 0 || bytes.Equal(data, []byte("null"))
}

type WireAuthor struct {
	ID          string `json:"-"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	McUsername  string `json:"mcUsername"`
}

func (a *WireAuthor) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	if isString(data) {
		return json.Unmarshal(data, &a.ID)
	}
	type plain WireAuthor
	var v struct {
		plain
		UnderscoreID string `json:"_id"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*a = WireAuthor(v.plain)
	a.ID = firstOf(v.UnderscoreID, v.ID)
	return nil
}

func (a WireAuthor) MarshalJSON() ([]byte, error) {
	type plain WireAuthor
	return json.Marshal(struct {
		ID string `json:"_id"`
		plain
	}{a.ID, plain(a)})
}

func (a WireAuthor) Model() models.Author {
	avatar := a.Avatar
	if avatar == "" {
		avatar = a.McUsername
	}
	username := firstOf(a.Username, a.ID)
	return models.Author{
		ID:          a.ID,
		Username:    username,
		DisplayName: a.DisplayName,
		Avatar:      avatar,
	}
}

// WireLike is a user id, or an object carrying a user.
type WireLike struct {
	UserID      string
	Username    string
	DisplayName string
}

func (l *WireLike) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		return nil
	}
	if isString(data) {
		return json.Unmarshal(data, &l.UserID)
	}
	var v struct {
		UnderscoreID string      `json:"_id"`
		ID           string      `json:"id"`
		UserID       string      `json:"userId"`
		Username     string      `json:"username"`
		DisplayName  string      `json:"displayName"`
		User         *WireAuthor `json:"user"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.User != nil {
		l.UserID = firstOf(v.User.ID, v.UserID, v.User.Username)
		l.Username = v.User.Username
		l.DisplayName = v.User.DisplayName
		return nil
	}
	l.UserID = firstOf(v.UserID, v.UnderscoreID, v.ID, v.Username)
	l.Username = v.Username
	l.DisplayName = v.DisplayName
	return nil
}

func (l WireLike) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"userId":      l.UserID,
		"username":    l.Username,
		"displayName": l.DisplayName,
	})
}

func (l WireLike) Model() models.Like {
	return models.Like{
		UserID:      l.UserID,
		Username:    l.Username,
		DisplayName: l.DisplayName,
	}
}

type WireComment struct {
	ID        string     `json:"-"`
	PostID    string     `json:"postId,omitempty"`
	Author    WireAuthor `json:"author"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
}

func (c *WireComment) UnmarshalJSON(data []byte) error {
	type plain WireComment
	var v struct {
		plain
		UnderscoreID string `json:"_id"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = WireComment(v.plain)
	c.ID = firstOf(v.UnderscoreID, v.ID)
	return nil
}

func (c WireComment) MarshalJSON() ([]byte, error) {
	type plain WireComment
	return json.Marshal(struct {
		ID string `json:"_id"`
		plain
	}{c.ID, plain(c)})
}

func (c WireComment) Model() models.Comment {
	return models.Comment{
		ID:        c.ID,
		PostID:    c.PostID,
		Author:    c.Author.Model(),
		Content:   c.Content,
		CreatedAt: c.CreatedAt,
	}
}

// WirePost is a post as the server sends it. Absent arrays decode as nil and
// are left out of the resulting patch.
type WirePost struct {
	ID            string          `json:"-"`
	Author        *WireAuthor     `json:"author,omitempty"`
	Content       *string         `json:"content,omitempty"`
	CreatedAt     *time.Time      `json:"createdAt,omitempty"`
	Likes         []WireLike      `json:"likes,omitempty"`
	Comments      []WireComment   `json:"comments,omitempty"`
	RepostCount   *int            `json:"repostCount,omitempty"`
	Reposts       []WireLike      `json:"reposts,omitempty"`
	IsRepost      bool            `json:"isRepost,omitempty"`
	OriginalPost  json.RawMessage `json:"originalPost,omitempty"`
	RepostMessage *string         `json:"repostMessage,omitempty"`
	ViewCount     *int            `json:"viewCount,omitempty"`
	Views         json.RawMessage `json:"views,omitempty"`
}

func (p *WirePost) UnmarshalJSON(data []byte) error {
	type plain WirePost
	var v struct {
		plain
		UnderscoreID string `json:"_id"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = WirePost(v.plain)
	p.ID = firstOf(v.UnderscoreID, v.ID)
	return nil
}

func (p WirePost) MarshalJSON() ([]byte, error) {
	type plain WirePost
	return json.Marshal(struct {
		ID string `json:"_id"`
		plain
	}{p.ID, plain(p)})
}

// original decodes originalPost as either a reference or an embedded post.
func (p WirePost) original() (id string, embedded *WirePost) {
	if isNull(p.OriginalPost) {
		return "", nil
	}
	if isString(p.OriginalPost) {
		json.Unmarshal(p.OriginalPost, &id)
		return id, nil
	}
	var post WirePost
	if err := json.Unmarshal(p.OriginalPost, &post); err != nil || post.ID == "" {
		return "", nil
	}
	return post.ID, &post
}

func (p WirePost) viewCount() *int {
	if p.ViewCount != nil {
		return p.ViewCount
	}
	if isNull(p.Views) {
		return nil
	}
	var n int
	if err := json.Unmarshal(p.Views, &n); err == nil {
		return &n
	}
	var list []json.RawMessage
	if err := json.Unmarshal(p.Views, &list); err == nil {
		n = len(list)
		return &n
	}
	return nil
}

// Patch converts the wire record into a partial record for the store.
func (p WirePost) Patch() models.PostPatch {
	return p.RepostPatch("")
}

// Dangling reports a repost record that names no original.
func (p WirePost) Dangling() bool {
	originalID, _ := p.original()
	return p.IsRepost && originalID == ""
}

// RepostPatch is Patch with originalID standing in for a missing original
// reference. A repost that still names no original yields a patch without
// a repost reference or social fields.
func (p WirePost) RepostPatch(originalID string) models.PostPatch {
	patch := models.PostPatch{
		ID:        p.ID,
		Content:   p.Content,
		CreatedAt: p.CreatedAt,
		ViewCount: p.viewCount(),
	}
	if p.Author != nil {
		author := p.Author.Model()
		patch.Author = &author
	}

	referencedID, embedded := p.original()
	if referencedID != "" {
		originalID = referencedID
	}
	if originalID != "" {
		message := ""
		if p.RepostMessage != nil {
			message = *p.RepostMessage
		} else if p.Content != nil {
			message = *p.Content
		}
		patch.Repost = &models.RepostRef{OriginalID: originalID, Message: message}
		if embedded != nil && !embedded.IsRepost {
			original := embedded.Patch()
			patch.Original = &original
		}
		return patch
	}
	if p.IsRepost {
		return patch
	}

	if p.Likes != nil {
		likes := make([]models.Like, 0, len(p.Likes))
		for _, like := range p.Likes {
			if like.UserID != "" {
				likes = append(likes, like.Model())
			}
		}
		patch.Likes = &likes
	}
	if p.Comments != nil {
		comments := make([]models.Comment, 0, len(p.Comments))
		for _, comment := range p.Comments {
			if comment.ID != "" {
				comments = append(comments, comment.Model())
			}
		}
		patch.Comments = &comments
	}
	if p.Reposts != nil {
		repostedBy := make([]string, 0, len(p.Reposts))
		for _, user := range p.Reposts {
			if user.UserID != "" {
				repostedBy = append(repostedBy, user.UserID)
			}
		}
		patch.RepostedBy = &repostedBy
		if p.RepostCount == nil {
			count := len(repostedBy)
			patch.RepostCount = &count
		}
	}
	if p.RepostCount != nil {
		count := *p.RepostCount
		patch.RepostCount = &count
	}
	return patch
}

// EventData is the payload of every push event kind. Each kind reads only
// the fields it needs.
type EventData struct {
	PostID         string       `json:"postId,omitempty"`
	OriginalPostID string       `json:"originalPostId,omitempty"`
	UserID         string       `json:"userId,omitempty"`
	User           *WireAuthor  `json:"user,omitempty"`
	Post           *WirePost    `json:"post,omitempty"`
	Comment        *WireComment `json:"comment,omitempty"`
	CommentID      string       `json:"commentId,omitempty"`
	Like           *WireLike    `json:"like,omitempty"`
	Liker          *WireAuthor  `json:"liker,omitempty"`
	// the wall the event happened on, when the server says
	WallOwnerID       string `json:"wallOwnerId,omitempty"`
	WallOwnerUsername string `json:"wallOwnerUsername,omitempty"`
	// comment.deleted may carry the remaining comments
	Comments []WireComment `json:"comments,omitempty"`
}

// Actor returns the acting user from whichever field the event carries.
func (d EventData) Actor() (models.Author, bool) {
	switch {
	case d.Liker != nil && d.Liker.ID != "":
		return d.Liker.Model(), true
	case d.User != nil && d.User.ID != "":
		return d.User.Model(), true
	case d.Like != nil && d.Like.UserID != "":
		like := d.Like.Model()
		return models.Author{ID: like.UserID, Username: firstOf(like.Username, like.UserID), DisplayName: like.DisplayName}, true
	case d.UserID != "":
		return models.Author{ID: d.UserID, Username: d.UserID}, true
	}
	return models.Author{}, false
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
