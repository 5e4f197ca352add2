package store

import (
	"time"

	"github.com/KAsare1/wallsync/cmd/models"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func author(id string) models.Author {
	return models.Author{ID: id, Username: id}
}

func like(userID string) models.Like {
	return models.Like{UserID: userID, Username: userID}
}

func originalPatch(id string, authorID string, likes ...string) models.PostPatch {
	a := author(authorID)
	content := "content of " + id
	createdAt := epoch
	likeList := []models.Like{}
	for _, userID := range likes {
		likeList = append(likeList, like(userID))
	}
	comments := []models.Comment{}
	repostCount := 0
	repostedBy := []string{}
	return models.PostPatch{
		ID:          id,
		Author:      &a,
		Content:     &content,
		CreatedAt:   &createdAt,
		Likes:       &likeList,
		Comments:    &comments,
		RepostCount: &repostCount,
		RepostedBy:  &repostedBy,
	}
}

func repostPatch(id string, authorID string, originalID string) models.PostPatch {
	a := author(authorID)
	content := ""
	createdAt := epoch.Add(time.Minute)
	return models.PostPatch{
		ID:        id,
		Author:    &a,
		Content:   &content,
		CreatedAt: &createdAt,
		Repost:    &models.RepostRef{OriginalID: originalID},
	}
}

func comment(id string, at time.Duration) models.Comment {
	return models.Comment{
		ID:        id,
		Author:    author("commenter"),
		Content:   "comment " + id,
		CreatedAt: epoch.Add(at),
	}
}

func likeIDs(post models.Post) []string {
	ids := []string{}
	for _, like := range post.Social().Likes {
		ids = append(ids, like.UserID)
	}
	return ids
}

func listIDs(s *Store) []string {
	ids := []string{}
	for _, post := range s.List() {
		ids = append(ids, post.ID)
	}
	return ids
}
