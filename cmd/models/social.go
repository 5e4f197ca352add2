package models

import "sort"

func HasLike(likes []Like, userID string) bool {
	for _, like := range likes {
		if like.UserID == userID {
			return true
		}
	}
	return false
}

// AddLike returns likes with like present, and whether it was added.
func AddLike(likes []Like, like Like) ([]Like, bool) {
	if HasLike(likes, like.UserID) {
		return likes, false
	}
	return append(likes, like), true
}

func RemoveLike(likes []Like, userID string) ([]Like, bool) {
	for i, like := range likes {
		if like.UserID == userID {
			out := append([]Like{}, likes[:i]...)
			return append(out, likes[i+1:]...), true
		}
	}
	return likes, false
}

func HasUser(userIDs []string, userID string) bool {
	for _, id := range userIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func AddUser(userIDs []string, userID string) ([]string, bool) {
	if HasUser(userIDs, userID) {
		return userIDs, false
	}
	return append(userIDs, userID), true
}

func RemoveUser(userIDs []string, userID string) ([]string, bool) {
	for i, id := range userIDs {
		if id == userID {
			out := append([]string{}, userIDs[:i]...)
			return append(out, userIDs[i+1:]...), true
		}
	}
	return userIDs, false
}

// AddComment appends comment unless its id is already present.
func AddComment(comments []Comment, comment Comment) ([]Comment, bool) {
	for _, c := range comments {
		if c.ID == comment.ID {
			return comments, false
		}
	}
	return append(comments, comment), true
}

func RemoveComment(comments []Comment, commentID string) ([]Comment, bool) {
	for i, c := range comments {
		if c.ID == commentID {
			out := append([]Comment{}, comments[:i]...)
			return append(out, comments[i+1:]...), true
		}
	}
	return comments, false
}

// SortComments orders comments by creation time, keeping arrival order on ties.
func SortComments(comments []Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		return comments[i].CreatedAt.Before(comments[j].CreatedAt)
	})
}

// DedupeLikes drops repeated user ids, keeping the first occurrence.
func DedupeLikes(likes []Like) []Like {
	out := make([]Like, 0, len(likes))
	for _, like := range likes {
		out, _ = AddLike(out, like)
	}
	return out
}

func DedupeUsers(userIDs []string) []string {
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		out, _ = AddUser(out, id)
	}
	return out
}

// DedupeComments drops repeated comment ids, keeping the first occurrence.
func DedupeComments(comments []Comment) []Comment {
	out := make([]Comment, 0, len(comments))
	for _, c := range comments {
		out, _ = AddComment(out, c)
	}
	return out
}
