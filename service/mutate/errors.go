package mutate

import (
	"errors"
	"fmt"
)

var (
	ErrInFlight         = errors.New("an earlier change to this post is still in flight")
	ErrNotFound         = errors.New("post not found")
	ErrCommentNotFound  = errors.New("comment not found")
	ErrNotConfirmed     = errors.New("post is not confirmed yet")
	ErrAlreadyLiked     = errors.New("post already liked")
	ErrNotLiked         = errors.New("post not liked")
	ErrOwnPost          = errors.New("cannot repost own post")
	ErrAlreadyReposted  = errors.New("post already reposted")
	ErrNotReposted      = errors.New("post not reposted")
	ErrEmptyContent     = errors.New("content is required")
	ErrContentTooLong   = errors.New("content is too long")
	ErrRemovalInProcess = errors.New("post is already being removed")
)

type Kind string

const (
	KindCreatePost    Kind = "createPost"
	KindDeletePost    Kind = "deletePost"
	KindLike          Kind = "like"
	KindUnlike        Kind = "unlike"
	KindAddComment    Kind = "addComment"
	KindDeleteComment Kind = "deleteComment"
	KindRepost        Kind = "repost"
	KindUnrepost      Kind = "unrepost"
)

// MutationError is returned by every failed mutation. Message is fit to
// show to the user; Err is the cause.
type MutationError struct {
	Kind    Kind
	PostID  string
	Message string
	Err     error
}

func (e *MutationError) Error() string {
	if e.PostID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.PostID, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

var failureMessages = map[Kind]string{
	KindCreatePost:    "Failed to create post. Please try again.",
	KindDeletePost:    "Failed to delete post. Please try again.",
	KindLike:          "Failed to like post. Please try again.",
	KindUnlike:        "Failed to unlike post. Please try again.",
	KindAddComment:    "Failed to add comment. Please try again.",
	KindDeleteComment: "Failed to delete comment. Please try again.",
	KindRepost:        "Failed to repost. Please try again.",
	KindUnrepost:      "Failed to remove repost. Please try again.",
}

func userMessage(kind Kind, err error) string {
	switch {
	case errors.Is(err, ErrInFlight):
		return "Please wait for the previous action to finish."
	case errors.Is(err, ErrNotFound):
		return "This post is no longer available."
	case errors.Is(err, ErrCommentNotFound):
		return "This comment is no longer available."
	case errors.Is(err, ErrNotConfirmed):
		return "This post is still being saved."
	case errors.Is(err, ErrAlreadyLiked):
		return "You already liked this post."
	case errors.Is(err, ErrNotLiked):
		return "You have not liked this post."
	case errors.Is(err, ErrOwnPost):
		return "You cannot repost your own post."
	case errors.Is(err, ErrAlreadyReposted):
		return "You have already reposted this post."
	case errors.Is(err, ErrNotReposted):
		return "You have not reposted this post."
	case errors.Is(err, ErrEmptyContent):
		return "Content cannot be empty."
	case errors.Is(err, ErrContentTooLong):
		switch kind {
		case KindAddComment:
			return fmt.Sprintf("Comments are limited to %d characters.", MaxCommentLength)
		case KindRepost:
			return fmt.Sprintf("Repost messages are limited to %d characters.", MaxRepostMessageLength)
		}
		return fmt.Sprintf("Posts are limited to %d characters.", MaxPostLength)
	case errors.Is(err, ErrRemovalInProcess):
		return "This post is already being removed."
	}
	return failureMessages[kind]
}

func newError(kind Kind, postID string, err error) *MutationError {
	return &MutationError{
		Kind:    kind,
		PostID:  postID,
		Message: userMessage(kind, err),
		Err:     err,
	}
}
