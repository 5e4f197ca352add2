package models

import "encoding/json"

type EventType string

const (
	EventPostCreated    EventType = "post.created"
	EventPostDeleted    EventType = "post.deleted"
	EventPostReposted   EventType = "post.reposted"
	EventPostUnreposted EventType = "post.unreposted"
	EventCommentAdded   EventType = "comment.added"
	EventCommentDeleted EventType = "comment.deleted"
	EventLikeAdded      EventType = "like.added"
	EventLikeRemoved    EventType = "like.removed"
)

// Event is one push channel message. Data is decoded per Type.
type Event struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (t EventType) Known() bool {
	switch t {
	case EventPostCreated, EventPostDeleted, EventPostReposted, EventPostUnreposted,
		EventCommentAdded, EventCommentDeleted, EventLikeAdded, EventLikeRemoved:
		return true
	}
	return false
}

// Change is delivered to store subscribers after a write completes.
type Change struct {
	PostIDs []string `json:"postIds"`
	// Listing is set when the order or membership of the listing changed.
	Listing bool `json:"listing"`
}
