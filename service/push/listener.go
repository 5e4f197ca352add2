package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/KAsare1/wallsync/service/flags"
	"github.com/KAsare1/wallsync/service/store"
	"github.com/KAsare1/wallsync/service/wallapi"
)

const DefaultRetryDelay = 2 * time.Second

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event type")
)

type buffered struct {
	event models.Event
	data  wallapi.EventData
	timer flags.Timer
}

// Listener applies push events to a store. Every handler can be applied any
// number of times with the same result. Events about posts the store does
// not hold yet are retried once after RetryDelay and then dropped.
type Listener struct {
	store      *store.Store
	scheduler  *flags.Scheduler
	clock      flags.Clock
	owner      models.Author
	retryDelay time.Duration

	mutex    sync.Mutex
	buffered map[*buffered]bool
	closed   bool
}

// NewListener handles events for owner's wall. Posts created on other walls
// only update records the store already holds.
func NewListener(s *store.Store, scheduler *flags.Scheduler, clock flags.Clock, owner models.Author) *Listener {
	return &Listener{
		store:      s,
		scheduler:  scheduler,
		clock:      clock,
		owner:      owner,
		retryDelay: DefaultRetryDelay,
		buffered:   map[*buffered]bool{},
	}
}

func (l *Listener) SetRetryDelay(retryDelay time.Duration) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.retryDelay = retryDelay
}

// Handle decodes one push message and applies it. Errors are for logging
// only; a bad message never affects later ones.
func (l *Listener) Handle(raw []byte) error {
	var event models.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return l.HandleEvent(event)
}

func (l *Listener) HandleEvent(event models.Event) error {
	if !event.Type.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event.Type)
	}
	var data wallapi.EventData
	if len(event.Data) != 0 {
		if err := json.Unmarshal(event.Data, &data); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, event.Type, err)
		}
	}

	resolved, err := l.dispatch(event.Type, data)
	if err != nil {
		return err
	}
	if !resolved {
		l.buffer(event, data)
	}
	return nil
}

// dispatch returns resolved=false when the event names a post the store
// does not hold.
func (l *Listener) dispatch(eventType models.EventType, data wallapi.EventData) (resolved bool, err error) {
	glog.V(1).Infof("[push]%s post=%s\n", eventType, data.PostID)
	switch eventType {
	case models.EventPostCreated:
		return l.postCreated(data)
	case models.EventPostDeleted:
		return l.postDeleted(data)
	case models.EventPostReposted:
		return l.postReposted(data)
	case models.EventPostUnreposted:
		return l.postUnreposted(data)
	case models.EventCommentAdded:
		return l.commentAdded(data)
	case models.EventCommentDeleted:
		return l.commentDeleted(data)
	case models.EventLikeAdded:
		return l.likeAdded(data)
	case models.EventLikeRemoved:
		return l.likeRemoved(data)
	}
	return false, fmt.Errorf("%w: %q", ErrUnknownEvent, eventType)
}

func (l *Listener) onWall(data wallapi.EventData) bool {
	if data.WallOwnerID == "" && data.WallOwnerUsername == "" {
		return true
	}
	return (data.WallOwnerID != "" && data.WallOwnerID == l.owner.ID) ||
		(data.WallOwnerUsername != "" && data.WallOwnerUsername == l.owner.Username)
}

func (l *Listener) postCreated(data wallapi.EventData) (bool, error) {
	if data.Post == nil || data.Post.ID == "" {
		return false, fmt.Errorf("%w: post.created without post", ErrMalformedEvent)
	}
	patch := data.Post.Patch()
	if !l.onWall(data) {
		if l.store.Has(patch.ID) {
			l.store.Merge(store.Unlisted, patch)
		}
		return true, nil
	}
	if l.store.Upsert(store.Front, patch) {
		l.scheduler.Arm(models.PostRef(patch.ID), models.FlagArrived, flags.ArrivedWindow)
	}
	return true, nil
}

func (l *Listener) postDeleted(data wallapi.EventData) (bool, error) {
	postID := data.PostID
	if postID == "" && data.Post != nil {
		postID = data.Post.ID
	}
	if postID == "" {
		return false, fmt.Errorf("%w: post.deleted without postId", ErrMalformedEvent)
	}
	ref := models.PostRef(postID)
	// a local delete holds the flag without a removal; replace it
	if !l.store.Has(postID) || l.scheduler.Expiring(ref, models.FlagPendingRemoval) {
		return true, nil
	}
	l.scheduler.ArmFunc(ref, models.FlagPendingRemoval, flags.RemovalWindow, func() {
		l.store.Remove(postID)
	})
	return true, nil
}

func (l *Listener) postReposted(data wallapi.EventData) (bool, error) {
	originalID := data.OriginalPostID
	reposter, hasReposter := data.Actor()

	if data.Post != nil && data.Post.ID != "" {
		patch := data.Post.RepostPatch(originalID)
		if patch.Repost == nil {
			return false, fmt.Errorf("%w: post.reposted without original", ErrMalformedEvent)
		}
		originalID = patch.Repost.OriginalID
		if !hasReposter && patch.Author != nil {
			reposter, hasReposter = *patch.Author, true
		}
		if l.onWall(data) {
			if l.store.Upsert(store.Front, patch) {
				l.scheduler.Arm(models.PostRef(patch.ID), models.FlagArrived, flags.ArrivedWindow)
			}
		} else if l.store.Has(patch.ID) {
			l.store.Merge(store.Unlisted, patch)
		}
	} else if originalID == "" {
		return false, fmt.Errorf("%w: post.reposted without post", ErrMalformedEvent)
	}

	if !hasReposter {
		return true, nil
	}
	_, found := l.store.Apply(originalID, models.Delta{AddRepostedBy: []string{reposter.ID}}, "")
	return found || data.Post != nil, nil
}

func (l *Listener) postUnreposted(data wallapi.EventData) (bool, error) {
	originalID := data.OriginalPostID
	unreposter, hasUnreposter := data.Actor()
	removing := false
	if data.PostID != "" {
		if wrapper, ok := l.store.Get(data.PostID); ok && wrapper.IsRepost() {
			if originalID == "" {
				originalID = wrapper.OriginalID()
			}
			if !hasUnreposter && wrapper.Author.ID != "" {
				unreposter, hasUnreposter = wrapper.Author, true
			}
			ref := models.PostRef(data.PostID)
			if !l.scheduler.Expiring(ref, models.FlagPendingRemoval) {
				l.scheduler.Disarm(ref, models.FlagArrived)
				postID := data.PostID
				armed := l.scheduler.ArmFunc(ref, models.FlagPendingRemoval, flags.RemovalWindow, func() {
					l.store.Remove(postID)
				})
				if !armed {
					l.store.Remove(postID)
				}
			}
			removing = true
		}
	}
	if originalID == "" {
		if removing {
			return true, nil
		}
		// nothing loaded refers to this repost
		return data.PostID != "", nil
	}

	if !hasUnreposter {
		return true, nil
	}
	_, found := l.store.Apply(originalID, models.Delta{RemoveRepostedBy: []string{unreposter.ID}}, "")
	return found || removing, nil
}

func (l *Listener) commentAdded(data wallapi.EventData) (bool, error) {
	if data.Comment == nil || data.Comment.ID == "" {
		return false, fmt.Errorf("%w: comment.added without comment", ErrMalformedEvent)
	}
	postID := data.PostID
	if postID == "" {
		postID = data.Comment.PostID
	}
	originalID, loaded := l.store.ResolveOriginal(postID)
	if !loaded {
		return false, nil
	}
	comment := data.Comment.Model()
	comment.PostID = originalID
	changed, found := l.store.Apply(originalID, models.Delta{AddComments: []models.Comment{comment}}, "")
	if changed {
		l.scheduler.Arm(models.CommentRef(originalID, comment.ID), models.FlagArrived, flags.ArrivedWindow)
	}
	return found, nil
}

func (l *Listener) commentDeleted(data wallapi.EventData) (bool, error) {
	if data.PostID == "" || data.CommentID == "" {
		return false, fmt.Errorf("%w: comment.deleted without ids", ErrMalformedEvent)
	}
	originalID, loaded := l.store.ResolveOriginal(data.PostID)
	if !loaded {
		return false, nil
	}
	l.scheduler.Disarm(models.CommentRef(originalID, data.CommentID), models.FlagArrived)
	_, found := l.store.Apply(originalID, models.Delta{
		RemoveComments: []models.Comment{{ID: data.CommentID, PostID: originalID}},
	}, "")
	return found, nil
}

func (l *Listener) like(data wallapi.EventData) (models.Like, error) {
	if data.PostID == "" {
		return models.Like{}, fmt.Errorf("%w: like without postId", ErrMalformedEvent)
	}
	actor, ok := data.Actor()
	if !ok {
		return models.Like{}, fmt.Errorf("%w: like without user", ErrMalformedEvent)
	}
	return models.Like{UserID: actor.ID, Username: actor.Username, DisplayName: actor.DisplayName}, nil
}

func (l *Listener) likeAdded(data wallapi.EventData) (bool, error) {
	like, err := l.like(data)
	if err != nil {
		return false, err
	}
	changed, found := l.store.Apply(data.PostID, models.Delta{AddLikes: []models.Like{like}}, "")
	if changed {
		l.scheduler.Arm(models.PostRef(data.PostID), models.FlagLikePulse, flags.LikePulseWindow)
	}
	return found, nil
}

func (l *Listener) likeRemoved(data wallapi.EventData) (bool, error) {
	like, err := l.like(data)
	if err != nil {
		return false, err
	}
	_, found := l.store.Apply(data.PostID, models.Delta{RemoveLikes: []models.Like{like}}, "")
	return found, nil
}

func (l *Listener) buffer(event models.Event, data wallapi.EventData) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.closed {
		return
	}
	b := &buffered{
		event: event,
		data:  data,
	}
	b.timer = l.clock.AfterFunc(l.retryDelay, func() {
		l.retry(b)
	})
	l.buffered[b] = true
	glog.V(1).Infof("[push]buffered %s post=%s\n", event.Type, data.PostID)
}

func (l *Listener) retry(b *buffered) {
	l.mutex.Lock()
	if l.closed || !l.buffered[b] {
		l.mutex.Unlock()
		return
	}
	delete(l.buffered, b)
	l.mutex.Unlock()

	resolved, err := l.dispatch(b.event.Type, b.data)
	if err != nil {
		glog.Warningf("[push]dropping %s: %v\n", b.event.Type, err)
		return
	}
	if !resolved {
		glog.Warningf("[push]dropping %s for unknown post %s\n", b.event.Type, firstOf(b.data.PostID, b.data.OriginalPostID))
	}
}

// Buffered is the number of events waiting for their retry.
func (l *Listener) Buffered() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.buffered)
}

// Close cancels every pending retry.
func (l *Listener) Close() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.closed = true
	for b := range l.buffered {
		b.timer.Stop()
	}
	l.buffered = map[*buffered]bool{}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
