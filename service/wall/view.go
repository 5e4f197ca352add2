package wall

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/KAsare1/wallsync/cmd/utils"
	"github.com/KAsare1/wallsync/service/feed"
	"github.com/KAsare1/wallsync/service/flags"
	"github.com/KAsare1/wallsync/service/mutate"
	"github.com/KAsare1/wallsync/service/push"
	"github.com/KAsare1/wallsync/service/snapshot"
	"github.com/KAsare1/wallsync/service/store"
	"github.com/KAsare1/wallsync/service/wallapi"
)

var ErrClosed = errors.New("feed view is closed")

const snapshotSaveTimeout = 10 * time.Second

// API is everything a feed view needs from the wall server.
type API interface {
	feed.PageSource
	mutate.API
	GetPost(ctx context.Context, postID string) (models.PostPatch, error)
	TrackView(ctx context.Context, postID string) (*int, error)
}

// SnapshotStore persists the authoritative part of a feed between views.
type SnapshotStore interface {
	Load(ctx context.Context, ownerID string) (*snapshot.Snapshot, error)
	Save(ctx context.Context, ownerID string, posts []models.Post, listed func(id string) bool) error
}

type Settings struct {
	PageSize   int
	RetryDelay time.Duration
	Clock      flags.Clock
	// Snapshots is optional. When set the view starts from the last saved
	// snapshot and saves a new one on Close.
	Snapshots SnapshotStore
}

func DefaultSettings() *Settings {
	return &Settings{
		PageSize:   feed.DefaultPageSize,
		RetryDelay: push.DefaultRetryDelay,
		Clock:      flags.SystemClock(),
	}
}

// View is one feed view of owner's wall as seen by actor. It owns a store
// and every component that writes to it, and tears all of them down on
// Close.
type View struct {
	ctx    context.Context
	cancel context.CancelFunc

	owner     models.Author
	api       API
	snapshots SnapshotStore

	store     *store.Store
	scheduler *flags.Scheduler
	fetcher   *feed.Fetcher
	listener  *push.Listener
	mutator   *mutate.Mutator

	mutex     sync.Mutex
	closed    bool
	viewed    map[string]bool
	resolving map[string]bool
	wg        sync.WaitGroup
}

func NewView(ctx context.Context, api API, actor models.Author, owner models.Author, settings *Settings) *View {
	if settings == nil {
		settings = DefaultSettings()
	}
	clock := settings.Clock
	if clock == nil {
		clock = flags.SystemClock()
	}
	cancelCtx, cancel := context.WithCancel(ctx)

	s := store.New()
	scheduler := flags.NewScheduler(s, clock)
	listener := push.NewListener(s, scheduler, clock, owner)
	if 0 < settings.RetryDelay {
		listener.SetRetryDelay(settings.RetryDelay)
	}

	view := &View{
		ctx:       cancelCtx,
		cancel:    cancel,
		owner:     owner,
		api:       api,
		snapshots: settings.Snapshots,
		store:     s,
		scheduler: scheduler,
		fetcher:   feed.NewFetcher(s, api, owner.ID, settings.PageSize),
		listener:  listener,
		mutator:   mutate.NewMutator(s, scheduler, clock, api, actor, owner.ID),
		viewed:    map[string]bool{},
		resolving: map[string]bool{},
	}
	s.OnUnresolved(view.resolve)
	return view
}

func (v *View) Store() *store.Store {
	return v.store
}

func (v *View) Fetcher() *feed.Fetcher {
	return v.fetcher
}

func (v *View) Listener() *push.Listener {
	return v.listener
}

func (v *View) Mutator() *mutate.Mutator {
	return v.mutator
}

func (v *View) Owner() models.Author {
	return v.owner
}

// Posts is the listing in display order.
func (v *View) Posts() []models.Post {
	return v.store.List()
}

// Start shows the saved snapshot, if any, then loads the first page.
func (v *View) Start(ctx context.Context) error {
	if v.isClosed() {
		return ErrClosed
	}
	if v.snapshots != nil {
		saved, err := v.snapshots.Load(ctx, v.owner.ID)
		if err != nil {
			glog.Warningf("[wall]snapshot for %s not loaded: %v\n", v.owner.ID, err)
		} else if !saved.Empty() {
			v.store.Merge(store.Unlisted, saved.Unlisted...)
			v.store.Merge(store.Back, saved.Listed...)
			glog.Infof("[wall]restored %d posts for %s\n", len(saved.Listed), v.owner.ID)
		}
	}
	return v.fetcher.Refresh(ctx)
}

// Subscribe follows the push channel until the view closes.
func (v *View) Subscribe(url string, token string, settings *push.SubscriberSettings) (*push.Subscriber, error) {
	subscriber := push.NewSubscriber(url, token, v.HandlePush, settings)
	if !v.spawn(func() {
		subscriber.Run(v.ctx)
	}) {
		return nil, ErrClosed
	}
	return subscriber, nil
}

// HandlePush applies one push message. Bad messages are logged and dropped.
func (v *View) HandlePush(message []byte) {
	if v.isClosed() {
		return
	}
	if err := v.listener.Handle(message); err != nil {
		glog.Warningf("[wall]push message dropped: %v\n", err)
	}
}

// TrackView counts one view of the post per view session. The count is
// raised at once and settled to the server's count when it answers.
func (v *View) TrackView(ctx context.Context, postID string) error {
	if utils.IsTempID(postID) {
		return nil
	}
	v.mutex.Lock()
	if v.closed {
		v.mutex.Unlock()
		return ErrClosed
	}
	if v.viewed[postID] {
		v.mutex.Unlock()
		return nil
	}
	v.viewed[postID] = true
	v.mutex.Unlock()

	originalID, loaded := v.store.ResolveOriginal(postID)
	if !loaded {
		return mutate.ErrNotFound
	}
	pendingKey := ulid.Make().String()
	v.store.Apply(originalID, models.Delta{Views: 1}, pendingKey)

	count, err := v.api.TrackView(context.WithoutCancel(ctx), originalID)
	if err != nil {
		glog.Warningf("[wall]view of %s not counted: %v\n", originalID, err)
		v.store.Settle(pendingKey, false)
		v.mutex.Lock()
		delete(v.viewed, postID)
		v.mutex.Unlock()
		return err
	}
	v.store.Settle(pendingKey, true)
	if count != nil {
		v.store.Merge(store.Unlisted, models.PostPatch{ID: originalID, ViewCount: count})
	}
	return nil
}

// resolve fetches an original that a loaded repost points to. Each id is
// fetched at most once at a time; a missing post is not asked for again.
func (v *View) resolve(originalID string) {
	if utils.IsTempID(originalID) {
		return
	}
	v.mutex.Lock()
	if v.resolving[originalID] {
		v.mutex.Unlock()
		return
	}
	v.resolving[originalID] = true
	v.mutex.Unlock()

	ok := v.spawn(func() {
		patch, err := v.api.GetPost(v.ctx, originalID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			glog.Warningf("[wall]original %s not resolved: %v\n", originalID, err)
			if !errors.Is(err, wallapi.ErrNoPost) && !wallapi.IsNotFound(err) {
				// transient, a later reference may try again
				v.mutex.Lock()
				delete(v.resolving, originalID)
				v.mutex.Unlock()
			}
			return
		}
		if patch.ID == "" {
			patch.ID = originalID
		}
		v.store.Merge(store.Unlisted, patch)
		glog.V(1).Infof("[wall]resolved original %s\n", originalID)
	})
	if !ok {
		v.mutex.Lock()
		delete(v.resolving, originalID)
		v.mutex.Unlock()
	}
}

func (v *View) spawn(fn func()) bool {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	if v.closed {
		return false
	}
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		fn()
	}()
	return true
}

func (v *View) isClosed() bool {
	v.mutex.Lock()
	defer v.mutex.Unlock()
	return v.closed
}

// Close stops the push subscription, pending retries and every flag timer.
// Confirmations already in flight are left to finish on their own. The
// final state is saved when a snapshot store is set.
func (v *View) Close() error {
	v.mutex.Lock()
	if v.closed {
		v.mutex.Unlock()
		return nil
	}
	v.closed = true
	v.mutex.Unlock()

	v.cancel()
	v.listener.Close()
	v.scheduler.Close()
	v.wg.Wait()

	if v.snapshots == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotSaveTimeout)
	defer cancel()
	return v.snapshots.Save(ctx, v.owner.ID, v.store.All(), v.store.Listed)
}
