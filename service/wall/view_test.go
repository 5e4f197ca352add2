package wall

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/KAsare1/wallsync/service/push"
	"github.com/KAsare1/wallsync/service/snapshot"
	"github.com/KAsare1/wallsync/service/store"
	"github.com/KAsare1/wallsync/service/wallapi/wallapitest"
)

var (
	owner  = models.Author{ID: "u1", Username: "owner"}
	author = models.Author{ID: "a1", Username: "author"}
	fan    = models.Author{ID: "u2", Username: "fan"}
)

type memorySnapshots struct {
	mutex   sync.Mutex
	stored  *snapshot.Snapshot
	saved   []string
	listed  []string
	loadErr error
}

func (m *memorySnapshots) Load(ctx context.Context, ownerID string) (*snapshot.Snapshot, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.stored == nil {
		return &snapshot.Snapshot{}, nil
	}
	return m.stored, nil
}

func (m *memorySnapshots) Save(ctx context.Context, ownerID string, posts []models.Post, listed func(id string) bool) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.saved = []string{}
	m.listed = []string{}
	for _, post := range posts {
		m.saved = append(m.saved, post.ID)
		if listed(post.ID) {
			m.listed = append(m.listed, post.ID)
		}
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if deadline.Before(time.Now()) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func ids(posts []models.Post) []string {
	out := []string{}
	for _, post := range posts {
		out = append(out, post.ID)
	}
	return out
}

func newView(t *testing.T, server *wallapitest.Server, settings *Settings) *View {
	view := NewView(context.Background(), server.Client(owner), owner, owner, settings)
	t.Cleanup(func() {
		view.Close()
	})
	return view
}

func TestStartShowsSnapshotUntilFirstPage(t *testing.T) {
	server := wallapitest.NewServer()
	defer server.Close()
	p1 := server.AddPost(owner.ID, author, "first")
	p2 := server.AddPost(owner.ID, owner, "second")

	content := "stale"
	createdAt := wallapitest.Epoch
	snapshots := &memorySnapshots{
		stored: &snapshot.Snapshot{
			Listed: []models.PostPatch{{ID: "old", Author: &owner, Content: &content, CreatedAt: &createdAt}},
		},
	}
	view := newView(t, server, &Settings{Snapshots: snapshots})

	hold := server.Hold(wallapitest.RouteGetPosts)
	done := make(chan error, 1)
	go func() {
		done <- view.Start(context.Background())
	}()
	<-hold.Arrived()
	assert.Equal(t, ids(view.Posts()), []string{"old"})

	hold.Release()
	assert.Equal(t, <-done, nil)
	assert.Equal(t, ids(view.Posts()), []string{p2, p1})
}

func TestStartWithBrokenSnapshotStillLoads(t *testing.T) {
	server := wallapitest.NewServer()
	defer server.Close()
	p1 := server.AddPost(owner.ID, author, "first")

	view := newView(t, server, &Settings{Snapshots: &memorySnapshots{loadErr: errors.New("db down")}})
	assert.Equal(t, view.Start(context.Background()), nil)
	assert.Equal(t, ids(view.Posts()), []string{p1})
}

func TestRepostOriginalFetchedOnce(t *testing.T) {
	server := wallapitest.NewServer()
	defer server.Close()
	p1 := server.AddPost(author.ID, author, "elsewhere")
	server.SeedLike(p1, fan)

	view := newView(t, server, nil)
	wrapperAt := wallapitest.Epoch.Add(time.Hour)
	for _, id := range []string{"r1", "r2"} {
		view.Store().Merge(store.Back, models.PostPatch{
			ID:        id,
			Author:    &owner,
			CreatedAt: &wrapperAt,
			Repost:    &models.RepostRef{OriginalID: p1},
		})
	}

	waitFor(t, "original", func() bool {
		return view.Store().Has(p1)
	})
	assert.Equal(t, view.Store().Listed(p1), false)
	wrapper, _ := view.Store().Get("r2")
	assert.Equal(t, len(wrapper.Social().Likes), 1)
	assert.Equal(t, wrapper.Social().Likes[0].UserID, fan.ID)
	assert.Equal(t, server.Calls(wallapitest.RouteGetPost), 1)
}

func TestMissingOriginalIsNotRetried(t *testing.T) {
	server := wallapitest.NewServer()
	defer server.Close()

	view := newView(t, server, nil)
	wrapperAt := wallapitest.Epoch
	merge := func() {
		view.Store().Merge(store.Back, models.PostPatch{
			ID:        "r1",
			Author:    &owner,
			CreatedAt: &wrapperAt,
			Repost:    &models.RepostRef{OriginalID: "gone"},
		})
	}
	merge()
	waitFor(t, "lookup", func() bool {
		return server.Calls(wallapitest.RouteGetPost) == 1
	})
	time.Sleep(50 * time.Millisecond)
	merge()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, server.Calls(wallapitest.RouteGetPost), 1)

	wrapper, _ := view.Store().Get("r1")
	assert.Equal(t, wrapper.Variant.(*models.Repost).Stale, true)
}

func TestTrackViewOncePerSession(t *testing.T) {
	server := wallapitest.NewServer()
	defer server.Close()
	p1 := server.AddPost(owner.ID, author, "first")

	view := newView(t, server, nil)
	assert.Equal(t, view.Start(context.Background()), nil)

	assert.Equal(t, view.TrackView(context.Background(), p1), nil)
	assert.Equal(t, view.TrackView(context.Background(), p1), nil)
	assert.Equal(t, server.Calls(wallapitest.RouteView), 1)

	post, _ := view.Store().Get(p1)
	assert.Equal(t, post.ViewCount, 1)
}

func TestTrackViewFailureRestoresCount(t *testing.T) {
	server := wallapitest.NewServer()
	defer server.Close()
	p1 := server.AddPost(owner.ID, author, "first")

	view := newView(t, server, nil)
	assert.Equal(t, view.Start(context.Background()), nil)

	server.Fail(wallapitest.RouteView, http.StatusInternalServerError, "nope")
	assert.NotEqual(t, view.TrackView(context.Background(), p1), nil)
	post, _ := view.Store().Get(p1)
	assert.Equal(t, post.ViewCount, 0)

	server.Recover(wallapitest.RouteView)
	assert.Equal(t, view.TrackView(context.Background(), p1), nil)
	post, _ = view.Store().Get(p1)
	assert.Equal(t, post.ViewCount, 1)
}

func TestPushEventsReachStore(t *testing.T) {
	server := wallapitest.NewServer()
	defer server.Close()
	p1 := server.AddPost(owner.ID, author, "first")

	view := newView(t, server, nil)
	assert.Equal(t, view.Start(context.Background()), nil)
	settings := push.DefaultSubscriberSettings()
	settings.MinReconnect = 10 * time.Millisecond
	_, err := view.Subscribe(server.SocketURL(), "", settings)
	assert.Equal(t, err, nil)
	waitFor(t, "subscription", func() bool {
		return server.Hub.Len() == 1
	})

	assert.Equal(t, server.Client(fan).Like(context.Background(), p1), nil)
	waitFor(t, "like", func() bool {
		post, _ := view.Store().Get(p1)
		return post.LikedBy(fan.ID)
	})

	_, err = server.Client(author).CreatePost(context.Background(), owner.ID, "hi there")
	assert.Equal(t, err, nil)
	waitFor(t, "new post", func() bool {
		return len(view.Posts()) == 2
	})
	assert.Equal(t, view.Posts()[0].Flags.Has(models.FlagArrived), true)
}

func TestOwnMutationEchoIsAbsorbed(t *testing.T) {
	server := wallapitest.NewServer()
	defer server.Close()
	p1 := server.AddPost(owner.ID, author, "first")

	view := newView(t, server, nil)
	assert.Equal(t, view.Start(context.Background()), nil)
	_, err := view.Subscribe(server.SocketURL(), "", nil)
	assert.Equal(t, err, nil)
	waitFor(t, "subscription", func() bool {
		return server.Hub.Len() == 1
	})

	_, err = view.Mutator().AddComment(context.Background(), p1, "mine")
	assert.Equal(t, err, nil)
	assert.Equal(t, view.Mutator().Like(context.Background(), p1), nil)
	// the echoes arrive after the confirmations
	time.Sleep(100 * time.Millisecond)

	post, _ := view.Store().Get(p1)
	assert.Equal(t, len(post.Social().Comments), 1)
	assert.Equal(t, len(post.Social().Likes), 1)
	assert.Equal(t, server.Likes(p1), []string{owner.ID})
}

func TestCloseSavesSnapshotAndStops(t *testing.T) {
	server := wallapitest.NewServer()
	defer server.Close()
	p1 := server.AddPost(owner.ID, author, "first")

	snapshots := &memorySnapshots{}
	view := newView(t, server, &Settings{Snapshots: snapshots})
	assert.Equal(t, view.Start(context.Background()), nil)
	_, err := view.Subscribe(server.SocketURL(), "", nil)
	assert.Equal(t, err, nil)

	assert.Equal(t, view.Close(), nil)
	assert.Equal(t, snapshots.saved, []string{p1})
	assert.Equal(t, snapshots.listed, []string{p1})
	waitFor(t, "unsubscribe", func() bool {
		return server.Hub.Len() == 0
	})

	_, err = view.Subscribe(server.SocketURL(), "", nil)
	assert.Equal(t, errors.Is(err, ErrClosed), true)
	assert.Equal(t, errors.Is(view.TrackView(context.Background(), p1), ErrClosed), true)
	assert.Equal(t, errors.Is(view.Start(context.Background()), ErrClosed), true)
	// a second close is a no-op
	assert.Equal(t, view.Close(), nil)
}
