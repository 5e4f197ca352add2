package mutate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/KAsare1/wallsync/service/flags"
	"github.com/KAsare1/wallsync/service/push"
	"github.com/KAsare1/wallsync/service/store"
	"github.com/KAsare1/wallsync/service/wallapi"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	me     = models.Author{ID: "u1", Username: "me", DisplayName: "Me"}
	other  = models.Author{ID: "u2", Username: "other"}
	author = models.Author{ID: "a1", Username: "author"}
)

// fakeAPI answers from scripted results. A gated call blocks until the gate
// is closed.
type fakeAPI struct {
	mutex   sync.Mutex
	calls   map[string]int
	fail    map[string]error
	gates   map[string]chan struct{}
	entered chan string

	created       models.PostPatch
	commentResult *wallapi.CommentResult
	repostResult  *models.PostPatch
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		calls:   map[string]int{},
		fail:    map[string]error{},
		gates:   map[string]chan struct{}{},
		entered: make(chan string, 64),
	}
}

func (a *fakeAPI) gate(name string) chan struct{} {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	gate := make(chan struct{})
	a.gates[name] = gate
	return gate
}

func (a *fakeAPI) failWith(name string, err error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.fail[name] = err
}

func (a *fakeAPI) count(name string) int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.calls[name]
}

func (a *fakeAPI) enter(name string) error {
	a.mutex.Lock()
	a.calls[name] += 1
	gate := a.gates[name]
	err := a.fail[name]
	a.mutex.Unlock()

	a.entered <- name
	if gate != nil {
		<-gate
	}
	return err
}

func (a *fakeAPI) CreatePost(ctx context.Context, ownerID string, content string) (models.PostPatch, error) {
	if err := a.enter("createPost"); err != nil {
		return models.PostPatch{}, err
	}
	return a.created, nil
}

func (a *fakeAPI) DeletePost(ctx context.Context, postID string) error {
	return a.enter("deletePost")
}

func (a *fakeAPI) Like(ctx context.Context, postID string) error {
	return a.enter("like")
}

func (a *fakeAPI) Unlike(ctx context.Context, postID string) error {
	return a.enter("unlike")
}

func (a *fakeAPI) AddComment(ctx context.Context, postID string, content string) (*wallapi.CommentResult, error) {
	if err := a.enter("comment"); err != nil {
		return nil, err
	}
	return a.commentResult, nil
}

func (a *fakeAPI) DeleteComment(ctx context.Context, postID string, commentID string) error {
	return a.enter("deleteComment")
}

func (a *fakeAPI) Repost(ctx context.Context, postID string, message string) (*models.PostPatch, error) {
	if err := a.enter("repost"); err != nil {
		return nil, err
	}
	return a.repostResult, nil
}

func (a *fakeAPI) Unrepost(ctx context.Context, postID string) error {
	return a.enter("unrepost")
}

type fixture struct {
	store     *store.Store
	clock     *flags.ManualClock
	scheduler *flags.Scheduler
	api       *fakeAPI
	mutator   *Mutator
	listener  *push.Listener
}

func newFixture(t *testing.T, ownerID string) *fixture {
	s := store.New()
	clock := flags.NewManualClock(epoch)
	scheduler := flags.NewScheduler(s, clock)
	api := newFakeAPI()
	t.Cleanup(scheduler.Close)
	return &fixture{
		store:     s,
		clock:     clock,
		scheduler: scheduler,
		api:       api,
		mutator:   NewMutator(s, scheduler, clock, api, me, ownerID),
		listener:  push.NewListener(s, scheduler, clock, models.Author{ID: ownerID, Username: ownerID}),
	}
}

func originalPatch(id string, by models.Author, likes ...models.Author) models.PostPatch {
	content := "post " + id
	createdAt := epoch
	likeList := []models.Like{}
	for _, user := range likes {
		likeList = append(likeList, models.Like{UserID: user.ID, Username: user.Username})
	}
	comments := []models.Comment{}
	repostedBy := []string{}
	count := 0
	return models.PostPatch{
		ID:          id,
		Author:      &by,
		Content:     &content,
		CreatedAt:   &createdAt,
		Likes:       &likeList,
		Comments:    &comments,
		RepostedBy:  &repostedBy,
		RepostCount: &count,
	}
}

func repostPatch(id string, by models.Author, originalID string) models.PostPatch {
	createdAt := epoch.Add(time.Minute)
	return models.PostPatch{
		ID:        id,
		Author:    &by,
		CreatedAt: &createdAt,
		Repost:    &models.RepostRef{OriginalID: originalID},
	}
}

// call runs fn in the background and waits until it reaches the api.
func (f *fixture) call(t *testing.T, fn func() error) chan error {
	t.Helper()
	for drained := false; !drained; {
		select {
		case <-f.api.entered:
		default:
			drained = true
		}
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case <-f.api.entered:
	case err := <-done:
		t.Fatalf("returned before reaching the api: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("api never called")
	}
	return done
}

func (f *fixture) push(t *testing.T, eventType models.EventType, data wallapi.EventData) {
	t.Helper()
	raw := fmt.Sprintf(`{"type":%q,"data":%s}`, eventType, mustJSON(data))
	if err := f.listener.Handle([]byte(raw)); err != nil {
		t.Fatal(err)
	}
}

func likeIDs(post models.Post) []string {
	ids := []string{}
	for _, like := range post.Social().Likes {
		ids = append(ids, like.UserID)
	}
	return ids
}

func commentIDs(post models.Post) []string {
	ids := []string{}
	for _, c := range post.Social().Comments {
		ids = append(ids, c.ID)
	}
	return ids
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}
