package push

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/KAsare1/wallsync/service/flags"
	"github.com/KAsare1/wallsync/service/store"
	"github.com/KAsare1/wallsync/service/wallapi"
)

func likeIDs(post models.Post) []string {
	ids := []string{}
	for _, like := range post.Social().Likes {
		ids = append(ids, like.UserID)
	}
	return ids
}

func TestEveryEventKindIsIdempotent(t *testing.T) {
	p2 := wirePost("p2", wallOwner.ID)
	r1 := wireRepost("r1", wallOwner.ID, wirePost("p1", wallOwner.ID, "u2"))

	cases := map[models.EventType]wallapi.EventData{
		models.EventPostCreated:    {Post: &p2},
		models.EventPostDeleted:    {PostID: "p1"},
		models.EventPostReposted:   {Post: &r1, OriginalPostID: "p1", UserID: wallOwner.ID},
		models.EventPostUnreposted: {PostID: "r0", OriginalPostID: "p1", UserID: "u3"},
		models.EventCommentAdded:   {PostID: "p1", Comment: wireComment("c9", "u4")},
		models.EventCommentDeleted: {PostID: "p1", CommentID: "c1"},
		models.EventLikeAdded:      {PostID: "p1", Liker: wireAuthor("u5")},
		models.EventLikeRemoved:    {PostID: "p1", Liker: wireAuthor("u2")},
	}
	for eventType, data := range cases {
		t.Run(string(eventType), func(t *testing.T) {
			f := newFixture(t)
			f.seed()
			message := event(eventType, data)

			assert.Equal(t, f.listener.Handle(message), nil)
			once := f.store.All()
			onceListed := f.store.List()
			armed := f.scheduler.Len()

			assert.Equal(t, f.listener.Handle(message), nil)
			assert.Equal(t, f.store.All(), once)
			assert.Equal(t, f.store.List(), onceListed)
			assert.Equal(t, f.scheduler.Len(), armed)
			assert.Equal(t, f.listener.Buffered(), 0)
		})
	}
}

func TestPostCreatedEntersFrontWithArrivedFlag(t *testing.T) {
	f := newFixture(t)
	f.seed()
	p2 := wirePost("p2", "u2")
	assert.Equal(t, f.listener.Handle(event(models.EventPostCreated, wallapi.EventData{Post: &p2})), nil)

	list := f.store.List()
	assert.Equal(t, list[0].ID, "p2")
	assert.Equal(t, list[0].Flags.Has(models.FlagArrived), true)

	f.clock.Advance(flags.ArrivedWindow)
	assert.Equal(t, f.store.HasFlag(models.PostRef("p2"), models.FlagArrived), false)
}

func TestPostCreatedOnAnotherWallIsIgnored(t *testing.T) {
	f := newFixture(t)
	p2 := wirePost("p2", "u2")
	data := wallapi.EventData{Post: &p2, WallOwnerID: "someone-else"}
	assert.Equal(t, f.listener.Handle(event(models.EventPostCreated, data)), nil)
	assert.Equal(t, f.store.Has("p2"), false)

	data.WallOwnerID = ""
	data.WallOwnerUsername = wallOwner.Username
	assert.Equal(t, f.listener.Handle(event(models.EventPostCreated, data)), nil)
	assert.Equal(t, f.store.Has("p2"), true)
}

func TestPostDeletedRemovesAfterWindow(t *testing.T) {
	f := newFixture(t)
	f.seed()
	assert.Equal(t, f.listener.Handle(event(models.EventPostDeleted, wallapi.EventData{PostID: "p1"})), nil)

	assert.Equal(t, f.store.HasFlag(models.PostRef("p1"), models.FlagPendingRemoval), true)
	assert.Equal(t, f.store.Has("p1"), true)

	f.clock.Advance(flags.RemovalWindow)
	assert.Equal(t, f.store.Has("p1"), false)
	// the repost went with it
	assert.Equal(t, f.store.Has("r0"), false)
}

func TestPostDeletedForUnknownIsNoOp(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, f.listener.Handle(event(models.EventPostDeleted, wallapi.EventData{PostID: "p9"})), nil)
	assert.Equal(t, f.listener.Buffered(), 0)
	assert.Equal(t, f.scheduler.Len(), 0)
}

func TestLikePulseArmsOnlyOnChange(t *testing.T) {
	f := newFixture(t)
	f.seed()
	ref := models.PostRef("p1")

	f.listener.Handle(event(models.EventLikeAdded, wallapi.EventData{PostID: "p1", Liker: wireAuthor("u2")}))
	assert.Equal(t, f.store.HasFlag(ref, models.FlagLikePulse), false)

	f.listener.Handle(event(models.EventLikeAdded, wallapi.EventData{PostID: "p1", Liker: wireAuthor("u5")}))
	assert.Equal(t, f.store.HasFlag(ref, models.FlagLikePulse), true)
	f.clock.Advance(flags.LikePulseWindow)
	assert.Equal(t, f.store.HasFlag(ref, models.FlagLikePulse), false)
}

func TestLikeOnRepostIdReachesOriginalAndMirror(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.listener.Handle(event(models.EventLikeAdded, wallapi.EventData{PostID: "r0", UserID: "u7"}))

	original, _ := f.store.Get("p1")
	wrapper, _ := f.store.Get("r0")
	assert.Equal(t, likeIDs(original), []string{"u2", "u7"})
	assert.Equal(t, likeIDs(wrapper), []string{"u2", "u7"})
}

func TestCommentAddedReachesMirrorWithArrivedFlag(t *testing.T) {
	f := newFixture(t)
	f.seed()
	f.listener.Handle(event(models.EventCommentAdded, wallapi.EventData{PostID: "p1", Comment: wireComment("c2", "u4")}))

	wrapper, _ := f.store.Get("r0")
	assert.Equal(t, len(wrapper.Social().Comments), 2)
	comment, ok := wrapper.FindComment("c2")
	assert.Equal(t, ok, true)
	assert.Equal(t, comment.PostID, "p1")
	assert.Equal(t, f.store.HasFlag(models.CommentRef("p1", "c2"), models.FlagArrived), true)

	f.clock.Advance(flags.ArrivedWindow)
	assert.Equal(t, f.store.HasFlag(models.CommentRef("p1", "c2"), models.FlagArrived), false)
}

func TestRepostedAndUnrepostedAdjustOriginal(t *testing.T) {
	f := newFixture(t)
	f.seed()
	r2 := wireRepost("r2", "u6", wirePost("p1", wallOwner.ID))
	data := wallapi.EventData{Post: &r2, OriginalPostID: "p1", UserID: "u6"}
	f.listener.Handle(event(models.EventPostReposted, data))

	p1, _ := f.store.Get("p1")
	assert.Equal(t, p1.Social().RepostedBy, []string{"u3", "u6"})
	assert.Equal(t, p1.Social().RepostCount, 2)
	assert.Equal(t, f.store.List()[0].ID, "r2")
	// the embedded snapshot never overrides the loaded original
	assert.Equal(t, likeIDs(p1), []string{"u2"})

	f.listener.Handle(event(models.EventPostUnreposted, wallapi.EventData{PostID: "r2", OriginalPostID: "p1", UserID: "u6"}))
	p1, _ = f.store.Get("p1")
	assert.Equal(t, p1.Social().RepostedBy, []string{"u3"})
	assert.Equal(t, p1.Social().RepostCount, 1)
	assert.Equal(t, f.store.HasFlag(models.PostRef("r2"), models.FlagPendingRemoval), true)

	f.clock.Advance(flags.RemovalWindow)
	assert.Equal(t, f.store.Has("r2"), false)
}

func TestUnrepostWithoutActorUsesWrapperAuthor(t *testing.T) {
	f := newFixture(t)
	f.seed()
	assert.Equal(t, f.listener.Handle(event(models.EventPostUnreposted, wallapi.EventData{PostID: "r0", OriginalPostID: "p1"})), nil)

	p1, _ := f.store.Get("p1")
	assert.Equal(t, len(p1.Social().RepostedBy), 0)
	assert.Equal(t, p1.Social().RepostCount, 0)
	assert.Equal(t, f.store.Has("r0"), true)
	assert.Equal(t, f.store.HasFlag(models.PostRef("r0"), models.FlagPendingRemoval), true)

	f.clock.Advance(flags.RemovalWindow - time.Millisecond)
	assert.Equal(t, f.store.Has("r0"), true)
	f.clock.Advance(time.Millisecond)
	assert.Equal(t, f.store.Has("r0"), false)
	assert.Equal(t, f.scheduler.Len(), 0)
}

func TestRepostWithoutEmbeddedOriginalUsesEventOriginal(t *testing.T) {
	f := newFixture(t)
	f.seed()
	r9 := wallapi.WirePost{ID: "r9", Author: wireAuthor("u4"), IsRepost: true}
	data := wallapi.EventData{Post: &r9, OriginalPostID: "p1", UserID: "u4"}
	assert.Equal(t, f.listener.Handle(event(models.EventPostReposted, data)), nil)

	wrapper, ok := f.store.Get("r9")
	assert.Equal(t, ok, true)
	assert.Equal(t, wrapper.OriginalID(), "p1")
	assert.Equal(t, wrapper.Variant.(*models.Repost).Stale, false)
	assert.Equal(t, likeIDs(wrapper), []string{"u2"})
	assert.Equal(t, f.store.WrappersOf("p1"), []string{"r0", "r9"})

	p1, _ := f.store.Get("p1")
	assert.Equal(t, p1.Social().RepostedBy, []string{"u3", "u4"})
}

func TestRepostNamingNoOriginalIsMalformed(t *testing.T) {
	f := newFixture(t)
	f.seed()
	r9 := wallapi.WirePost{ID: "r9", Author: wireAuthor("u4"), IsRepost: true}
	err := f.listener.Handle(event(models.EventPostReposted, wallapi.EventData{Post: &r9, UserID: "u4"}))

	assert.Equal(t, errors.Is(err, ErrMalformedEvent), true)
	assert.Equal(t, f.store.Has("r9"), false)
}

func TestRepostOfUnseenOriginalMaterializesIt(t *testing.T) {
	f := newFixture(t)
	r1 := wireRepost("r1", wallOwner.ID, wirePost("p1", "u2", "u4"))
	f.listener.Handle(event(models.EventPostReposted, wallapi.EventData{Post: &r1, OriginalPostID: "p1", UserID: wallOwner.ID}))

	assert.Equal(t, f.store.Has("p1"), true)
	assert.Equal(t, f.store.Listed("p1"), false)
	wrapper, _ := f.store.Get("r1")
	assert.Equal(t, likeIDs(wrapper), []string{"u4"})

	// a later page fetch of p1 merges into the same record
	page := wirePost("p1", "u2", "u4", "u5")
	f.store.Merge(store.Back, page.Patch())

	count := 0
	for _, post := range f.store.All() {
		if post.ID == "p1" {
			count += 1
		}
	}
	assert.Equal(t, count, 1)
	assert.Equal(t, f.store.Len(), 2)
	wrapper, _ = f.store.Get("r1")
	assert.Equal(t, likeIDs(wrapper), []string{"u4", "u5"})
}

func TestUnknownPostIsRetriedOnce(t *testing.T) {
	f := newFixture(t)
	f.listener.Handle(event(models.EventLikeAdded, wallapi.EventData{PostID: "p1", Liker: wireAuthor("u5")}))
	assert.Equal(t, f.listener.Buffered(), 1)

	f.seed()
	f.clock.Advance(DefaultRetryDelay)
	assert.Equal(t, f.listener.Buffered(), 0)
	p1, _ := f.store.Get("p1")
	assert.Equal(t, likeIDs(p1), []string{"u2", "u5"})
}

func TestUnknownPostIsDroppedAfterRetry(t *testing.T) {
	f := newFixture(t)
	f.listener.Handle(event(models.EventCommentAdded, wallapi.EventData{PostID: "p9", Comment: wireComment("c1", "u2")}))
	assert.Equal(t, f.listener.Buffered(), 1)

	f.clock.Advance(DefaultRetryDelay)
	assert.Equal(t, f.listener.Buffered(), 0)
	assert.Equal(t, f.clock.Pending(), 0)
	assert.Equal(t, f.store.Has("p9"), false)
}

func TestCloseCancelsRetries(t *testing.T) {
	f := newFixture(t)
	f.listener.Handle(event(models.EventLikeAdded, wallapi.EventData{PostID: "p1", Liker: wireAuthor("u5")}))
	f.listener.Close()
	assert.Equal(t, f.listener.Buffered(), 0)

	f.seed()
	f.clock.Advance(time.Minute)
	p1, _ := f.store.Get("p1")
	assert.Equal(t, likeIDs(p1), []string{"u2"})
}

func TestMalformedAndUnknownEventsAreDropped(t *testing.T) {
	f := newFixture(t)
	f.seed()
	before := f.store.All()

	assert.Equal(t, errors.Is(f.listener.Handle([]byte("not json")), ErrMalformedEvent), true)
	assert.Equal(t, errors.Is(f.listener.Handle([]byte(`{"type":"post.pinned","data":{}}`)), ErrUnknownEvent), true)
	assert.Equal(t, errors.Is(f.listener.Handle([]byte(`{"type":"like.added","data":{"postId":"p1"}}`)), ErrMalformedEvent), true)
	assert.Equal(t, errors.Is(f.listener.Handle([]byte(`{"type":"comment.added","data":{"postId":"p1"}}`)), ErrMalformedEvent), true)

	assert.Equal(t, f.store.All(), before)
	assert.Equal(t, f.listener.Buffered(), 0)
}
