package store

import (
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/KAsare1/wallsync/cmd/models"
)

func assertConsistent(t *testing.T, s *Store) {
	t.Helper()
	for _, post := range s.All() {
		if !post.IsRepost() {
			continue
		}
		original, ok := s.Get(post.OriginalID())
		if !ok {
			continue
		}
		assert.Equal(t, original.Social().Likes, post.Social().Likes)
		assert.Equal(t, original.Social().RepostCount, post.Social().RepostCount)
		assert.Equal(t, original.Social().RepostedBy, post.Social().RepostedBy)
		assert.Equal(t, len(original.Social().Comments), len(post.Social().Comments))
	}
}

func TestRepostMirrorsOriginal(t *testing.T) {
	s := New()
	s.Merge(Back, originalPatch("p1", "alice", "bob"), repostPatch("r1", "carol", "p1"), repostPatch("r2", "dave", "p1"))
	assertConsistent(t, s)

	s.Apply("p1", models.Delta{AddLikes: []models.Like{like("erin")}}, "")
	s.Apply("p1", models.Delta{AddRepostedBy: []string{"carol", "dave"}}, "")
	s.Apply("p1", models.Delta{AddComments: []models.Comment{comment("c1", 0)}}, "")
	assertConsistent(t, s)

	r2, _ := s.Get("r2")
	assert.Equal(t, []string{"bob", "erin"}, likeIDs(r2))
	assert.Equal(t, 2, r2.Social().RepostCount)
	assert.Equal(t, false, r2.Variant.(*models.Repost).Stale)
}

func TestDeltaOnRepostRoutesToOriginal(t *testing.T) {
	s := New()
	s.Merge(Back, originalPatch("p1", "alice"), repostPatch("r1", "carol", "p1"))

	_, found := s.Apply("r1", models.Delta{AddLikes: []models.Like{like("bob")}}, "")
	assert.Equal(t, true, found)

	p1, _ := s.Get("p1")
	assert.Equal(t, []string{"bob"}, likeIDs(p1))
	assertConsistent(t, s)
}

func TestRepostSocialFieldsAreNeverMergedDirectly(t *testing.T) {
	s := New()
	s.Merge(Back, originalPatch("p1", "alice", "bob"), repostPatch("r1", "carol", "p1"))

	conflicting := repostPatch("r1", "carol", "p1")
	likes := []models.Like{like("mallory")}
	count := 99
	conflicting.Likes = &likes
	conflicting.RepostCount = &count
	s.Merge(Back, conflicting)

	r1, _ := s.Get("r1")
	assert.Equal(t, []string{"bob"}, likeIDs(r1))
	assert.Equal(t, 0, r1.Social().RepostCount)
}

func TestRepostBeforeOriginalIsStaleUntilResolved(t *testing.T) {
	s := New()
	unresolved := []string{}
	s.OnUnresolved(func(id string) {
		unresolved = append(unresolved, id)
	})

	s.Merge(Back, repostPatch("r1", "carol", "p1"))
	r1, _ := s.Get("r1")
	assert.Equal(t, true, r1.Variant.(*models.Repost).Stale)
	assert.Equal(t, []string{"p1"}, unresolved)

	s.Merge(Unlisted, originalPatch("p1", "alice", "bob"))
	r1, _ = s.Get("r1")
	assert.Equal(t, false, r1.Variant.(*models.Repost).Stale)
	assert.Equal(t, []string{"bob"}, likeIDs(r1))
	assert.Equal(t, false, s.Listed("p1"))
}

func TestEmbeddedSnapshotMaterializesOriginal(t *testing.T) {
	s := New()
	unresolved := []string{}
	s.OnUnresolved(func(id string) {
		unresolved = append(unresolved, id)
	})

	snapshot := originalPatch("p1", "alice", "bob")
	wrapper := repostPatch("r1", "carol", "p1")
	wrapper.Original = &snapshot
	s.Merge(Front, wrapper)

	assert.Equal(t, 0, len(unresolved))
	assert.Equal(t, []string{"r1"}, listIDs(s))
	p1, ok := s.Get("p1")
	assert.Equal(t, true, ok)
	assert.Equal(t, []string{"bob"}, likeIDs(p1))
	assertConsistent(t, s)

	// a second snapshot never overrides the held original
	stale := originalPatch("p1", "alice")
	again := repostPatch("r1", "carol", "p1")
	again.Original = &stale
	s.Merge(Front, again)
	p1, _ = s.Get("p1")
	assert.Equal(t, []string{"bob"}, likeIDs(p1))
}

func TestResyncIsNoOp(t *testing.T) {
	s := New()
	s.Merge(Back, originalPatch("p1", "alice", "bob"), repostPatch("r1", "carol", "p1"), repostPatch("r2", "carol", "missing"))
	before := s.All()

	s.Resync()
	s.Resync()

	assert.Equal(t, before, s.All())
}

func TestSyncIsOrderIndependent(t *testing.T) {
	a := New()
	a.Merge(Back, repostPatch("r1", "carol", "p1"))
	a.Merge(Back, originalPatch("p1", "alice", "bob"))

	b := New()
	b.Merge(Back, originalPatch("p1", "alice", "bob"))
	b.Merge(Back, repostPatch("r1", "carol", "p1"))

	ra, _ := a.Get("r1")
	rb, _ := b.Get("r1")
	assert.Equal(t, ra.Social(), rb.Social())
}

func TestCommentFlagProjectsToReposts(t *testing.T) {
	s := New()
	s.Merge(Back, originalPatch("p1", "alice"), repostPatch("r1", "carol", "p1"))
	s.Apply("p1", models.Delta{AddComments: []models.Comment{comment("c1", 0)}}, "")

	s.SetFlag(models.CommentRef("p1", "c1"), models.FlagArrived, epoch)
	r1, _ := s.Get("r1")
	assert.Equal(t, true, r1.Social().Comments[0].Flags.Has(models.FlagArrived))

	s.ClearFlag(models.CommentRef("p1", "c1"), models.FlagArrived)
	r1, _ = s.Get("r1")
	assert.Equal(t, false, r1.Social().Comments[0].Flags.Has(models.FlagArrived))
}

func TestRepostOfRepostMirrorsOriginal(t *testing.T) {
	s := New()
	s.Merge(Back, originalPatch("p1", "alice", "bob"), repostPatch("r0", "carol", "p1"), repostPatch("rr", "dave", "r0"))

	rr, _ := s.Get("rr")
	assert.Equal(t, []string{"bob"}, likeIDs(rr))

	s.Apply("p1", models.Delta{AddLikes: []models.Like{like("erin")}}, "")
	s.Apply("p1", models.Delta{AddComments: []models.Comment{comment("c1", 0)}}, "")

	p1, _ := s.Get("p1")
	rr, _ = s.Get("rr")
	assert.Equal(t, []string{"bob", "erin"}, likeIDs(rr))
	assert.Equal(t, p1.Social().Likes, rr.Social().Likes)
	assert.Equal(t, len(p1.Social().Comments), len(rr.Social().Comments))
	assertConsistent(t, s)
}

func TestRepostOfRepostReportsMissingOriginal(t *testing.T) {
	s := New()
	unresolved := []string{}
	s.OnUnresolved(func(id string) {
		unresolved = append(unresolved, id)
	})

	s.Merge(Back, repostPatch("r0", "carol", "p1"), repostPatch("rr", "dave", "r0"))
	rr, _ := s.Get("rr")
	assert.Equal(t, true, rr.Variant.(*models.Repost).Stale)
	assert.Equal(t, []string{"p1"}, unresolved)

	s.Merge(Unlisted, originalPatch("p1", "alice", "bob"))
	rr, _ = s.Get("rr")
	assert.Equal(t, false, rr.Variant.(*models.Repost).Stale)
	assert.Equal(t, []string{"bob"}, likeIDs(rr))
}
