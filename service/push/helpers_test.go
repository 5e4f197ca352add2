package push

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/KAsare1/wallsync/service/flags"
	"github.com/KAsare1/wallsync/service/store"
	"github.com/KAsare1/wallsync/service/wallapi"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var wallOwner = models.Author{ID: "owner", Username: "owner"}

type fixture struct {
	store     *store.Store
	clock     *flags.ManualClock
	scheduler *flags.Scheduler
	listener  *Listener
}

func newFixture(t *testing.T) *fixture {
	s := store.New()
	clock := flags.NewManualClock(epoch)
	scheduler := flags.NewScheduler(s, clock)
	listener := NewListener(s, scheduler, clock, wallOwner)
	t.Cleanup(func() {
		listener.Close()
		scheduler.Close()
	})
	return &fixture{
		store:     s,
		clock:     clock,
		scheduler: scheduler,
		listener:  listener,
	}
}

func wireAuthor(id string) *wallapi.WireAuthor {
	return &wallapi.WireAuthor{ID: id, Username: id}
}

func wirePost(id string, authorID string, likes ...string) wallapi.WirePost {
	content := "content of " + id
	createdAt := epoch
	post := wallapi.WirePost{
		ID:        id,
		Author:    wireAuthor(authorID),
		Content:   &content,
		CreatedAt: &createdAt,
		Likes:     []wallapi.WireLike{},
		Comments:  []wallapi.WireComment{},
		Reposts:   []wallapi.WireLike{},
	}
	for _, userID := range likes {
		post.Likes = append(post.Likes, wallapi.WireLike{UserID: userID})
	}
	return post
}

func wireRepost(id string, authorID string, original wallapi.WirePost) wallapi.WirePost {
	createdAt := epoch.Add(time.Minute)
	embedded, err := json.Marshal(original)
	if err != nil {
		panic(err)
	}
	return wallapi.WirePost{
		ID:           id,
		Author:       wireAuthor(authorID),
		CreatedAt:    &createdAt,
		IsRepost:     true,
		OriginalPost: embedded,
	}
}

func wireComment(id string, authorID string) *wallapi.WireComment {
	return &wallapi.WireComment{
		ID:        id,
		Author:    *wireAuthor(authorID),
		Content:   "comment " + id,
		CreatedAt: epoch.Add(time.Hour),
	}
}

func event(eventType models.EventType, data wallapi.EventData) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	message, err := json.Marshal(models.Event{Type: eventType, Data: raw})
	if err != nil {
		panic(err)
	}
	return message
}

// seed loads p1 (liked by u2, commented c1, reposted by u3 as r0).
func (f *fixture) seed() {
	p1 := wirePost("p1", wallOwner.ID, "u2")
	p1.Comments = []wallapi.WireComment{*wireComment("c1", "u2")}
	p1.Reposts = []wallapi.WireLike{{UserID: "u3"}}
	f.store.Merge(store.Back, p1.Patch(), wireRepost("r0", "u3", p1).Patch())
}
