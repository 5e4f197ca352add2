package mutate

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/KAsare1/wallsync/cmd/utils"
	"github.com/KAsare1/wallsync/service/flags"
	"github.com/KAsare1/wallsync/service/store"
	"github.com/KAsare1/wallsync/service/wallapi"
)

const (
	MaxPostLength          = 500
	MaxCommentLength       = 300
	MaxRepostMessageLength = 200
)

// tentativeHold keeps pendingRemoval up while a delete waits for the server.
const tentativeHold = 2 * time.Minute

// API is the subset of the wall server the mutator confirms against.
type API interface {
	CreatePost(ctx context.Context, ownerID string, content string) (models.PostPatch, error)
	DeletePost(ctx context.Context, postID string) error
	Like(ctx context.Context, postID string) error
	Unlike(ctx context.Context, postID string) error
	AddComment(ctx context.Context, postID string, content string) (*wallapi.CommentResult, error)
	DeleteComment(ctx context.Context, postID string, commentID string) error
	Repost(ctx context.Context, postID string, message string) (*models.PostPatch, error)
	Unrepost(ctx context.Context, postID string) error
}

// Family groups mutations that may not overlap on one target.
type Family string

const (
	FamilyLike   Family = "like"
	FamilyRepost Family = "repost"
	FamilyDelete Family = "delete"
)

type flight struct {
	target string
	family Family
}

// Mutator runs the user's mutations as tentative apply, confirm, and
// rollback of exactly the tentative change. Every method blocks until the
// server answers. Confirmation is not cancelled with ctx, so a caller that
// goes away still leaves a consistent store.
type Mutator struct {
	store     *store.Store
	scheduler *flags.Scheduler
	clock     flags.Clock
	api       API
	actor     models.Author
	ownerID   string

	mutex    sync.Mutex
	inFlight map[flight]bool
}

// NewMutator acts as actor on ownerID's wall.
func NewMutator(s *store.Store, scheduler *flags.Scheduler, clock flags.Clock, api API, actor models.Author, ownerID string) *Mutator {
	if clock == nil {
		clock = flags.SystemClock()
	}
	return &Mutator{
		store:     s,
		scheduler: scheduler,
		clock:     clock,
		api:       api,
		actor:     actor,
		ownerID:   ownerID,
		inFlight:  map[flight]bool{},
	}
}

func (m *Mutator) Actor() models.Author {
	return m.actor
}

func (m *Mutator) begin(target string, family Family) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	f := flight{target: target, family: family}
	if m.inFlight[f] {
		return false
	}
	m.inFlight[f] = true
	return true
}

func (m *Mutator) end(target string, family Family) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.inFlight, flight{target: target, family: family})
}

// Busy reports whether a mutation of family is in flight for the post, in
// which case its control should be disabled.
func (m *Mutator) Busy(postID string, family Family) bool {
	target := postID
	if family != FamilyDelete {
		if originalID, loaded := m.store.ResolveOriginal(postID); loaded {
			target = originalID
		}
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.inFlight[flight{target: target, family: family}]
}

// CanRepost is false for the author of the original post.
func (m *Mutator) CanRepost(postID string) bool {
	if utils.IsTempID(postID) {
		return false
	}
	originalID, loaded := m.store.ResolveOriginal(postID)
	if !loaded {
		return false
	}
	original, ok := m.store.Get(originalID)
	return ok && original.Author.ID != m.actor.ID
}

func confirmContext(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func newPendingKey() string {
	return ulid.Make().String()
}

func (m *Mutator) actorLike() models.Like {
	return models.Like{
		UserID:      m.actor.ID,
		Username:    m.actor.Username,
		DisplayName: m.actor.DisplayName,
	}
}

func checkContent(content string, limit int) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if limit < utf8.RuneCountInString(content) {
		return ErrContentTooLong
	}
	return nil
}

// original resolves postID to a loaded original.
func (m *Mutator) original(postID string) (models.Post, error) {
	if utils.IsTempID(postID) {
		return models.Post{}, ErrNotConfirmed
	}
	originalID, loaded := m.store.ResolveOriginal(postID)
	if !loaded {
		return models.Post{}, ErrNotFound
	}
	original, ok := m.store.Get(originalID)
	if !ok {
		return models.Post{}, ErrNotFound
	}
	return original, nil
}

func (m *Mutator) rollback(kind Kind, postID string, pendingKey string, err error) error {
	glog.Warningf("[mutate]%s %s rolled back: %v\n", kind, postID, err)
	if pendingKey != "" {
		m.store.Settle(pendingKey, false)
	}
	return newError(kind, postID, err)
}

// CreatePost shows the post at the top of the wall under a temporary id
// until the server confirms it.
func (m *Mutator) CreatePost(ctx context.Context, content string) (models.Post, error) {
	if err := checkContent(content, MaxPostLength); err != nil {
		return models.Post{}, newError(KindCreatePost, "", err)
	}

	tempID := utils.NewTempID("post")
	author := m.actor
	createdAt := m.clock.Now()
	likes := []models.Like{}
	comments := []models.Comment{}
	repostedBy := []string{}
	repostCount := 0
	m.store.Merge(store.Front, models.PostPatch{
		ID:          tempID,
		Author:      &author,
		Content:     &content,
		CreatedAt:   &createdAt,
		Likes:       &likes,
		Comments:    &comments,
		RepostCount: &repostCount,
		RepostedBy:  &repostedBy,
	})
	tempRef := models.PostRef(tempID)
	m.scheduler.Arm(tempRef, models.FlagArrived, flags.ArrivedWindow)

	patch, err := m.api.CreatePost(confirmContext(ctx), m.ownerID, content)
	if err != nil {
		glog.Warningf("[mutate]%s rolled back: %v\n", KindCreatePost, err)
		m.scheduler.Disarm(tempRef, models.FlagArrived)
		m.store.Remove(tempID)
		return models.Post{}, newError(KindCreatePost, "", err)
	}

	m.store.Rekey(tempID, patch)
	m.scheduler.Disarm(tempRef, models.FlagArrived)
	m.scheduler.Arm(models.PostRef(patch.ID), models.FlagArrived, flags.ArrivedWindow)
	post, _ := m.store.Get(patch.ID)
	return post, nil
}

// DeletePost marks the post pendingRemoval at once and removes it a
// removal window after the server confirms.
func (m *Mutator) DeletePost(ctx context.Context, postID string) error {
	if utils.IsTempID(postID) {
		return newError(KindDeletePost, postID, ErrNotConfirmed)
	}
	post, ok := m.store.Get(postID)
	if !ok {
		return newError(KindDeletePost, postID, ErrNotFound)
	}
	if !m.begin(postID, FamilyDelete) {
		return newError(KindDeletePost, postID, ErrInFlight)
	}
	defer m.end(postID, FamilyDelete)

	ref := models.PostRef(postID)
	if post.Flags.Has(models.FlagPendingRemoval) {
		return newError(KindDeletePost, postID, ErrRemovalInProcess)
	}
	m.scheduler.Arm(ref, models.FlagPendingRemoval, tentativeHold)

	if err := m.api.DeletePost(confirmContext(ctx), postID); err != nil {
		// a pushed post.deleted may have replaced the hold with a removal
		m.scheduler.Release(ref, models.FlagPendingRemoval)
		return m.rollback(KindDeletePost, postID, "", err)
	}

	if originalID := post.OriginalID(); originalID != "" && post.Author.ID == m.actor.ID {
		m.store.Apply(originalID, models.Delta{RemoveRepostedBy: []string{m.actor.ID}}, "")
	}
	armed := m.scheduler.ArmFunc(ref, models.FlagPendingRemoval, flags.RemovalWindow, func() {
		m.store.Remove(postID)
	})
	if !armed {
		// the view is closing; remove now
		m.store.Remove(postID)
	}
	return nil
}

// Like adds the actor's like to the original behind postID.
func (m *Mutator) Like(ctx context.Context, postID string) error {
	original, err := m.original(postID)
	if err != nil {
		return newError(KindLike, postID, err)
	}
	if !m.begin(original.ID, FamilyLike) {
		return newError(KindLike, postID, ErrInFlight)
	}
	defer m.end(original.ID, FamilyLike)
	if original.LikedBy(m.actor.ID) {
		return newError(KindLike, postID, ErrAlreadyLiked)
	}

	pendingKey := newPendingKey()
	m.store.Apply(original.ID, models.Delta{AddLikes: []models.Like{m.actorLike()}}, pendingKey)
	m.scheduler.Arm(models.PostRef(postID), models.FlagLikePulse, flags.LikePulseWindow)

	if err := m.api.Like(confirmContext(ctx), original.ID); err != nil {
		return m.rollback(KindLike, postID, pendingKey, err)
	}
	m.store.Settle(pendingKey, true)
	return nil
}

// Unlike removes the actor's like from the original behind postID.
func (m *Mutator) Unlike(ctx context.Context, postID string) error {
	original, err := m.original(postID)
	if err != nil {
		return newError(KindUnlike, postID, err)
	}
	if !m.begin(original.ID, FamilyLike) {
		return newError(KindUnlike, postID, ErrInFlight)
	}
	defer m.end(original.ID, FamilyLike)

	var like *models.Like
	for _, l := range original.Social().Likes {
		if l.UserID == m.actor.ID {
			l := l
			like = &l
			break
		}
	}
	if like == nil {
		return newError(KindUnlike, postID, ErrNotLiked)
	}

	// the stored like, so a rollback restores its display snapshot
	pendingKey := newPendingKey()
	m.store.Apply(original.ID, models.Delta{RemoveLikes: []models.Like{*like}}, pendingKey)

	if err := m.api.Unlike(confirmContext(ctx), original.ID); err != nil {
		return m.rollback(KindUnlike, postID, pendingKey, err)
	}
	m.store.Settle(pendingKey, true)
	return nil
}

// AddComment appends a temporary comment and swaps in the server's comment
// on confirmation.
func (m *Mutator) AddComment(ctx context.Context, postID string, content string) (models.Comment, error) {
	if err := checkContent(content, MaxCommentLength); err != nil {
		return models.Comment{}, newError(KindAddComment, postID, err)
	}
	original, err := m.original(postID)
	if err != nil {
		return models.Comment{}, newError(KindAddComment, postID, err)
	}
	known := map[string]bool{}
	for _, c := range original.Social().Comments {
		known[c.ID] = true
	}

	temp := models.Comment{
		ID:        utils.NewTempID("comment"),
		PostID:    original.ID,
		Author:    m.actor,
		Content:   content,
		CreatedAt: m.clock.Now(),
	}
	tempRef := models.CommentRef(original.ID, temp.ID)
	pendingKey := newPendingKey()
	m.store.Apply(original.ID, models.Delta{AddComments: []models.Comment{temp}}, pendingKey)
	m.scheduler.Arm(tempRef, models.FlagArrived, flags.ArrivedWindow)

	result, err := m.api.AddComment(confirmContext(ctx), original.ID, content)
	if err != nil {
		m.scheduler.Disarm(tempRef, models.FlagArrived)
		return models.Comment{}, m.rollback(KindAddComment, postID, pendingKey, err)
	}
	if result == nil {
		result = &wallapi.CommentResult{}
	}

	var confirmed []models.Comment
	var created *models.Comment
	if result.Comment != nil {
		confirmed = []models.Comment{*result.Comment}
		created = result.Comment
	}
	if result.Comments != nil {
		confirmed = append(confirmed, *result.Comments...)
		if created == nil {
			created = findCreated(*result.Comments, known, m.actor.ID, content)
		}
	}

	m.scheduler.Disarm(tempRef, models.FlagArrived)
	m.store.Replace(pendingKey, models.Delta{AddComments: confirmed})
	if created == nil {
		glog.Warningf("[mutate]%s %s: confirmed comment not identified\n", KindAddComment, postID)
		return temp, nil
	}
	m.scheduler.Arm(models.CommentRef(original.ID, created.ID), models.FlagArrived, flags.ArrivedWindow)
	out := *created
	out.PostID = original.ID
	return out, nil
}

// findCreated picks the newest comment by actorID with content that was not
// present before the mutation.
func findCreated(comments []models.Comment, known map[string]bool, actorID string, content string) *models.Comment {
	var fallback *models.Comment
	for i := len(comments) - 1; 0 <= i; i -= 1 {
		c := comments[i]
		if known[c.ID] || c.Author.ID != actorID {
			continue
		}
		if c.Content == content {
			return &c
		}
		if fallback == nil {
			fallback = &c
		}
	}
	return fallback
}

// DeleteComment removes the comment at once and restores it on failure.
func (m *Mutator) DeleteComment(ctx context.Context, postID string, commentID string) error {
	if utils.IsTempID(commentID) {
		return newError(KindDeleteComment, postID, ErrNotConfirmed)
	}
	original, err := m.original(postID)
	if err != nil {
		return newError(KindDeleteComment, postID, err)
	}
	comment, ok := original.FindComment(commentID)
	if !ok {
		return newError(KindDeleteComment, postID, ErrCommentNotFound)
	}
	target := models.CommentRef(original.ID, commentID).String()
	if !m.begin(target, FamilyDelete) {
		return newError(KindDeleteComment, postID, ErrInFlight)
	}
	defer m.end(target, FamilyDelete)

	removed := *comment
	removed.Flags = nil
	pendingKey := newPendingKey()
	m.store.Apply(original.ID, models.Delta{RemoveComments: []models.Comment{removed}}, pendingKey)

	if err := m.api.DeleteComment(confirmContext(ctx), original.ID, commentID); err != nil {
		return m.rollback(KindDeleteComment, postID, pendingKey, err)
	}
	m.store.Settle(pendingKey, true)
	return nil
}

// Repost adds the actor to the original's reposters. On the actor's own
// wall a temporary wrapper is shown until the server returns the real one.
func (m *Mutator) Repost(ctx context.Context, postID string, message string) error {
	if MaxRepostMessageLength < utf8.RuneCountInString(message) {
		return newError(KindRepost, postID, ErrContentTooLong)
	}
	original, err := m.original(postID)
	if err != nil {
		return newError(KindRepost, postID, err)
	}
	if !m.begin(original.ID, FamilyRepost) {
		return newError(KindRepost, postID, ErrInFlight)
	}
	defer m.end(original.ID, FamilyRepost)
	if original.Author.ID == m.actor.ID {
		return newError(KindRepost, postID, ErrOwnPost)
	}
	if original.RepostedByUser(m.actor.ID) {
		return newError(KindRepost, postID, ErrAlreadyReposted)
	}

	pendingKey := newPendingKey()
	m.store.Apply(original.ID, models.Delta{AddRepostedBy: []string{m.actor.ID}}, pendingKey)

	tempID := ""
	if m.ownerID == m.actor.ID {
		tempID = utils.NewTempID("repost")
		author := m.actor
		createdAt := m.clock.Now()
		m.store.Merge(store.Front, models.PostPatch{
			ID:        tempID,
			Author:    &author,
			Content:   &message,
			CreatedAt: &createdAt,
			Repost:    &models.RepostRef{OriginalID: original.ID, Message: message},
		})
		m.scheduler.Arm(models.PostRef(tempID), models.FlagArrived, flags.ArrivedWindow)
	}

	wrapper, err := m.api.Repost(confirmContext(ctx), original.ID, message)
	if err != nil {
		if tempID != "" {
			m.scheduler.Disarm(models.PostRef(tempID), models.FlagArrived)
			m.store.Remove(tempID)
		}
		return m.rollback(KindRepost, postID, pendingKey, err)
	}
	m.store.Settle(pendingKey, true)

	if tempID != "" {
		m.scheduler.Disarm(models.PostRef(tempID), models.FlagArrived)
		if wrapper != nil {
			m.store.Rekey(tempID, *wrapper)
			m.scheduler.Arm(models.PostRef(wrapper.ID), models.FlagArrived, flags.ArrivedWindow)
		} else {
			// the push channel delivers the wrapper
			m.store.Remove(tempID)
		}
	}
	return nil
}

// Unrepost removes the actor from the original's reposters and takes the
// actor's wrappers off the wall.
func (m *Mutator) Unrepost(ctx context.Context, postID string) error {
	original, err := m.original(postID)
	if err != nil {
		return newError(KindUnrepost, postID, err)
	}
	if !m.begin(original.ID, FamilyRepost) {
		return newError(KindUnrepost, postID, ErrInFlight)
	}
	defer m.end(original.ID, FamilyRepost)
	if !original.RepostedByUser(m.actor.ID) {
		return newError(KindUnrepost, postID, ErrNotReposted)
	}

	wrapperIDs := []string{}
	for _, wrapperID := range m.store.WrappersOf(original.ID) {
		if wrapper, ok := m.store.Get(wrapperID); ok && wrapper.Author.ID == m.actor.ID && !utils.IsTempID(wrapperID) {
			wrapperIDs = append(wrapperIDs, wrapperID)
		}
	}

	pendingKey := newPendingKey()
	m.store.Apply(original.ID, models.Delta{RemoveRepostedBy: []string{m.actor.ID}}, pendingKey)
	for _, wrapperID := range wrapperIDs {
		ref := models.PostRef(wrapperID)
		if !m.scheduler.Expiring(ref, models.FlagPendingRemoval) {
			m.scheduler.Arm(ref, models.FlagPendingRemoval, tentativeHold)
		}
	}

	if err := m.api.Unrepost(confirmContext(ctx), original.ID); err != nil {
		for _, wrapperID := range wrapperIDs {
			m.scheduler.Release(models.PostRef(wrapperID), models.FlagPendingRemoval)
		}
		return m.rollback(KindUnrepost, postID, pendingKey, err)
	}
	m.store.Settle(pendingKey, true)
	for _, wrapperID := range wrapperIDs {
		wrapperID := wrapperID
		armed := m.scheduler.ArmFunc(models.PostRef(wrapperID), models.FlagPendingRemoval, flags.RemovalWindow, func() {
			m.store.Remove(wrapperID)
		})
		if !armed {
			m.store.Remove(wrapperID)
		}
	}
	return nil
}
