package store

import (
	"sync"
	"time"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/KAsare1/wallsync/cmd/utils"
	"github.com/golang/glog"
)

// Placement decides where a newly created record enters the listing.
type Placement int

const (
	// Unlisted records are held for reference only, e.g. an original that a
	// listed repost points to.
	Unlisted Placement = iota
	Front
	Back
)

// maxRefDepth bounds repost-of-repost resolution.
const maxRefDepth = 4

type overlay struct {
	postID string
	delta  models.Delta
}

// Store is the canonical keyed collection of posts for one feed view. Every
// write holds the lock for its whole duration, cross-reference sync included.
type Store struct {
	mutex sync.Mutex

	posts  map[string]*models.Post
	order  []string
	listed map[string]bool
	// original id -> wrapper ids
	wrappers map[string]map[string]bool

	overlays     map[string]*overlay
	overlayOrder []string

	subscribers  *callbackList[func(models.Change)]
	onUnresolved func(originalID string)
}

func New() *Store {
	return &Store{
		posts:       map[string]*models.Post{},
		listed:      map[string]bool{},
		wrappers:    map[string]map[string]bool{},
		overlays:    map[string]*overlay{},
		subscribers: newCallbackList[func(models.Change)](),
	}
}

// OnUnresolved registers the hook called, outside the lock, with the id of
// every original a repost references but the store does not hold.
func (s *Store) OnUnresolved(fn func(originalID string)) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onUnresolved = fn
}

// Subscribe registers fn to be called after every write. The returned func
// removes the subscription.
func (s *Store) Subscribe(fn func(models.Change)) func() {
	return s.subscribers.add(fn)
}

// write accumulates what one store operation touched.
type write struct {
	touched    map[string]bool
	listing    bool
	unresolved map[string]bool
}

func (w *write) touch(id string) {
	w.touched[id] = true
}

func (s *Store) update(fn func(w *write)) {
	s.mutex.Lock()
	w := &write{
		touched:    map[string]bool{},
		unresolved: map[string]bool{},
	}
	fn(w)
	s.sync(w)
	onUnresolved := s.onUnresolved
	s.mutex.Unlock()

	if 0 < len(w.touched) || w.listing {
		change := models.Change{
			PostIDs: sortedKeys(w.touched),
			Listing: w.listing,
		}
		for _, fn := range s.subscribers.get() {
			fn(change)
		}
	}
	if onUnresolved != nil {
		for _, id := range sortedKeys(w.unresolved) {
			onUnresolved(id)
		}
	}
}

// Merge upserts each patch by id. Present fields overwrite stored values,
// flags survive, and new ids enter the listing according to place.
func (s *Store) Merge(place Placement, patches ...models.PostPatch) {
	s.update(func(w *write) {
		for _, patch := range patches {
			s.mergeLocked(w, patch, place)
		}
	})
}

// Upsert merges one patch and reports whether it created the record.
func (s *Store) Upsert(place Placement, patch models.PostPatch) (created bool) {
	s.update(func(w *write) {
		_, exists := s.posts[patch.ID]
		s.mergeLocked(w, patch, place)
		_, created = s.posts[patch.ID]
		created = created && !exists
	})
	return
}

func (s *Store) mergeLocked(w *write, patch models.PostPatch, place Placement) {
	if patch.ID == "" {
		return
	}
	if patch.Repost != nil && patch.Repost.OriginalID == "" {
		if _, ok := s.posts[patch.ID]; !ok {
			glog.Warningf("[store]%s: dropping repost without an original reference\n", patch.ID)
			return
		}
	}

	if patch.Repost != nil && patch.Original != nil {
		if _, ok := s.posts[patch.Repost.OriginalID]; !ok && patch.Original.ID == patch.Repost.OriginalID {
			// materialize the original before the wrapper so the wrapper can sync from it
			s.mergeLocked(w, *patch.Original, Unlisted)
		}
	}

	post, ok := s.posts[patch.ID]
	if !ok {
		post = &models.Post{ID: patch.ID}
		if patch.Repost != nil {
			post.Variant = &models.Repost{
				OriginalID: patch.Repost.OriginalID,
				Message:    patch.Repost.Message,
				Stale:      true,
			}
			s.indexWrapper(patch.Repost.OriginalID, patch.ID)
		} else {
			post.Variant = &models.Original{}
		}
		s.posts[patch.ID] = post
	}

	if patch.Author != nil {
		post.Author = *patch.Author
	}
	if patch.Content != nil {
		post.Content = *patch.Content
	}
	if patch.CreatedAt != nil {
		post.CreatedAt = *patch.CreatedAt
	}
	if patch.ViewCount != nil && post.ViewCount < *patch.ViewCount {
		post.ViewCount = *patch.ViewCount
	}

	switch v := post.Variant.(type) {
	case *models.Repost:
		if patch.Repost != nil {
			if patch.Repost.OriginalID != "" && patch.Repost.OriginalID != v.OriginalID {
				glog.Warningf("[store]%s: ignoring original reference change %s -> %s", post.ID, v.OriginalID, patch.Repost.OriginalID)
			}
			v.Message = patch.Repost.Message
		}
		// social fields on a wrapper are a projection and are never merged
	case *models.Original:
		if patch.Repost != nil {
			glog.Warningf("[store]%s: ignoring repost variant on an original record", post.ID)
		}
		if s.overwriteSocial(post, v, patch) {
			s.reapplyOverlays(post)
		}
	}

	s.placeLocked(w, post.ID, place)
	w.touch(post.ID)
}

func (s *Store) overwriteSocial(post *models.Post, v *models.Original, patch models.PostPatch) bool {
	overwrote := false
	if patch.Likes != nil {
		v.Likes = models.DedupeLikes(*patch.Likes)
		overwrote = true
	}
	if patch.RepostedBy != nil {
		v.RepostedBy = models.DedupeUsers(*patch.RepostedBy)
		overwrote = true
	}
	if patch.RepostCount != nil {
		v.RepostCount = max(0, *patch.RepostCount)
		overwrote = true
	}
	if patch.Comments != nil {
		comments := models.DedupeComments(*patch.Comments)
		for i := range comments {
			comments[i].PostID = post.ID
			if prev, ok := post.FindComment(comments[i].ID); ok && 0 < len(prev.Flags) {
				comments[i].Flags = prev.Flags.Clone()
			} else {
				comments[i].Flags = nil
			}
		}
		models.SortComments(comments)
		v.Comments = comments
		overwrote = true
	}
	return overwrote
}

// reapplyOverlays puts in-flight optimistic edits back on top of fields a
// merge just overwrote.
func (s *Store) reapplyOverlays(post *models.Post) {
	for _, key := range s.overlayOrder {
		if o := s.overlays[key]; o.postID == post.ID {
			applyDelta(post, o.delta)
		}
	}
}

func (s *Store) placeLocked(w *write, id string, place Placement) {
	if s.listed[id] || place == Unlisted {
		return
	}
	switch place {
	case Front:
		s.order = append([]string{id}, s.order...)
	case Back:
		s.order = append(s.order, id)
	}
	s.listed[id] = true
	w.listing = true
}

// Apply performs delta on the original behind id. A repost id is routed to
// its original. With a non-empty pendingKey the delta is kept as an
// in-flight overlay until Settle. found is false when no original is loaded.
func (s *Store) Apply(id string, delta models.Delta, pendingKey string) (changed bool, found bool) {
	s.update(func(w *write) {
		post := s.resolveLocked(id)
		if post == nil {
			return
		}
		found = true
		changed = applyDelta(post, delta)
		if pendingKey != "" {
			if _, ok := s.overlays[pendingKey]; !ok {
				s.overlayOrder = append(s.overlayOrder, pendingKey)
			}
			s.overlays[pendingKey] = &overlay{postID: post.ID, delta: delta}
		}
		if changed {
			w.touch(post.ID)
		}
	})
	return
}

// Settle ends the overlay registered under pendingKey. keep leaves the delta
// applied; otherwise exactly its inverse is applied.
func (s *Store) Settle(pendingKey string, keep bool) {
	s.update(func(w *write) {
		o, ok := s.overlays[pendingKey]
		if !ok {
			return
		}
		s.dropOverlayLocked(pendingKey)
		if keep {
			return
		}
		if post, ok := s.posts[o.postID]; ok {
			if applyDelta(post, o.delta.Inverse()) {
				w.touch(post.ID)
			}
		}
	})
}

// Replace ends the overlay under pendingKey by undoing it and applying
// confirmed to the same original, in one write.
func (s *Store) Replace(pendingKey string, confirmed models.Delta) {
	s.update(func(w *write) {
		o, ok := s.overlays[pendingKey]
		if !ok {
			return
		}
		s.dropOverlayLocked(pendingKey)
		post, ok := s.posts[o.postID]
		if !ok {
			return
		}
		undone := applyDelta(post, o.delta.Inverse())
		if applyDelta(post, confirmed) || undone {
			w.touch(post.ID)
		}
	})
}

func (s *Store) Pending(pendingKey string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.overlays[pendingKey]
	return ok
}

func (s *Store) dropOverlayLocked(key string) {
	delete(s.overlays, key)
	for i, k := range s.overlayOrder {
		if k == key {
			s.overlayOrder = append(s.overlayOrder[:i:i], s.overlayOrder[i+1:]...)
			break
		}
	}
}

func applyDelta(post *models.Post, delta models.Delta) bool {
	v, ok := post.Variant.(*models.Original)
	if !ok {
		return false
	}
	changed := false
	var c bool
	for _, like := range delta.AddLikes {
		v.Likes, c = models.AddLike(v.Likes, like)
		changed = changed || c
	}
	for _, like := range delta.RemoveLikes {
		v.Likes, c = models.RemoveLike(v.Likes, like.UserID)
		changed = changed || c
	}
	for _, userID := range delta.AddRepostedBy {
		if v.RepostedBy, c = models.AddUser(v.RepostedBy, userID); c {
			v.RepostCount++
			changed = true
		}
	}
	for _, userID := range delta.RemoveRepostedBy {
		if v.RepostedBy, c = models.RemoveUser(v.RepostedBy, userID); c {
			v.RepostCount = max(0, v.RepostCount-1)
			changed = true
		}
	}
	commentsChanged := false
	for _, comment := range delta.AddComments {
		comment.PostID = post.ID
		comment.Flags = comment.Flags.Clone()
		v.Comments, c = models.AddComment(v.Comments, comment)
		commentsChanged = commentsChanged || c
	}
	for _, comment := range delta.RemoveComments {
		v.Comments, c = models.RemoveComment(v.Comments, comment.ID)
		commentsChanged = commentsChanged || c
	}
	if commentsChanged {
		models.SortComments(v.Comments)
		changed = true
	}
	if delta.Views != 0 {
		post.ViewCount = max(0, post.ViewCount+delta.Views)
		changed = true
	}
	return changed
}

// Rekey replaces the temporary record tempID with the confirmed record in
// patch, keeping its listing position and flags. If the confirmed id is
// already present the temporary record is dropped.
func (s *Store) Rekey(tempID string, patch models.PostPatch) {
	s.update(func(w *write) {
		temp, hasTemp := s.posts[tempID]
		if !hasTemp || tempID == patch.ID {
			s.mergeLocked(w, patch, Front)
			return
		}
		wasListed := s.listed[tempID]
		position := s.indexOf(tempID)

		if real, ok := s.posts[patch.ID]; ok {
			for flag, deadline := range temp.Flags {
				if !real.Flags.Has(flag) {
					if real.Flags == nil {
						real.Flags = models.Flags{}
					}
					real.Flags[flag] = deadline
				}
			}
			s.removeLocked(w, tempID)
			if wasListed && !s.listed[patch.ID] {
				s.insertAt(w, patch.ID, position)
			}
		} else {
			delete(s.posts, tempID)
			if ref := temp.OriginalID(); ref != "" {
				s.unindexWrapper(ref, tempID)
				s.indexWrapper(ref, patch.ID)
			}
			temp.ID = patch.ID
			s.posts[patch.ID] = temp
			if wasListed {
				s.order[position] = patch.ID
				delete(s.listed, tempID)
				s.listed[patch.ID] = true
				w.listing = true
			}
			for _, o := range s.overlays {
				if o.postID == tempID {
					o.postID = patch.ID
				}
			}
			w.touch(tempID)
		}
		s.mergeLocked(w, patch, Unlisted)
	})
}

func (s *Store) indexOf(id string) int {
	for i, other := range s.order {
		if other == id {
			return i
		}
	}
	return -1
}

func (s *Store) insertAt(w *write, id string, position int) {
	if position < 0 || len(s.order) < position {
		position = 0
	}
	s.order = append(s.order[:position:position], append([]string{id}, s.order[position:]...)...)
	s.listed[id] = true
	w.listing = true
}

// Remove deletes a record outright. Removing an original also removes every
// repost of it so no wrapper is left pointing at nothing.
func (s *Store) Remove(id string) {
	s.update(func(w *write) {
		s.removeLocked(w, id)
	})
}

func (s *Store) removeLocked(w *write, id string) {
	post, ok := s.posts[id]
	if !ok {
		return
	}
	delete(s.posts, id)
	if s.listed[id] {
		delete(s.listed, id)
		if i := s.indexOf(id); 0 <= i {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
		}
		w.listing = true
	}
	for key, o := range s.overlays {
		if o.postID == id {
			s.dropOverlayLocked(key)
		}
	}
	w.touch(id)
	delete(w.unresolved, id)

	if ref := post.OriginalID(); ref != "" {
		s.unindexWrapper(ref, id)
	} else {
		for _, wrapperID := range sortedKeys(s.wrappers[id]) {
			s.removeLocked(w, wrapperID)
		}
		delete(s.wrappers, id)
	}
}

// SetListing makes ids the listing. Listed temporary records not in ids stay
// at the front. Unlisted records no listed repost references, and with no
// in-flight overlay, are released.
func (s *Store) SetListing(ids []string) {
	s.update(func(w *write) {
		s.setListingLocked(w, ids)
	})
}

// ReplaceListing merges patches and makes them the listing in one write.
func (s *Store) ReplaceListing(patches ...models.PostPatch) {
	s.update(func(w *write) {
		ids := make([]string, 0, len(patches))
		for _, patch := range patches {
			s.mergeLocked(w, patch, Back)
			ids = append(ids, patch.ID)
		}
		s.setListingLocked(w, ids)
	})
}

func (s *Store) setListingLocked(w *write, ids []string) {
	order := []string{}
	listed := map[string]bool{}
	for _, id := range s.order {
		if utils.IsTempID(id) {
			order = append(order, id)
			listed[id] = true
		}
	}
	for _, id := range ids {
		if _, ok := s.posts[id]; ok && !listed[id] {
			order = append(order, id)
			listed[id] = true
		}
	}
	s.order = order
	s.listed = listed
	w.listing = true

	referenced := map[string]bool{}
	for id := range listed {
		if ref := s.posts[id].OriginalID(); ref != "" {
			referenced[ref] = true
		}
	}
	for _, o := range s.overlays {
		referenced[o.postID] = true
	}
	for _, id := range sortedKeys(s.posts) {
		if _, ok := s.posts[id]; ok && !listed[id] && !referenced[id] {
			s.removeLocked(w, id)
		}
	}
}

func (s *Store) findFlagTarget(ref models.RecordRef) *models.Flags {
	post, ok := s.posts[ref.PostID]
	if !ok {
		return nil
	}
	if ref.CommentID == "" {
		return &post.Flags
	}
	if original := s.resolveLocked(ref.PostID); original != nil {
		if comment, ok := original.FindComment(ref.CommentID); ok {
			return &comment.Flags
		}
	}
	return nil
}

// SetFlag sets a transient flag on a post or comment. It reports false when
// the record is not present.
func (s *Store) SetFlag(ref models.RecordRef, flag models.Flag, deadline time.Time) (ok bool) {
	s.update(func(w *write) {
		flags := s.findFlagTarget(ref)
		if flags == nil {
			return
		}
		if *flags == nil {
			*flags = models.Flags{}
		}
		(*flags)[flag] = deadline
		ok = true
		w.touch(s.ownerOf(ref))
	})
	return
}

func (s *Store) ClearFlag(ref models.RecordRef, flag models.Flag) (ok bool) {
	s.update(func(w *write) {
		flags := s.findFlagTarget(ref)
		if flags == nil || !flags.Has(flag) {
			return
		}
		delete(*flags, flag)
		if len(*flags) == 0 {
			*flags = nil
		}
		ok = true
		w.touch(s.ownerOf(ref))
	})
	return
}

func (s *Store) HasFlag(ref models.RecordRef, flag models.Flag) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	flags := s.findFlagTarget(ref)
	return flags != nil && flags.Has(flag)
}

// ownerOf is the post whose record holds the flags for ref.
func (s *Store) ownerOf(ref models.RecordRef) string {
	if ref.CommentID == "" {
		return ref.PostID
	}
	if original := s.resolveLocked(ref.PostID); original != nil {
		return original.ID
	}
	return ref.PostID
}

// resolveLocked follows repost references to the original record.
func (s *Store) resolveLocked(id string) *models.Post {
	post := s.posts[id]
	for depth := 0; post != nil && depth < maxRefDepth; depth++ {
		ref := post.OriginalID()
		if ref == "" {
			return post
		}
		post = s.posts[ref]
	}
	return nil
}

// ResolveOriginal returns the id of the original behind id, which is id
// itself for an original. loaded is false if the original is not held.
func (s *Store) ResolveOriginal(id string) (originalID string, loaded bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if post := s.resolveLocked(id); post != nil {
		return post.ID, true
	}
	if post, ok := s.posts[id]; ok {
		return post.OriginalID(), false
	}
	return "", false
}

func (s *Store) Get(id string) (models.Post, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	post, ok := s.posts[id]
	if !ok {
		return models.Post{}, false
	}
	return post.Clone(), true
}

func (s *Store) Has(id string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.posts[id]
	return ok
}

// List returns the listed records in listing order.
func (s *Store) List() []models.Post {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	posts := make([]models.Post, 0, len(s.order))
	for _, id := range s.order {
		posts = append(posts, s.posts[id].Clone())
	}
	return posts
}

// All returns every held record, listed ones first in listing order.
func (s *Store) All() []models.Post {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	posts := make([]models.Post, 0, len(s.posts))
	for _, id := range s.order {
		posts = append(posts, s.posts[id].Clone())
	}
	for _, id := range sortedKeys(s.posts) {
		if !s.listed[id] {
			posts = append(posts, s.posts[id].Clone())
		}
	}
	return posts
}

func (s *Store) Listed(id string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.listed[id]
}

func (s *Store) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.posts)
}

// WrappersOf returns the ids of reposts referencing originalID.
func (s *Store) WrappersOf(originalID string) []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return sortedKeys(s.wrappers[originalID])
}

func (s *Store) indexWrapper(originalID string, wrapperID string) {
	wrappers, ok := s.wrappers[originalID]
	if !ok {
		wrappers = map[string]bool{}
		s.wrappers[originalID] = wrappers
	}
	wrappers[wrapperID] = true
}

func (s *Store) unindexWrapper(originalID string, wrapperID string) {
	if wrappers, ok := s.wrappers[originalID]; ok {
		delete(wrappers, wrapperID)
		if len(wrappers) == 0 {
			delete(s.wrappers, originalID)
		}
	}
}
