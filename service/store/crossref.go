package store

import (
	"github.com/KAsare1/wallsync/cmd/models"
)

// sync is the cross-reference pass run at the end of every write.
//
// A written original projects its social fields onto every repost that
// references it, and through those onto reposts of reposts. A written repost
// pulls from its original, or is marked stale and reported unresolved when
// the original is not held. The original always wins, so running the pass
// again without new writes changes nothing.
func (s *Store) sync(w *write) {
	projected := map[string]bool{}
	for _, id := range sortedKeys(w.touched) {
		post, ok := s.posts[id]
		if !ok {
			continue
		}
		switch v := post.Variant.(type) {
		case *models.Original:
			s.projectWrappers(post, id, 0, projected)
		case *models.Repost:
			if projected[id] {
				continue
			}
			if original := s.resolveLocked(v.OriginalID); original != nil {
				s.project(original, post)
				projected[id] = true
				s.projectWrappers(original, id, 1, projected)
			} else {
				v.Stale = true
				if missingID := s.missingLocked(v.OriginalID); missingID != "" {
					w.unresolved[missingID] = true
				}
			}
		}
	}
	for id := range projected {
		w.touch(id)
	}
}

// projectWrappers projects original onto every repost that references id,
// following reposts of reposts up to maxRefDepth.
func (s *Store) projectWrappers(original *models.Post, id string, depth int, projected map[string]bool) {
	if maxRefDepth <= depth {
		return
	}
	for _, wrapperID := range sortedKeys(s.wrappers[id]) {
		wrapper, ok := s.posts[wrapperID]
		if !ok || projected[wrapperID] {
			continue
		}
		s.project(original, wrapper)
		projected[wrapperID] = true
		s.projectWrappers(original, wrapperID, depth+1, projected)
	}
}

// missingLocked is the first id on the reference chain from id that is not
// held, or empty when the chain ends at a held original.
func (s *Store) missingLocked(id string) string {
	for depth := 0; depth < maxRefDepth; depth++ {
		post, ok := s.posts[id]
		if !ok {
			return id
		}
		next := post.OriginalID()
		if next == "" {
			return ""
		}
		id = next
	}
	return ""
}

func (s *Store) project(original *models.Post, wrapper *models.Post) {
	r, ok := wrapper.Variant.(*models.Repost)
	if !ok {
		return
	}
	r.Mirror = original.Social().Clone()
	r.Stale = false
}

// Resync runs the cross-reference pass over every record. Used after a bulk
// restore and by tests; with no new writes it is a no-op.
func (s *Store) Resync() {
	s.update(func(w *write) {
		for id := range s.posts {
			w.touch(id)
		}
	})
}
