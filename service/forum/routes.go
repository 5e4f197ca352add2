package forum

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/KAsare1/wallsync/service/feed"
	"github.com/KAsare1/wallsync/service/mutate"
	"github.com/KAsare1/wallsync/service/wall"
	"github.com/KAsare1/wallsync/service/ws"
)

// PostHandler serves one feed view to local presentation clients. Every
// store change is broadcast on the hub so clients can re-read the feed.
type PostHandler struct {
	view        *wall.View
	hub         *ws.Hub
	unsubscribe func()
}

func NewPostHandler(view *wall.View, hub *ws.Hub) *PostHandler {
	h := &PostHandler{view: view, hub: hub}
	h.unsubscribe = view.Store().Subscribe(func(change models.Change) {
		if err := hub.Broadcast(change); err != nil {
			glog.Warningf("[forum]change not broadcast: %v\n", err)
		}
	})
	return h
}

func (h *PostHandler) Close() {
	h.unsubscribe()
}

func (h *PostHandler) RegisterRoutes(router *mux.Router) {
	// Feed routes
	router.HandleFunc("/feed", h.GetFeed).Methods("GET")
	router.HandleFunc("/feed/refresh", h.Refresh).Methods("POST")
	router.HandleFunc("/feed/more", h.LoadMore).Methods("POST")
	router.HandleFunc("/feed/ws", h.hub.ServeWs)

	// Post routes
	router.HandleFunc("/feed/posts", h.CreatePost).Methods("POST")
	router.HandleFunc("/feed/posts/{id}", h.GetPost).Methods("GET")
	router.HandleFunc("/feed/posts/{id}", h.DeletePost).Methods("DELETE")
	router.HandleFunc("/feed/posts/{id}/view", h.ViewPost).Methods("POST")

	// Like routes
	router.HandleFunc("/feed/posts/{id}/like", h.LikePost).Methods("POST")
	router.HandleFunc("/feed/posts/{id}/unlike", h.UnlikePost).Methods("POST")

	// Comment routes
	router.HandleFunc("/feed/posts/{id}/comments", h.AddComment).Methods("POST")
	router.HandleFunc("/feed/posts/{id}/comments/{commentId}", h.DeleteComment).Methods("DELETE")

	// Repost routes
	router.HandleFunc("/feed/posts/{id}/repost", h.RepostPost).Methods("POST")
	router.HandleFunc("/feed/posts/{id}/unrepost", h.UnrepostPost).Methods("POST")
}

type contentRequest struct {
	Content string `json:"content"`
	Message string `json:"message"`
}

// postControls tells a client which controls of a post to enable.
type postControls struct {
	CanRepost    bool `json:"canRepost"`
	LikeBusy     bool `json:"likeBusy"`
	RepostBusy   bool `json:"repostBusy"`
	DeleteBusy   bool `json:"deleteBusy"`
	OwnPost      bool `json:"ownPost"`
	LikedByMe    bool `json:"likedByMe"`
	RepostedByMe bool `json:"repostedByMe"`
}

type postResponse struct {
	models.Post
	Controls postControls
}

func (p postResponse) MarshalJSON() ([]byte, error) {
	post, err := json.Marshal(p.Post)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(post, &fields); err != nil {
		return nil, err
	}
	controls, err := json.Marshal(p.Controls)
	if err != nil {
		return nil, err
	}
	fields["controls"] = controls
	return json.Marshal(fields)
}

func (h *PostHandler) present(post models.Post) postResponse {
	mutator := h.view.Mutator()
	actorID := mutator.Actor().ID
	return postResponse{
		Post: post,
		Controls: postControls{
			CanRepost:    mutator.CanRepost(post.ID),
			LikeBusy:     mutator.Busy(post.ID, mutate.FamilyLike),
			RepostBusy:   mutator.Busy(post.ID, mutate.FamilyRepost),
			DeleteBusy:   mutator.Busy(post.ID, mutate.FamilyDelete),
			OwnPost:      post.Author.ID == actorID,
			LikedByMe:    post.LikedBy(actorID),
			RepostedByMe: post.RepostedByUser(actorID),
		},
	}
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	message := err.Error()
	var mErr *mutate.MutationError
	if errors.As(err, &mErr) {
		message = mErr.Message
	}
	switch {
	case errors.Is(err, mutate.ErrNotFound), errors.Is(err, mutate.ErrCommentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mutate.ErrInFlight), errors.Is(err, mutate.ErrNotConfirmed),
		errors.Is(err, mutate.ErrRemovalInProcess), errors.Is(err, feed.ErrLoading):
		status = http.StatusConflict
	case errors.Is(err, mutate.ErrAlreadyLiked), errors.Is(err, mutate.ErrNotLiked),
		errors.Is(err, mutate.ErrAlreadyReposted), errors.Is(err, mutate.ErrNotReposted),
		errors.Is(err, mutate.ErrOwnPost), errors.Is(err, mutate.ErrEmptyContent),
		errors.Is(err, mutate.ErrContentTooLong):
		status = http.StatusBadRequest
	case errors.Is(err, wall.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{"success": false, "error": message})
}

func respondSuccess(w http.ResponseWriter) {
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func decodeContent(w http.ResponseWriter, r *http.Request) (contentRequest, bool) {
	var body contentRequest
	if r.ContentLength == 0 {
		return body, true
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "Invalid request body"})
		return body, false
	}
	return body, true
}

// GetFeed returns the listing with paging state
func (h *PostHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	fetcher := h.view.Fetcher()
	posts := []postResponse{}
	for _, post := range h.view.Posts() {
		posts = append(posts, h.present(post))
	}
	body := map[string]any{
		"success":    true,
		"posts":      posts,
		"page":       fetcher.Page(),
		"totalPages": fetcher.TotalPages(),
		"hasMore":    fetcher.HasMore(),
		"loading":    fetcher.Loading(),
	}
	if err := fetcher.Err(); err != nil {
		body["error"] = err.Error()
	}
	respondJSON(w, http.StatusOK, body)
}

func (h *PostHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.view.Fetcher().Refresh(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	h.GetFeed(w, r)
}

func (h *PostHandler) LoadMore(w http.ResponseWriter, r *http.Request) {
	if err := h.view.Fetcher().LoadMore(r.Context()); err != nil {
		respondError(w, err)
		return
	}
	h.GetFeed(w, r)
}

func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	post, ok := h.view.Store().Get(mux.Vars(r)["id"])
	if !ok {
		respondError(w, mutate.ErrNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "post": h.present(post)})
}

// CreatePost adds a post to the wall being viewed
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeContent(w, r)
	if !ok {
		return
	}
	post, err := h.view.Mutator().CreatePost(r.Context(), body.Content)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"success": true, "post": h.present(post)})
}

func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	if err := h.view.Mutator().DeletePost(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w)
}

func (h *PostHandler) ViewPost(w http.ResponseWriter, r *http.Request) {
	if err := h.view.TrackView(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w)
}

// LikePost handles liking a post
func (h *PostHandler) LikePost(w http.ResponseWriter, r *http.Request) {
	if err := h.view.Mutator().Like(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w)
}

func (h *PostHandler) UnlikePost(w http.ResponseWriter, r *http.Request) {
	if err := h.view.Mutator().Unlike(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w)
}

// AddComment adds a comment to a post
func (h *PostHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeContent(w, r)
	if !ok {
		return
	}
	comment, err := h.view.Mutator().AddComment(r.Context(), mux.Vars(r)["id"], body.Content)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"success": true, "comment": comment})
}

func (h *PostHandler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.view.Mutator().DeleteComment(r.Context(), vars["id"], vars["commentId"]); err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w)
}

// RepostPost shares a post with an optional message
func (h *PostHandler) RepostPost(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeContent(w, r)
	if !ok {
		return
	}
	if err := h.view.Mutator().Repost(r.Context(), mux.Vars(r)["id"], body.Message); err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w)
}

func (h *PostHandler) UnrepostPost(w http.ResponseWriter, r *http.Request) {
	if err := h.view.Mutator().Unrepost(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, err)
		return
	}
	respondSuccess(w)
}
