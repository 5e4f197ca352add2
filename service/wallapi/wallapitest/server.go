// Package wallapitest provides an in-memory wall server for tests. It serves
// the posts API and publishes the matching push events on /socket.
package wallapitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/KAsare1/wallsync/cmd/utils"
	"github.com/KAsare1/wallsync/service/wallapi"
	"github.com/KAsare1/wallsync/service/ws"
)

const (
	RouteGetPosts      = "getPosts"
	RouteGetPost       = "getPost"
	RouteCreatePost    = "createPost"
	RouteDeletePost    = "deletePost"
	RouteLike          = "like"
	RouteUnlike        = "unlike"
	RouteComment       = "comment"
	RouteDeleteComment = "deleteComment"
	RouteRepost        = "repost"
	RouteUnrepost      = "unrepost"
	RouteView          = "view"
)

var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type record struct {
	id            string
	ownerID       string
	author        models.Author
	content       string
	createdAt     time.Time
	likes         []models.Like
	comments      []models.Comment
	reposts       []string
	originalID    string
	repostMessage string
	views         int
}

type fault struct {
	status  int
	message string
	// 200 with success false
	soft bool
}

// Hold blocks requests on a route until released.
type Hold struct {
	arrived     chan struct{}
	arrivedOnce sync.Once
	release     chan struct{}
	releaseOnce sync.Once
}

// Arrived is closed once the first held request is waiting.
func (h *Hold) Arrived() <-chan struct{} {
	return h.arrived
}

func (h *Hold) Release() {
	h.releaseOnce.Do(func() {
		close(h.release)
	})
}

type Server struct {
	mutex   sync.Mutex
	records map[string]*record
	nextID  int
	clock   time.Time

	calls  map[string]int
	faults map[string]fault
	holds  map[string]*Hold

	// SingleComment answers comment creation with `{comment}` instead of the
	// full list.
	SingleComment bool
	// Publish enables push events for every successful mutation.
	Publish bool

	Hub  *ws.Hub
	HTTP *httptest.Server
}

func NewServer() *Server {
	server := &Server{
		records: map[string]*record{},
		clock:   Epoch,
		calls:   map[string]int{},
		faults:  map[string]fault{},
		holds:   map[string]*Hold{},
		Publish: true,
		Hub:     ws.NewHub(),
	}
	router := mux.NewRouter()
	server.RegisterRoutes(router)
	server.HTTP = httptest.NewServer(router)
	return server
}

func (s *Server) URL() string {
	return s.HTTP.URL
}

// SocketURL is the push channel address.
func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.HTTP.URL, "http") + "/socket"
}

func (s *Server) Close() {
	s.releaseAll()
	s.Hub.Close()
	s.HTTP.Close()
}

func (s *Server) Client(actor models.Author) *wallapi.Client {
	token, err := utils.SignActorToken(actor, []byte("test"))
	if err != nil {
		panic(err)
	}
	return wallapi.NewClient(s.URL(), token, nil)
}

func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/socket", s.Hub.ServeWs)

	router.HandleFunc("/posts/post/{id}", s.handle(RouteGetPost, s.getPost)).Methods("GET")
	router.HandleFunc("/posts/{id}", s.handle(RouteGetPosts, s.getPosts)).Methods("GET")
	router.HandleFunc("/posts/{id}", s.handle(RouteCreatePost, s.createPost)).Methods("POST")
	router.HandleFunc("/posts/{id}", s.handle(RouteDeletePost, s.deletePost)).Methods("DELETE")

	router.HandleFunc("/posts/{id}/like", s.handle(RouteLike, s.like)).Methods("POST")
	router.HandleFunc("/posts/{id}/unlike", s.handle(RouteUnlike, s.unlike)).Methods("POST")

	router.HandleFunc("/posts/{id}/comment", s.handle(RouteComment, s.addComment)).Methods("POST")
	router.HandleFunc("/posts/{id}/comment/{commentId}", s.handle(RouteDeleteComment, s.deleteComment)).Methods("DELETE")

	router.HandleFunc("/posts/{id}/repost", s.handle(RouteRepost, s.repost)).Methods("POST")
	router.HandleFunc("/posts/{id}/unrepost", s.handle(RouteUnrepost, s.unrepost)).Methods("POST")
	router.HandleFunc("/posts/{id}/view", s.handle(RouteView, s.view)).Methods("POST")
}

type handlerFunc func(actor models.Author, vars map[string]string, r *http.Request) (int, any, []models.Event)

func (s *Server) handle(route string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mutex.Lock()
		s.calls[route] += 1
		hold := s.holds[route]
		s.mutex.Unlock()

		if hold != nil {
			hold.arrivedOnce.Do(func() {
				close(hold.arrived)
			})
			select {
			case <-hold.release:
			case <-r.Context().Done():
				return
			}
		}

		s.mutex.Lock()
		f, failing := s.faults[route]
		s.mutex.Unlock()
		if failing {
			if f.soft {
				respondJSON(w, http.StatusOK, map[string]any{"success": false, "error": f.message})
			} else {
				respondJSON(w, f.status, map[string]any{"success": false, "error": f.message})
			}
			return
		}

		actor, err := utils.ActorFromToken(r.Header.Get("Authorization"))
		if err != nil && route != RouteGetPosts && route != RouteGetPost {
			respondJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "Unauthorized"})
			return
		}

		s.mutex.Lock()
		status, body, events := fn(actor, mux.Vars(r), r)
		s.mutex.Unlock()

		respondJSON(w, status, body)
		if s.Publish {
			for _, event := range events {
				s.Hub.Broadcast(event)
			}
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func notFound() (int, any, []models.Event) {
	return http.StatusNotFound, map[string]any{"success": false, "error": "Post not found"}, nil
}

func event(eventType models.EventType, data wallapi.EventData) models.Event {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return models.Event{Type: eventType, Data: raw}
}

// Fail makes every later request on route answer with status.
func (s *Server) Fail(route string, status int, message string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.faults[route] = fault{status: status, message: message}
}

// FailSoft makes every later request on route answer 200 `{success:false}`.
func (s *Server) FailSoft(route string, message string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.faults[route] = fault{status: http.StatusOK, message: message, soft: true}
}

func (s *Server) Recover(route string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.faults, route)
}

func (s *Server) Hold(route string) *Hold {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	hold := &Hold{
		arrived: make(chan struct{}),
		release: make(chan struct{}),
	}
	s.holds[route] = hold
	return hold
}

func (s *Server) releaseAll() {
	s.mutex.Lock()
	holds := s.holds
	s.holds = map[string]*Hold{}
	s.mutex.Unlock()
	for _, hold := range holds {
		hold.Release()
	}
}

func (s *Server) Calls(route string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.calls[route]
}

func (s *Server) nextIDLocked(prefix string) string {
	s.nextID += 1
	return fmt.Sprintf("%s%d", prefix, s.nextID)
}

func (s *Server) tickLocked() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

// AddPost seeds an original post on ownerID's wall and returns its id.
func (s *Server) AddPost(ownerID string, author models.Author, content string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	r := &record{
		id:        s.nextIDLocked("p"),
		ownerID:   ownerID,
		author:    author,
		content:   content,
		createdAt: s.tickLocked(),
	}
	s.records[r.id] = r
	return r.id
}

// SeedLike adds a like without publishing.
func (s *Server) SeedLike(postID string, user models.Author) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if r, ok := s.records[postID]; ok {
		r.likes, _ = models.AddLike(r.likes, models.Like{UserID: user.ID, Username: user.Username})
	}
}

func (s *Server) Likes(postID string) []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	r, ok := s.records[postID]
	if !ok {
		return nil
	}
	out := []string{}
	for _, like := range r.likes {
		out = append(out, like.UserID)
	}
	return out
}

func (s *Server) Exists(postID string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.records[postID]
	return ok
}

// Wire renders a stored post as the server would send it, with the original
// of a repost embedded.
func (s *Server) Wire(postID string) wallapi.WirePost {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.wireLocked(s.records[postID], true)
}

func (s *Server) wireLocked(r *record, embed bool) wallapi.WirePost {
	author := wallapi.WireAuthor{
		ID:          r.author.ID,
		Username:    r.author.Username,
		DisplayName: r.author.DisplayName,
		Avatar:      r.author.Avatar,
	}
	content := r.content
	createdAt := r.createdAt
	views := r.views
	post := wallapi.WirePost{
		ID:        r.id,
		Author:    &author,
		Content:   &content,
		CreatedAt: &createdAt,
		ViewCount: &views,
		Likes:     []wallapi.WireLike{},
		Comments:  []wallapi.WireComment{},
		Reposts:   []wallapi.WireLike{},
	}
	if r.originalID != "" {
		post.IsRepost = true
		message := r.repostMessage
		post.RepostMessage = &message
		if original, ok := s.records[r.originalID]; ok && embed {
			embedded, _ := json.Marshal(s.wireLocked(original, false))
			post.OriginalPost = embedded
		} else {
			post.OriginalPost, _ = json.Marshal(r.originalID)
		}
		return post
	}
	for _, like := range r.likes {
		post.Likes = append(post.Likes, wallapi.WireLike{UserID: like.UserID, Username: like.Username})
	}
	for _, c := range r.comments {
		post.Comments = append(post.Comments, wireComment(c))
	}
	for _, userID := range r.reposts {
		post.Reposts = append(post.Reposts, wallapi.WireLike{UserID: userID})
	}
	count := len(r.reposts)
	post.RepostCount = &count
	return post
}

func wireComment(c models.Comment) wallapi.WireComment {
	return wallapi.WireComment{
		ID:     c.ID,
		PostID: c.PostID,
		Author: wallapi.WireAuthor{
			ID:          c.Author.ID,
			Username:    c.Author.Username,
			DisplayName: c.Author.DisplayName,
		},
		Content:   c.Content,
		CreatedAt: c.CreatedAt,
	}
}

func (s *Server) getPosts(actor models.Author, vars map[string]string, r *http.Request) (int, any, []models.Event) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 {
		limit = 10
	}

	owned := []*record{}
	for _, rec := range s.records {
		if rec.ownerID == vars["id"] {
			owned = append(owned, rec)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		return owned[i].createdAt.After(owned[j].createdAt)
	})

	totalPages := (len(owned) + limit - 1) / limit
	posts := []wallapi.WirePost{}
	for i := (page - 1) * limit; i < page*limit && i < len(owned); i += 1 {
		posts = append(posts, s.wireLocked(owned[i], true))
	}
	return http.StatusOK, map[string]any{
		"success": true,
		"posts":   posts,
		"pagination": map[string]any{
			"page":       page,
			"limit":      limit,
			"totalPages": totalPages,
		},
	}, nil
}

func (s *Server) getPost(actor models.Author, vars map[string]string, r *http.Request) (int, any, []models.Event) {
	rec, ok := s.records[vars["id"]]
	if !ok {
		return notFound()
	}
	return http.StatusOK, map[string]any{"success": true, "post": s.wireLocked(rec, true)}, nil
}

type contentBody struct {
	Content string `json:"content"`
	Message string `json:"message"`
}

func readBody(r *http.Request) contentBody {
	var body contentBody
	json.NewDecoder(r.Body).Decode(&body)
	return body
}

func (s *Server) createPost(actor models.Author, vars map[string]string, r *http.Request) (int, any, []models.Event) {
	body := readBody(r)
	if strings.TrimSpace(body.Content) == "" {
		return http.StatusBadRequest, map[string]any{"success": false, "error": "Content is required"}, nil
	}
	rec := &record{
		id:        s.nextIDLocked("p"),
		ownerID:   vars["id"],
		author:    actor,
		content:   body.Content,
		createdAt: s.tickLocked(),
	}
	s.records[rec.id] = rec
	post := s.wireLocked(rec, true)
	return http.StatusCreated, map[string]any{"success": true, "post": post}, []models.Event{
		event(models.EventPostCreated, wallapi.EventData{Post: &post, WallOwnerID: rec.ownerID}),
	}
}

func (s *Server) deletePost(actor models.Author, vars map[string]string, r *http.Request) (int, any, []models.Event) {
	rec, ok := s.records[vars["id"]]
	if !ok {
		return notFound()
	}
	delete(s.records, rec.id)
	events := []models.Event{
		event(models.EventPostDeleted, wallapi.EventData{PostID: rec.id}),
	}
	for id, other := range s.records {
		if other.originalID == rec.id {
			delete(s.records, id)
			events = append(events, event(models.EventPostDeleted, wallapi.EventData{PostID: id}))
		}
	}
	return http.StatusOK, map[string]any{"success": true, "message": "Post deleted successfully"}, events
}

func (s *Server) target(vars map[string]string) (*record, bool) {
	rec, ok := s.records[vars["id"]]
	if ok && rec.originalID != "" {
		rec, ok = s.records[rec.originalID]
	}
	return rec, ok
}

func liker(actor models.Author) *wallapi.WireAuthor {
	return &wallapi.WireAuthor{ID: actor.ID, Username: actor.Username, DisplayName: actor.DisplayName}
}

func (s *Server) like(actor models.Author, vars map[string]string, r *http.Request) (int, any, []models.Event) {
	rec, ok := s.target(vars)
	if !ok {
		return notFound()
	}
	var added bool
	rec.likes, added = models.AddLike(rec.likes, models.Like{UserID: actor.ID, Username: actor.Username, DisplayName: actor.DisplayName})
	if !added {
		return http.StatusBadRequest, map[string]any{"success": false, "error": "Post already liked"}, nil
	}
	return http.StatusOK, map[string]any{"success": true, "message": "Post liked successfully"}, []models.Event{
		event(models.EventLikeAdded, wallapi.EventData{PostID: rec.id, Liker: liker(actor)}),
	}
}

func (s *Server) unlike(actor models.Author, vars map[string]string, r *http.Request) (int, any, []models.Event) {
	rec, ok := s.target(vars)
	if !ok {
		return notFound()
	}
	var removed bool
	rec.likes, removed = models.RemoveLike(rec.likes, actor.ID)
	if !removed {
		return http.StatusBadRequest, map[string]any{"success": false, "error": "Post not liked"}, nil
	}
	return http.StatusOK, map[string]any{"success": true, "message": "Post unliked successfully"}, []models.Event{
		event(models.EventLikeRemoved, wallapi.EventData{PostID: rec.id, Liker: liker(actor)}),
	}
}

func (s *Server) addComment(actor models.Author, vars map[string]string, r *http.Request) (int, any, []models.Event) {
	rec, ok := s.target(vars)
	if !ok {
		return notFound()
	}
	body := readBody(r)
	if strings.TrimSpace(body.Content) == "" {
		return http.StatusBadRequest, map[string]any{"success": false, "error": "Comment content is required"}, nil
	}
	c := models.Comment{
		ID:        s.nextIDLocked("c"),
		PostID:    rec.id,
		Author:    actor,
		Content:   body.Content,
		CreatedAt: s.tickLocked(),
	}
	rec.comments, _ = models.AddComment(rec.comments, c)
	wc := wireComment(c)
	events := []models.Event{
		event(models.EventCommentAdded, wallapi.EventData{PostID: rec.id, Comment: &wc}),
	}
	if s.SingleComment {
		return http.StatusCreated, map[string]any{"success": true, "comment": wc}, events
	}
	comments := []wallapi.WireComment{}
	for _, other := range rec.comments {
		comments = append(comments, wireComment(other))
	}
	return http.StatusCreated, map[string]any{"success": true, "comments": comments}, events
}

func (s *Server) deleteComment(actor models.Author, vars map[string]string, r *http.Request) (int, any, []models.Event) {
	rec, ok := s.target(vars)
	if !ok {
		return notFound()
	}
	var removed bool
	rec.comments, removed = models.RemoveComment(rec.comments, vars["commentId"])
	if !removed {
		return http.StatusNotFound, map[string]any{"success": false, "error": "Comment not found"}, nil
	}
	return http.StatusOK, map[string]any{"success": true}, []models.Event{
		event(models.EventCommentDeleted, wallapi.EventData{PostID: rec.id, CommentID: vars["commentId"]}),
	}
}

func (s *Server) repost(actor models.Author, vars map[string]string, r *http.Request) (int, any, []models.Event) {
	rec, ok := s.target(vars)
	if !ok {
		return notFound()
	}
	if rec.author.ID == actor.ID {
		return http.StatusBadRequest, map[string]any{"success": false, "error": "You cannot repost your own post"}, nil
	}
	var added bool
	rec.reposts, added = models.AddUser(rec.reposts, actor.ID)
	if !added {
		return http.StatusBadRequest, map[string]any{"success": false, "error": "You have already reposted this post"}, nil
	}
	body := readBody(r)
	wrapper := &record{
		id:            s.nextIDLocked("r"),
		ownerID:       actor.ID,
		author:        actor,
		content:       body.Message,
		createdAt:     s.tickLocked(),
		originalID:    rec.id,
		repostMessage: body.Message,
	}
	s.records[wrapper.id] = wrapper
	post := s.wireLocked(wrapper, true)
	return http.StatusCreated, map[string]any{"success": true, "repost": post}, []models.Event{
		event(models.EventPostReposted, wallapi.EventData{
			PostID:         wrapper.id,
			OriginalPostID: rec.id,
			UserID:         actor.ID,
			Post:           &post,
			WallOwnerID:    wrapper.ownerID,
		}),
	}
}

func (s *Server) unrepost(actor models.Author, vars map[string]string, r *http.Request) (int, any, []models.Event) {
	rec, ok := s.target(vars)
	if !ok {
		return notFound()
	}
	var removed bool
	rec.reposts, removed = models.RemoveUser(rec.reposts, actor.ID)
	if !removed {
		return http.StatusBadRequest, map[string]any{"success": false, "error": "You have not reposted this post"}, nil
	}
	events := []models.Event{}
	for id, other := range s.records {
		if other.originalID == rec.id && other.author.ID == actor.ID {
			delete(s.records, id)
			events = append(events, event(models.EventPostUnreposted, wallapi.EventData{
				PostID:         id,
				OriginalPostID: rec.id,
				UserID:         actor.ID,
			}))
		}
	}
	return http.StatusOK, map[string]any{"success": true, "message": "Repost removed successfully"}, events
}

func (s *Server) view(actor models.Author, vars map[string]string, r *http.Request) (int, any, []models.Event) {
	rec, ok := s.records[vars["id"]]
	if !ok {
		return notFound()
	}
	rec.views += 1
	return http.StatusOK, map[string]any{"success": true, "viewCount": rec.views}, nil
}
