package wallapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KAsare1/wallsync/cmd/models"
	"github.com/golang/glog"
)

const defaultHttpTimeout = 30 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func DefaultHttpClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// APIError is a non-success answer from the wall server, either a non-2xx
// status or a 2xx body carrying `success: false`.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client calls the wall server's posts API as one acting user.
type Client struct {
	apiUrl     string
	token      string
	httpClient *http.Client
}

func NewClient(apiUrl string, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = DefaultHttpClient()
	}
	return &Client{
		apiUrl:     strings.TrimRight(apiUrl, "/"),
		token:      strings.TrimPrefix(token, "Bearer "),
		httpClient: httpClient,
	}
}

type envelope struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, path string, args any, result any) error {
	var body io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			return err
		}
		body = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiUrl+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if args != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	r, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	var env envelope
	// the body is not always json on failure
	envErr := json.Unmarshal(responseBodyBytes, &env)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		message := firstOf(env.Error, env.Message)
		if envErr != nil {
			message = strings.TrimSpace(string(responseBodyBytes))
		}
		return &APIError{Method: method, Path: path, Status: r.StatusCode, Message: message}
	}
	if envErr != nil {
		return fmt.Errorf("%s %s: %w", method, path, envErr)
	}
	if env.Success != nil && !*env.Success {
		return &APIError{
			Method:  method,
			Path:    path,
			Status:  r.StatusCode,
			Message: firstOf(env.Error, env.Message, "request failed"),
		}
	}

	if result == nil {
		return nil
	}
	return json.Unmarshal(responseBodyBytes, result)
}

type Page struct {
	Posts      []models.PostPatch
	TotalPages int
}

type getPostsResult struct {
	Posts      []WirePost `json:"posts"`
	Pagination struct {
		TotalPages int `json:"totalPages"`
	} `json:"pagination"`
}

func (c *Client) GetPosts(ctx context.Context, ownerID string, page int, limit int) (*Page, error) {
	query := url.Values{}
	query.Set("page", fmt.Sprint(page))
	query.Set("limit", fmt.Sprint(limit))
	path := fmt.Sprintf("/posts/%s?%s", url.PathEscape(ownerID), query.Encode())

	var result getPostsResult
	if err := c.call(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	out := &Page{
		Posts:      make([]models.PostPatch, 0, len(result.Posts)),
		TotalPages: result.Pagination.TotalPages,
	}
	for _, post := range result.Posts {
		if post.ID == "" {
			continue
		}
		if post.Dangling() {
			glog.Warningf("[wallapi]%s: skipping repost without an original\n", post.ID)
			continue
		}
		out.Posts = append(out.Posts, post.Patch())
	}
	return out, nil
}

type postResult struct {
	Post *WirePost `json:"post"`
}

var ErrNoPost = errors.New("response carried no post")

func (c *Client) GetPost(ctx context.Context, postID string) (models.PostPatch, error) {
	path := fmt.Sprintf("/posts/post/%s", url.PathEscape(postID))
	var result postResult
	if err := c.call(ctx, http.MethodGet, path, nil, &result); err != nil {
		return models.PostPatch{}, err
	}
	if result.Post == nil || result.Post.ID == "" {
		return models.PostPatch{}, fmt.Errorf("%s: %w", path, ErrNoPost)
	}
	return result.Post.Patch(), nil
}

type contentArgs struct {
	Content string `json:"content"`
}

func (c *Client) CreatePost(ctx context.Context, ownerID string, content string) (models.PostPatch, error) {
	path := fmt.Sprintf("/posts/%s", url.PathEscape(ownerID))
	var result postResult
	if err := c.call(ctx, http.MethodPost, path, &contentArgs{Content: content}, &result); err != nil {
		return models.PostPatch{}, err
	}
	if result.Post == nil || result.Post.ID == "" {
		return models.PostPatch{}, fmt.Errorf("%s: %w", path, ErrNoPost)
	}
	return result.Post.Patch(), nil
}

func (c *Client) DeletePost(ctx context.Context, postID string) error {
	return c.call(ctx, http.MethodDelete, fmt.Sprintf("/posts/%s", url.PathEscape(postID)), nil, nil)
}

func (c *Client) Like(ctx context.Context, postID string) error {
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/posts/%s/like", url.PathEscape(postID)), nil, nil)
}

func (c *Client) Unlike(ctx context.Context, postID string) error {
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/posts/%s/unlike", url.PathEscape(postID)), nil, nil)
}

// CommentResult is either the full comment list or the single new comment,
// depending on the server version.
type CommentResult struct {
	Comments *[]models.Comment
	Comment  *models.Comment
}

type commentResult struct {
	Comments []WireComment `json:"comments"`
	Comment  *WireComment  `json:"comment"`
}

func (c *Client) AddComment(ctx context.Context, postID string, content string) (*CommentResult, error) {
	path := fmt.Sprintf("/posts/%s/comment", url.PathEscape(postID))
	var result commentResult
	if err := c.call(ctx, http.MethodPost, path, &contentArgs{Content: content}, &result); err != nil {
		return nil, err
	}
	out := &CommentResult{}
	if result.Comments != nil {
		comments := make([]models.Comment, 0, len(result.Comments))
		for _, comment := range result.Comments {
			if comment.ID == "" {
				continue
			}
			model := comment.Model()
			if model.PostID == "" {
				model.PostID = postID
			}
			comments = append(comments, model)
		}
		out.Comments = &comments
	}
	if result.Comment != nil && result.Comment.ID != "" {
		model := result.Comment.Model()
		if model.PostID == "" {
			model.PostID = postID
		}
		out.Comment = &model
	}
	if out.Comments == nil && out.Comment == nil {
		return nil, fmt.Errorf("%s: response carried no comments", path)
	}
	return out, nil
}

func (c *Client) DeleteComment(ctx context.Context, postID string, commentID string) error {
	path := fmt.Sprintf("/posts/%s/comment/%s", url.PathEscape(postID), url.PathEscape(commentID))
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

type repostArgs struct {
	Message string `json:"message,omitempty"`
}

type repostResult struct {
	Repost *WirePost `json:"repost"`
}

// Repost returns the created wrapper when the server includes it.
func (c *Client) Repost(ctx context.Context, postID string, message string) (*models.PostPatch, error) {
	path := fmt.Sprintf("/posts/%s/repost", url.PathEscape(postID))
	var result repostResult
	if err := c.call(ctx, http.MethodPost, path, &repostArgs{Message: message}, &result); err != nil {
		return nil, err
	}
	if result.Repost == nil || result.Repost.ID == "" {
		return nil, nil
	}
	patch := result.Repost.RepostPatch(postID)
	if patch.Repost.Message == "" {
		patch.Repost.Message = message
	}
	return &patch, nil
}

func (c *Client) Unrepost(ctx context.Context, postID string) error {
	return c.call(ctx, http.MethodPost, fmt.Sprintf("/posts/%s/unrepost", url.PathEscape(postID)), nil, nil)
}

type viewResult struct {
	ViewCount *int `json:"viewCount"`
}

// TrackView returns the server's view count when it reports one.
func (c *Client) TrackView(ctx context.Context, postID string) (*int, error) {
	var result viewResult
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/posts/%s/view", url.PathEscape(postID)), nil, &result); err != nil {
		return nil, err
	}
	return result.ViewCount, nil
}
