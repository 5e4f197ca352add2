package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/KAsare1/wallsync/service/store"
	"github.com/KAsare1/wallsync/service/wallapi"
)

const DefaultPageSize = 10

var ErrLoading = errors.New("a page load is already in progress")

// PageSource reads one page of an owner's wall.
type PageSource interface {
	GetPosts(ctx context.Context, ownerID string, page int, limit int) (*wallapi.Page, error)
}

// Fetcher loads pages of one owner's wall into a store. Only one load runs
// at a time.
type Fetcher struct {
	store   *store.Store
	source  PageSource
	ownerID string
	limit   int

	mutex      sync.Mutex
	loading    bool
	page       int
	totalPages int
	err        error
}

func NewFetcher(s *store.Store, source PageSource, ownerID string, limit int) *Fetcher {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	return &Fetcher{
		store:   s,
		source:  source,
		ownerID: ownerID,
		limit:   limit,
	}
}

// LoadPage fetches page and merges it. With appendPage the page is added
// after the current listing; otherwise the page becomes the listing. On
// failure the store is left as it was and the error is kept for Err.
func (f *Fetcher) LoadPage(ctx context.Context, page int, appendPage bool) error {
	if page < 1 {
		page = 1
	}
	f.mutex.Lock()
	if f.loading {
		f.mutex.Unlock()
		return ErrLoading
	}
	f.loading = true
	f.mutex.Unlock()

	result, err := f.source.GetPosts(ctx, f.ownerID, page, f.limit)

	if err == nil {
		if appendPage {
			f.store.Merge(store.Back, result.Posts...)
		} else {
			f.store.ReplaceListing(result.Posts...)
		}
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.loading = false
	if err != nil {
		glog.Warningf("[feed]%s: page %d failed: %v\n", f.ownerID, page, err)
		f.err = err
		return err
	}
	glog.V(1).Infof("[feed]%s: page %d/%d with %d posts\n", f.ownerID, page, result.TotalPages, len(result.Posts))
	f.err = nil
	f.page = page
	f.totalPages = result.TotalPages
	return nil
}

// LoadMore appends the next page when there is one.
func (f *Fetcher) LoadMore(ctx context.Context) error {
	if !f.HasMore() {
		return nil
	}
	return f.LoadPage(ctx, f.Page()+1, true)
}

func (f *Fetcher) Refresh(ctx context.Context) error {
	return f.LoadPage(ctx, 1, false)
}

// Err is the error of the last load, or nil if it succeeded.
func (f *Fetcher) Err() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.err
}

// Page is the last page loaded, 0 before the first load.
func (f *Fetcher) Page() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.page
}

func (f *Fetcher) TotalPages() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.totalPages
}

func (f *Fetcher) HasMore() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.page == 0 || f.page < f.totalPages
}

func (f *Fetcher) Loading() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.loading
}
