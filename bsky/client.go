package bsky

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"bskyfetch/internal"
	"bskyfetch/utils"
)

// maxPageLimit is the largest page size the service accepts
const maxPageLimit = 100

// FeedOptions narrows a feed request. Zero values fall back to the
// configured defaults.
type FeedOptions struct {
	Limit  int
	Filter string
	Cursor string
}

// PageOptions selects one page of a paginated collection
type PageOptions struct {
	Limit  int
	Cursor string
}

// SearchQuery holds searchPosts parameters; Q is required
type SearchQuery struct {
	Q        string   `validate:"required"`
	Sort     string   `validate:"omitempty,oneof=top latest"`
	Limit    int      `validate:"gte=0,lte=100"`
	Cursor   string
	Lang     string
	Author   string
	Mentions string
	Since    string
	Until    string
	Domain   string
	URL      string `validate:"omitempty,url"`
	Tags     []string
}

// Client exposes one operation per remote resource type
type Client struct {
	session  *SessionManager
	doer     internal.Doer
	baseURL  string
	config   *internal.Config
	resolver internal.LinkResolver
	validate *validator.Validate
}

// NewClient creates a resource client. Web links passed to operations are
// resolved with a Resolver built over this client.
func NewClient(session *SessionManager, doer internal.Doer, config *internal.Config) *Client {
	c := &Client{
		session:  session,
		doer:     doer,
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		config:   config,
		validate: validator.New(),
	}
	c.resolver = NewResolver(c, config.WebHosts)
	return c
}

// Session returns the session manager used by the client
func (c *Client) Session() *SessionManager {
	return c.session
}

// Resolver returns the link resolver used for web links
func (c *Client) Resolver() internal.LinkResolver {
	return c.resolver
}

// SetResolver replaces the link resolver
func (c *Client) SetResolver(r internal.LinkResolver) {
	c.resolver = r
}

func (c *Client) endpointURL(name string, params url.Values) string {
	u := c.baseURL + "/" + name
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// get performs an authenticated GET and decodes the JSON response into out
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, resource, id string, out interface{}) error {
	requestURL := c.endpointURL(endpoint, params)
	resp, err := c.session.AuthenticatedRequest(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return err
	}
	return decodeResponse(resp, requestURL, resource, id, out)
}

// canonical returns uri unchanged when it is already an AT-URI and resolves
// web links otherwise
func (c *Client) canonical(ctx context.Context, field, uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", internal.NewInvalidArgumentError(field, "must not be empty")
	}
	if utils.IsCanonical(uri) {
		return uri, nil
	}
	return c.resolver.Resolve(ctx, uri)
}

// GetProfile fetches an actor by handle or DID
func (c *Client) GetProfile(ctx context.Context, actor string) (*internal.Profile, error) {
	actor = strings.TrimPrefix(strings.TrimSpace(actor), "@")
	if actor == "" {
		return nil, internal.NewInvalidArgumentError("actor", "must not be empty")
	}

	var profile internal.Profile
	if err := c.get(ctx, "app.bsky.actor.getProfile", url.Values{"actor": {actor}}, "profile", actor, &profile); err != nil {
		return nil, err
	}
	if profile.DID == "" {
		return nil, internal.NewNotFoundError("profile", actor).WithSuggestion("The response did not contain a DID")
	}
	return &profile, nil
}

// GetPost fetches exactly one post by AT-URI or web link
func (c *Client) GetPost(ctx context.Context, uri string) (*internal.Post, error) {
	uri, err := c.canonical(ctx, "uri", uri)
	if err != nil {
		return nil, err
	}

	var resp postsResponse
	if err := c.get(ctx, "app.bsky.feed.getPosts", url.Values{"uris": {uri}}, "post", uri, &resp); err != nil {
		return nil, err
	}
	if len(resp.Posts) == 0 || resp.Posts[0].URI == "" {
		return nil, internal.NewNotFoundError("post", uri)
	}

	post := normalizePost(resp.Posts[0])
	return &post, nil
}

func (c *Client) feedParams(opts *FeedOptions) url.Values {
	params := url.Values{}
	limit, filter, cursor := c.config.AuthorFeedLimit, c.config.AuthorFeedFilter, ""
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		if opts.Filter != "" {
			filter = opts.Filter
		}
		cursor = opts.Cursor
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(clampLimit(limit)))
	}
	if filter != "" {
		params.Set("filter", filter)
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	return params
}

// GetAuthorFeed returns posts authored by actor, with configured defaults
// layered under opts
func (c *Client) GetAuthorFeed(ctx context.Context, actor string, opts *FeedOptions) (*internal.Feed, error) {
	actor = strings.TrimPrefix(strings.TrimSpace(actor), "@")
	if actor == "" {
		return nil, internal.NewInvalidArgumentError("actor", "must not be empty")
	}

	params := c.feedParams(opts)
	params.Set("actor", actor)

	var resp feedResponse
	if err := c.get(ctx, "app.bsky.feed.getAuthorFeed", params, "author feed", actor, &resp); err != nil {
		return nil, err
	}
	return feedFromResponse(&resp), nil
}

// GetPublicTimeline returns the timeline. It proceeds without credentials
// when authentication is impossible.
func (c *Client) GetPublicTimeline(ctx context.Context, opts *FeedOptions) (*internal.Feed, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(clampLimit(opts.Limit)))
		}
		if opts.Cursor != "" {
			params.Set("cursor", opts.Cursor)
		}
	}
	requestURL := c.endpointURL("app.bsky.feed.getTimeline", params)

	var (
		resp *internal.HTTPResponse
		err  error
	)
	if _, authErr := c.session.EnsureAuthenticated(ctx); authErr != nil {
		internal.LogWarn("Fetching timeline without credentials: %v", authErr)
		resp, err = c.doer.Do(ctx, &internal.HTTPRequest{Method: http.MethodGet, URL: requestURL})
	} else {
		resp, err = c.session.AuthenticatedRequest(ctx, http.MethodGet, requestURL, nil)
	}
	if err != nil {
		return nil, err
	}

	var fr feedResponse
	if err := decodeResponse(resp, requestURL, "timeline", "", &fr); err != nil {
		return nil, err
	}
	return feedFromResponse(&fr), nil
}

func feedFromResponse(resp *feedResponse) *internal.Feed {
	feed := &internal.Feed{
		Posts:  make([]internal.Post, 0, len(resp.Feed)),
		Cursor: resp.Cursor,
	}
	for _, item := range resp.Feed {
		feed.Posts = append(feed.Posts, normalizePost(item.Post))
	}
	return feed
}

// SearchPosts runs a post search. A missing query is rejected before any
// request is made.
func (c *Client) SearchPosts(ctx context.Context, query SearchQuery) (*internal.SearchResult, error) {
	query.Q = strings.TrimSpace(query.Q)
	if query.Sort == "" {
		query.Sort = c.config.SearchSort
	}
	if query.Limit == 0 {
		query.Limit = c.config.SearchLimit
	}
	if query.Lang == "" {
		query.Lang = c.config.SearchLang
	}

	if err := c.validate.Struct(query); err != nil {
		return nil, searchValidationError(err)
	}

	params := url.Values{"q": {query.Q}}
	setIf(params, "sort", query.Sort)
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	setIf(params, "cursor", query.Cursor)
	setIf(params, "lang", query.Lang)
	setIf(params, "author", query.Author)
	setIf(params, "mentions", query.Mentions)
	setIf(params, "since", query.Since)
	setIf(params, "until", query.Until)
	setIf(params, "domain", query.Domain)
	setIf(params, "url", query.URL)
	for _, tag := range query.Tags {
		params.Add("tag", tag)
	}

	var resp searchResponse
	if err := c.get(ctx, "app.bsky.feed.searchPosts", params, "search", query.Q, &resp); err != nil {
		return nil, err
	}

	result := &internal.SearchResult{
		Cursor: resp.Cursor,
		Posts:  normalizePosts(resp.Posts),
	}
	if resp.HitsTotal != nil {
		result.HitsTotal = *resp.HitsTotal
	} else {
		result.HitsTotal = len(result.Posts)
	}
	return result, nil
}

func searchValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		fe := validationErrs[0]
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			return internal.NewInvalidArgumentError(field, "is required")
		case "oneof":
			return internal.NewInvalidArgumentError(field, "must be one of ["+fe.Param()+"]")
		default:
			return internal.NewInvalidArgumentError(field, "failed validation for "+fe.Tag())
		}
	}
	return internal.NewInvalidArgumentError("query", err.Error())
}

// GetLists returns the lists created by actor
func (c *Client) GetLists(ctx context.Context, actor string, opts *PageOptions) (*internal.ListsPage, error) {
	actor = strings.TrimPrefix(strings.TrimSpace(actor), "@")
	if actor == "" {
		return nil, internal.NewInvalidArgumentError("actor", "must not be empty")
	}

	params := url.Values{"actor": {actor}}
	limit := c.config.ListsLimit
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		setIf(params, "cursor", opts.Cursor)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(clampLimit(limit)))
	}

	var page internal.ListsPage
	if err := c.get(ctx, "app.bsky.graph.getLists", params, "lists", actor, &page); err != nil {
		return nil, err
	}
	if page.Lists == nil {
		page.Lists = []internal.ListMeta{}
	}
	return &page, nil
}

// GetList returns one page of a list's items and the cursor for the next
func (c *Client) GetList(ctx context.Context, listURI string, limit int, cursor string) (*internal.ListPage, error) {
	listURI, err := c.canonical(ctx, "list", listURI)
	if err != nil {
		return nil, err
	}

	params := url.Values{"list": {listURI}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(clampLimit(limit)))
	}
	setIf(params, "cursor", cursor)

	var page internal.ListPage
	if err := c.get(ctx, "app.bsky.graph.getList", params, "list", listURI, &page); err != nil {
		return nil, err
	}
	if page.List.URI == "" {
		page.List.URI = listURI
	}
	if page.Items == nil {
		page.Items = []internal.ListItem{}
	}
	return &page, nil
}

// GetStarterPack returns the starter pack envelope with its list reference.
// It does not paginate the list.
func (c *Client) GetStarterPack(ctx context.Context, uri string) (*internal.StarterPack, error) {
	uri, err := c.canonical(ctx, "starterPack", uri)
	if err != nil {
		return nil, err
	}

	var resp starterPackResponse
	if err := c.get(ctx, "app.bsky.graph.getStarterPack", url.Values{"starterPack": {uri}}, "starter pack", uri, &resp); err != nil {
		return nil, err
	}
	if len(resp.StarterPack) == 0 || string(resp.StarterPack) == "null" {
		return nil, internal.NewNotFoundError("starter pack", uri)
	}

	sp, err := normalizeStarterPack(resp.StarterPack)
	if err != nil {
		return nil, internal.NewDecodeError(c.endpointURL("app.bsky.graph.getStarterPack", nil), err)
	}
	if sp.URI == "" {
		return nil, internal.NewNotFoundError("starter pack", uri)
	}
	return sp, nil
}

func clampLimit(limit int) int {
	if limit > maxPageLimit {
		return maxPageLimit
	}
	if limit < 1 {
		return 1
	}
	return limit
}

func setIf(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

var _ internal.ProfileGetter = (*Client)(nil)
