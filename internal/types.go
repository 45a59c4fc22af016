package internal

import (
	"encoding/json"
	"net/http"
	"time"
)

// Identity is the long-lived account credential used for login
type Identity struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// Session holds the credentials of one logged-in account.
// Credential lifetimes are enforced by the SecretStore, not by this struct.
type Session struct {
	AccessCredential  string   `json:"-"`
	RefreshCredential string   `json:"-"`
	DID               string   `json:"did,omitempty"`
	Handle            string   `json:"handle,omitempty"`
	Identity          Identity `json:"identity"`
}

// Profile is a snapshot of a remote actor at fetch time
type Profile struct {
	DID            string `json:"did"`
	Handle         string `json:"handle"`
	DisplayName    string `json:"displayName"`
	Avatar         string `json:"avatar"`
	Banner         string `json:"banner,omitempty"`
	Description    string `json:"description"`
	FollowersCount int    `json:"followersCount,omitempty"`
	FollowsCount   int    `json:"followsCount,omitempty"`
	PostsCount     int    `json:"postsCount,omitempty"`
	CreatedAt      string `json:"createdAt,omitempty"`
}

// PostRecord is the author-written part of a post
type PostRecord struct {
	Text      string          `json:"text"`
	CreatedAt string          `json:"createdAt"`
	Langs     []string        `json:"langs,omitempty"`
	Embed     json.RawMessage `json:"embed,omitempty"`
}

// PostCounts are the engagement counters of a post
type PostCounts struct {
	Like   int `json:"like"`
	Repost int `json:"repost"`
	Reply  int `json:"reply"`
	Quote  int `json:"quote"`
}

// Post is a point-in-time snapshot of one post
type Post struct {
	URI       string          `json:"uri"`
	CID       string          `json:"cid"`
	Author    Profile         `json:"author"`
	Record    PostRecord      `json:"record"`
	Counts    PostCounts      `json:"counts"`
	Embed     json.RawMessage `json:"embed,omitempty"`
	IndexedAt string          `json:"indexedAt,omitempty"`
}

// ListMeta describes a curated list
type ListMeta struct {
	URI         string   `json:"uri"`
	CID         string   `json:"cid,omitempty"`
	Name        string   `json:"name"`
	Purpose     string   `json:"purpose,omitempty"`
	Description string   `json:"description"`
	Avatar      string   `json:"avatar,omitempty"`
	ItemCount   int      `json:"listItemCount,omitempty"`
	Creator     *Profile `json:"creator,omitempty"`
}

// ListItem is one membership entry of a list
type ListItem struct {
	URI     string  `json:"uri"`
	Subject Profile `json:"subject"`
}

// ListPage is one page of a list's items
type ListPage struct {
	List   ListMeta   `json:"list"`
	Items  []ListItem `json:"items"`
	Cursor string     `json:"cursor"`
}

// ListsPage is one page of the lists created by an actor
type ListsPage struct {
	Lists  []ListMeta `json:"lists"`
	Cursor string     `json:"cursor"`
}

// Feed is a page of posts from a feed endpoint
type Feed struct {
	Posts  []Post `json:"posts"`
	Cursor string `json:"cursor"`
}

// SearchResult is a page of post search hits
type SearchResult struct {
	Cursor    string `json:"cursor"`
	HitsTotal int    `json:"hitsTotal"`
	Posts     []Post `json:"posts"`
}

// StarterPack is the starter pack envelope with its embedded list reference
type StarterPack struct {
	URI                string          `json:"uri"`
	CID                string          `json:"cid"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Creator            Profile         `json:"creator"`
	List               ListMeta        `json:"list"`
	ListItemsSample    []ListItem      `json:"listItemsSample"`
	JoinedWeekCount    int             `json:"joinedWeekCount"`
	JoinedAllTimeCount int             `json:"joinedAllTimeCount"`
	IndexedAt          string          `json:"indexedAt,omitempty"`
	Raw                json.RawMessage `json:"raw,omitempty"`
}

// AggregatedList is every item of a list gathered across pages, in server order.
// Truncated is set when the item cap stopped pagination while a cursor remained;
// Partial is set when a page fetch failed and the remaining pages were skipped.
type AggregatedList struct {
	List      ListMeta   `json:"list"`
	Items     []ListItem `json:"items"`
	Cursor    string     `json:"cursor"`
	Truncated bool       `json:"truncated"`
	Partial   bool       `json:"partial"`
	FetchedAt time.Time  `json:"fetchedAt"`
}

// HTTPRequest is a transport-level request description
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    interface{}
}

// HTTPResponse is a transport-level response. IsJSON is false when the body
// could not be recognised as JSON.
type HTTPResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	IsJSON     bool
}

// Success reports a 2xx status
func (r *HTTPResponse) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
