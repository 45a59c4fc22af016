package bsky

import (
	"encoding/json"
	"net/http"
	"strings"

	"bskyfetch/internal"
)

// XRPCError is the error envelope the service returns with non-2xx statuses
type XRPCError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// sessionResponse is returned by createSession and refreshSession
type sessionResponse struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	DID        string `json:"did"`
}

type postRecordView struct {
	Text      string          `json:"text"`
	CreatedAt string          `json:"createdAt"`
	Langs     []string        `json:"langs"`
	Embed     json.RawMessage `json:"embed"`
}

type postView struct {
	URI         string           `json:"uri"`
	CID         string           `json:"cid"`
	Author      internal.Profile `json:"author"`
	Record      postRecordView   `json:"record"`
	Embed       json.RawMessage  `json:"embed"`
	ReplyCount  int              `json:"replyCount"`
	RepostCount int              `json:"repostCount"`
	LikeCount   int              `json:"likeCount"`
	QuoteCount  int              `json:"quoteCount"`
	IndexedAt   string           `json:"indexedAt"`
}

type feedViewPost struct {
	Post postView `json:"post"`
}

type feedResponse struct {
	Cursor string         `json:"cursor"`
	Feed   []feedViewPost `json:"feed"`
}

type postsResponse struct {
	Posts []postView `json:"posts"`
}

type searchResponse struct {
	Cursor    string     `json:"cursor"`
	HitsTotal *int       `json:"hitsTotal"`
	Posts     []postView `json:"posts"`
}

type starterPackRecord struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	List        string `json:"list"`
	CreatedAt   string `json:"createdAt"`
}

type starterPackView struct {
	URI                string              `json:"uri"`
	CID                string              `json:"cid"`
	Record             starterPackRecord   `json:"record"`
	Creator            internal.Profile    `json:"creator"`
	List               *internal.ListMeta  `json:"list"`
	ListItemsSample    []internal.ListItem `json:"listItemsSample"`
	JoinedWeekCount    int                 `json:"joinedWeekCount"`
	JoinedAllTimeCount int                 `json:"joinedAllTimeCount"`
	IndexedAt          string              `json:"indexedAt"`
}

type starterPackResponse struct {
	StarterPack json.RawMessage `json:"starterPack"`
}

// normalizePost flattens a post view into the domain record
func normalizePost(v postView) internal.Post {
	embed := v.Record.Embed
	if len(v.Embed) > 0 {
		// the hydrated view embed carries resolved media URLs
		embed = v.Embed
	}
	return internal.Post{
		URI:    v.URI,
		CID:    v.CID,
		Author: v.Author,
		Record: internal.PostRecord{
			Text:      v.Record.Text,
			CreatedAt: v.Record.CreatedAt,
			Langs:     v.Record.Langs,
			Embed:     v.Record.Embed,
		},
		Counts: internal.PostCounts{
			Like:   v.LikeCount,
			Repost: v.RepostCount,
			Reply:  v.ReplyCount,
			Quote:  v.QuoteCount,
		},
		Embed:     embed,
		IndexedAt: v.IndexedAt,
	}
}

func normalizePosts(views []postView) []internal.Post {
	posts := make([]internal.Post, 0, len(views))
	for _, v := range views {
		posts = append(posts, normalizePost(v))
	}
	return posts
}

// normalizeStarterPack builds the envelope, preferring the record's own name
// and description over those of the referenced list
func normalizeStarterPack(raw json.RawMessage) (*internal.StarterPack, error) {
	var v starterPackView
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	sp := &internal.StarterPack{
		URI:                v.URI,
		CID:                v.CID,
		Name:               v.Record.Name,
		Description:        v.Record.Description,
		Creator:            v.Creator,
		ListItemsSample:    v.ListItemsSample,
		JoinedWeekCount:    v.JoinedWeekCount,
		JoinedAllTimeCount: v.JoinedAllTimeCount,
		IndexedAt:          v.IndexedAt,
		Raw:                raw,
	}
	if v.List != nil {
		sp.List = *v.List
	}
	if sp.List.URI == "" {
		sp.List.URI = v.Record.List
	}
	if sp.ListItemsSample == nil {
		sp.ListItemsSample = []internal.ListItem{}
	}
	return sp, nil
}

func parseXRPCError(resp *internal.HTTPResponse) XRPCError {
	var e XRPCError
	if resp != nil && resp.IsJSON {
		_ = json.Unmarshal(resp.Body, &e)
	}
	return e
}

// isAuthFailure reports whether the response rejects the access credential.
// Expired and invalid tokens come back as 400 with a named error.
func isAuthFailure(resp *internal.HTTPResponse) bool {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusBadRequest:
		switch parseXRPCError(resp).Error {
		case "ExpiredToken", "InvalidToken":
			return true
		}
	}
	return false
}

// statusError maps a non-2xx response to the client error taxonomy
func statusError(resp *internal.HTTPResponse, requestURL, resource, id string) error {
	xe := parseXRPCError(resp)

	switch {
	case resp.StatusCode == http.StatusNotFound,
		xe.Error == "NotFound",
		resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(xe.Message), "not found"):
		return internal.NewNotFoundError(resource, id).WithURL(requestURL).
			WithContext("remote_error", xe.Error)
	case isAuthFailure(resp):
		return internal.NewAuthenticationError("request rejected by the service",
			internal.NewRemoteStatusError(resp.StatusCode, xe.Error, xe.Message))
	default:
		return internal.NewRemoteStatusError(resp.StatusCode, xe.Error, xe.Message).WithURL(requestURL)
	}
}

// decodeResponse checks the status and decodes a JSON body into out
func decodeResponse(resp *internal.HTTPResponse, requestURL, resource, id string, out interface{}) error {
	if !resp.Success() {
		return statusError(resp, requestURL, resource, id)
	}
	if !resp.IsJSON {
		return internal.NewDecodeError(requestURL, nil).WithContext("status", resp.StatusCode)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return internal.NewDecodeError(requestURL, err)
	}
	return nil
}
