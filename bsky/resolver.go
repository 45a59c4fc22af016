package bsky

import (
	"context"
	"strings"

	"bskyfetch/internal"
	"bskyfetch/utils"
)

// Resolver turns bsky.app web links into canonical AT-URIs, resolving the
// handle in the link to a DID through a ProfileGetter
type Resolver struct {
	profiles internal.ProfileGetter
	parser   *utils.LinkParser
}

// NewResolver creates a resolver accepting links on hosts
func NewResolver(profiles internal.ProfileGetter, hosts []string) *Resolver {
	return &Resolver{
		profiles: profiles,
		parser:   utils.NewLinkParser(hosts),
	}
}

// Resolve returns canonical input unchanged without any request. Profile
// links resolve to at://<did>; post, list and starter-pack links resolve to
// at://<did>/<collection>/<rkey>. Every failure is an InvalidLinkError.
func (r *Resolver) Resolve(ctx context.Context, link string) (string, error) {
	link = strings.TrimSpace(link)
	if utils.IsCanonical(link) {
		return link, nil
	}

	info, err := r.parser.ParseLink(link)
	if err != nil {
		return "", err
	}

	did, err := r.ResolveDID(ctx, info.Handle)
	if err != nil {
		if internal.IsType(err, internal.ErrInvalidLink) {
			return "", err
		}
		return "", internal.NewInvalidLinkError(link, "could not resolve handle "+info.Handle).WithCause(err)
	}

	uri := utils.ATURI{
		Authority:  did,
		Collection: info.Kind.Collection(),
		RecordKey:  info.RecordKey,
	}

	internal.LogDebug("Resolved %s link to %s", info.Kind, uri.String())
	return uri.String(), nil
}

// ResolveDID returns the DID for a handle. DIDs are returned unchanged.
func (r *Resolver) ResolveDID(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if utils.IsDID(handle) {
		return handle, nil
	}
	if handle == "" {
		return "", internal.NewInvalidLinkError(handle, "empty handle")
	}

	profile, err := r.profiles.GetProfile(ctx, handle)
	if err != nil {
		return "", err
	}
	if !utils.IsDID(profile.DID) {
		return "", internal.NewInvalidLinkError(handle, "profile has no DID")
	}
	return profile.DID, nil
}

var _ internal.LinkResolver = (*Resolver)(nil)
