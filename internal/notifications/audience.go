package notifications

import (
	"context"
	"fmt"
	"sort"
)

// AudienceResolver computes the set of users a request targets.
type AudienceResolver struct {
	directory Directory
}

// NewAudienceResolver creates a new AudienceResolver.
func NewAudienceResolver(directory Directory) *AudienceResolver {
	return &AudienceResolver{directory: directory}
}

// Resolve returns the deduplicated recipient IDs for the request.
// The first matching rule wins:
//  1. explicit targetUserIds;
//  2. notifyStaff with excludeMembers: approved staff and admins only;
//  3. member broadcast (optionally priority tier only) without staff,
//     with staff added back when notifyStaff is set.
//
// excludeUserIds are removed from the result of any rule. The result is
// sorted for stable logs; callers must not depend on the order.
func (a *AudienceResolver) Resolve(ctx context.Context, req *Request) ([]string, error) {
	var audience userSet

	switch {
	case len(req.TargetUserIDs) > 0:
		audience = newUserSet(req.TargetUserIDs...)

	case req.NotifyStaff && req.ExcludeMembers:
		staff, err := a.resolveStaffIDs(ctx)
		if err != nil {
			return nil, err
		}
		audience = staff

	default:
		members, err := a.directory.ListMemberIDs(ctx, req.PriorityOnly)
		if err != nil {
			return nil, fmt.Errorf("list members: %w", err)
		}
		staff, err := a.resolveStaffIDs(ctx)
		if err != nil {
			return nil, err
		}

		audience = newUserSet(members...)
		audience.removeAll(staff)
		if req.NotifyStaff {
			audience.addAll(staff)
		}
	}

	audience.remove(req.ExcludeUserIDs...)
	return audience.sorted(), nil
}

// resolveStaffIDs returns users with an approved staff or admin role.
func (a *AudienceResolver) resolveStaffIDs(ctx context.Context) (userSet, error) {
	ids, err := a.directory.ListApprovedStaffIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list staff: %w", err)
	}
	return newUserSet(ids...), nil
}

type userSet map[string]struct{}

func newUserSet(ids ...string) userSet {
	s := make(userSet, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

func (s userSet) addAll(other userSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

func (s userSet) removeAll(other userSet) {
	for id := range other {
		delete(s, id)
	}
}

func (s userSet) remove(ids ...string) {
	for _, id := range ids {
		delete(s, id)
	}
}

func (s userSet) sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
