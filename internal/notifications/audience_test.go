package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/bissquit/workout-notify/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clubDirectory: m1 standard, m2 and m3 card holders, s1 staff (standard),
// a1 admin (card), p1 holds a pending staff role and stays a member.
func clubDirectory() *fakeRepository {
	repo := newFakeRepository()
	repo.addMember("m1", domain.MemberTypeStandard)
	repo.addMember("m2", domain.MemberTypeCard)
	repo.addMember("m3", domain.MemberTypeCard)
	repo.addMember("s1", domain.MemberTypeStandard)
	repo.addMember("a1", domain.MemberTypeCard)
	repo.addMember("p1", domain.MemberTypeStandard)
	repo.staff = []string{"s1", "a1"}
	return repo
}

func TestAudienceResolver_Resolve(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want []string
	}{
		{
			name: "explicit targets minus exclusions",
			req: Request{
				TargetUserIDs:  []string{"u1", "u2"},
				ExcludeUserIDs: []string{"u2"},
			},
			want: []string{"u1"},
		},
		{
			name: "explicit targets ignore broadcast flags",
			req: Request{
				TargetUserIDs:  []string{"s1", "m1", "m1"},
				PriorityOnly:   true,
				NotifyStaff:    true,
				ExcludeMembers: true,
			},
			want: []string{"m1", "s1"},
		},
		{
			name: "staff only",
			req:  Request{NotifyStaff: true, ExcludeMembers: true},
			want: []string{"a1", "s1"},
		},
		{
			name: "staff only minus exclusions",
			req:  Request{NotifyStaff: true, ExcludeMembers: true, ExcludeUserIDs: []string{"a1"}},
			want: []string{"s1"},
		},
		{
			name: "member broadcast excludes staff",
			req:  Request{},
			want: []string{"m1", "m2", "m3", "p1"},
		},
		{
			name: "priority broadcast",
			req:  Request{PriorityOnly: true},
			want: []string{"m2", "m3"},
		},
		{
			name: "priority broadcast with staff",
			req:  Request{PriorityOnly: true, NotifyStaff: true},
			want: []string{"a1", "m2", "m3", "s1"},
		},
		{
			name: "broadcast with staff and exclusions",
			req:  Request{NotifyStaff: true, ExcludeUserIDs: []string{"s1", "m1"}},
			want: []string{"a1", "m2", "m3", "p1"},
		},
		{
			name: "exclude members without notify staff is a member broadcast",
			req:  Request{ExcludeMembers: true},
			want: []string{"m1", "m2", "m3", "p1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := NewAudienceResolver(clubDirectory())

			got, err := resolver.Resolve(context.Background(), &tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAudienceResolver_PriorityRecipientsAreCardMembers(t *testing.T) {
	repo := clubDirectory()
	resolver := NewAudienceResolver(repo)

	got, err := resolver.Resolve(context.Background(), &Request{PriorityOnly: true})
	require.NoError(t, err)

	staff := newUserSet(repo.staff...)
	for _, id := range got {
		assert.True(t, repo.members[id].IsPriority(), "%s must be a card member", id)
		_, isStaff := staff[id]
		assert.False(t, isStaff, "%s must not be staff", id)
	}
}

func TestAudienceResolver_EmptyAudience(t *testing.T) {
	resolver := NewAudienceResolver(newFakeRepository())

	got, err := resolver.Resolve(context.Background(), &Request{NotifyStaff: true, ExcludeMembers: true})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAudienceResolver_StaffLookedUpOnce(t *testing.T) {
	repo := clubDirectory()
	resolver := NewAudienceResolver(repo)

	_, err := resolver.Resolve(context.Background(), &Request{NotifyStaff: true})
	require.NoError(t, err)
	assert.Equal(t, 1, repo.staffCalls)
}

func TestAudienceResolver_DirectoryErrors(t *testing.T) {
	errDB := errors.New("db down")

	repo := clubDirectory()
	repo.membersErr = errDB
	_, err := NewAudienceResolver(repo).Resolve(context.Background(), &Request{})
	assert.ErrorIs(t, err, errDB)

	repo = clubDirectory()
	repo.staffErr = errDB
	_, err = NewAudienceResolver(repo).Resolve(context.Background(), &Request{NotifyStaff: true, ExcludeMembers: true})
	assert.ErrorIs(t, err, errDB)

	_, err = NewAudienceResolver(repo).Resolve(context.Background(), &Request{TargetUserIDs: []string{"u1"}})
	assert.NoError(t, err, "explicit targets need no directory lookup")
}
