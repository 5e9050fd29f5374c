// Package permissions resolves the requesting user against the OS user
// database and answers POSIX access questions for the workers that touch
// the filesystem on the user's behalf.
package permissions

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/cedadev/nlds/pkg/message"
)

// Permission bits, as in the lower three bits of each mode class.
const (
	Read  uint32 = 4
	Write uint32 = 2
	Exec  uint32 = 1
)

// Identity is a resolved user: uid plus all group memberships including
// the primary group.
type Identity struct {
	UID  uint32
	GIDs []uint32
}

// LookupFunc resolves a user name to an Identity. Workers take one so
// tests can substitute fixed identities for the OS user database.
type LookupFunc func(username string) (*Identity, error)

// Lookup resolves a user name to an Identity. One lookup per message is
// enough; identities are not cached across messages so membership changes
// take effect on the next request.
func Lookup(username string) (*Identity, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("unknown user %q: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("non-numeric uid %q for user %q", u.Uid, username)
	}
	id := &Identity{UID: uint32(uid)}

	if gid, err := strconv.ParseUint(u.Gid, 10, 32); err == nil {
		id.GIDs = append(id.GIDs, uint32(gid))
	}
	groups, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("cannot resolve groups for user %q: %w", username, err)
	}
	for _, g := range groups {
		gid, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		if !id.Member(uint32(gid)) {
			id.GIDs = append(id.GIDs, uint32(gid))
		}
	}
	return id, nil
}

// Member reports whether the identity belongs to the group.
func (id *Identity) Member(gid uint32) bool {
	for _, g := range id.GIDs {
		if g == gid {
			return true
		}
	}
	return false
}

// Access applies the standard POSIX check: the owner class applies when
// the uid matches, otherwise the group class when the identity is a
// member, otherwise the other class. Root passes everything.
func (id *Identity) Access(uid, gid, mode, want uint32) bool {
	if id.UID == 0 {
		return true
	}
	var bits uint32
	switch {
	case id.UID == uid:
		bits = mode >> 6
	case id.Member(gid):
		bits = mode >> 3
	default:
		bits = mode
	}
	return bits&want == want
}

// CanRead reports whether the identity may read the entry.
func (id *Identity) CanRead(pd *message.PathDetails) bool {
	return id.Access(pd.User, pd.Group, pd.Permissions, Read)
}

// CanTraverse reports whether the identity may list and descend into a
// directory entry.
func (id *Identity) CanTraverse(pd *message.PathDetails) bool {
	return id.Access(pd.User, pd.Group, pd.Permissions, Read|Exec)
}

// CanWrite reports whether the identity may write the entry.
func (id *Identity) CanWrite(pd *message.PathDetails) bool {
	return id.Access(pd.User, pd.Group, pd.Permissions, Write)
}
