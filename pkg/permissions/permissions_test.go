package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cedadev/nlds/pkg/message"
)

func TestAccess(t *testing.T) {
	owner := &Identity{UID: 1000, GIDs: []uint32{1000}}
	member := &Identity{UID: 2000, GIDs: []uint32{1000, 2000}}
	other := &Identity{UID: 3000, GIDs: []uint32{3000}}
	root := &Identity{UID: 0}

	cases := []struct {
		name string
		id   *Identity
		mode uint32
		want uint32
		ok   bool
	}{
		{"OwnerRead", owner, 0o600, Read, true},
		{"OwnerDeniedWhenOwnerBitsClear", owner, 0o044, Read, false},
		{"GroupRead", member, 0o040, Read, true},
		{"GroupDeniedWrite", member, 0o040, Write, false},
		{"OtherRead", other, 0o004, Read, true},
		{"OtherDenied", other, 0o640, Read, false},
		{"OwnerClassShadowsGroup", owner, 0o060, Read, false},
		{"TraverseNeedsBothBits", member, 0o050, Read | Exec, true},
		{"TraverseDeniedWithoutExec", member, 0o040, Read | Exec, false},
		{"RootAlwaysPasses", root, 0, Write, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.ok, c.id.Access(1000, 1000, c.mode, c.want))
		})
	}
}

func TestPathDetailsHelpers(t *testing.T) {
	id := &Identity{UID: 1000, GIDs: []uint32{1000}}
	pd := &message.PathDetails{User: 1000, Group: 1000, Permissions: 0o750}

	assert.True(t, id.CanRead(pd))
	assert.True(t, id.CanTraverse(pd))
	assert.True(t, id.CanWrite(pd))

	stranger := &Identity{UID: 4000, GIDs: []uint32{4000}}
	assert.False(t, stranger.CanRead(pd))
	assert.False(t, stranger.CanWrite(pd))
}

func TestMember(t *testing.T) {
	id := &Identity{UID: 1000, GIDs: []uint32{100, 200}}
	assert.True(t, id.Member(200))
	assert.False(t, id.Member(300))
}
