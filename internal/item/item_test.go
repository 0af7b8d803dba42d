package item

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentity(t *testing.T) {
	a := Item{Kind: FileCopy, Key: "/etc/motd", Fields: map[string]string{"src": "motd"}}
	b := Item{Kind: FileCopy, Key: "/etc/motd", Fields: map[string]string{"src": "other"}}
	c := Item{Kind: FileSymlink, Key: "/etc/motd"}
	d := Item{Kind: FileCopy, Key: "/etc/issue"}

	// Value-field edits keep the identity; kind or key edits change it.
	assert.Equal(t, a.Identity(), b.Identity())
	assert.NotEqual(t, a.Identity(), c.Identity())
	assert.NotEqual(t, a.Identity(), d.Identity())

	assert.Equal(t, a.IdentityHash(), b.IdentityHash())
	assert.NotEqual(t, a.IdentityHash(), c.IdentityHash())
}

func TestPackageKind(t *testing.T) {
	assert.Equal(t, Kind("package.apt"), PackageKind("apt"))
	assert.Equal(t, Kind("package.cargo"), PackageKind("cargo"))
}

func TestCheckResultHelpers(t *testing.T) {
	assert.True(t, Satisfied().Satisfied())

	r := Unsatisfied("service %q not active", "syncthing")
	assert.False(t, r.Satisfied())
	assert.Equal(t, `service "syncthing" not active`, r.Detail)
	assert.Equal(t, "unsatisfied", r.Status.String())
	assert.Equal(t, "unknown", StatusUnknown.String())
}
