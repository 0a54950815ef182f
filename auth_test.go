package parley

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCredentialsNotifyOnTransitions(t *testing.T) {
	c := NewCredentials("")
	require.False(t, c.LoggedIn())

	var seen []bool
	unsub := c.OnChange(func(loggedIn bool) { seen = append(seen, loggedIn) })

	c.Login("tok", "u-1")
	require.Equal(t, "tok", c.Token())
	require.Equal(t, "u-1", c.UserID())

	c.Login("tok", "u-1")
	c.Logout()
	c.Logout()
	require.Equal(t, []bool{true, false}, seen)
	require.Equal(t, "", c.Token())

	unsub()
	unsub()
	c.Login("other", "u-2")
	require.Len(t, seen, 2)
}

func TestStaticToken(t *testing.T) {
	var src TokenSource = StaticToken("abc")
	require.Equal(t, "abc", src.Token())
}
