// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apex-lang/apex/pkg/registryapi"
)

func TestPasswordHash(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.Contains(t, hash, "$argon2id$v=19$")

	ok, err := VerifyPassword("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong horse", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := HashPassword("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salts differ")

	_, err = VerifyPassword("x", "plain-text")
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := NewAuthenticator([]byte("secret"))
	a.now = func() time.Time { return now }

	token, err := a.Mint(7, "tester")
	require.NoError(t, err)

	id, username, err := a.Verify(token)
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)
	assert.Equal(t, "tester", username)

	t.Run("Expired", func(t *testing.T) {
		t.Parallel()
		later := NewAuthenticator([]byte("secret"))
		later.now = func() time.Time { return now.Add(TokenLifetime + time.Minute) }
		_, _, err := later.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		t.Parallel()
		other := NewAuthenticator([]byte("other"))
		other.now = a.now
		_, _, err := other.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Garbage", func(t *testing.T) {
		t.Parallel()
		_, _, err := a.Verify("not.a.token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestTokenFromRequest(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, tokenFromRequest(r))

	r.AddCookie(&http.Cookie{Name: registryapi.CookieToken, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", tokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", tokenFromRequest(r), "header wins over cookie")

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "from-cookie", tokenFromRequest(r))
}
