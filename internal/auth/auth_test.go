package auth

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/druidia-bot/dotbot/internal/observability"
)

func TestDeviceAuthFlow(t *testing.T) {
	store := NewDeviceStore(observability.NewNopLogger(), nil)
	d, secret := store.Register("user-1", "fp-aaa", false)
	require.NotEmpty(t, secret)

	result, got := store.Authenticate(context.Background(), d.ID, secret, "fp-aaa")
	assert.Equal(t, AuthOK, result)
	assert.Equal(t, d.ID, got.ID)

	result, _ = store.Authenticate(context.Background(), d.ID, "wrong", "fp-aaa")
	assert.Equal(t, AuthBadSecret, result)

	result, _ = store.Authenticate(context.Background(), "ghost", secret, "fp-aaa")
	assert.Equal(t, AuthUnknownDevice, result)
}

func TestRevokedDeviceFailsEvenWithMatchingSecret(t *testing.T) {
	store := NewDeviceStore(observability.NewNopLogger(), nil)
	d, secret := store.Register("user-1", "fp", false)
	require.True(t, store.Revoke(d.ID))

	result, _ := store.Authenticate(context.Background(), d.ID, secret, "fp")
	assert.Equal(t, AuthDeviceRevoked, result)
}

func TestFingerprintMismatchRotatesButSucceeds(t *testing.T) {
	store := NewDeviceStore(observability.NewNopLogger(), nil)
	d, secret := store.Register("user-1", "fp-old", false)

	result, _ := store.Authenticate(context.Background(), d.ID, secret, "fp-new")
	assert.Equal(t, AuthOK, result)

	stored, _ := store.Get(d.ID)
	assert.Equal(t, "fp-new", stored.HWFingerprint)
}

func TestInviteTokenFormat(t *testing.T) {
	store := NewInviteStore(0)
	_, plaintext, err := store.Create(InviteOptions{})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^dbot(-[ABCDEFGHJKMNPQRSTUVWXYZ23456789]{4}){4}$`), plaintext)
}

func TestInviteTokenValidatesExactlyMaxUses(t *testing.T) {
	store := NewInviteStore(0)
	record, plaintext, err := store.Create(InviteOptions{MaxUses: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := store.Redeem(plaintext)
		require.NoError(t, err, "use %d", i+1)
	}
	assert.Equal(t, InviteConsumed, record.Status)

	_, err = store.Redeem(plaintext)
	assert.Error(t, err, "use past max_uses fails")
}

func TestInviteTokenExpiry(t *testing.T) {
	store := NewInviteStore(time.Hour)
	_, plaintext, err := store.Create(InviteOptions{})
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = store.Redeem(plaintext)
	assert.Error(t, err)
}

func TestSessionTokenRoundTrip(t *testing.T) {
	svc := NewSessionService("test-secret", time.Hour)
	d := &Device{ID: "dev-1", UserID: "user-1", IsAdmin: true}

	token, err := svc.Issue(d)
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", claims.Subject)
	assert.Equal(t, "user-1", claims.UserID)
	assert.True(t, claims.IsAdmin)

	_, err = svc.Validate(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCookieCodecRoundTrip(t *testing.T) {
	codec, err := NewCookieCodec()
	require.NoError(t, err)

	cookie, err := codec.Seal("dev-1", "s3cret")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]+:[0-9a-f]+:[0-9a-f]+$`), cookie)

	id, secret, err := codec.Open(cookie)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", id)
	assert.Equal(t, "s3cret", secret)
}

func TestCookieCodecRejectsTampering(t *testing.T) {
	codec, err := NewCookieCodec()
	require.NoError(t, err)
	cookie, err := codec.Seal("dev-1", "s3cret")
	require.NoError(t, err)

	flipped := "0"
	if cookie[len(cookie)-1] == '0' {
		flipped = "1"
	}
	tampered := cookie[:len(cookie)-1] + flipped
	_, _, err = codec.Open(tampered)
	assert.Error(t, err)

	// A different process (fresh key) cannot open the cookie either.
	other, err := NewCookieCodec()
	require.NoError(t, err)
	_, _, err = other.Open(cookie)
	assert.Error(t, err)
}

func TestDeviceCredentialsSingleRead(t *testing.T) {
	path := t.TempDir() + "/device.json"
	creds := NewDeviceCredentials(path)
	require.NoError(t, creds.Write("dev-1", "secret-1"))

	id, secret, err := creds.Read()
	require.NoError(t, err)
	assert.Equal(t, "dev-1", id)
	assert.Equal(t, "secret-1", secret)

	id, secret, err = creds.Read()
	assert.Error(t, err, "second read does not yield the secret")
	assert.Equal(t, "dev-1", id)
	assert.Empty(t, secret)
}
