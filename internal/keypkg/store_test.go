package keypkg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/mls/refimpl"
)

func TestStore(t *testing.T) {
	e := env.NewDeterministic(1)

	t.Run("TakeWithoutPublishReturnsErrNoKeyPackage", func(t *testing.T) {
		s := NewStore()
		_, _, err := s.Take(42)
		assert.ErrorIs(t, err, ErrNoKeyPackage)
	})

	t.Run("PublishThenTakeRoundTrips", func(t *testing.T) {
		s := NewStore()
		pkg, material, err := refimpl.GenerateKeyPackage(e, 42)
		require.NoError(t, err)

		s.Publish(pkg, material)
		assert.Equal(t, 1, s.Available(42))

		gotPkg, gotMaterial, err := s.Take(42)
		require.NoError(t, err)
		assert.Equal(t, pkg.MemberID, gotPkg.MemberID)
		assert.Equal(t, material.X25519Priv, gotMaterial.X25519Priv)
		assert.Equal(t, 0, s.Available(42))
		assert.Equal(t, 1, s.TotalTaken(42))
	})

	t.Run("TakeRotatesOutTheConsumedPackage", func(t *testing.T) {
		s := NewStore()
		pkg, material, err := refimpl.GenerateKeyPackage(e, 7)
		require.NoError(t, err)
		s.Publish(pkg, material)

		_, _, err = s.Take(7)
		require.NoError(t, err)

		_, _, err = s.Take(7)
		assert.ErrorIs(t, err, ErrNoKeyPackage)
	})

	t.Run("TakeServesOldestPublishedFirst", func(t *testing.T) {
		s := NewStore()
		pkg1, material1, err := refimpl.GenerateKeyPackage(e, 9)
		require.NoError(t, err)
		pkg2, material2, err := refimpl.GenerateKeyPackage(e, 9)
		require.NoError(t, err)

		s.Publish(pkg1, material1)
		s.Publish(pkg2, material2)
		assert.Equal(t, 2, s.Available(9))

		gotPkg, _, err := s.Take(9)
		require.NoError(t, err)
		assert.Equal(t, pkg1.Signature, gotPkg.Signature)
		assert.Equal(t, 1, s.Available(9))
	})
}
