package symbols_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shadowtrap/tracee/errs"
	"github.com/shadowtrap/tracee/internal/symbols"
)

func TestLoadWrapsMissingImageAsUnresolved(t *testing.T) {
	r, err := symbols.NewResolver(4)
	require.NoError(t, err)

	_, err = r.Load("/no/such/image-for-tracee-tests")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Unresolved))
}

func TestFindWrapsMissingImageAsUnresolved(t *testing.T) {
	r, err := symbols.NewResolver(4)
	require.NoError(t, err)

	_, err = r.Find("/no/such/image-for-tracee-tests", "malloc", true)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Unresolved))
}

func TestFindAllWrapsMissingImageAsUnresolved(t *testing.T) {
	r, err := symbols.NewResolver(4)
	require.NoError(t, err)

	_, err = r.FindAll("/no/such/image-for-tracee-tests", "malloc", false)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Unresolved))
}

func TestNewResolverRejectsNonPositiveCapacity(t *testing.T) {
	_, err := symbols.NewResolver(0)
	require.Error(t, err)
}
