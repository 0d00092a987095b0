package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(pathsSelected.WithLabelValues("exit"))
	PathSelected("exit")
	require.Equal(t, before+1, testutil.ToFloat64(pathsSelected.WithLabelValues("exit")))

	before = testutil.ToFloat64(pathFailures.WithLabelValues("exit", "no_exit"))
	PathFailed("exit", "no_exit")
	require.Equal(t, before+1, testutil.ToFloat64(pathFailures.WithLabelValues("exit", "no_exit")))

	before = testutil.ToFloat64(cellsDecrypted.WithLabelValues("bad_auth"))
	CellDecrypted(false)
	require.Equal(t, before+1, testutil.ToFloat64(cellsDecrypted.WithLabelValues("bad_auth")))

	before = testutil.ToFloat64(cellsEncrypted)
	CellEncrypted()
	require.Equal(t, before+1, testutil.ToFloat64(cellsEncrypted))

	before = testutil.ToFloat64(guardSelections.WithLabelValues("ok"))
	GuardSelected("ok")
	require.Equal(t, before+1, testutil.ToFloat64(guardSelections.WithLabelValues("ok")))
}
