package plot

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/funcgen/waveform"
)

func TestPlotLine(t *testing.T) {
	var buf bytes.Buffer
	fig := New(&buf)

	require.NoError(t, fig.Plot([]float64{0, 1, 2}, []float64{0.5, 1.5, 3.3}, ""))
	require.Equal(t,
		"%matplotlibdata --{'fmt': '', 'scalex': True, 'scaley': True, 'data': None}[[0.0, 1.0, 2.0], [0.5, 1.5, 3.3]]\n",
		buf.String())
}

func TestPlotKeepsUserKwargsFirst(t *testing.T) {
	var buf bytes.Buffer
	fig := New(&buf)

	require.NoError(t, fig.Plot([]float64{0}, []float64{1}, "r--", KW("label", "A")))
	require.True(t, strings.HasPrefix(buf.String(), "%matplotlibdata --{'label': 'A', 'fmt': 'r--',"))
}

func TestPlotRejectsMismatchedAxes(t *testing.T) {
	fig := New(&bytes.Buffer{})
	require.Error(t, fig.Plot([]float64{0, 1}, []float64{1}, ""))
}

func TestAttributes(t *testing.T) {
	var buf bytes.Buffer
	fig := New(&buf)

	require.NoError(t, fig.Title("Sine"))
	require.NoError(t, fig.XLabel("Time (s)"))
	require.NoError(t, fig.YLim(0, 3.3))
	require.NoError(t, fig.Grid())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Equal(t, []string{
		"%matplotlib --title('Sine', {'fontdict': None, 'loc': None, 'pad': None, 'y': None})",
		"%matplotlib --xlabel('Time (s)', {'fontdict': None, 'labelpad': None, 'loc': None})",
		"%matplotlib --ylim(0.0, 3.3, {})",
		"%matplotlib --grid(, {})",
	}, lines)
}

func TestPyFloat(t *testing.T) {
	cases := map[float64]string{
		0:           "0.0",
		1:           "1.0",
		-2.5:        "-2.5",
		1e6:         "1000000.0",
		0.0001:      "0.0001",
		0.00001:     "1e-05",
		1e16:        "1e+16",
		math.Inf(1): "inf",
	}
	for in, want := range cases {
		require.Equal(t, want, pyFloat(in), "%v", in)
	}
	require.Equal(t, "nan", pyFloat(math.NaN()))
}

func TestRepr(t *testing.T) {
	require.Equal(t, "None", repr(nil))
	require.Equal(t, "False", repr(false))
	require.Equal(t, `'it\'s'`, repr("it's"))
	require.Equal(t, "3", repr(3))
	require.Equal(t, "[1.0, 'x']", repr([]any{1.0, "x"}))
}

func TestWaveformPlotsOnePeriod(t *testing.T) {
	var buf bytes.Buffer
	fig := New(&buf)
	wf, err := waveform.NewTriangle(waveform.Params{
		Vmin: waveform.V(0), Vmax: waveform.V(3), Freq: waveform.V(100), Resolution: 4,
	}, 100)
	require.NoError(t, err)

	require.NoError(t, fig.Waveform(wf, 4))
	require.Equal(t,
		"%matplotlibdata --{'label': 'Triangle', 'fmt': '', 'scalex': True, 'scaley': True, 'data': None}"+
			"[[0.0, 0.0025, 0.005, 0.0075], [0.0, 0.9999542229343099, 1.99995422293431, 2.99995422293431]]\n",
		buf.String())
}
