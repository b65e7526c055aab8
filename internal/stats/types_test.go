package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key      string
		base     string
		residual string
		wantErr  bool
	}{
		{key: "foo", base: "foo"},
		{key: "foo/bar", base: "foo", residual: "bar"},
		{key: "foo/bar/baz", base: "foo", residual: "bar/baz"},
		{key: "downloader/response_status_count/200", base: "downloader", residual: "response_status_count/200"},
		{key: "", wantErr: true},
		{key: "/foo", wantErr: true},
		{key: "foo/", wantErr: true},
		{key: "foo//bar", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()
			base, residual, err := SplitKey(tt.key)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedKey)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.base, base)
			require.Equal(t, tt.residual, residual)
		})
	}
}

func TestParseOp(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]Op{"set": OpSet, "INC": OpInc, " max ": OpMax, "min": OpMin} {
		got, err := ParseOp(raw)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseOp("avg")
	require.Error(t, err)
}

func TestLabelsMergeDoesNotAlias(t *testing.T) {
	t.Parallel()

	defaults := Labels{"instance": "host1"}
	merged := defaults.Merge(Labels{"entity_name": "news"})
	merged["instance"] = "changed"

	require.Equal(t, "host1", defaults["instance"])
	require.Equal(t, []string{"entity_name", "instance"}, merged.Names())

	var nilLabels Labels
	require.NotNil(t, nilLabels.Clone())
}

func TestFloat(t *testing.T) {
	t.Parallel()

	for _, v := range []any{1, int64(2), uint8(3), float32(1.5), 2.5} {
		_, ok := Float(v)
		require.True(t, ok, "%T should be numeric", v)
	}
	for _, v := range []any{"1", true, nil, struct{}{}} {
		_, ok := Float(v)
		require.False(t, ok, "%T should not be numeric", v)
	}
}
