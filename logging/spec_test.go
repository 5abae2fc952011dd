package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantBase   Level
		wantComps  map[string]Level
		wantErr    bool
		errContain string
	}{
		{
			name:     "empty string defaults to info",
			input:    "",
			wantBase: LevelInfo,
		},
		{
			name:     "base level only",
			input:    "debug",
			wantBase: LevelDebug,
		},
		{
			name:      "single component override",
			input:     "info,reconciler=debug",
			wantBase:  LevelInfo,
			wantComps: map[string]Level{"reconciler": LevelDebug},
		},
		{
			name:      "multiple component overrides",
			input:     "warn,reconciler=debug,store=trace",
			wantBase:  LevelWarn,
			wantComps: map[string]Level{"reconciler": LevelDebug, "store": LevelTrace},
		},
		{
			name:      "with whitespace",
			input:     "  info , reconciler = debug  ",
			wantBase:  LevelInfo,
			wantComps: map[string]Level{"reconciler": LevelDebug},
		},
		{
			name:      "component only",
			input:     "stats=debug",
			wantBase:  LevelInfo,
			wantComps: map[string]Level{"stats": LevelDebug},
		},
		{
			name:       "invalid base level",
			input:      "loud",
			wantErr:    true,
			errContain: "unknown log level",
		},
		{
			name:       "invalid component level",
			input:      "info,reconciler=loud",
			wantErr:    true,
			errContain: `component "reconciler"`,
		},
		{
			name:       "base level not first",
			input:      "reconciler=debug,info",
			wantErr:    true,
			errContain: "must come first",
		},
		{
			name:       "empty component name",
			input:      "info,=debug",
			wantErr:    true,
			errContain: "empty component name",
		},
		{
			name:      "empty parts are skipped",
			input:     "info,,stats=debug,",
			wantBase:  LevelInfo,
			wantComps: map[string]Level{"stats": LevelDebug},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseSpec(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBase, spec.BaseLevel)
			for component, level := range tt.wantComps {
				assert.Equal(t, level, spec.LevelFor(component), "component %s", component)
			}
		})
	}
}

func TestLevelFor(t *testing.T) {
	spec, err := ParseSpec("warn,store=trace")
	require.NoError(t, err)

	assert.Equal(t, LevelTrace, spec.LevelFor("store"))
	assert.Equal(t, LevelWarn, spec.LevelFor("reconciler"), "unlisted components use the base level")
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]Level{
		"trace": LevelTrace,
		"debug": LevelDebug,
		"INFO":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
	} {
		got, err := ParseLevel(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
