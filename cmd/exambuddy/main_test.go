package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/exambuddy/internal/queue"
)

func TestParseLanes(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		want    []queue.Kind
		wantErr bool
	}{
		{name: "default is every lane", input: nil, want: queue.Kinds},
		{name: "subset", input: []string{"file", "repo"}, want: []queue.Kind{queue.KindFile, queue.KindRepo}},
		{name: "case and spaces", input: []string{" Video "}, want: []queue.Kind{queue.KindVideo}},
		{name: "duplicates collapse", input: []string{"file", "file"}, want: []queue.Kind{queue.KindFile}},
		{name: "unknown lane", input: []string{"audio"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLanes(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, queue.ErrUnknownKind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRootCommand(t *testing.T) {
	names := make([]string, 0)
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "worker")

	f := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, f)
	assert.Equal(t, "", f.DefValue)

	w := serveCmd.Flags().Lookup("workers")
	require.NotNil(t, w)
	assert.Equal(t, "true", w.DefValue)
}
