package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionName(t *testing.T) {
	tests := []struct {
		name    string
		session string
		want    string
		wantErr error
	}{
		{name: "shared", session: "", want: "college_syllabus"},
		{name: "session", session: "3f2a9c", want: "college_syllabus_s_3f2a9c"},
		{name: "uppercase rejected", session: "ABC", wantErr: ErrInvalidSession},
		{name: "traversal rejected", session: "../x", wantErr: ErrInvalidSession},
		{name: "too long", session: "0123456789abcdef0123456789abcdef0", wantErr: ErrInvalidSession},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CollectionName("college_syllabus", tt.session)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, ValidateCollectionName(got))
		})
	}
}

func TestValidateCollectionName(t *testing.T) {
	assert.NoError(t, ValidateCollectionName("college_syllabus"))
	assert.ErrorIs(t, ValidateCollectionName(""), ErrInvalidCollectionName)
	assert.ErrorIs(t, ValidateCollectionName("College"), ErrInvalidCollectionName)
	assert.ErrorIs(t, ValidateCollectionName("a/b"), ErrInvalidCollectionName)
}
