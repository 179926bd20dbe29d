package chatutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsImage(t *testing.T) {
	require.True(t, IsImage("photo.PNG"))
	require.True(t, IsImage("screenshot.jpeg"))
	require.False(t, IsImage("document.pdf"))
	require.False(t, IsImage("archive.tar.gz"))
}

func TestPrepareAttachmentPassesThroughNonImage(t *testing.T) {
	path, err := PrepareAttachment("notes.txt")
	require.NoError(t, err)
	require.Equal(t, "notes.txt", path)
}
