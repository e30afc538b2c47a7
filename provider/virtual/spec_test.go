package virtual

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/mountkit"
)

const sampleYAML = `
- name: os
  children:
    - name: README.txt
      content: "Installation media"
    - name: linux/alpine.iso
      url: https://dl-cdn.alpinelinux.org/alpine/v3.8/releases/x86_64/alpine-standard-3.8.0-x86_64.iso
`

func TestDecodeSequence(t *testing.T) {
	roots, err := Decode([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, roots, 1)

	os := roots[0]
	assert.Equal(t, "os", os.Name)
	assert.True(t, os.IsDirectory())
	require.Len(t, os.Children, 2)
	require.NotNil(t, os.Children[0].Content)
	assert.Equal(t, "Installation media", *os.Children[0].Content)
	assert.Nil(t, os.Children[1].Content)
	assert.Contains(t, os.Children[1].URL, "alpine-standard")
}

func TestDecodeSingleNamedNode(t *testing.T) {
	roots, err := Decode([]byte(`{"name": "a.txt", "content": ""}`))
	require.NoError(t, err)
	require.Len(t, roots, 1)
	require.NotNil(t, roots[0].Content, "empty content still embeds")
	assert.Equal(t, "", *roots[0].Content)
}

func TestDecodeNamelessRoot(t *testing.T) {
	roots, err := Decode([]byte(`{"children": [{"name": "x", "url": "http://example.com/x"}, {"name": "y", "children": []}]}`))
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, "x", roots[0].Name)
	assert.True(t, roots[1].IsDirectory(), "empty children list is a directory")
}

func TestDecodeErrors(t *testing.T) {
	for _, doc := range []string{
		"",
		"   \n",
		"just a string",
		"{content: orphan}",
		"- name: [unterminated",
	} {
		_, err := Decode([]byte(doc))
		assert.ErrorIs(t, err, mountkit.ErrInvalidSpec, "%q", doc)
	}
}

func TestDecodeSettings(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(sampleYAML))
	roots, err := DecodeSettings(encoded)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "os", roots[0].Name)

	urlEncoded := base64.RawURLEncoding.EncodeToString([]byte(sampleYAML))
	roots, err = DecodeSettings(urlEncoded)
	require.NoError(t, err)
	require.Len(t, roots, 1)

	roots, err = DecodeSettings(sampleYAML)
	require.NoError(t, err)
	require.Len(t, roots, 1)
}
