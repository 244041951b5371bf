package imageproxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	validTestDID = "did:plc:z72i7hdynmk6r22z27h6tvur"
	validTestCID = "bafyreihgdyzzpkkzq2izfnhcmm77ycuacvkuziwbnqxfxtqsz7tmxwhnshi"
)

func TestValidateDID(t *testing.T) {
	assert.NoError(t, ValidateDID(validTestDID))
	assert.NoError(t, ValidateDID("did:web:example.com"))
	for _, bad := range []string{"", "plc:abc", "did:plc:../etc", "did:plc:a/b", "did:plc:a\x00"} {
		assert.ErrorIs(t, ValidateDID(bad), ErrInvalidDID, bad)
	}
}

func TestValidateCID(t *testing.T) {
	assert.NoError(t, ValidateCID(validTestCID))
	for _, bad := range []string{"", "not-a-cid", "bafy/../x", "baf\\y"} {
		assert.ErrorIs(t, ValidateCID(bad), ErrInvalidCID, bad)
	}
}

func TestValidatePreset(t *testing.T) {
	assert.NoError(t, ValidatePreset("avatar_small"))
	for _, bad := range []string{"", "../avatar", "avatar/x", "nope"} {
		assert.ErrorIs(t, ValidatePreset(bad), ErrInvalidPreset, bad)
	}
}

func TestValidateURI(t *testing.T) {
	valid := []string{
		"https://example.com/a.png",
		"http://example.com:8080/x",
		"atblob://" + validTestDID + "/" + validTestCID,
	}
	for _, uri := range valid {
		assert.NoError(t, ValidateURI(uri), uri)
	}

	invalid := []string{
		"",
		"/etc/passwd",
		"file:///etc/passwd",
		"data:image/png;base64,AAAA",
		"https:///nohost",
		"atblob://not-a-did/" + validTestCID,
		"ftp://example.com/a.png",
	}
	for _, uri := range invalid {
		assert.ErrorIs(t, ValidateURI(uri), ErrInvalidURI, uri)
	}
}
