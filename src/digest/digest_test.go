package digest

import (
	"strings"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const foobarHash = "c3ab8ff13720e8ad9047dd39466b3c8974e592c2fa383d4a3960714caef0c4f2"

func TestOfBytes(t *testing.T) {
	d := OfBytes([]byte("foobar"))
	assert.Equal(t, foobarHash, d.Hex())
	assert.EqualValues(t, 6, d.Size)
}

func TestHexRoundTrip(t *testing.T) {
	d := OfBytes([]byte("some test content"))
	d2, err := New(d.Hex(), d.Size)
	require.NoError(t, err)
	assert.Equal(t, d, d2)
}

func TestEmpty(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Empty.Hex())
	assert.EqualValues(t, 0, Empty.Size)
	assert.True(t, OfBytes(nil).IsEmpty())
	assert.False(t, OfBytes([]byte{0}).IsEmpty())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("abc", 1)
	assert.Error(t, err)
	_, err = New(strings.Repeat("zz", 32), 1)
	assert.Error(t, err)
	_, err = New(foobarHash, -1)
	assert.Error(t, err)
}

func TestProtoRoundTrip(t *testing.T) {
	d := OfBytes([]byte("foobar"))
	p := d.ToProto()
	assert.Equal(t, &pb.Digest{Hash: foobarHash, SizeBytes: 6}, p)
	d2, err := FromProto(p)
	require.NoError(t, err)
	assert.Equal(t, d, d2)
	_, err = FromProto(nil)
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, foobarHash+"/6", OfBytes([]byte("foobar")).String())
}
