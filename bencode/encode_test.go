package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimpleEncode(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Mary   []byte `bencode:"m"`
		Joseph []byte `bencode:"j"`
		Peter  int64  `bencode:"p"`
		Paul   string `bencode:"pp"`
	}{
		Peter:  1234,
		Paul:   "abcdefghij",
		Joseph: []byte("0123456789"),
		Mary:   []byte("0123"),
	}
	buf, err := Serialize(&obj)
	require.Nil(err)
	require.Equal([]byte("d1:j10:01234567891:m4:01231:pi1234e2:pp10:abcdefghije"), buf)
}

func TestEncodeScalars(t *testing.T) {
	require := require.New(t)

	obj := struct {
		Flag  bool     `bencode:"f"`
		Count uint32   `bencode:"c"`
		Small int8     `bencode:"s"`
		Fixed [2]byte  `bencode:"x"`
		Seqs  []uint64 `bencode:"q"`
	}{
		Flag:  true,
		Count: 7,
		Small: -3,
		Fixed: [2]byte{'a', 'b'},
		Seqs:  []uint64{1, 2},
	}
	buf, err := Serialize(&obj)
	require.Nil(err)
	require.Equal([]byte("d1:ci7e1:fi1e1:qli1ei2ee1:si-3e1:x2:abe"), buf)
}

func TestEncodeMapWithArrayKeys(t *testing.T) {
	require := require.New(t)

	obj := map[[2]byte]uint64{
		{'z', 'z'}: 2,
		{'a', 'a'}: 1,
	}
	buf, err := Serialize(&obj)
	require.Nil(err)
	require.Equal([]byte("d2:aai1e2:zzi2ee"), buf)
}

func TestEncodeRejectsUntaggedAndNil(t *testing.T) {
	require := require.New(t)

	untagged := struct {
		Name string
	}{"x"}
	_, err := Serialize(&untagged)
	require.NotNil(err)

	type inner struct {
		A string `bencode:"a"`
	}
	withNil := struct {
		Inner *inner `bencode:"i"`
	}{}
	_, err = Serialize(&withNil)
	require.NotNil(err)

	_, err = Serialize(untagged)
	require.NotNil(err)
}
