package modelref

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizer_EncodeDecode_RoundTrips(t *testing.T) {
	tok := NewTokenizer()
	ids := tok.Encode("the quick brown fox")
	assert.Equal(t, "the quick brown fox", tok.Decode(ids))
}

func TestTokenizer_SameWordReusesSameID(t *testing.T) {
	tok := NewTokenizer()
	ids := tok.Encode("a b a")
	assert.Equal(t, ids[0], ids[2])
	assert.NotEqual(t, ids[0], ids[1])
}

func TestTokenizer_BOSAndEOSAreReservedFirst(t *testing.T) {
	tok := NewTokenizer()
	assert.Equal(t, 0, tok.BOSID())
	assert.Equal(t, 1, tok.EOSID())
}

func TestTokenizer_DecodeSkipsOutOfRangeIDs(t *testing.T) {
	tok := NewTokenizer()
	tok.Encode("hello world")
	out := tok.Decode([]int{0, 999, -1})
	assert.Equal(t, "<bos>", out)
}
