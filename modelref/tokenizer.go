package modelref

import "strings"

// Tokenizer is a trivial whitespace tokenizer: each distinct word maps to a
// stable ID assigned on first sight. Real tokenization (SentencePiece,
// BPE) is out of scope; this exists only so the reference CLI demo
// has something to call end to end. It implements the same
// encode/decode/bos/eos shape a production tokenizer backend would.
type Tokenizer struct {
	toID   map[string]int
	toWord []string
	bos    int
	eos    int
}

// NewTokenizer builds an empty vocabulary with reserved BOS/EOS IDs.
func NewTokenizer() *Tokenizer {
	t := &Tokenizer{
		toID:   make(map[string]int),
		toWord: nil,
	}
	t.bos = t.intern("<bos>")
	t.eos = t.intern("<eos>")
	return t
}

func (t *Tokenizer) intern(word string) int {
	if id, ok := t.toID[word]; ok {
		return id
	}
	id := len(t.toWord)
	t.toID[word] = id
	t.toWord = append(t.toWord, word)
	return id
}

// Encode splits on whitespace and interns each word, growing the
// vocabulary as needed.
func (t *Tokenizer) Encode(text string) []int {
	fields := strings.Fields(text)
	out := make([]int, 0, len(fields))
	for _, w := range fields {
		out = append(out, t.intern(w))
	}
	return out
}

// Decode joins the words for each ID with single spaces, skipping unknown
// IDs.
func (t *Tokenizer) Decode(tokens []int) string {
	words := make([]string, 0, len(tokens))
	for _, id := range tokens {
		if id < 0 || id >= len(t.toWord) {
			continue
		}
		words = append(words, t.toWord[id])
	}
	return strings.Join(words, " ")
}

func (t *Tokenizer) BOSID() int { return t.bos }
func (t *Tokenizer) EOSID() int { return t.eos }
