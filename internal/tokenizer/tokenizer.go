package tokenizer

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/23skdu/longbow-rewrite/internal/gguf"
	"github.com/23skdu/longbow-rewrite/internal/metrics"
)

const (
	PadToken = "[PAD]"
	EOSToken = "[EOS]"
	UnkToken = "[UNK]"
	SepToken = "[SEP]"
)

// Segment ids used by EncodeDialogue.
const (
	SegmentContext = 0
	SegmentQuery   = 1
)

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int

	PadID int
	EOSID int
	UnkID int
	SepID int
}

// New loads the vocabulary stored under tokenizer.ggml.tokens.
func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	tokens, err := f.Strings("tokenizer.ggml.tokens")
	if err != nil {
		return nil, err
	}
	return FromTokens(tokens)
}

func FromTokens(tokens []string) (*Tokenizer, error) {
	t := &Tokenizer{
		Tokens: tokens,
		Vocab:  make(map[string]int, len(tokens)),
	}
	for i, s := range tokens {
		if _, dup := t.Vocab[s]; dup {
			return nil, fmt.Errorf("duplicate token %q at %d", s, i)
		}
		t.Vocab[s] = i
	}

	for _, sp := range []struct {
		name string
		dst  *int
	}{
		{PadToken, &t.PadID},
		{EOSToken, &t.EOSID},
		{UnkToken, &t.UnkID},
		{SepToken, &t.SepID},
	} {
		id, ok := t.Vocab[sp.name]
		if !ok {
			return nil, fmt.Errorf("special token %s not in vocabulary", sp.name)
		}
		*sp.dst = id
	}
	return t, nil
}

// ReadVocab reads one token per line. Blank lines are skipped.
func ReadVocab(r io.Reader) ([]string, error) {
	var tokens []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		tokens = append(tokens, line)
	}
	return tokens, sc.Err()
}

func (t *Tokenizer) Size() int {
	return len(t.Tokens)
}

// Encode maps whitespace separated words to ids. Words missing from the
// vocabulary fall back to one token per rune, then to [UNK].
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	unknown := 0
	for _, w := range strings.Fields(text) {
		if id, ok := t.Vocab[w]; ok {
			ids = append(ids, id)
			continue
		}
		for _, r := range w {
			if id, ok := t.Vocab[string(r)]; ok {
				ids = append(ids, id)
			} else {
				ids = append(ids, t.UnkID)
				unknown++
			}
		}
	}
	metrics.RecordTokenizerEncode(len(ids), unknown)
	return ids
}

// EncodeDialogue encodes the context turns followed by the final query turn.
// Every context turn is closed by [SEP] and the query by [EOS]. Context
// positions carry SegmentContext, query positions SegmentQuery.
func (t *Tokenizer) EncodeDialogue(turns []string) (ids, segments []int, err error) {
	if len(turns) == 0 {
		return nil, nil, fmt.Errorf("dialogue has no turns")
	}
	for _, turn := range turns[:len(turns)-1] {
		ids = append(ids, t.Encode(turn)...)
		ids = append(ids, t.SepID)
	}
	ctxLen := len(ids)
	ids = append(ids, t.Encode(turns[len(turns)-1])...)
	ids = append(ids, t.EOSID)

	segments = make([]int, len(ids))
	for i := ctxLen; i < len(ids); i++ {
		segments[i] = SegmentQuery
	}
	return ids, segments, nil
}

// Decode joins tokens with single spaces. It stops at [EOS] and skips [PAD]
// and out of range ids.
func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == t.EOSID {
			break
		}
		if id == t.PadID || id < 0 || id >= len(t.Tokens) {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(t.Tokens[id])
	}
	return sb.String()
}
