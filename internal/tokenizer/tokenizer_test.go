package tokenizer

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/23skdu/longbow-rewrite/internal/gguf"
)

var testVocab = []string{"[PAD]", "[EOS]", "[UNK]", "[SEP]", "hello", "world", "it", "a", "b", "你", "好"}

func generateVocabGGUF(t *testing.T, vocab []string) string {
	t.Helper()
	w := gguf.NewWriter()
	w.AddStrings("tokenizer.ggml.tokens", vocab)
	path := filepath.Join(t.TempDir(), "vocab.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("Failed to generate vocab: %v", err)
	}
	return path
}

func TestNewFromGGUF(t *testing.T) {
	tk, err := New(generateVocabGGUF(t, testVocab))
	if err != nil {
		t.Fatalf("Failed to create tokenizer: %v", err)
	}
	if tk.Size() != len(testVocab) {
		t.Errorf("Size() = %d, want %d", tk.Size(), len(testVocab))
	}
	if tk.PadID != 0 || tk.EOSID != 1 || tk.UnkID != 2 || tk.SepID != 3 {
		t.Errorf("special ids = %d %d %d %d", tk.PadID, tk.EOSID, tk.UnkID, tk.SepID)
	}
}

func TestFromTokensErrors(t *testing.T) {
	tests := []struct {
		name  string
		vocab []string
	}{
		{"missing special", []string{"[PAD]", "[EOS]", "[UNK]", "hello"}},
		{"duplicate", []string{"[PAD]", "[EOS]", "[UNK]", "[SEP]", "x", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromTokens(tt.vocab); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNewMissingTokens(t *testing.T) {
	w := gguf.NewWriter()
	w.AddString("general.name", "empty")
	path := filepath.Join(t.TempDir(), "empty.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Error("expected error for file without tokens")
	}
}

func TestEncode(t *testing.T) {
	tk, err := FromTokens(testVocab)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		text string
		want []int
	}{
		{"hello world", []int{4, 5}},
		{"  hello\tworld\n", []int{4, 5}},
		{"ab", []int{7, 8}},
		{"你好", []int{9, 10}},
		{"axe", []int{7, 2, 2}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := tk.Encode(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Encode(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestEncodeDialogue(t *testing.T) {
	tk, err := FromTokens(testVocab)
	if err != nil {
		t.Fatal(err)
	}
	ids, segs, err := tk.EncodeDialogue([]string{"hello world", "a", "it"})
	if err != nil {
		t.Fatal(err)
	}
	wantIDs := []int{4, 5, 3, 7, 3, 6, 1}
	wantSegs := []int{0, 0, 0, 0, 0, 1, 1}
	if !reflect.DeepEqual(ids, wantIDs) {
		t.Errorf("ids = %v, want %v", ids, wantIDs)
	}
	if !reflect.DeepEqual(segs, wantSegs) {
		t.Errorf("segments = %v, want %v", segs, wantSegs)
	}

	ids, segs, err = tk.EncodeDialogue([]string{"hello"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ids, []int{4, 1}) || !reflect.DeepEqual(segs, []int{1, 1}) {
		t.Errorf("single turn: ids=%v segs=%v", ids, segs)
	}

	if _, _, err := tk.EncodeDialogue(nil); err == nil {
		t.Error("expected error for empty dialogue")
	}
}

func TestTokenizerDecode(t *testing.T) {
	tk, err := FromTokens(testVocab)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		ids  []int
		want string
	}{
		{[]int{4, 5}, "hello world"},
		{[]int{4, 0, 5, 1, 6}, "hello world"},
		{[]int{1, 4}, ""},
		{[]int{-1, 99, 6}, "it"},
	}
	for _, tt := range tests {
		if got := tk.Decode(tt.ids); got != tt.want {
			t.Errorf("Decode(%v) = %q, want %q", tt.ids, got, tt.want)
		}
	}
}

func TestReadVocab(t *testing.T) {
	tokens, err := ReadVocab(strings.NewReader("[PAD]\r\n[EOS]\n\n  \nhello\n"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"[PAD]", "[EOS]", "hello"}
	if !reflect.DeepEqual(tokens, want) {
		t.Errorf("ReadVocab = %v, want %v", tokens, want)
	}
}
