package sdruntime

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dlclark/regexp2"
)

// CLIP text model constants.
const (
	CLIPMaxLength  = 77
	clipStartToken = "<|startoftext|>"
	clipEndToken   = "<|endoftext|>"
	clipWordSuffix = "</w>"
)

// clipPretokenizer splits lowercased text into the units BPE runs on.
const clipPretokenizer = `<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|[\p{L}]+|[\p{N}]|[^\s\p{L}\p{N}]+`

// CLIPTokenizer is the byte-level BPE tokenizer used by CLIP text encoders.
// Output is BOS, the prompt tokens, EOS, padded with EOS to MaxLength.
type CLIPTokenizer struct {
	vocab      map[string]int
	ranks      map[[2]string]int
	pre        *regexp2.Regexp
	byteToRune [256]rune
	bos, eos   int
	maxLength  int
	cache      map[string][]string
}

// LoadCLIPTokenizer reads vocab.json and merges.txt from dir.
func LoadCLIPTokenizer(dir string) (*CLIPTokenizer, error) {
	vocabData, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: read vocab: %v", ErrModelNotFound, err)
	}
	vocab := make(map[string]int)
	if err := json.Unmarshal(vocabData, &vocab); err != nil {
		return nil, fmt.Errorf("%w: parse vocab: %v", ErrInvalidConfig, err)
	}

	mergesData, err := os.ReadFile(filepath.Join(dir, "merges.txt"))
	if err != nil {
		return nil, fmt.Errorf("%w: read merges: %v", ErrModelNotFound, err)
	}
	var merges [][2]string
	for _, line := range strings.Split(string(mergesData), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if a, b, ok := strings.Cut(line, " "); ok {
			merges = append(merges, [2]string{a, b})
		}
	}
	return NewCLIPTokenizer(vocab, merges)
}

// NewCLIPTokenizer builds a tokenizer from an in-memory vocabulary and merge list.
func NewCLIPTokenizer(vocab map[string]int, merges [][2]string) (*CLIPTokenizer, error) {
	bos, ok := vocab[clipStartToken]
	if !ok {
		return nil, fmt.Errorf("%w: vocabulary lacks %s", ErrInvalidConfig, clipStartToken)
	}
	eos, ok := vocab[clipEndToken]
	if !ok {
		return nil, fmt.Errorf("%w: vocabulary lacks %s", ErrInvalidConfig, clipEndToken)
	}
	ranks := make(map[[2]string]int, len(merges))
	for i, m := range merges {
		if _, dup := ranks[m]; !dup {
			ranks[m] = i
		}
	}
	return &CLIPTokenizer{
		vocab:      vocab,
		ranks:      ranks,
		pre:        regexp2.MustCompile(clipPretokenizer, regexp2.Unicode|regexp2.RE2),
		byteToRune: bytesToUnicode(),
		bos:        bos,
		eos:        eos,
		maxLength:  CLIPMaxLength,
		cache:      make(map[string][]string),
	}, nil
}

// Tokenize implements Tokenizer. Prompts longer than the context are truncated
// with EOS kept as the final token. Not safe for concurrent use because of
// the merge cache; the Sampler serialises calls through its pool.
func (t *CLIPTokenizer) Tokenize(text string) ([]int, error) {
	text = strings.ToLower(strings.Join(strings.Fields(text), " "))

	ids := []int{t.bos}
	words, err := t.split(text)
	if err != nil {
		return nil, err
	}
	for _, word := range words {
		for _, piece := range t.bpe(t.toUnicode(word)) {
			if id, ok := t.vocab[piece]; ok {
				ids = append(ids, id)
			}
		}
	}

	if len(ids) > t.maxLength-1 {
		ids = ids[:t.maxLength-1]
	}
	ids = append(ids, t.eos)
	for len(ids) < t.maxLength {
		ids = append(ids, t.eos)
	}
	return ids, nil
}

func (t *CLIPTokenizer) split(text string) ([]string, error) {
	var words []string
	m, err := t.pre.FindStringMatch(text)
	for ; m != nil && err == nil; m, err = t.pre.FindNextMatch(m) {
		words = append(words, m.String())
	}
	if err != nil {
		return nil, fmt.Errorf("pretokenize: %w", err)
	}
	return words, nil
}

func (t *CLIPTokenizer) toUnicode(word string) string {
	var sb strings.Builder
	for _, b := range []byte(word) {
		sb.WriteRune(t.byteToRune[b])
	}
	return sb.String()
}

// bpe merges the lowest-ranked adjacent pair until none remain.
func (t *CLIPTokenizer) bpe(word string) []string {
	if cached, ok := t.cache[word]; ok {
		return cached
	}
	runes := []rune(word)
	if len(runes) == 0 {
		return nil
	}
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}
	parts[len(parts)-1] += clipWordSuffix

	for len(parts) > 1 {
		best, bestRank := -1, math.MaxInt
		for i := 0; i < len(parts)-1; i++ {
			if r, ok := t.ranks[[2]string{parts[i], parts[i+1]}]; ok && r < bestRank {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		a, b := parts[best], parts[best+1]
		merged := make([]string, 0, len(parts)-1)
		for i := 0; i < len(parts); i++ {
			if i < len(parts)-1 && parts[i] == a && parts[i+1] == b {
				merged = append(merged, a+b)
				i++
				continue
			}
			merged = append(merged, parts[i])
		}
		parts = merged
	}
	t.cache[word] = parts
	return parts
}

// bytesToUnicode maps every byte to a printable rune, the GPT-2 byte encoder.
func bytesToUnicode() [256]rune {
	var table [256]rune
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		if printable(b) {
			table[b] = rune(b)
		} else {
			table[b] = rune(256 + n)
			n++
		}
	}
	return table
}
