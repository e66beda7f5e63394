package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// BERT special token ids.
const (
	clsToken = 101 // [CLS]
	sepToken = 102 // [SEP]
	unkToken = 100 // [UNK]
)

// tokenizer performs BERT-style WordPiece tokenization from a HuggingFace
// tokenizer.json vocabulary.
type tokenizer struct {
	vocab map[string]int
}

func loadTokenizer(path string) (*tokenizer, error) {
	if path == "" {
		return nil, fmt.Errorf("tokenizer path is required")
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: model asset path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read tokenizer file: %w", err)
	}

	var tokenizerData struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &tokenizerData); err != nil {
		return nil, fmt.Errorf("parse tokenizer file: %w", err)
	}
	if len(tokenizerData.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer file %s has an empty vocabulary", path)
	}

	return &tokenizer{vocab: tokenizerData.Model.Vocab}, nil
}

// encoded is a fixed-length model input: token ids, attention mask, and
// segment ids, all padded to the same length.
type encoded struct {
	inputIDs      []int64
	attentionMask []int64
	tokenTypeIDs  []int64
}

// encode builds [CLS] text [SEP], truncated and padded to maxLen.
func (t *tokenizer) encode(text string, maxLen int) encoded {
	return t.build([][]int64{t.tokenize(text)}, maxLen)
}

// encodePair builds [CLS] a [SEP] b [SEP] with segment ids 0/1, the input
// shape cross-encoders score jointly. The segments share maxLen; b is
// truncated first since a (the query) is usually the shorter, more important
// side.
func (t *tokenizer) encodePair(a, b string, maxLen int) encoded {
	return t.build([][]int64{t.tokenize(a), t.tokenize(b)}, maxLen)
}

func (t *tokenizer) build(segments [][]int64, maxLen int) encoded {
	enc := encoded{
		inputIDs:      make([]int64, maxLen),
		attentionMask: make([]int64, maxLen),
		tokenTypeIDs:  make([]int64, maxLen),
	}

	pos := 0
	write := func(id int64, segment int64) {
		if pos >= maxLen {
			return
		}
		enc.inputIDs[pos] = id
		enc.attentionMask[pos] = 1
		enc.tokenTypeIDs[pos] = segment
		pos++
	}

	// Reserve one slot per separator plus the leading [CLS].
	budget := maxLen - 1 - len(segments)
	if budget < 0 {
		budget = 0
	}

	write(clsToken, 0)
	for i, tokens := range segments {
		segment := int64(i)
		if segment > 1 {
			segment = 1
		}
		for _, id := range tokens {
			if budget == 0 {
				break
			}
			write(id, segment)
			budget--
		}
		write(sepToken, segment)
	}
	return enc
}

// tokenize converts text to WordPiece token ids.
func (t *tokenizer) tokenize(text string) []int64 {
	text = strings.ToLower(text) // uncased BERT vocabularies
	words := strings.Fields(text)

	var tokens []int64
	for _, word := range words {
		word = strings.Trim(word, ".,!?;:\"'")
		if word == "" {
			continue
		}

		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}

		for _, subword := range t.wordPieces(word) {
			if id, ok := t.vocab[subword]; ok {
				tokens = append(tokens, int64(id))
			} else {
				tokens = append(tokens, unkToken)
			}
		}
	}
	return tokens
}

// wordPieces greedily splits a word into the longest matching vocabulary
// pieces, prefixing continuations with "##".
func (t *tokenizer) wordPieces(word string) []string {
	var subwords []string
	start := 0

	for start < len(word) {
		end := len(word)
		found := false

		for end > start {
			substr := word[start:end]
			if start > 0 {
				substr = "##" + substr
			}
			if _, ok := t.vocab[substr]; ok {
				subwords = append(subwords, substr)
				start = end
				found = true
				break
			}
			end--
		}

		if !found {
			subwords = append(subwords, "[UNK]")
			start++
		}
	}
	return subwords
}
