package staging

import (
	"context"
	"fmt"
	"strings"
	"unicode"
)

// ChunkID derives the stable chunk identifier from the chunk's language,
// category, source filename and index. It is pure: equal inputs always
// produce equal output, which downstream consumers rely on to detect
// re-submissions. The index suffix keeps ids collision-free within one
// source file.
func ChunkID(language, category, source string, index int) string {
	return fmt.Sprintf("%s_%s_%s_%04d", slug(language), slug(category), slug(source), index)
}

// slug lowercases s and collapses anything that is not a letter or digit
// into single hyphens, so the id stays human-decodable regardless of the
// original filename's punctuation.
func slug(s string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// NextIndex returns the next contiguous chunk index for a source file: the
// count of its pending plus approved chunks. The read is only meaningful
// while the caller holds the source's advisory lock; SubmitChunks does that
// and assigns a whole batch under one acquisition.
func (s *Service) NextIndex(ctx context.Context, source string) (int, error) {
	unlock := s.locks.Lock(source)
	defer unlock()
	return s.store.CountChunks(ctx, source)
}
