package approval

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// challengeWords 是活体校验口令的词表，取自易读不易混淆的词。
var challengeWords = []string{
	"amber", "binary", "cedar", "delta", "ember",
	"falcon", "granite", "harbor", "indigo", "juniper",
	"kestrel", "lantern", "meadow", "nickel", "orchid",
	"pioneer", "quartz", "raven", "sierra", "timber",
}

// newChallengePhrase 生成三个随机词组成的口令。
func newChallengePhrase() (string, error) {
	words := make([]string, 3)
	for i := range words {
		index, err := rand.Int(rand.Reader, big.NewInt(int64(len(challengeWords))))
		if err != nil {
			return "", fmt.Errorf("生成口令失败: %w", err)
		}
		words[i] = challengeWords[index.Int64()]
	}
	return strings.Join(words, " "), nil
}

// phraseMatches 对转写文本做大小写不敏感的包含匹配。
func phraseMatches(transcript, phrase string) bool {
	transcript = strings.ToLower(strings.TrimSpace(transcript))
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	if phrase == "" {
		return false
	}
	return strings.Contains(transcript, phrase)
}
