package humanizer

import (
	"math/rand"
	"regexp"
	"strings"

	"github.com/jerryplusy/mioku/internal/config"
)

// casualPhrase is one ordered rewrite candidate. The first matching
// pattern wins when the word-replace roll succeeds.
type casualPhrase struct {
	re   *regexp.Regexp
	repl string
}

var casualPhrases = []casualPhrase{
	{regexp.MustCompile(`知道了`), "知道啦"},
	{regexp.MustCompile(`这样子?`), "酱紫"},
	{regexp.MustCompile(`什么`), "啥"},
	{regexp.MustCompile(`不是`), "8是"},
	{regexp.MustCompile(`是的`), "是滴"},
	{regexp.MustCompile(`没有`), "木有"},
	{regexp.MustCompile(`喜欢`), "稀饭"},
	{regexp.MustCompile(`(?i)\bthanks\b`), "thx"},
	{regexp.MustCompile(`(?i)\bplease\b`), "pls"},
	{regexp.MustCompile(`(?i)\byou\b`), "u"},
}

// homophones maps single CJK characters to common mistype
// substitutions.
var homophones = map[rune][]rune{
	'的': {'得', '地'},
	'得': {'的'},
	'在': {'再'},
	'再': {'在'},
	'做': {'作'},
	'他': {'她', '它'},
	'吗': {'嘛'},
	'吧': {'八'},
	'那': {'哪'},
	'哪': {'那'},
	'以': {'已'},
	'已': {'以'},
	'过': {'锅'},
	'了': {'叻'},
}

// Typo injects plausible human typing mistakes into outbound text.
type Typo struct {
	cfg    config.TypoConfig
	randFn func() float64
	pickFn func(n int) int
}

// NewTypo creates a typo generator.
func NewTypo(cfg config.TypoConfig) *Typo {
	return &Typo{
		cfg:    cfg,
		randFn: rand.Float64,
		pickFn: rand.Intn,
	}
}

// Apply rewrites one outbound line. Identity when disabled. At most
// one casual-phrase rewrite happens per line, then each rune may be
// swapped for a homophone independently.
func (t *Typo) Apply(text string) string {
	if !t.cfg.Enabled || text == "" {
		return text
	}

	if t.randFn() < t.cfg.WordReplaceRate {
		for _, p := range casualPhrases {
			if p.re.MatchString(text) {
				text = p.re.ReplaceAllString(text, p.repl)
				break
			}
		}
	}

	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range text {
		if subs, ok := homophones[r]; ok && t.randFn() < t.cfg.ErrorRate {
			r = subs[t.pickFn(len(subs))]
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
